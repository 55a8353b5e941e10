package fcn

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/fcn8s/encoder"
	"github.com/sugarme/fcn8s/metric"
)

// FCN8s is a fully convolutional segmentation model: a frozen encoder plus
// the FCN-8s decoder.
type FCN8s struct {
	device  gotch.Device
	encoder encoder.Encoder
	decoder *Decoder
}

// New creates FCN8s on top of enc. Decoder channel counts are taken from the
// encoder.
func New(ctx *Context, enc encoder.Encoder, config DecoderConfig) (*FCN8s, error) {
	config.ShallowChannels, config.MidChannels, config.DeepChannels = enc.Channels()
	dec, err := NewDecoder(ctx, config)
	if err != nil {
		return nil, err
	}

	return &FCN8s{device: ctx.Device, encoder: enc, decoder: dec}, nil
}

// Forward returns per-pixel class scores [batch, numClasses, H, W] for images
// [batch, 3, H, W]. H and W must be multiples of 32.
func (m *FCN8s) Forward(x *ts.Tensor, keepProb float64, train bool) (*ts.Tensor, error) {
	size := x.MustSize()
	if len(size) != 4 {
		return nil, errors.Errorf("expected images of shape [batch 3 H W], got %v", size)
	}
	if size[2]%32 != 0 || size[3]%32 != 0 {
		return nil, errors.Errorf("image size %dx%d is not a multiple of 32", size[2], size[3])
	}

	features := m.encoder.ForwardFeatures(x, keepProb, train)
	logits, err := m.decoder.Forward(features)
	features.Drop()
	if err != nil {
		return nil, err
	}

	return logits, nil
}

// ForwardT implements ts.ModuleT for FCN8s, with dropout disabled. It panics
// on shape errors.
func (m *FCN8s) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	logits, err := m.Forward(x, 1.0, train)
	if err != nil {
		panic(err)
	}

	return logits
}

// Decoder returns model decoder.
func (m *FCN8s) Decoder() *Decoder {
	return m.decoder
}

// NumClasses returns number of output classes.
func (m *FCN8s) NumClasses() int64 {
	return m.decoder.config.NumClasses
}

// Logits returns flattened class scores [batch*H*W, numClasses] for images
// with dropout disabled and gradient tracking off.
func (m *FCN8s) Logits(images *ts.Tensor) (*ts.Tensor, error) {
	var (
		flat *ts.Tensor
		err  error
	)
	ts.NoGrad(func() {
		x := images.MustTo(m.device, false)
		defer x.MustDrop()
		var logits *ts.Tensor
		logits, err = m.Forward(x, 1.0, false)
		if err != nil {
			return
		}
		flat = metric.FlattenScores(logits, m.NumClasses())
		logits.MustDrop()
	})

	return flat, err
}
