package fcn

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/fcn8s/base"
	"github.com/sugarme/fcn8s/encoder"
)

// Scope is the namespace all decoder variables are created under.
const Scope = "decoder"

// DecoderConfig holds decoder options.
type DecoderConfig struct {
	NumClasses      int64
	ShallowChannels int64
	MidChannels     int64
	DeepChannels    int64

	// KernelPenalty is the L2 coefficient for every new kernel.
	KernelPenalty float64
	// MidScale and ShallowScale weight the skip inputs before projection.
	// Empirical values for VGG16 at 160x576.
	MidScale     float64
	ShallowScale float64
	// StopGradient detaches encoder features so the encoder is never trained.
	StopGradient bool
}

// DefaultDecoderConfig returns a config for numClasses on top of VGG16
// channel counts.
func DefaultDecoderConfig(numClasses int64) DecoderConfig {
	return DecoderConfig{
		NumClasses:      numClasses,
		ShallowChannels: 256,
		MidChannels:     512,
		DeepChannels:    4096,
		KernelPenalty:   1e-3,
		MidScale:        0.01,
		ShallowScale:    0.0001,
		StopGradient:    true,
	}
}

// Decoder is the FCN-8s decoder.
// Ref: https://arxiv.org/abs/1411.4038
type Decoder struct {
	config DecoderConfig
	reg    *base.Regularizer
	stop   *base.StopGradient

	scoreDeep    *nn.Conv2D
	upDeep       *nn.ConvTranspose2D
	scoreMid     *nn.Conv2D
	upFused      *nn.ConvTranspose2D
	scoreShallow *nn.Conv2D
	upOut        *nn.ConvTranspose2D
}

// NewDecoder creates the FCN-8s decoder under ctx.Decoder in the "decoder"
// scope.
func NewDecoder(ctx *Context, config DecoderConfig) (*Decoder, error) {
	if config.NumClasses < 1 {
		return nil, errors.Errorf("num classes must be >= 1 (got %d)", config.NumClasses)
	}
	if config.ShallowChannels < 1 || config.MidChannels < 1 || config.DeepChannels < 1 {
		return nil, errors.Errorf("invalid feature channels %d/%d/%d",
			config.ShallowChannels, config.MidChannels, config.DeepChannels)
	}

	p := ctx.Decoder.Root().Sub(Scope)
	reg := base.NewRegularizer()
	n := config.NumClasses
	coef := config.KernelPenalty

	return &Decoder{
		config:       config,
		reg:          reg,
		stop:         base.NewStopGradient(),
		scoreDeep:    base.NewScoreHead(p.Sub("score_deep"), reg, coef, config.DeepChannels, n),
		upDeep:       base.Upsample(p.Sub("upscore_deep"), reg, coef, n, 4, 2),
		scoreMid:     base.NewScoreHead(p.Sub("score_mid"), reg, coef, config.MidChannels, n),
		upFused:      base.Upsample(p.Sub("upscore_fused"), reg, coef, n, 4, 2),
		scoreShallow: base.NewScoreHead(p.Sub("score_shallow"), reg, coef, config.ShallowChannels, n),
		upOut:        base.Upsample(p.Sub("upscore_out"), reg, coef, n, 16, 8),
	}, nil
}

// Regularizer returns the L2 penalty set of the decoder kernels.
func (d *Decoder) Regularizer() *base.Regularizer {
	return d.reg
}

// Config returns decoder config.
func (d *Decoder) Config() DecoderConfig {
	return d.config
}

// Forward fuses encoder features into per-pixel class scores
// [batch, numClasses, 32*deepH, 32*deepW]. Input features are not dropped.
func (d *Decoder) Forward(f encoder.Features) (*ts.Tensor, error) {
	if err := d.checkFeatures(f); err != nil {
		return nil, err
	}

	l3, l4, l7 := f.Shallow, f.Mid, f.Deep
	if d.config.StopGradient {
		l3 = d.stop.Forward(f.Shallow)
		l4 = d.stop.Forward(f.Mid)
		l7 = d.stop.Forward(f.Deep)
		defer func() {
			l3.MustDrop()
			l4.MustDrop()
			l7.MustDrop()
		}()
	}

	score7 := d.scoreDeep.Forward(l7) // [bz n h/32 w/32]
	up7 := d.upDeep.Forward(score7)   // [bz n h/16 w/16]
	score7.MustDrop()

	l4Scaled := l4.MustMulScalar(ts.FloatScalar(d.config.MidScale), false)
	score4 := d.scoreMid.Forward(l4Scaled) // [bz n h/16 w/16]
	l4Scaled.MustDrop()
	fuse4 := up7.MustAdd(score4, true)
	score4.MustDrop()

	up4 := d.upFused.Forward(fuse4) // [bz n h/8 w/8]
	fuse4.MustDrop()

	l3Scaled := l3.MustMulScalar(ts.FloatScalar(d.config.ShallowScale), false)
	score3 := d.scoreShallow.Forward(l3Scaled) // [bz n h/8 w/8]
	l3Scaled.MustDrop()
	fuse3 := score3.MustAdd(up4, true)
	up4.MustDrop()

	logits := d.upOut.Forward(fuse3) // [bz n h w]
	fuse3.MustDrop()

	return logits, nil
}

func (d *Decoder) checkFeatures(f encoder.Features) error {
	if f.Shallow == nil || f.Mid == nil || f.Deep == nil {
		return errors.New("decoder: missing feature map")
	}
	s, m, dp := f.Shallow.MustSize(), f.Mid.MustSize(), f.Deep.MustSize()
	for name, size := range map[string][]int64{"shallow": s, "mid": m, "deep": dp} {
		if len(size) != 4 {
			return errors.Errorf("decoder: %s feature map must be 4D, got shape %v", name, size)
		}
	}
	if s[0] != m[0] || m[0] != dp[0] {
		return errors.Errorf("decoder: inconsistent batch size %d/%d/%d", s[0], m[0], dp[0])
	}
	if s[1] != d.config.ShallowChannels || m[1] != d.config.MidChannels || dp[1] != d.config.DeepChannels {
		return errors.Errorf("decoder: expected channels %d/%d/%d, got %d/%d/%d",
			d.config.ShallowChannels, d.config.MidChannels, d.config.DeepChannels, s[1], m[1], dp[1])
	}
	if m[2] != 2*dp[2] || m[3] != 2*dp[3] {
		return errors.Errorf("decoder: mid feature map %v is not twice deep %v", m[2:], dp[2:])
	}
	if s[2] != 2*m[2] || s[3] != 2*m[3] {
		return errors.Errorf("decoder: shallow feature map %v is not twice mid %v", s[2:], m[2:])
	}

	return nil
}
