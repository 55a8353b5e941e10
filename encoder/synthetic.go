package encoder

import (
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/fcn8s/base"
)

// Synthetic is a lightweight stand-in for a pretrained encoder.
//
// It max-pools the image by 8, 16 and 32 and projects each result with a 1x1
// convolution, so feature maps have the same strides as VGG16 without
// needing pretrained weights.
type Synthetic struct {
	shallow, mid, deep int64
	projShallow        *nn.Conv2D
	projMid            *nn.Conv2D
	projDeep           *nn.Conv2D
}

// NewSynthetic creates a Synthetic encoder with given output channels.
func NewSynthetic(p *nn.Path, shallow, mid, deep int64) *Synthetic {
	return &Synthetic{
		shallow:     shallow,
		mid:         mid,
		deep:        deep,
		projShallow: base.Conv2d(p.Sub("proj_shallow"), 3, shallow, 1, 0, 1),
		projMid:     base.Conv2d(p.Sub("proj_mid"), 3, mid, 1, 0, 1),
		projDeep:    base.Conv2d(p.Sub("proj_deep"), 3, deep, 1, 0, 1),
	}
}

// ForwardFeatures implements Encoder interface for Synthetic.
func (s *Synthetic) ForwardFeatures(x *ts.Tensor, keepProb float64, train bool) Features {
	return Features{
		Shallow: poolProject(x, s.projShallow, 8),
		Mid:     poolProject(x, s.projMid, 16),
		Deep:    poolProject(x, s.projDeep, 32),
	}
}

// Channels implements Encoder interface for Synthetic.
func (s *Synthetic) Channels() (shallow, mid, deep int64) {
	return s.shallow, s.mid, s.deep
}

func poolProject(x *ts.Tensor, proj *nn.Conv2D, stride int64) *ts.Tensor {
	pooled := x.MustMaxPool2d([]int64{stride, stride}, []int64{stride, stride}, []int64{0, 0}, []int64{1, 1}, false, false)
	out := proj.Forward(pooled)
	pooled.MustDrop()

	return out
}
