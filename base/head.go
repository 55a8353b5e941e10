package base

import "github.com/sugarme/gotch/nn"

// NewScoreHead creates a 1x1 convolution projecting cIn feature channels to
// per-class scores. Its kernel is registered with reg.
func NewScoreHead(p *nn.Path, reg *Regularizer, coef float64, cIn, numClasses int64) *nn.Conv2D {
	conv := Conv2d(p, cIn, numClasses, 1, 0, 1)
	if reg != nil {
		reg.Add(conv.Ws, coef)
	}

	return conv
}
