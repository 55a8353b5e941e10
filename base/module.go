package base

import (
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// StopGradient is a nn.Module placeholder.
// It forwards the input tensor detached from the autograd graph so nothing
// upstream of it receives gradients.
type StopGradient struct{}

// Forward implement nn.Module for StopGradient struct
func (s *StopGradient) Forward(x *ts.Tensor) *ts.Tensor {
	return x.MustDetach(false)
}

// ForwardT implement nn.ModuleT for StopGradient struct.
func (s *StopGradient) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return x.MustDetach(false)
}

// NewStopGradient creates a new StopGradient struct.
func NewStopGradient() *StopGradient {
	return &StopGradient{}
}

// Regularizer collects kernels that carry an L2 penalty.
//
// The penalty of one kernel is coef * sum(w^2) / 2.
type Regularizer struct {
	kernels []*ts.Tensor
	coefs   []float64
}

// NewRegularizer creates an empty Regularizer.
func NewRegularizer() *Regularizer {
	return &Regularizer{}
}

// Add registers kernel w with penalty coefficient coef.
func (r *Regularizer) Add(w *ts.Tensor, coef float64) {
	r.kernels = append(r.kernels, w)
	r.coefs = append(r.coefs, coef)
}

// Len returns number of registered kernels.
func (r *Regularizer) Len() int {
	return len(r.kernels)
}

// Loss sums all registered penalties into a scalar tensor.
// It returns nil if nothing was registered.
func (r *Regularizer) Loss() *ts.Tensor {
	var total *ts.Tensor
	for i, w := range r.kernels {
		sq := w.MustMul(w, false)
		sum := sq.MustSum(gotch.Float, true)
		penalty := sum.MustMulScalar(ts.FloatScalar(r.coefs[i]/2), true)
		if total == nil {
			total = penalty
			continue
		}
		total = total.MustAdd(penalty, true)
		penalty.MustDrop()
	}

	return total
}

// Conv2d creates Conv2D module.
func Conv2d(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv2dRelu creates a SequentialT composing of Conv2D and a ReLU activation.
func Conv2dRelu(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.SequentialT {
	seq := nn.SeqT()
	seq.Add(Conv2d(p, cIn, cOut, ksize, padding, stride))
	seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))

	return seq
}

// ConvTranspose2d creates ConvTranspose2D module with "same" padding, i.e.
// output spatial size is input size times stride. ksize - stride must be even.
func ConvTranspose2d(p *nn.Path, cIn, cOut, ksize, stride int64) *nn.ConvTranspose2D {
	padding := (ksize - stride) / 2
	config := nn.DefaultConvTranspose2DConfig()
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConvTranspose2D(p, cIn, cOut, []int64{ksize, ksize}, config)
}

// Upsample creates a learned upsampling (transposed convolution) layer and
// registers its kernel with reg.
func Upsample(p *nn.Path, reg *Regularizer, coef float64, channels, ksize, stride int64) *nn.ConvTranspose2D {
	up := ConvTranspose2d(p, channels, channels, ksize, stride)
	if reg != nil {
		reg.Add(up.Ws, coef)
	}

	return up
}
