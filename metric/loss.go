package metric

import (
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
)

// FlattenScores reshapes channels-first scores [batch, n, H, W] to
// [batch*H*W, n] in NHWC pixel order.
func FlattenScores(x *ts.Tensor, numClasses int64) *ts.Tensor {
	nhwc := x.MustPermute([]int64{0, 2, 3, 1}, false)
	return nhwc.MustReshape([]int64{-1, numClasses}, true)
}

// FlattenLabels reshapes one-hot labels [batch, H, W, n] to [batch*H*W, n].
func FlattenLabels(labels *ts.Tensor, numClasses int64) *ts.Tensor {
	return labels.MustReshape([]int64{-1, numClasses}, false)
}

// SoftmaxCrossEntropy computes mean softmax cross entropy between logits and
// one-hot labels, both of shape [pixels, numClasses].
func SoftmaxCrossEntropy(logits, labels *ts.Tensor) *ts.Tensor {
	logp := logits.MustLogSoftmax(1, gotch.Float, false)
	target := labels.MustTotype(gotch.Float, false)
	prod := target.MustMul(logp, true)
	logp.MustDrop()

	// per pixel: -sum_c labels_c * log softmax_c
	perPixel := prod.MustSumDimIntlist([]int64{1}, false, gotch.Float, true)
	mean := perPixel.MustMean(gotch.Float, true)

	return mean.MustNeg(true)
}

// IoU calculates intersection over union of two binary masks.
// It returns 1 when both masks are empty.
func IoU(pred, target *ts.Tensor) float64 {
	p := pred.MustView([]int64{-1}, false).MustGt(ts.FloatScalar(0.5), true)
	t := target.MustView([]int64{-1}, false).MustGt(ts.FloatScalar(0.5), true)

	inter := p.MustLogicalAnd(t, false)
	union := p.MustLogicalOr(t, true)
	t.MustDrop()

	i := inter.MustSum(gotch.Double, true)
	u := union.MustSum(gotch.Double, true)
	iv, uv := i.Float64Values()[0], u.Float64Values()[0]
	i.MustDrop()
	u.MustDrop()

	if uv == 0 {
		return 1
	}
	return iv / uv
}

// PixelAccuracy returns the fraction of pixels whose class index matches.
func PixelAccuracy(pred, target *ts.Tensor) float64 {
	eq := pred.MustEqTensor(target, false)
	mean := eq.MustTotype(gotch.Double, true).MustMean(gotch.Double, true)
	acc := mean.Float64Values()[0]
	mean.MustDrop()

	return acc
}
