package encoder

import (
	"github.com/sugarme/gotch/ts"
)

// Features holds encoder feature maps ordered shallow to deep.
//
// Shapes are channels-first: [batch, channels, height, width]. Shallow has the
// highest resolution, Deep the lowest.
type Features struct {
	Shallow *ts.Tensor
	Mid     *ts.Tensor
	Deep    *ts.Tensor
}

// Drop releases all feature maps.
func (f Features) Drop() {
	for _, x := range []*ts.Tensor{f.Shallow, f.Mid, f.Deep} {
		if x != nil {
			x.MustDrop()
		}
	}
}

// Encoder is encoder interface for a image segmentation model.
//
// ForwardFeatures takes the image batch and the dropout keep probability and
// returns the three feature maps the decoder fuses.
type Encoder interface {
	ForwardFeatures(x *ts.Tensor, keepProb float64, train bool) Features
	Channels() (shallow, mid, deep int64)
}

// rgbNormalize scales 0..255 pixels to 0..1 and standardizes each channel.
func rgbNormalize(x *ts.Tensor) *ts.Tensor {
	meanVals := []float32{0.485, 0.456, 0.406} // image RGB mean
	sdVals := []float32{0.229, 0.224, 0.225}   // image RGB standard error

	mean := ts.MustOfSlice(meanVals).MustView([]int64{1, 3, 1, 1}, true).MustTo(x.MustDevice(), true)
	sd := ts.MustOfSlice(sdVals).MustView([]int64{1, 3, 1, 1}, true).MustTo(x.MustDevice(), true)

	// x = (x/255 - mean)/sd
	n := x.MustDivScalar(ts.FloatScalar(255), false).MustSub(mean, true).MustDiv(sd, true)
	mean.MustDrop()
	sd.MustDrop()

	return n
}
