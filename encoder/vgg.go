package encoder

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/fcn8s/base"
)

const (
	// VGGTag names the pretrained bundle. The weights file is "<tag>.ot".
	VGGTag = "vgg16"

	fcChannels int64 = 4096
)

// VGG16 is a VGG16 classifier body used as a fully convolutional encoder.
//
// Variable names follow torchvision ("features.<i>", "classifier.<i>") so
// that pretrained `.ot` weights load as is. The two hidden fully connected
// layers are applied convolutionally.
type VGG16 struct {
	block1 ts.ModuleT
	block2 ts.ModuleT
	block3 ts.ModuleT // -> pool3
	block4 ts.ModuleT // -> pool4
	block5 ts.ModuleT // -> pool5
	fc6    *nn.Linear
	fc7    *nn.Linear
}

// NewVGG16 builds VGG16 encoder variables under p.
func NewVGG16(p *nn.Path) *VGG16 {
	f := p.Sub("features")
	c := p.Sub("classifier")

	return &VGG16{
		block1: convBlock(f, 0, 3, 64, 2),
		block2: convBlock(f, 5, 64, 128, 2),
		block3: convBlock(f, 10, 128, 256, 3),
		block4: convBlock(f, 17, 256, 512, 3),
		block5: convBlock(f, 24, 512, 512, 3),
		fc6:    nn.NewLinear(c.Sub("0"), 512*7*7, fcChannels, nn.DefaultLinearConfig()),
		fc7:    nn.NewLinear(c.Sub("3"), fcChannels, fcChannels, nn.DefaultLinearConfig()),
	}
}

// LoadVGG16 builds VGG16 under vs and loads pretrained weights from
// "<bundleDir>/vgg16.ot". The var store is frozen after loading.
func LoadVGG16(vs *nn.VarStore, bundleDir string) (*VGG16, error) {
	weightFile, err := bundleFile(bundleDir, VGGTag)
	if err != nil {
		return nil, err
	}
	net := NewVGG16(vs.Root())
	if err := loadWeights(vs, weightFile); err != nil {
		return nil, err
	}

	return net, nil
}

// ForwardFeatures implements Encoder interface for VGG16.
//
// Images are expected in 0..255 and are normalized with ImageNet statistics,
// matching the torchvision weights. Shallow is pool3 (256 channels, 1/8), Mid is pool4 (512, 1/16) and Deep is
// fc7 (4096, 1/32).
func (v *VGG16) ForwardFeatures(x *ts.Tensor, keepProb float64, train bool) Features {
	xn := rgbNormalize(x)
	x1 := v.block1.ForwardT(xn, train)
	xn.MustDrop()
	x2 := v.block2.ForwardT(x1, train)
	x1.MustDrop()
	pool3 := v.block3.ForwardT(x2, train)
	x2.MustDrop()
	pool4 := v.block4.ForwardT(pool3, train)
	pool5 := v.block5.ForwardT(pool4, train)

	w6 := v.fc6.Ws.MustView([]int64{fcChannels, 512, 7, 7}, false)
	fc6 := ts.MustConv2d(pool5, w6, v.fc6.Bs, []int64{1, 1}, []int64{3, 3}, []int64{1, 1}, 1)
	pool5.MustDrop()
	w6.MustDrop()
	fc6 = fc6.MustRelu(true)
	drop6 := ts.MustDropout(fc6, 1-keepProb, train)
	fc6.MustDrop()

	w7 := v.fc7.Ws.MustView([]int64{fcChannels, fcChannels, 1, 1}, false)
	fc7 := ts.MustConv2d(drop6, w7, v.fc7.Bs, []int64{1, 1}, []int64{0, 0}, []int64{1, 1}, 1)
	drop6.MustDrop()
	w7.MustDrop()
	fc7 = fc7.MustRelu(true)
	layer7 := ts.MustDropout(fc7, 1-keepProb, train)
	fc7.MustDrop()

	return Features{Shallow: pool3, Mid: pool4, Deep: layer7}
}

// Channels implements Encoder interface for VGG16.
func (v *VGG16) Channels() (shallow, mid, deep int64) {
	return 256, 512, fcChannels
}

// convBlock creates `cnt` 3x3 conv+relu layers followed by a 2x2 max pool.
// Sub paths use torchvision indexing, where each conv is followed by a relu
// index and the block ends with a pool index.
func convBlock(f *nn.Path, start int, cIn, cOut int64, cnt int) ts.ModuleT {
	seq := nn.SeqT()
	idx := start
	for i := 0; i < cnt; i++ {
		seq.Add(base.Conv2dRelu(f.Sub(fmt.Sprint(idx)), cIn, cOut, 3, 1, 1))
		cIn = cOut
		idx += 2
	}
	seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustMaxPool2d([]int64{2, 2}, []int64{2, 2}, []int64{0, 0}, []int64{1, 1}, false, false)
	}))

	return seq
}
