package encoder

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// ResNetTag names the ResNet34 pretrained bundle.
const ResNetTag = "resnet34"

// ResNet34 is a ResNet34 body used as an FCN encoder. Variable names follow
// torchvision so pretrained weights load as is.
type ResNet34 struct {
	bn1    *nn.BatchNorm
	layer0 ts.ModuleT
	layer1 ts.ModuleT
	layer2 ts.ModuleT // -> 1/8
	layer3 ts.ModuleT // -> 1/16
	layer4 ts.ModuleT // -> 1/32
}

// NewResNet34 builds ResNet34 encoder variables under p.
func NewResNet34(p *nn.Path) *ResNet34 {
	// NOTE. `conv1` and `bn1` are at root of pretrained model
	bn1 := nn.BatchNorm2D(p.Sub("bn1"), 64, nn.DefaultBatchNormConfig())
	return &ResNet34{
		bn1:    bn1,
		layer0: layerZero(p, bn1),
		layer1: basicLayer(p.Sub("layer1"), 64, 64, 1, 3),
		layer2: basicLayer(p.Sub("layer2"), 64, 128, 2, 4),
		layer3: basicLayer(p.Sub("layer3"), 128, 256, 2, 6),
		layer4: basicLayer(p.Sub("layer4"), 256, 512, 2, 3),
	}
}

// LoadResNet34 builds ResNet34 under vs and loads "<bundleDir>/resnet34.ot".
// The var store is frozen after loading.
func LoadResNet34(vs *nn.VarStore, bundleDir string) (*ResNet34, error) {
	weightFile, err := bundleFile(bundleDir, ResNetTag)
	if err != nil {
		return nil, err
	}
	net := NewResNet34(vs.Root())
	if err := loadWeights(vs, weightFile); err != nil {
		return nil, err
	}

	return net, nil
}

// ForwardFeatures implements Encoder interface for ResNet34.
//
// Images are expected in 0..255 and are normalized with ImageNet statistics.
// ResNet34 has no dropout so keepProb is unused. Batch norm layers use and
// update batch statistics only while the encoder weights are trainable;
// a frozen encoder keeps its pretrained running statistics. Shallow is layer2
// (128 channels, 1/8), Mid is layer3 (256, 1/16) and Deep is layer4 (512, 1/32).
func (e *ResNet34) ForwardFeatures(x *ts.Tensor, keepProb float64, train bool) Features {
	train = train && e.bn1.Ws.MustRequiresGrad()
	xn := rgbNormalize(x)
	x0 := e.layer0.ForwardT(xn, train)
	xn.MustDrop()
	x1 := e.layer1.ForwardT(x0, train)
	x0.MustDrop()
	x2 := e.layer2.ForwardT(x1, train)
	x1.MustDrop()
	x3 := e.layer3.ForwardT(x2, train)
	x4 := e.layer4.ForwardT(x3, train)

	return Features{Shallow: x2, Mid: x3, Deep: x4}
}

// Channels implements Encoder interface for ResNet34.
func (e *ResNet34) Channels() (shallow, mid, deep int64) {
	return 128, 256, 512
}

func layerZero(p *nn.Path, bn1 *nn.BatchNorm) ts.ModuleT {
	conv1 := conv2dNoBias(p.Sub("conv1"), 3, 64, 7, 3, 2)
	layer0 := nn.SeqT()
	layer0.Add(conv1)
	layer0.Add(bn1)
	layer0.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))
	layer0.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustMaxPool2d([]int64{3, 3}, []int64{2, 2}, []int64{1, 1}, []int64{1, 1}, false, false)
	}))

	return layer0
}

func basicLayer(path *nn.Path, cIn, cOut, stride, cnt int64) ts.ModuleT {
	layer := nn.SeqT()
	layer.Add(newBasicBlock(path.Sub("0"), cIn, cOut, stride))
	for blockIndex := 1; blockIndex < int(cnt); blockIndex++ {
		layer.Add(newBasicBlock(path.Sub(fmt.Sprint(blockIndex)), cOut, cOut, 1))
	}

	return layer
}

func conv2dNoBias(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// downSample projects the residual when the block changes shape. It returns
// nil for an identity shortcut.
func downSample(path *nn.Path, cIn, cOut, stride int64) ts.ModuleT {
	if stride == 1 && cIn == cOut {
		return nil
	}
	seq := nn.SeqT()
	seq.Add(conv2dNoBias(path.Sub("0"), cIn, cOut, 1, 0, stride))
	seq.Add(nn.BatchNorm2D(path.Sub("1"), cOut, nn.DefaultBatchNormConfig()))

	return seq
}

type basicBlock struct {
	conv1      *nn.Conv2D
	bn1        *nn.BatchNorm
	conv2      *nn.Conv2D
	bn2        *nn.BatchNorm
	downsample ts.ModuleT
}

func newBasicBlock(path *nn.Path, cIn, cOut, stride int64) *basicBlock {
	return &basicBlock{
		conv1:      conv2dNoBias(path.Sub("conv1"), cIn, cOut, 3, 1, stride),
		bn1:        nn.BatchNorm2D(path.Sub("bn1"), cOut, nn.DefaultBatchNormConfig()),
		conv2:      conv2dNoBias(path.Sub("conv2"), cOut, cOut, 3, 1, 1),
		bn2:        nn.BatchNorm2D(path.Sub("bn2"), cOut, nn.DefaultBatchNormConfig()),
		downsample: downSample(path.Sub("downsample"), cIn, cOut, stride),
	}
}

func (bb *basicBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := bb.conv1.ForwardT(x, train)
	bn1 := bb.bn1.ForwardT(c1, train)
	c1.MustDrop()
	relu := bn1.MustRelu(true)
	c2 := bb.conv2.ForwardT(relu, train)
	relu.MustDrop()
	bn2 := bb.bn2.ForwardT(c2, train)
	c2.MustDrop()

	var out *ts.Tensor
	if bb.downsample == nil {
		out = bn2.MustAdd(x, true)
	} else {
		shortcut := bb.downsample.ForwardT(x, train)
		out = shortcut.MustAdd(bn2, true)
		bn2.MustDrop()
	}

	return out.MustRelu(true)
}
