package train_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/fcn8s/base"
	"github.com/sugarme/fcn8s/dataset"
	"github.com/sugarme/fcn8s/encoder"
	"github.com/sugarme/fcn8s/fcn"
	"github.com/sugarme/fcn8s/metric"
	"github.com/sugarme/fcn8s/train"
)

const (
	batchSize = 5
	height    = 64
	width     = 96
)

// oneHotBatch returns images [b 3 h w] in 0..255 and labels [b h w 2] where
// the left half of every image is class 0.
func oneHotBatch() *dataset.Batch {
	images := ts.MustRand([]int64{batchSize, 3, height, width}, gotch.Float, gotch.CPU).
		MustMulScalar(ts.FloatScalar(255), true)
	data := make([]float32, batchSize*height*width*2)
	for i := 0; i < batchSize*height*width; i++ {
		x := i % width
		if x < width/2 {
			data[2*i] = 1
		} else {
			data[2*i+1] = 1
		}
	}
	labels := ts.MustOfSlice(data).MustView([]int64{batchSize, height, width, 2}, true)
	return &dataset.Batch{Images: images, Labels: labels}
}

func snapshot(vs *nn.VarStore) map[string][]float64 {
	out := make(map[string][]float64)
	for name, v := range vs.Variables() {
		out[name] = v.Float64Values()
	}
	return out
}

func newModel(t *testing.T, fineTune bool) (*fcn.Context, *fcn.FCN8s) {
	ctx := fcn.NewContext(gotch.CPU)
	enc := encoder.NewSynthetic(ctx.Encoder.Root(), 4, 6, 8)
	config := fcn.DefaultDecoderConfig(2)
	config.StopGradient = !fineTune
	net, err := fcn.New(ctx, enc, config)
	require.NoError(t, err)
	return ctx, net
}

func TestStepUpdatesDecoderOnly(t *testing.T) {
	ctx, net := newModel(t, false)
	obj, err := train.Optimize(ctx, net, net.Decoder().Regularizer(), train.DefaultObjectiveConfig(2))
	require.NoError(t, err)
	assert.False(t, obj.FineTune())

	encBefore := snapshot(ctx.Encoder)
	decBefore := snapshot(ctx.Decoder)

	batch := oneHotBatch()
	defer batch.Drop()
	loss, err := obj.Step(batch, 0.5, 0.001)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss))
	assert.False(t, math.IsInf(loss, 0))

	assert.Equal(t, encBefore, snapshot(ctx.Encoder))

	decAfter := snapshot(ctx.Decoder)
	changed := false
	for name, before := range decBefore {
		if !assert.ObjectsAreEqual(before, decAfter[name]) {
			changed = true
		}
	}
	assert.True(t, changed, "no decoder variable was updated")
}

func TestStepReportsPlainCrossEntropy(t *testing.T) {
	ctx, net := newModel(t, false)
	obj, err := train.Optimize(ctx, net, net.Decoder().Regularizer(), train.DefaultObjectiveConfig(2))
	require.NoError(t, err)

	batch := oneHotBatch()
	defer batch.Drop()

	// The synthetic encoder has no dropout, so the pre-update forward pass is
	// reproducible.
	var want float64
	ts.NoGrad(func() {
		logits, err := net.Forward(batch.Images, 0.5, true)
		require.NoError(t, err)
		flat := metric.FlattenScores(logits, 2)
		labels := metric.FlattenLabels(batch.Labels, 2)
		ce := metric.SoftmaxCrossEntropy(flat, labels)
		want = ce.Float64Values()[0]
		for _, x := range []*ts.Tensor{logits, flat, labels, ce} {
			x.MustDrop()
		}
	})

	got, err := obj.Step(batch, 0.5, 0.001)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-5)

	penalty := net.Decoder().Regularizer().Loss()
	assert.Greater(t, penalty.Float64Values()[0], 0.0)
	penalty.MustDrop()
}

func TestFineTuneUpdatesEncoder(t *testing.T) {
	ctx, net := newModel(t, true)
	config := train.DefaultObjectiveConfig(2)
	config.FineTuneEncoder = true
	obj, err := train.Optimize(ctx, net, net.Decoder().Regularizer(), config)
	require.NoError(t, err)
	assert.True(t, obj.FineTune())

	encBefore := snapshot(ctx.Encoder)
	batch := oneHotBatch()
	defer batch.Drop()
	_, err = obj.Step(batch, 0.5, 0.001)
	require.NoError(t, err)

	assert.NotEqual(t, encBefore, snapshot(ctx.Encoder))
}

func TestFineTuneUnfreezesFrozenEncoder(t *testing.T) {
	ctx, net := newModel(t, true)
	require.NoError(t, ctx.Encoder.Freeze())
	require.Empty(t, ctx.Encoder.TrainableVariables())

	config := train.DefaultObjectiveConfig(2)
	config.FineTuneEncoder = true
	obj, err := train.Optimize(ctx, net, net.Decoder().Regularizer(), config)
	require.NoError(t, err)
	assert.Len(t, ctx.Encoder.TrainableVariables(), ctx.Encoder.Len())

	before := snapshot(ctx.Encoder)
	batch := oneHotBatch()
	defer batch.Drop()
	_, err = obj.Step(batch, 0.5, 0.001)
	require.NoError(t, err)

	after := snapshot(ctx.Encoder)
	for name, v := range before {
		assert.NotEqual(t, v, after[name], "encoder variable %q was not updated", name)
	}
}

func TestDecoderOnlyKeepsResNetState(t *testing.T) {
	ctx := fcn.NewContext(gotch.CPU)
	enc := encoder.NewResNet34(ctx.Encoder.Root())
	net, err := fcn.New(ctx, enc, fcn.DefaultDecoderConfig(2))
	require.NoError(t, err)
	obj, err := train.Optimize(ctx, net, net.Decoder().Regularizer(), train.DefaultObjectiveConfig(2))
	require.NoError(t, err)
	require.False(t, obj.FineTune())
	assert.Empty(t, ctx.Encoder.TrainableVariables())

	// includes batch norm running statistics
	before := snapshot(ctx.Encoder)
	batch := oneHotBatch()
	defer batch.Drop()
	_, err = obj.Step(batch, 0.5, 0.001)
	require.NoError(t, err)

	assert.Equal(t, before, snapshot(ctx.Encoder))
}

// pixelModel is a model without decoder variables: a 1x1 conv in the
// encoder var store.
type pixelModel struct {
	conv *nn.Conv2D
}

func (m *pixelModel) Forward(x *ts.Tensor, keepProb float64, train bool) (*ts.Tensor, error) {
	return m.conv.Forward(x), nil
}

func TestEmptyDecoderFallsBackToAllVariables(t *testing.T) {
	ctx := fcn.NewContext(gotch.CPU)
	model := &pixelModel{conv: base.Conv2d(ctx.Encoder.Root().Sub("pixel"), 3, 2, 1, 0, 1)}

	// A regularizer that must never be used in fallback mode.
	reg := base.NewRegularizer()
	poison := ts.MustOfSlice([]float32{float32(math.Inf(1))})
	defer poison.MustDrop()
	reg.Add(poison, 1)

	obj, err := train.Optimize(ctx, model, reg, train.DefaultObjectiveConfig(2))
	require.NoError(t, err)
	assert.True(t, obj.FineTune())

	before := snapshot(ctx.Encoder)
	batch := oneHotBatch()
	defer batch.Drop()
	loss, err := obj.Step(batch, 0.5, 0.001)
	require.NoError(t, err)
	assert.False(t, math.IsInf(loss, 0))
	assert.NotEqual(t, before, snapshot(ctx.Encoder))
}

func TestStepLabelShapeMismatch(t *testing.T) {
	ctx, net := newModel(t, false)
	obj, err := train.Optimize(ctx, net, net.Decoder().Regularizer(), train.DefaultObjectiveConfig(2))
	require.NoError(t, err)

	batch := &dataset.Batch{
		Images: ts.MustRand([]int64{2, 3, height, width}, gotch.Float, gotch.CPU),
		Labels: ts.MustZeros([]int64{2, height / 2, width, 2}, gotch.Float, gotch.CPU),
	}
	defer batch.Drop()

	_, err = obj.Step(batch, 0.5, 0.001)
	assert.Error(t, err)

	_, err = obj.Step(&dataset.Batch{}, 0.5, 0.001)
	assert.Error(t, err)
}

func TestLogitsShape(t *testing.T) {
	ctx, net := newModel(t, false)
	obj, err := train.Optimize(ctx, net, net.Decoder().Regularizer(), train.DefaultObjectiveConfig(2))
	require.NoError(t, err)

	x := ts.MustRand([]int64{2, 3, height, width}, gotch.Float, gotch.CPU)
	defer x.MustDrop()
	logits, err := obj.Logits(x)
	require.NoError(t, err)
	assert.Equal(t, []int64{2 * height * width, 2}, logits.MustSize())
	logits.MustDrop()
}

func TestOptimizeNoVariables(t *testing.T) {
	ctx := fcn.NewContext(gotch.CPU)
	_, err := train.Optimize(ctx, &pixelModel{}, nil, train.DefaultObjectiveConfig(2))
	assert.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	ctx, net := newModel(t, false)
	obj, err := train.Optimize(ctx, net, net.Decoder().Regularizer(), train.DefaultObjectiveConfig(2))
	require.NoError(t, err)

	batch := oneHotBatch()
	defer batch.Drop()
	for i := 0; i < 3; i++ {
		_, err = obj.Step(batch, 1.0, 0.01)
		require.NoError(t, err)
	}

	iou, acc, err := obj.Evaluate(batch)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, iou, 0.0)
	assert.LessOrEqual(t, iou, 1.0)
	assert.GreaterOrEqual(t, acc, 0.0)
	assert.LessOrEqual(t, acc, 1.0)

	_, _, err = obj.Evaluate(&dataset.Batch{})
	assert.Error(t, err)
}
