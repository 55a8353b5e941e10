package fcn_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/fcn8s/encoder"
	"github.com/sugarme/fcn8s/fcn"
)

func randFeatures(batch int64, shallow, mid, deep []int64) encoder.Features {
	return encoder.Features{
		Shallow: ts.MustRand(append([]int64{batch}, shallow...), gotch.Float, gotch.CPU),
		Mid:     ts.MustRand(append([]int64{batch}, mid...), gotch.Float, gotch.CPU),
		Deep:    ts.MustRand(append([]int64{batch}, deep...), gotch.Float, gotch.CPU),
	}
}

func testConfig(numClasses, shallow, mid, deep int64) fcn.DecoderConfig {
	config := fcn.DefaultDecoderConfig(numClasses)
	config.ShallowChannels = shallow
	config.MidChannels = mid
	config.DeepChannels = deep
	return config
}

func TestDecoderOutputShape(t *testing.T) {
	// Feature maps of a 160x576 input: strides 8, 16 and 32.
	ctx := fcn.NewContext(gotch.CPU)
	dec, err := fcn.NewDecoder(ctx, testConfig(2, 256, 512, 2))
	require.NoError(t, err)

	feats := randFeatures(3, []int64{256, 20, 72}, []int64{512, 10, 36}, []int64{2, 5, 18})
	defer feats.Drop()

	logits, err := dec.Forward(feats)
	require.NoError(t, err)
	defer logits.MustDrop()

	assert.Equal(t, []int64{3, 2, 160, 576}, logits.MustSize())
}

func TestDecoderChannelsFollowNumClasses(t *testing.T) {
	for _, n := range []int64{1, 2, 5} {
		ctx := fcn.NewContext(gotch.CPU)
		dec, err := fcn.NewDecoder(ctx, testConfig(n, 4, 6, 8))
		require.NoError(t, err)

		feats := randFeatures(2, []int64{4, 8, 12}, []int64{6, 4, 6}, []int64{8, 2, 3})
		logits, err := dec.Forward(feats)
		require.NoError(t, err)
		assert.Equal(t, []int64{2, n, 64, 96}, logits.MustSize(), "num classes %d", n)

		logits.MustDrop()
		feats.Drop()
	}
}

func TestDecoderVariablesScoped(t *testing.T) {
	ctx := fcn.NewContext(gotch.CPU)
	dec, err := fcn.NewDecoder(ctx, testConfig(2, 4, 6, 8))
	require.NoError(t, err)

	// weight and bias for 3 projections and 3 upsampling layers.
	assert.Equal(t, 12, ctx.Decoder.Len())
	assert.Equal(t, 0, ctx.Encoder.Len())
	assert.Equal(t, 6, dec.Regularizer().Len())
	for name := range ctx.Decoder.Variables() {
		assert.True(t, strings.HasPrefix(name, fcn.Scope+"."), name)
	}
}

func TestDecoderInvalidConfig(t *testing.T) {
	ctx := fcn.NewContext(gotch.CPU)
	_, err := fcn.NewDecoder(ctx, testConfig(0, 4, 6, 8))
	assert.Error(t, err)

	_, err = fcn.NewDecoder(ctx, testConfig(2, 0, 6, 8))
	assert.Error(t, err)
}

func TestDecoderShapeErrors(t *testing.T) {
	ctx := fcn.NewContext(gotch.CPU)
	dec, err := fcn.NewDecoder(ctx, testConfig(2, 4, 6, 8))
	require.NoError(t, err)

	tests := []struct {
		name  string
		feats encoder.Features
	}{
		{
			name: "batch mismatch",
			feats: encoder.Features{
				Shallow: ts.MustRand([]int64{2, 4, 8, 12}, gotch.Float, gotch.CPU),
				Mid:     ts.MustRand([]int64{1, 6, 4, 6}, gotch.Float, gotch.CPU),
				Deep:    ts.MustRand([]int64{2, 8, 2, 3}, gotch.Float, gotch.CPU),
			},
		},
		{
			name:  "channel mismatch",
			feats: randFeatures(2, []int64{4, 8, 12}, []int64{7, 4, 6}, []int64{8, 2, 3}),
		},
		{
			name:  "resolution mismatch",
			feats: randFeatures(2, []int64{4, 8, 12}, []int64{6, 4, 6}, []int64{8, 3, 3}),
		},
		{
			name:  "missing map",
			feats: encoder.Features{Shallow: ts.MustRand([]int64{2, 4, 8, 12}, gotch.Float, gotch.CPU)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer tt.feats.Drop()
			logits, err := dec.Forward(tt.feats)
			assert.Error(t, err)
			assert.Nil(t, logits)
		})
	}
}

func TestDecoderStopsGradient(t *testing.T) {
	ctx := fcn.NewContext(gotch.CPU)
	dec, err := fcn.NewDecoder(ctx, testConfig(2, 4, 6, 8))
	require.NoError(t, err)

	feats := randFeatures(1, []int64{4, 8, 12}, []int64{6, 4, 6}, []int64{8, 2, 3})
	deep := feats.Deep.MustSetRequiresGrad(true, false)
	feats.Deep.MustDrop()
	feats.Deep = deep
	defer feats.Drop()

	logits, err := dec.Forward(feats)
	require.NoError(t, err)
	loss := logits.MustSum(gotch.Float, true)
	loss.MustBackward()
	loss.MustDrop()

	grad := feats.Deep.MustGrad(false)
	defer grad.MustDrop()
	assert.False(t, grad.MustDefined())
}

func TestModelForward(t *testing.T) {
	ctx := fcn.NewContext(gotch.CPU)
	enc := encoder.NewSynthetic(ctx.Encoder.Root(), 4, 6, 8)
	net, err := fcn.New(ctx, enc, fcn.DefaultDecoderConfig(2))
	require.NoError(t, err)
	assert.Equal(t, int64(2), net.NumClasses())

	x := ts.MustRand([]int64{2, 3, 64, 96}, gotch.Float, gotch.CPU)
	defer x.MustDrop()

	logits, err := net.Forward(x, 0.5, true)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 2, 64, 96}, logits.MustSize())
	logits.MustDrop()

	bad := ts.MustRand([]int64{2, 3, 60, 96}, gotch.Float, gotch.CPU)
	defer bad.MustDrop()
	_, err = net.Forward(bad, 0.5, true)
	assert.Error(t, err)
}

func TestModelLogits(t *testing.T) {
	ctx := fcn.NewContext(gotch.CPU)
	enc := encoder.NewSynthetic(ctx.Encoder.Root(), 4, 6, 8)
	net, err := fcn.New(ctx, enc, fcn.DefaultDecoderConfig(3))
	require.NoError(t, err)

	x := ts.MustRand([]int64{1, 3, 32, 64}, gotch.Float, gotch.CPU)
	defer x.MustDrop()

	flat, err := net.Logits(x)
	require.NoError(t, err)
	assert.Equal(t, []int64{32 * 64, 3}, flat.MustSize())
	assert.False(t, flat.MustRequiresGrad())
	flat.MustDrop()
}
