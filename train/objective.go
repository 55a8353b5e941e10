package train

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
	"k8s.io/klog/v2"

	"github.com/sugarme/fcn8s/base"
	"github.com/sugarme/fcn8s/dataset"
	"github.com/sugarme/fcn8s/fcn"
	"github.com/sugarme/fcn8s/metric"
)

// initialLR is replaced on every Step.
const initialLR = 0.001

// Model produces per-pixel class scores [batch, numClasses, H, W].
type Model interface {
	Forward(x *ts.Tensor, keepProb float64, train bool) (*ts.Tensor, error)
}

// ObjectiveConfig holds loss and optimizer options.
type ObjectiveConfig struct {
	NumClasses int64
	// FineTuneEncoder trains every variable on plain cross entropy instead of
	// decoder variables only on the regularized loss.
	FineTuneEncoder bool
	// RegWeight weights the summed L2 kernel penalties.
	RegWeight float64
}

// DefaultObjectiveConfig returns ObjectiveConfig for numClasses.
func DefaultObjectiveConfig(numClasses int64) ObjectiveConfig {
	return ObjectiveConfig{
		NumClasses: numClasses,
		RegWeight:  1e-4,
	}
}

// Objective couples the training loss with Adam optimizers over the selected
// variables. Optimizer moment state lives as long as the Objective.
type Objective struct {
	model      Model
	reg        *base.Regularizer
	opts       []*nn.Optimizer
	device     gotch.Device
	numClasses int64
	regWeight  float64
	fineTune   bool
}

// Optimize builds the Objective for model.
//
// Unless config.FineTuneEncoder is set, or ctx.Decoder holds no trainable
// variables, only decoder variables are optimized and the minimized loss is
// cross entropy plus RegWeight times the penalties in reg. Otherwise plain
// cross entropy is minimized over encoder and decoder variables and reg is
// ignored.
func Optimize(ctx *fcn.Context, model Model, reg *base.Regularizer, config ObjectiveConfig) (*Objective, error) {
	if config.NumClasses < 1 {
		return nil, errors.Errorf("num classes must be >= 1 (got %d)", config.NumClasses)
	}

	decoderVars := len(ctx.Decoder.TrainableVariables())
	fineTune := config.FineTuneEncoder || decoderVars == 0

	o := &Objective{
		model:      model,
		device:     ctx.Device,
		numClasses: config.NumClasses,
		regWeight:  config.RegWeight,
		fineTune:   fineTune,
	}

	if fineTune {
		if err := unfreeze(ctx.Encoder); err != nil {
			return nil, err
		}
		if ctx.Encoder.Len() > 0 {
			opt, err := nn.DefaultAdamConfig().Build(ctx.Encoder, initialLR)
			if err != nil {
				return nil, errors.Wrap(err, "building encoder optimizer")
			}
			o.opts = append(o.opts, opt)
		}
	} else {
		if err := ctx.Encoder.Freeze(); err != nil {
			return nil, errors.Wrap(err, "freezing encoder")
		}
		o.reg = reg
	}
	if decoderVars > 0 {
		opt, err := nn.DefaultAdamConfig().Build(ctx.Decoder, initialLR)
		if err != nil {
			return nil, errors.Wrap(err, "building decoder optimizer")
		}
		o.opts = append(o.opts, opt)
	}
	if len(o.opts) == 0 {
		return nil, errors.New("no trainable variables")
	}

	klog.V(1).Infof("objective: fine-tune=%v decoder-vars=%d encoder-vars=%d", fineTune, decoderVars, ctx.Encoder.Len())

	return o, nil
}

// unfreeze re-enables gradients on every parameter of vs. Batch norm running
// statistics stay untracked.
func unfreeze(vs *nn.VarStore) error {
	for name, x := range vs.Variables() {
		if isRunningStat(name) {
			continue
		}
		if err := x.RequiresGrad_(true); err != nil {
			return errors.Wrapf(err, "unfreezing %q", name)
		}
	}

	return nil
}

func isRunningStat(name string) bool {
	leaf := name[strings.LastIndex(name, ".")+1:]
	return leaf == "running_mean" || leaf == "running_var"
}

// FineTune reports whether every variable is optimized.
func (o *Objective) FineTune() bool {
	return o.fineTune
}

// Step runs one update on batch with the given dropout keep probability and
// learning rate. It returns the mean cross entropy, without the
// regularization term.
func (o *Objective) Step(batch *dataset.Batch, keepProb, lr float64) (float64, error) {
	if batch == nil || batch.Images == nil || batch.Labels == nil {
		return 0, errors.New("empty batch")
	}
	images := batch.Images.MustTo(o.device, false)
	labels := batch.Labels.MustTo(o.device, false)
	defer images.MustDrop()
	defer labels.MustDrop()

	logits, err := o.model.Forward(images, keepProb, true)
	if err != nil {
		return 0, err
	}
	if err := checkLabels(logits, labels); err != nil {
		logits.MustDrop()
		return 0, err
	}

	flatLogits := metric.FlattenScores(logits, o.numClasses)
	logits.MustDrop()
	flatLabels := metric.FlattenLabels(labels, o.numClasses)
	crossEntropy := metric.SoftmaxCrossEntropy(flatLogits, flatLabels)
	flatLogits.MustDrop()
	flatLabels.MustDrop()

	loss := crossEntropy
	if o.reg != nil && o.reg.Len() > 0 {
		penalty := o.reg.Loss().MustMulScalar(ts.FloatScalar(o.regWeight), true)
		loss = crossEntropy.MustAdd(penalty, false)
		penalty.MustDrop()
		defer loss.MustDrop()
	}

	for _, opt := range o.opts {
		opt.SetLR(lr)
		if err := opt.ZeroGrad(); err != nil {
			crossEntropy.MustDrop()
			return 0, errors.Wrap(err, "zeroing gradients")
		}
	}
	if err := loss.Backward(); err != nil {
		crossEntropy.MustDrop()
		return 0, errors.Wrap(err, "backward pass")
	}
	for _, opt := range o.opts {
		if err := opt.Step(); err != nil {
			crossEntropy.MustDrop()
			return 0, errors.Wrap(err, "optimizer step")
		}
	}

	value := crossEntropy.Float64Values()[0]
	crossEntropy.MustDrop()

	return value, nil
}

// Logits returns flattened class scores [batch*H*W, numClasses] for images in
// inference mode.
func (o *Objective) Logits(images *ts.Tensor) (*ts.Tensor, error) {
	var (
		flat *ts.Tensor
		err  error
	)
	ts.NoGrad(func() {
		x := images.MustTo(o.device, false)
		defer x.MustDrop()
		var logits *ts.Tensor
		logits, err = o.model.Forward(x, 1.0, false)
		if err != nil {
			return
		}
		flat = metric.FlattenScores(logits, o.numClasses)
		logits.MustDrop()
	})

	return flat, err
}

// Evaluate scores batch in inference mode. It returns the IoU of class 1
// (road) and the pixel accuracy of the arg-max prediction.
func (o *Objective) Evaluate(batch *dataset.Batch) (iou, accuracy float64, err error) {
	if batch == nil || batch.Images == nil || batch.Labels == nil {
		return 0, 0, errors.New("empty batch")
	}
	logits, err := o.Logits(batch.Images)
	if err != nil {
		return 0, 0, err
	}
	labels := batch.Labels.MustTo(o.device, false)
	flatLabels := metric.FlattenLabels(labels, o.numClasses)
	labels.MustDrop()
	if logits.MustSize()[0] != flatLabels.MustSize()[0] {
		logits.MustDrop()
		flatLabels.MustDrop()
		return 0, 0, errors.Errorf("labels shape %v does not match images shape %v", batch.Labels.MustSize(), batch.Images.MustSize())
	}

	pred := logits.MustArgmax([]int64{1}, false, true)
	target := flatLabels.MustArgmax([]int64{1}, false, true)
	iou = metric.IoU(pred, target)
	accuracy = metric.PixelAccuracy(pred, target)
	pred.MustDrop()
	target.MustDrop()

	return iou, accuracy, nil
}

// checkLabels verifies labels [b, H, W, n] line up with logits [b, n, H, W].
func checkLabels(logits, labels *ts.Tensor) error {
	ls, ys := logits.MustSize(), labels.MustSize()
	if len(ys) != 4 {
		return errors.Errorf("labels must be [batch H W classes], got %v", ys)
	}
	if ls[0] != ys[0] || ls[1] != ys[3] || ls[2] != ys[1] || ls[3] != ys[2] {
		return errors.Errorf("labels shape %v does not match scores shape %v", ys, ls)
	}

	return nil
}
