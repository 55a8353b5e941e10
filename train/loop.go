package train

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/sugarme/fcn8s/dataset"
)

// Stepper runs one parameter update and returns the reported loss.
type Stepper interface {
	Step(batch *dataset.Batch, keepProb, lr float64) (float64, error)
}

// BatchIterator yields the batches of one epoch.
type BatchIterator interface {
	HasNext() bool
	Next() (*dataset.Batch, error)
}

// BatchFunc returns an iterator over a fresh epoch of batches of batchSize.
type BatchFunc func(batchSize int) (BatchIterator, error)

// LoopConfig holds training loop options.
type LoopConfig struct {
	Epochs       int
	BatchSize    int
	KeepProb     float64
	LearningRate float64
	// LogEvery prints progress on every LogEvery-th global step.
	LogEvery int
}

// DefaultLoopConfig returns the reference training schedule.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Epochs:       10,
		BatchSize:    5,
		KeepProb:     0.5,
		LearningRate: 0.001,
		LogEvery:     50,
	}
}

// Train runs config.Epochs passes over the batches from getBatches, one
// update per batch. The global step counts across epochs, starting at 1.
// Progress lines are written to out. The first error aborts training.
func Train(config LoopConfig, getBatches BatchFunc, stepper Stepper, out io.Writer) (*History, error) {
	if config.Epochs < 0 {
		return nil, errors.Errorf("epochs must be >= 0 (got %d)", config.Epochs)
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0 (got %d)", config.BatchSize)
	}
	if config.LogEvery <= 0 {
		config.LogEvery = 50
	}

	history := NewHistory()
	step := 0
	for epoch := 0; epoch < config.Epochs; epoch++ {
		start := time.Now()
		batches, err := getBatches(config.BatchSize)
		if err != nil {
			return history, errors.Wrapf(err, "epoch %d: batches", epoch)
		}

		for batches.HasNext() {
			batch, err := batches.Next()
			if err != nil {
				return history, errors.Wrapf(err, "epoch %d step %d: batch", epoch, step+1)
			}
			step++

			loss, err := stepper.Step(batch, config.KeepProb, config.LearningRate)
			batch.Drop()
			if err != nil {
				return history, errors.Wrapf(err, "epoch %d step %d", epoch, step)
			}
			history.Add(epoch, step, loss)

			if step%config.LogEvery == 0 {
				fmt.Fprintf(out, "Epoch: %d Step: %d Loss: %v\n", epoch, step, loss)
			}
		}

		klog.Infof("epoch %d done: %s steps, mean loss %.4f, took %s",
			epoch, humanize.Comma(int64(step)), history.EpochMean(epoch), time.Since(start).Round(time.Millisecond))
	}

	return history, nil
}
