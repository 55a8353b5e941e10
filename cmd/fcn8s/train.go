package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/sugarme/fcn8s/config"
	"github.com/sugarme/fcn8s/dataset"
	"github.com/sugarme/fcn8s/encoder"
	"github.com/sugarme/fcn8s/fcn"
	"github.com/sugarme/fcn8s/infer"
	"github.com/sugarme/fcn8s/pretrained"
	"github.com/sugarme/fcn8s/report"
	"github.com/sugarme/fcn8s/train"
)

// Weight files saved in a run directory. EncoderWeights is only written when
// the encoder was fine-tuned.
const (
	DecoderWeights = "decoder.ot"
	EncoderWeights = "encoder.ot"
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the decoder on KITTI road and segment the test split",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runTrain(c)
		},
	}
	cmd.Flags().IntVar(&epochs, "epochs", 10, "specify number of epochs")
	cmd.Flags().IntVar(&batchSize, "batch", 5, "specify batch size")
	cmd.Flags().BoolVar(&fineTune, "fine-tune", false, "specify whether to train encoder weights too")

	return cmd
}

// buildModel loads the pretrained encoder and creates the decoder on top.
func buildModel(c *config.Config) (*fcn.Context, *fcn.FCN8s, error) {
	bundleDir, err := pretrained.MaybeDownload(c.DataDir, c.Encoder)
	if err != nil {
		return nil, nil, err
	}

	ctx := fcn.NewContext(device(c))
	enc, err := encoder.Load(ctx.Encoder, c.Encoder, bundleDir)
	if err != nil {
		return nil, nil, err
	}
	net, err := fcn.New(ctx, enc, c.Decoder())
	if err != nil {
		return nil, nil, err
	}

	return ctx, net, nil
}

func runTrain(c *config.Config) error {
	if err := dataset.CheckKITTI(c.DataDir); err != nil {
		return err
	}

	ctx, net, err := buildModel(c)
	if err != nil {
		return err
	}
	obj, err := train.Optimize(ctx, net, net.Decoder().Regularizer(), c.Objective())
	if err != nil {
		return err
	}

	ds, err := dataset.NewKITTI(filepath.Join(c.DataDir, "data_road", "training"), c.ImageHeight, c.ImageWidth, c.NumClasses)
	if err != nil {
		return err
	}
	src := dataset.NewSource(ds, c.Seed)
	getBatches := func(n int) (train.BatchIterator, error) {
		return src.Epoch(n)
	}
	klog.Infof("training %s FCN-8s on %s images, device %v", c.Encoder, humanize.Comma(int64(ds.Len())), ctx.Device)

	start := time.Now()
	history, err := train.Train(c.Loop(), getBatches, obj, os.Stdout)
	if err != nil {
		return err
	}
	klog.Infof("training took %s", time.Since(start).Round(time.Second))
	for _, st := range report.Summary(history) {
		klog.Infof("epoch %d: %d steps, loss mean %.4f std %.4f min %.4f max %.4f",
			st.Epoch, st.Steps, st.Mean, st.StdDev, st.Min, st.Max)
	}

	if err := evaluate(src, c.BatchSize, obj); err != nil {
		return err
	}

	outDir, err := infer.SaveSamples(c.RunsDir, c.DataDir, net, c.ImageHeight, c.ImageWidth)
	if err != nil {
		return err
	}

	if err := ctx.Decoder.Save(filepath.Join(outDir, DecoderWeights)); err != nil {
		return err
	}
	if obj.FineTune() {
		if err := ctx.Encoder.Save(filepath.Join(outDir, EncoderWeights)); err != nil {
			return err
		}
	}
	if err := report.WriteCSV(filepath.Join(outDir, "loss.csv"), history); err != nil {
		return err
	}
	if history.Len() > 0 {
		if err := report.PlotLoss(filepath.Join(outDir, "loss.png"), history); err != nil {
			return err
		}
	}

	return nil
}

// evaluate logs mean road IoU and pixel accuracy over one pass of the
// training split.
func evaluate(src *dataset.Source, batchSize int, obj *train.Objective) error {
	loader, err := src.Epoch(batchSize)
	if err != nil {
		return err
	}

	var iouSum, accSum float64
	n := 0
	for loader.HasNext() {
		batch, err := loader.Next()
		if err != nil {
			return err
		}
		iou, acc, err := obj.Evaluate(batch)
		batch.Drop()
		if err != nil {
			return err
		}
		iouSum += iou
		accSum += acc
		n++
	}
	if n > 0 {
		klog.Infof("training split: road IoU %.4f pixel accuracy %.4f", iouSum/float64(n), accSum/float64(n))
	}

	return nil
}
