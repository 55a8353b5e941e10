package main

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/sugarme/gotch/nn"
	"k8s.io/klog/v2"

	"github.com/sugarme/fcn8s/infer"
)

func newInferCmd() *cobra.Command {
	var weights string
	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Segment the KITTI test split with saved decoder weights",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, net, err := buildModel(c)
			if err != nil {
				return err
			}
			if err := loadRunWeights(ctx.Encoder, ctx.Decoder, absPath(weights)); err != nil {
				return err
			}

			_, err = infer.SaveSamples(c.RunsDir, c.DataDir, net, c.ImageHeight, c.ImageWidth)
			return err
		},
	}
	cmd.Flags().StringVar(&weights, "weights", "", "specify decoder weights '.ot' file saved by train")
	_ = cmd.MarkFlagRequired("weights")

	return cmd
}

// loadRunWeights loads decoder weights from decoderFile and, when train saved
// a fine-tuned encoder next to it, the encoder weights too.
func loadRunWeights(enc, dec *nn.VarStore, decoderFile string) error {
	if err := dec.Load(decoderFile); err != nil {
		return errors.Wrapf(err, "loading decoder weights %q", decoderFile)
	}

	encoderFile := filepath.Join(filepath.Dir(decoderFile), EncoderWeights)
	if _, err := os.Stat(encoderFile); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "fine-tuned encoder weights %q", encoderFile)
	}
	if err := enc.Load(encoderFile); err != nil {
		return errors.Wrapf(err, "loading fine-tuned encoder weights %q", encoderFile)
	}
	klog.Infof("using fine-tuned encoder weights %q", encoderFile)

	return nil
}
