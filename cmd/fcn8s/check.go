package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/fcn8s/encoder"
	"github.com/sugarme/fcn8s/fcn"
	"github.com/sugarme/fcn8s/report"
)

func newCheckCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Build the model with random weights and print output shape",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx := fcn.NewContext(device(c))
			var enc encoder.Encoder
			if full {
				enc, err = encoder.New(ctx.Encoder.Root(), c.Encoder)
				if err != nil {
					return err
				}
			} else {
				enc = encoder.NewSynthetic(ctx.Encoder.Root(), 16, 32, 64)
			}
			net, err := fcn.New(ctx, enc, c.Decoder())
			if err != nil {
				return err
			}

			x := ts.MustRand([]int64{1, 3, int64(c.ImageHeight), int64(c.ImageWidth)}, gotch.Float, ctx.Device)
			defer x.MustDrop()

			var logits *ts.Tensor
			ts.NoGrad(func() {
				logits, err = net.Forward(x, 1.0, false)
			})
			if err != nil {
				return err
			}
			defer logits.MustDrop()

			fmt.Printf("input: %v output: %v\n", x.MustSize(), logits.MustSize())
			fmt.Printf("encoder variables: %d decoder variables: %d\n", ctx.Encoder.Len(), ctx.Decoder.Len())
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "specify whether to build the full encoder instead of a small synthetic one")

	return cmd
}

func newPlotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plot <loss.csv> <loss.png>",
		Short: "Plot a saved loss history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := report.ReadCSV(args[0])
			if err != nil {
				return err
			}
			return report.PlotLoss(args[1], history)
		},
	}
}
