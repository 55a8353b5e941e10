package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/sugarme/gotch"
	"k8s.io/klog/v2"

	"github.com/sugarme/fcn8s/config"
)

// flag variables
var (
	configPath string
	dataDir    string
	runsDir    string
	encoderTag string
	cuda       bool
	epochs     int
	batchSize  int
	fineTune   bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fcn8s",
		Short:         "FCN-8s road segmentation on the KITTI road dataset",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "specify TOML config file")
	pf.StringVar(&dataDir, "data", "", "specify data directory (overrides data_dir)")
	pf.StringVar(&runsDir, "runs", "", "specify output directory (overrides runs_dir)")
	pf.StringVar(&encoderTag, "encoder", "", "specify pretrained encoder: vgg16 or resnet34")
	pf.BoolVar(&cuda, "cuda", false, "specify whether using CUDA or not")

	root.AddCommand(newTrainCmd(), newInferCmd(), newCheckCmd(), newPlotCmd())

	return root
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	c := config.Default()
	if configPath != "" {
		var err error
		if c, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("data") {
		c.DataDir = dataDir
	}
	if flags.Changed("runs") {
		c.RunsDir = runsDir
	}
	if flags.Changed("encoder") {
		c.Encoder = encoderTag
	}
	if flags.Changed("cuda") {
		c.Cuda = cuda
	}
	if flags.Changed("epochs") {
		c.Epochs = epochs
	}
	if flags.Changed("batch") {
		c.BatchSize = batchSize
	}
	if flags.Changed("fine-tune") {
		c.FineTuneEncoder = fineTune
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	c.DataDir = absPath(c.DataDir)
	c.RunsDir = absPath(c.RunsDir)

	return c, nil
}

func device(c *config.Config) gotch.Device {
	if c.Cuda {
		return gotch.CudaIfAvailable()
	}
	return gotch.CPU
}

// helper to get absolute file path
func absPath(p string) string {
	fullpath, err := filepath.Abs(p)
	if err != nil {
		klog.Fatal(err)
	}
	return fullpath
}

func main() {
	klog.InitFlags(nil)
	root := newRootCmd()
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	if err := root.Execute(); err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}
