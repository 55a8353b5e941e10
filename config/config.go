// Package config holds the run configuration of the FCN-8s trainer.
package config

import (
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/sugarme/fcn8s/encoder"
	"github.com/sugarme/fcn8s/fcn"
	"github.com/sugarme/fcn8s/train"
)

// Config is decoded from a TOML file. Missing keys keep their defaults.
type Config struct {
	Encoder         string  `toml:"encoder"`
	NumClasses      int64   `toml:"num_classes"`
	ImageHeight     int     `toml:"image_height"`
	ImageWidth      int     `toml:"image_width"`
	Epochs          int     `toml:"epochs"`
	BatchSize       int     `toml:"batch_size"`
	KeepProb        float64 `toml:"keep_prob"`
	LearningRate    float64 `toml:"learning_rate"`
	KernelPenalty   float64 `toml:"kernel_penalty"`
	RegWeight       float64 `toml:"reg_weight"`
	MidScale        float64 `toml:"mid_scale"`
	ShallowScale    float64 `toml:"shallow_scale"`
	LogEvery        int     `toml:"log_every"`
	FineTuneEncoder bool    `toml:"fine_tune_encoder"`
	Seed            int64   `toml:"seed"`
	DataDir         string  `toml:"data_dir"`
	RunsDir         string  `toml:"runs_dir"`
	Cuda            bool    `toml:"cuda"`
}

// Default returns the reference configuration.
func Default() *Config {
	loop := train.DefaultLoopConfig()
	dec := fcn.DefaultDecoderConfig(2)
	return &Config{
		Encoder:         encoder.VGGTag,
		NumClasses:      2,
		ImageHeight:     160,
		ImageWidth:      576,
		Epochs:          loop.Epochs,
		BatchSize:       loop.BatchSize,
		KeepProb:        loop.KeepProb,
		LearningRate:    loop.LearningRate,
		KernelPenalty:   dec.KernelPenalty,
		RegWeight:       train.DefaultObjectiveConfig(2).RegWeight,
		MidScale:        dec.MidScale,
		ShallowScale:    dec.ShallowScale,
		LogEvery:        loop.LogEvery,
		FineTuneEncoder: false,
		Seed:            1,
		DataDir:         "./data",
		RunsDir:         "./runs",
		Cuda:            false,
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Wrapf(err, "loading config %q", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, errors.Errorf("config %q: unknown keys %s", path, strings.Join(keys, ", "))
	}

	if err := c.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %q", path)
	}

	return c, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	for name, v := range c.floats() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("%s must be finite (got %v)", name, v)
		}
	}

	switch {
	case !slices.Contains(encoder.Tags, c.Encoder):
		return errors.Errorf("encoder must be one of %v (got %q)", encoder.Tags, c.Encoder)
	case c.NumClasses < 1:
		return errors.Errorf("num_classes must be >= 1 (got %d)", c.NumClasses)
	case c.ImageHeight <= 0 || c.ImageHeight%32 != 0:
		return errors.Errorf("image_height must be a positive multiple of 32 (got %d)", c.ImageHeight)
	case c.ImageWidth <= 0 || c.ImageWidth%32 != 0:
		return errors.Errorf("image_width must be a positive multiple of 32 (got %d)", c.ImageWidth)
	case c.Epochs < 0:
		return errors.Errorf("epochs must be >= 0 (got %d)", c.Epochs)
	case c.BatchSize <= 0:
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	case c.KeepProb <= 0 || c.KeepProb > 1:
		return errors.Errorf("keep_prob must be in (0, 1] (got %v)", c.KeepProb)
	case c.LearningRate <= 0:
		return errors.Errorf("learning_rate must be > 0 (got %v)", c.LearningRate)
	case c.KernelPenalty < 0 || c.RegWeight < 0:
		return errors.New("kernel_penalty and reg_weight must be >= 0")
	case c.MidScale < 0 || c.ShallowScale < 0:
		return errors.New("mid_scale and shallow_scale must be >= 0")
	case c.LogEvery <= 0:
		return errors.Errorf("log_every must be > 0 (got %d)", c.LogEvery)
	case c.DataDir == "" || c.RunsDir == "":
		return errors.New("data_dir and runs_dir must be set")
	}

	return nil
}

func (c *Config) floats() map[string]float64 {
	return map[string]float64{
		"keep_prob":      c.KeepProb,
		"learning_rate":  c.LearningRate,
		"kernel_penalty": c.KernelPenalty,
		"reg_weight":     c.RegWeight,
		"mid_scale":      c.MidScale,
		"shallow_scale":  c.ShallowScale,
	}
}

// Decoder returns the decoder build options. The encoder is cut off from
// decoder gradients unless it is fine-tuned.
func (c *Config) Decoder() fcn.DecoderConfig {
	dec := fcn.DefaultDecoderConfig(c.NumClasses)
	dec.KernelPenalty = c.KernelPenalty
	dec.MidScale = c.MidScale
	dec.ShallowScale = c.ShallowScale
	dec.StopGradient = !c.FineTuneEncoder
	return dec
}

// Objective returns the loss and optimizer options.
func (c *Config) Objective() train.ObjectiveConfig {
	obj := train.DefaultObjectiveConfig(c.NumClasses)
	obj.FineTuneEncoder = c.FineTuneEncoder
	obj.RegWeight = c.RegWeight
	return obj
}

// Loop returns the training schedule.
func (c *Config) Loop() train.LoopConfig {
	return train.LoopConfig{
		Epochs:       c.Epochs,
		BatchSize:    c.BatchSize,
		KeepProb:     c.KeepProb,
		LearningRate: c.LearningRate,
		LogEvery:     c.LogEvery,
	}
}
