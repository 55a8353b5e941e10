package encoder

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	"k8s.io/klog/v2"
)

// Tags lists the supported pretrained encoders.
var Tags = []string{VGGTag, ResNetTag}

// Load builds the encoder named by tag under vs and loads its pretrained
// weights from "<bundleDir>/<tag>.ot".
func Load(vs *nn.VarStore, tag, bundleDir string) (Encoder, error) {
	switch tag {
	case VGGTag:
		return LoadVGG16(vs, bundleDir)
	case ResNetTag:
		return LoadResNet34(vs, bundleDir)
	default:
		return nil, errors.Errorf("unknown encoder %q (want one of %v)", tag, Tags)
	}
}

// New builds the encoder named by tag under p with untrained weights.
func New(p *nn.Path, tag string) (Encoder, error) {
	switch tag {
	case VGGTag:
		return NewVGG16(p), nil
	case ResNetTag:
		return NewResNet34(p), nil
	default:
		return nil, errors.Errorf("unknown encoder %q (want one of %v)", tag, Tags)
	}
}

// bundleFile returns the "<bundleDir>/<tag>.ot" weight file if it exists.
func bundleFile(bundleDir, tag string) (string, error) {
	info, err := os.Stat(bundleDir)
	if err != nil {
		return "", errors.Wrapf(err, "pretrained bundle %q", bundleDir)
	}
	if !info.IsDir() {
		return "", errors.Errorf("pretrained bundle %q is not a directory", bundleDir)
	}

	weightFile := filepath.Join(bundleDir, tag+".ot")
	if _, err := os.Stat(weightFile); err != nil {
		return "", errors.Wrapf(err, "pretrained bundle %q has no %q weights", bundleDir, tag)
	}

	return weightFile, nil
}

// loadWeights loads weightFile into vs and freezes it.
func loadWeights(vs *nn.VarStore, weightFile string) error {
	if err := vs.Load(weightFile); err != nil {
		return errors.Wrapf(err, "failed loading %q", weightFile)
	}
	if err := vs.Freeze(); err != nil {
		return errors.Wrapf(err, "freezing %q", weightFile)
	}
	klog.V(1).Infof("loaded encoder weights from %q (%d tensors)", weightFile, vs.Len())

	return nil
}
