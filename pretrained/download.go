// Package pretrained fetches pretrained encoder weights.
package pretrained

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/sugarme/fcn8s/encoder"
)

// VGGURL is where the VGG16 weights in gotch `.ot` format are published.
var VGGURL = "https://github.com/LaurentMazare/ocaml-torch/releases/download/v0.1-unstable/vgg16.ot"

// ResNetURL is where the ResNet34 weights are published.
var ResNetURL = "https://github.com/LaurentMazare/ocaml-torch/releases/download/v0.1-unstable/resnet34.ot"

// VGGDir returns the pretrained bundle directory under dataDir.
func VGGDir(dataDir string) string {
	return filepath.Join(dataDir, "vgg")
}

// BundleDir returns the bundle directory of the encoder named by tag.
func BundleDir(dataDir, tag string) string {
	if tag == encoder.VGGTag {
		return VGGDir(dataDir)
	}
	return filepath.Join(dataDir, tag)
}

// MaybeDownloadVGG downloads the VGG16 bundle into "<dataDir>/vgg" unless it
// is already there. It returns the bundle directory.
func MaybeDownloadVGG(dataDir string) (string, error) {
	return MaybeDownload(dataDir, encoder.VGGTag)
}

// MaybeDownload downloads the weights of the encoder named by tag unless
// they are already in its bundle directory, which is returned.
func MaybeDownload(dataDir, tag string) (string, error) {
	var url string
	switch tag {
	case encoder.VGGTag:
		url = VGGURL
	case encoder.ResNetTag:
		url = ResNetURL
	default:
		return "", errors.Errorf("no pretrained weights for encoder %q", tag)
	}

	dir := BundleDir(dataDir, tag)
	target := filepath.Join(dir, tag+".ot")
	if _, err := os.Stat(target); err == nil {
		return dir, nil
	}

	fmt.Printf("Downloading pre-trained %s model...\n", tag)
	size, err := Download(url, target, true)
	if err != nil {
		return "", err
	}
	klog.Infof("downloaded %s (%s)", target, humanize.Bytes(uint64(size)))

	return dir, nil
}

// Download fetches url into filePath, creating the parent directory. The
// file is written to a temporary name first and renamed when complete.
func Download(url, filePath string, showProgressBar bool) (size int64, err error) {
	if err = os.MkdirAll(filepath.Dir(filePath), 0o777); err != nil {
		return 0, errors.Wrapf(err, "failed to create the directory for the path: %q", filePath)
	}

	resp, err := http.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: %s", url, resp.Status)
	}

	tmpPath := filePath + ".part"
	file, err := os.Create(tmpPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", tmpPath)
	}

	var w io.Writer = file
	var bar *progressbar.ProgressBar
	if showProgressBar {
		bar = progressbar.DefaultBytes(resp.ContentLength, filepath.Base(filePath))
		w = io.MultiWriter(file, bar)
	}
	size, err = io.Copy(w, resp.Body)
	if bar != nil {
		_ = bar.Close()
		fmt.Println()
	}
	if err != nil {
		file.Close()
		os.Remove(tmpPath)
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = file.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, errors.Wrapf(err, "failed closing %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return 0, errors.Wrapf(err, "failed moving %q to %q", tmpPath, filePath)
	}

	return size, nil
}
