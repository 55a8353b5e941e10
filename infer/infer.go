// Package infer runs a trained model over the test split and writes
// segmentation overlays.
package infer

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
	"golang.org/x/image/draw"
	"k8s.io/klog/v2"

	"github.com/sugarme/fcn8s/dataset"
)

// RoadColor is blended over pixels predicted as road.
var RoadColor = color.NRGBA{R: 0, G: 255, B: 0, A: 127}

// Threshold is the road probability above which a pixel is marked.
const Threshold = 0.5

// MasksFile is the run-length encoded mask CSV written next to the overlays.
const MasksFile = "masks.csv"

// Scorer returns flattened class scores [batch*H*W, numClasses] in inference
// mode.
type Scorer interface {
	Logits(images *ts.Tensor) (*ts.Tensor, error)
}

// SaveSamples segments every image of "<dataDir>/data_road/testing" and
// writes overlays to a new timestamped directory under runsDir, which is
// returned.
func SaveSamples(runsDir, dataDir string, scorer Scorer, height, width int) (string, error) {
	outDir := filepath.Join(runsDir, fmt.Sprint(time.Now().UnixNano()))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating %q", outDir)
	}
	klog.Infof("Training finished. Saving test images to: %s", outDir)

	files, err := dataset.TestImages(filepath.Join(dataDir, "data_road", "testing"))
	if err != nil {
		return "", err
	}

	masks := make([]*Mask, 0, len(files))
	var roadFraction float64
	for _, f := range files {
		mask, err := SaveSample(f, filepath.Join(outDir, filepath.Base(f)), scorer, height, width)
		if err != nil {
			return "", err
		}
		masks = append(masks, mask)
		roadFraction += mask.Fraction()
	}
	if len(files) > 0 {
		klog.Infof("saved %d overlays, mean road fraction %.3f", len(files), roadFraction/float64(len(files)))
	}

	if err := WriteMasks(filepath.Join(outDir, MasksFile), masks); err != nil {
		return "", err
	}

	return outDir, nil
}

// SaveSample segments one image and writes the overlay to outPath. It
// returns the predicted mask.
func SaveSample(imgPath, outPath string, scorer Scorer, height, width int) (*Mask, error) {
	img, err := dataset.ReadImage(imgPath, width, height)
	if err != nil {
		return nil, err
	}

	probs, err := roadProbabilities(img, scorer, height, width)
	if err != nil {
		return nil, errors.Wrapf(err, "segmenting %q", imgPath)
	}

	out, _ := Overlay(img, probs, Threshold)
	f, err := os.Create(outPath)
	if err != nil {
		return nil, err
	}
	if err := png.Encode(f, out); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "encoding %q", outPath)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	road := make([]bool, len(probs))
	for i, p := range probs {
		road[i] = p > Threshold
	}
	id := strings.TrimSuffix(filepath.Base(imgPath), filepath.Ext(imgPath))

	return &Mask{ID: id, Width: width, Height: height, Road: road}, nil
}

func roadProbabilities(img image.Image, scorer Scorer, height, width int) ([]float64, error) {
	x := ts.MustOfSlice(dataset.ImagePixels(img)).MustView([]int64{1, 3, int64(height), int64(width)}, true)
	defer x.MustDrop()

	logits, err := scorer.Logits(x)
	if err != nil {
		return nil, err
	}
	probs := logits.MustSoftmax(1, gotch.Float, true)
	road := probs.MustSelect(1, 1, true)
	values := road.Float64Values()
	road.MustDrop()

	return values, nil
}

// Overlay blends RoadColor over img wherever probs (row-major, one per pixel)
// exceeds threshold. It returns the image and the number of marked pixels.
func Overlay(img image.Image, probs []float64, threshold float64) (*image.RGBA, int) {
	b := img.Bounds()
	rect := image.Rect(0, 0, b.Dx(), b.Dy())
	dst := image.NewRGBA(rect)
	draw.Draw(dst, rect, img, b.Min, draw.Src)

	mask := image.NewAlpha(rect)
	marked := 0
	for i, p := range probs {
		if p > threshold {
			mask.SetAlpha(i%rect.Dx(), i/rect.Dx(), color.Alpha{A: RoadColor.A})
			marked++
		}
	}
	src := image.NewUniform(color.NRGBA{R: RoadColor.R, G: RoadColor.G, B: RoadColor.B, A: 255})
	draw.DrawMask(dst, rect, src, image.Point{}, mask, image.Point{}, draw.Over)

	return dst, marked
}
