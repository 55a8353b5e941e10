package dataset

import (
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// readImage reads image from file.
func readImage(filename string) (image.Image, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var img image.Image
	switch ext {
	case ".png":
		img, err = png.Decode(f)
	case ".jpg", ".jpeg":
		img, err = jpeg.Decode(f)
	case ".tiff", ".tif":
		img, err = tiff.Decode(f)
	default:
		return nil, errors.Errorf("unsupported image format: %v", ext)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %q", filename)
	}

	return img, nil
}

// ReadImage reads an image file and resizes it to width x height with linear
// interpolation.
func ReadImage(filename string, width, height int) (image.Image, error) {
	img, err := readImage(filename)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img, nil
	}

	return imaging.Resize(img, width, height, imaging.Linear), nil
}

// readLabel reads a label image and resizes it with nearest neighbour so
// that no new colours are introduced.
func readLabel(filename string, width, height int) (image.Image, error) {
	img, err := readImage(filename)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img, nil
	}

	return resize.Resize(uint(width), uint(height), img, resize.NearestNeighbor), nil
}

// ImagePixels converts img to a channels-first RGB float slice [3, H, W]
// with values in 0..255.
func ImagePixels(img image.Image) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := y*w + x
			out[i] = float32(c.R)
			out[plane+i] = float32(c.G)
			out[2*plane+i] = float32(c.B)
		}
	}

	return out
}

// oneHotLabel converts a label image to a one-hot slice [H, W, 2]: class 0
// where the pixel has the background colour, class 1 elsewhere.
func oneHotLabel(img image.Image, background color.NRGBA) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float32, w*h*2)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := (y*w + x) * 2
			if c.R == background.R && c.G == background.G && c.B == background.B {
				out[i] = 1
			} else {
				out[i+1] = 1
			}
		}
	}

	return out
}
