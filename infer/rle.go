package infer

import (
	"os"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
)

// Mask is a predicted road mask, row-major.
type Mask struct {
	ID     string
	Width  int
	Height int
	Road   []bool
}

// Fraction returns the share of road pixels.
func (m *Mask) Fraction() float64 {
	if len(m.Road) == 0 {
		return 0
	}
	n := 0
	for _, r := range m.Road {
		if r {
			n++
		}
	}
	return float64(n) / float64(len(m.Road))
}

// EncodeRLE returns run-length encoding of mask as (start, length) pairs
// with 0-based starts.
func EncodeRLE(mask []bool) []int {
	var rle []int
	for i := 0; i < len(mask); {
		if !mask[i] {
			i++
			continue
		}
		start := i
		for i < len(mask) && mask[i] {
			i++
		}
		rle = append(rle, start, i-start)
	}
	return rle
}

// DecodeRLE converts run-length encoding to a mask of n pixels.
func DecodeRLE(rle []int, n int) ([]bool, error) {
	if len(rle)%2 != 0 {
		return nil, errors.Errorf("odd run-length encoding length %d", len(rle))
	}
	mask := make([]bool, n)
	for i := 0; i < len(rle); i += 2 {
		start, end := rle[i], rle[i]+rle[i+1]
		if start < 0 || rle[i+1] < 0 || end > n {
			return nil, errors.Errorf("run %d+%d out of range %d", rle[i], rle[i+1], n)
		}
		for j := start; j < end; j++ {
			mask[j] = true
		}
	}
	return mask, nil
}

// WriteMasks writes masks to a CSV file with columns id, width, height and
// encoding, where encoding is the space separated run-length encoding.
func WriteMasks(path string, masks []*Mask) error {
	ids := make([]string, len(masks))
	widths := make([]int, len(masks))
	heights := make([]int, len(masks))
	encodings := make([]string, len(masks))
	for i, m := range masks {
		ids[i] = m.ID
		widths[i] = m.Width
		heights[i] = m.Height
		rle := EncodeRLE(m.Road)
		parts := make([]string, len(rle))
		for j, v := range rle {
			parts[j] = strconv.Itoa(v)
		}
		encodings[i] = strings.Join(parts, " ")
	}

	df := dataframe.New(
		series.New(ids, series.String, "id"),
		series.New(widths, series.Int, "width"),
		series.New(heights, series.Int, "height"),
		series.New(encodings, series.String, "encoding"),
	)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := df.WriteCSV(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %q", path)
	}

	return f.Close()
}

// ReadMasks reads masks written by WriteMasks.
func ReadMasks(path string) ([]*Mask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.WithTypes(map[string]series.Type{
			"id":       series.String,
			"width":    series.Int,
			"height":   series.Int,
			"encoding": series.String,
		}),
	)
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "reading %q", path)
	}

	ids := df.Col("id").Records()
	widths, err := df.Col("width").Int()
	if err != nil {
		return nil, err
	}
	heights, err := df.Col("height").Int()
	if err != nil {
		return nil, err
	}
	encodings := df.Col("encoding").Records()

	masks := make([]*Mask, len(ids))
	for i, id := range ids {
		var rle []int
		if encodings[i] == "NaN" {
			encodings[i] = ""
		}
		for _, s := range strings.Fields(encodings[i]) {
			v, err := strconv.Atoi(s)
			if err != nil {
				return nil, errors.Wrapf(err, "mask %q", id)
			}
			rle = append(rle, v)
		}
		road, err := DecodeRLE(rle, widths[i]*heights[i])
		if err != nil {
			return nil, errors.Wrapf(err, "mask %q", id)
		}
		masks[i] = &Mask{ID: id, Width: widths[i], Height: heights[i], Road: road}
	}

	return masks, nil
}
