package dataset

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// makeKITTI writes n image/label pairs of size w x h. The left half of every
// label is background, the right half road.
func makeKITTI(t *testing.T, n, w, h int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		img := image.NewNRGBA(image.Rect(0, 0, w, h))
		label := image.NewNRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetNRGBA(x, y, color.NRGBA{R: uint8(i), G: 10, B: 20, A: 255})
				if x < w/2 {
					label.SetNRGBA(x, y, KITTIBackground)
				} else {
					label.SetNRGBA(x, y, color.NRGBA{R: 255, G: 0, B: 255, A: 255})
				}
			}
		}
		writePNG(t, filepath.Join(dir, "image_2", fmt.Sprintf("um_%06d.png", i)), img)
		writePNG(t, filepath.Join(dir, "gt_image_2", fmt.Sprintf("um_road_%06d.png", i)), label)
		// lane labels are ignored
		writePNG(t, filepath.Join(dir, "gt_image_2", fmt.Sprintf("um_lane_%06d.png", i)), label)
	}
	return dir
}

func TestOneHotLabel(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, KITTIBackground)
	img.SetNRGBA(1, 0, color.NRGBA{R: 255, G: 0, B: 255, A: 255})

	assert.Equal(t, []float32{1, 0, 0, 1}, oneHotLabel(img, KITTIBackground))
}

func TestImagePixelsChannelsFirst(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 4, G: 5, B: 6, A: 255})

	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, ImagePixels(img))
}

func TestReadImageResizes(t *testing.T) {
	dir := makeKITTI(t, 1, 64, 32)
	img, err := ReadImage(filepath.Join(dir, "image_2", "um_000000.png"), 32, 16)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 16, img.Bounds().Dy())

	label, err := readLabel(filepath.Join(dir, "gt_image_2", "um_road_000000.png"), 32, 16)
	require.NoError(t, err)
	// nearest neighbour keeps label colours exact
	onehot := oneHotLabel(label, KITTIBackground)
	var road float32
	for i := 1; i < len(onehot); i += 2 {
		road += onehot[i]
	}
	assert.Equal(t, float32(16*16), road)

	_, err = ReadImage(filepath.Join(dir, "missing.bmp"), 1, 1)
	assert.Error(t, err)
}

func TestKITTIItem(t *testing.T) {
	dir := makeKITTI(t, 3, 64, 32)
	ds, err := NewKITTI(dir, 32, 64, 2)
	require.NoError(t, err)
	require.Equal(t, 3, ds.Len())

	s, err := ds.Item(1)
	require.NoError(t, err)
	defer s.Image.MustDrop()
	defer s.Label.MustDrop()

	assert.Equal(t, []int64{3, 32, 64}, s.Image.MustSize())
	assert.Equal(t, []int64{32, 64, 2}, s.Label.MustSize())
	assert.Equal(t, 1.0, s.Image.Float64Values()[0])

	labels := s.Label.Float64Values()
	assert.Equal(t, []float64{1, 0}, labels[:2])
	assert.Equal(t, []float64{0, 1}, labels[len(labels)-2:])
}

func TestNewKITTIErrors(t *testing.T) {
	dir := makeKITTI(t, 1, 8, 8)
	_, err := NewKITTI(dir, 8, 8, 3)
	assert.Error(t, err)

	_, err = NewKITTI(t.TempDir(), 8, 8, 2)
	assert.Error(t, err)
}

func TestCheckKITTI(t *testing.T) {
	err := CheckKITTI(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	dir := t.TempDir()
	makeDir := filepath.Join(dir, "data_road", "training")
	require.NoError(t, os.MkdirAll(filepath.Join(makeDir, "gt_image_2"), 0o755))
	writePNG(t, filepath.Join(makeDir, "gt_image_2", "um_road_000000.png"), image.NewNRGBA(image.Rect(0, 0, 1, 1)))
	err = CheckKITTI(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete")
}

func drainIndices(t *testing.T, order []int, batchSize int, dropLast bool) [][]int {
	t.Helper()
	dl, err := newIndexLoader(order, batchSize, dropLast)
	require.NoError(t, err)
	var batches [][]int
	for dl.HasNext() {
		item, err := dl.Next()
		require.NoError(t, err)
		batches = append(batches, item.([]int))
	}
	return batches
}

func TestIndexLoaderCoversEveryIndex(t *testing.T) {
	order := Shuffle(11, 1)
	batches := drainIndices(t, order, 5, false)
	require.Len(t, batches, 3)
	assert.Len(t, batches[2], 1)

	var seen []int
	for _, b := range batches {
		seen = append(seen, b...)
	}
	assert.Equal(t, order, seen)
	sort.Ints(seen)
	assert.Equal(t, Sequential(11), seen)

	batches = drainIndices(t, Sequential(11), 5, true)
	require.Len(t, batches, 2)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, batches[0])

	// batch larger than the dataset gives one batch
	batches = drainIndices(t, Sequential(3), 5, false)
	assert.Equal(t, [][]int{{0, 1, 2}}, batches)

	_, err := newIndexLoader(nil, 5, false)
	assert.Error(t, err)
	_, err = newIndexLoader(Sequential(3), 0, false)
	assert.Error(t, err)
}

func TestShuffleIsSeeded(t *testing.T) {
	assert.Equal(t, Shuffle(20, 7), Shuffle(20, 7))
	assert.NotEqual(t, Shuffle(20, 7), Shuffle(20, 8))
}

func TestSourceEpochBatches(t *testing.T) {
	dir := makeKITTI(t, 5, 32, 32)
	ds, err := NewKITTI(dir, 32, 32, 2)
	require.NoError(t, err)
	src := NewSource(ds, 7)

	dl, err := src.Epoch(2)
	require.NoError(t, err)

	var sizes []int64
	for dl.HasNext() {
		b, err := dl.Next()
		require.NoError(t, err)
		assert.Equal(t, []int64{b.Size(), 3, 32, 32}, b.Images.MustSize())
		assert.Equal(t, []int64{b.Size(), 32, 32, 2}, b.Labels.MustSize())
		sizes = append(sizes, b.Size())
		b.Drop()
	}
	assert.Equal(t, []int64{2, 2, 1}, sizes)

	_, err = dl.Next()
	assert.Error(t, err)

	dl.Reset()
	assert.True(t, dl.HasNext())

	_, err = NewDataLoader(ds, []int{0, 5}, 2, false)
	assert.Error(t, err)
}
