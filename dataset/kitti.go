package dataset

import (
	"image/color"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/ts"
	"k8s.io/klog/v2"
)

// Expected file counts of the KITTI road dataset.
const (
	KITTITrainingImages = 289
	KITTITrainingLabels = 289
	KITTITestingImages  = 290
)

// KITTIBackground is the label colour of non-road pixels.
var KITTIBackground = color.NRGBA{R: 255, G: 0, B: 0, A: 255}

var labelNameRe = regexp.MustCompile(`_(lane|road)_`)

// CheckKITTI verifies that dataDir contains the full KITTI road dataset.
func CheckKITTI(dataDir string) error {
	root := filepath.Join(dataDir, "data_road")
	checks := []struct {
		pattern string
		want    int
	}{
		{filepath.Join(root, "training", "gt_image_2", "*_road_*.png"), KITTITrainingLabels},
		{filepath.Join(root, "training", "image_2", "*.png"), KITTITrainingImages},
		{filepath.Join(root, "testing", "image_2", "*.png"), KITTITestingImages},
	}
	for _, c := range checks {
		files, err := filepath.Glob(c.pattern)
		if err != nil {
			return errors.Wrapf(err, "glob %q", c.pattern)
		}
		if len(files) == 0 {
			return errors.Errorf("KITTI dataset not found: no files match %q", c.pattern)
		}
		if len(files) != c.want {
			return errors.Errorf("KITTI dataset incomplete: expected %d files for %q, found %d", c.want, c.pattern, len(files))
		}
	}

	return nil
}

// KITTI implements Dataset for the KITTI road training split.
type KITTI struct {
	images     []string
	labels     []string
	width      int
	height     int
	background color.NRGBA
}

// NewKITTI lists images under "<dir>/image_2" and matches them with road
// labels under "<dir>/gt_image_2". Samples are resized to width x height.
func NewKITTI(dir string, height, width int, numClasses int64) (*KITTI, error) {
	if numClasses != 2 {
		return nil, errors.Errorf("KITTI road labels have 2 classes, got %d", numClasses)
	}
	images, err := filepath.Glob(filepath.Join(dir, "image_2", "*.png"))
	if err != nil {
		return nil, err
	}
	labelPaths, err := filepath.Glob(filepath.Join(dir, "gt_image_2", "*_road_*.png"))
	if err != nil {
		return nil, err
	}
	sort.Strings(images)

	// um_road_000000.png -> um_000000.png
	byImage := make(map[string]string, len(labelPaths))
	for _, p := range labelPaths {
		byImage[labelNameRe.ReplaceAllString(filepath.Base(p), "_")] = p
	}

	ds := &KITTI{width: width, height: height, background: KITTIBackground}
	for _, img := range images {
		label, ok := byImage[filepath.Base(img)]
		if !ok {
			klog.Warningf("no road label for %q, skipping", img)
			continue
		}
		ds.images = append(ds.images, img)
		ds.labels = append(ds.labels, label)
	}
	if len(ds.images) == 0 {
		return nil, errors.Errorf("no labelled images under %q", dir)
	}

	return ds, nil
}

// Len implements Dataset interface.
func (ds *KITTI) Len() int {
	return len(ds.images)
}

// Item implements Dataset interface.
func (ds *KITTI) Item(idx int) (*Sample, error) {
	img, err := ReadImage(ds.images[idx], ds.width, ds.height)
	if err != nil {
		return nil, err
	}
	label, err := readLabel(ds.labels[idx], ds.width, ds.height)
	if err != nil {
		return nil, err
	}

	h, w := int64(ds.height), int64(ds.width)
	imgTs := ts.MustOfSlice(ImagePixels(img)).MustView([]int64{3, h, w}, true)
	labelTs := ts.MustOfSlice(oneHotLabel(label, ds.background)).MustView([]int64{h, w, 2}, true)

	return &Sample{Image: imgTs, Label: labelTs}, nil
}

// TestImages lists test split images under dir, sorted by name.
func TestImages(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "image_2", "*.png"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		if _, err := os.Stat(dir); err != nil {
			return nil, errors.Wrapf(err, "test split %q", dir)
		}
	}
	sort.Strings(files)

	return files, nil
}

// Source pages a Dataset into shuffled batches, one DataLoader per epoch.
type Source struct {
	ds   Dataset
	seed int64
}

// NewSource creates Source over ds.
func NewSource(ds Dataset, seed int64) *Source {
	return &Source{ds: ds, seed: seed}
}

// Epoch returns a loader over one shuffled pass of the dataset.
func (s *Source) Epoch(batchSize int) (*DataLoader, error) {
	order := Shuffle(s.ds.Len(), s.seed)
	s.seed++

	return NewDataLoader(s.ds, order, batchSize, false)
}
