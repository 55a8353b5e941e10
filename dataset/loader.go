package dataset

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch/dutil"
	"github.com/sugarme/gotch/ts"
)

// Sample is one image with its one-hot label.
type Sample struct {
	Image *ts.Tensor // [3, H, W]
	Label *ts.Tensor // [H, W, numClasses]
}

// Batch is a minibatch of images [batch, 3, H, W] and one-hot labels
// [batch, H, W, numClasses].
type Batch struct {
	Images *ts.Tensor
	Labels *ts.Tensor
}

// Size returns number of samples in the batch.
func (b *Batch) Size() int64 {
	if b.Images == nil {
		return 0
	}
	return b.Images.MustSize()[0]
}

// Drop releases batch tensors.
func (b *Batch) Drop() {
	if b.Images != nil {
		b.Images.MustDrop()
		b.Images = nil
	}
	if b.Labels != nil {
		b.Labels.MustDrop()
		b.Labels = nil
	}
}

// Dataset is an indexable collection of samples.
type Dataset interface {
	Len() int
	Item(idx int) (*Sample, error)
}

// DataLoader yields batches from a Dataset in a fixed index order.
type DataLoader struct {
	ds      Dataset
	indices *dutil.DataLoader
}

// NewDataLoader creates DataLoader visiting ds in order, batchSize items at a
// time. If dropLast, a trailing partial batch is skipped.
func NewDataLoader(ds Dataset, order []int, batchSize int, dropLast bool) (*DataLoader, error) {
	for _, idx := range order {
		if idx < 0 || idx >= ds.Len() {
			return nil, errors.Errorf("loader: index %d out of range for %d items", idx, ds.Len())
		}
	}
	indices, err := newIndexLoader(order, batchSize, dropLast)
	if err != nil {
		return nil, err
	}

	return &DataLoader{ds: ds, indices: indices}, nil
}

// HasNext reports whether another batch is available in this epoch.
func (dl *DataLoader) HasNext() bool {
	return dl.indices.HasNext()
}

// Next loads and stacks the next batch.
func (dl *DataLoader) Next() (*Batch, error) {
	if !dl.HasNext() {
		return nil, errors.New("loader: no more batches")
	}
	item, err := dl.indices.Next()
	if err != nil {
		return nil, errors.Wrap(err, "loader")
	}
	indices := item.([]int)

	var imgs, labels []*ts.Tensor
	drop := func() {
		for _, x := range imgs {
			x.MustDrop()
		}
		for _, x := range labels {
			x.MustDrop()
		}
	}
	for _, idx := range indices {
		s, err := dl.ds.Item(idx)
		if err != nil {
			drop()
			return nil, errors.Wrapf(err, "loading item %d", idx)
		}
		imgs = append(imgs, s.Image)
		labels = append(labels, s.Label)
	}

	batch := &Batch{
		Images: ts.MustStack(imgs, 0),
		Labels: ts.MustStack(labels, 0),
	}
	drop()

	return batch, nil
}

// Reset replays the same order from the first batch.
func (dl *DataLoader) Reset() {
	dl.indices.Reset()
}
