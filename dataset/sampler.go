package dataset

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/dutil"
)

// Shuffle returns a permutation of 0..n-1 drawn from seed.
func Shuffle(n int, seed int64) []int {
	return rand.New(rand.NewSource(seed)).Perm(n)
}

// Sequential returns 0..n-1.
func Sequential(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

// newIndexLoader pages order into batches of dataset indices. Each Next call
// of the returned loader yields a []int. A batch size above len(order) gives
// a single batch.
func newIndexLoader(order []int, batchSize int, dropLast bool) (*dutil.DataLoader, error) {
	if len(order) == 0 {
		return nil, errors.New("sampler: dataset is empty")
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("sampler: batch size must be > 0 (got %d)", batchSize)
	}
	if batchSize > len(order) {
		batchSize = len(order)
	}

	s, err := dutil.NewBatchSampler(len(order), batchSize, dropLast, false)
	if err != nil {
		return nil, errors.Wrap(err, "sampler")
	}
	items, err := dutil.NewSliceDataset(order)
	if err != nil {
		return nil, errors.Wrap(err, "sampler")
	}

	return dutil.NewDataLoader(items, s)
}
