package crossval

import (
	"github.com/pkg/errors"
)

// Fold is one train/validation partition of training-set positions
type Fold struct {
	Index      int
	Train      []int
	Validation []int
}

// KFold partitions positions [0, n) into k folds without shuffling. Each
// fold validates on a contiguous slice; the first n mod k folds get one
// extra position.
func KFold(n, k int) ([]Fold, error) {
	if k < 2 {
		return nil, errors.Errorf("number of folds must be at least 2, got %d", k)
	}
	if n < k {
		return nil, errors.Errorf("cannot split %d samples into %d folds", n, k)
	}

	folds := make([]Fold, k)
	start := 0
	for i := range folds {
		size := n / k
		if i < n%k {
			size++
		}
		stop := start + size

		validation := make([]int, 0, size)
		train := make([]int, 0, n-size)
		for p := 0; p < n; p++ {
			if p >= start && p < stop {
				validation = append(validation, p)
			} else {
				train = append(train, p)
			}
		}
		folds[i] = Fold{Index: i, Train: train, Validation: validation}
		start = stop
	}
	return folds, nil
}

// SelectBest returns the index of the highest value, preferring the lowest
// index among ties. It returns -1 for an empty slice.
func SelectBest(values []float64) int {
	best := -1
	for i, v := range values {
		if best < 0 || v > values[best] {
			best = i
		}
	}
	return best
}
