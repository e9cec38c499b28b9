package dataloader

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-scatter/tensor"
)

// Source is anything that yields labelled tensors by position: datasets,
// subsets and coefficient collections alike
type Source interface {
	Len() int
	Sample(i int) (*tensor.Tensor, int)
}

// Batch is a materialized group of samples stacked into [B, ...sampleShape]
type Batch struct {
	Data    *tensor.Tensor
	Labels  []int
	Indices []int // source positions of the stacked samples
}

// DataLoader groups a source into fixed-size batches in source order. A
// trailing group smaller than the batch size is dropped.
type DataLoader struct {
	source    Source
	indices   []int
	batchSize int
}

// New creates a loader over every position of source
func New(source Source, batchSize int) (*DataLoader, error) {
	indices := make([]int, source.Len())
	for i := range indices {
		indices[i] = i
	}
	return NewWithIndices(source, indices, batchSize)
}

// NewWithIndices creates a loader over the given source positions, in order
func NewWithIndices(source Source, indices []int, batchSize int) (*DataLoader, error) {
	if batchSize < 1 {
		return nil, errors.Errorf("batch size must be at least 1, got %d", batchSize)
	}
	n := source.Len()
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, errors.Errorf("index %d out of range [0, %d)", idx, n)
		}
	}
	idx := make([]int, len(indices))
	copy(idx, indices)
	return &DataLoader{source: source, indices: idx, batchSize: batchSize}, nil
}

// Len returns the number of full batches
func (dl *DataLoader) Len() int {
	return len(dl.indices) / dl.batchSize
}

// BatchSize returns the configured batch size
func (dl *DataLoader) BatchSize() int {
	return dl.batchSize
}

// Dropped returns how many trailing samples never appear in a batch
func (dl *DataLoader) Dropped() int {
	return len(dl.indices) % dl.batchSize
}

// NumSamples returns the number of samples covered by full batches
func (dl *DataLoader) NumSamples() int {
	return dl.Len() * dl.batchSize
}

// Batch materializes batch i
func (dl *DataLoader) Batch(i int) (*Batch, error) {
	if i < 0 || i >= dl.Len() {
		return nil, errors.Errorf("batch %d out of range [0, %d)", i, dl.Len())
	}

	positions := dl.indices[i*dl.batchSize : (i+1)*dl.batchSize]
	samples := make([]*tensor.Tensor, len(positions))
	labels := make([]int, len(positions))
	for j, idx := range positions {
		samples[j], labels[j] = dl.source.Sample(idx)
	}

	data, err := tensor.Stack(samples)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stack batch %d", i)
	}

	indices := make([]int, len(positions))
	copy(indices, positions)
	return &Batch{Data: data, Labels: labels, Indices: indices}, nil
}

// Batches materializes every batch in order
func (dl *DataLoader) Batches() ([]*Batch, error) {
	batches := make([]*Batch, dl.Len())
	for i := range batches {
		b, err := dl.Batch(i)
		if err != nil {
			return nil, err
		}
		batches[i] = b
	}
	return batches, nil
}

// Shuffled returns a shuffled copy of indices
func Shuffled(indices []int, rng *rand.Rand) []int {
	out := make([]int, len(indices))
	copy(out, indices)
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}
