package scattering

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-scatter/memory"
	"github.com/tsawler/go-scatter/tensor"
	"github.com/tsawler/go-scatter/vision/dataloader"
	"github.com/tsawler/go-scatter/vision/dataset"
)

// imageSet builds n single-channel 8x8 images whose pixels all equal the
// sample position
func imageSet(t *testing.T, n int) *dataset.Dataset {
	t.Helper()
	samples := make([]dataset.Sample, n)
	for i := range samples {
		data := make([]float32, 64)
		for j := range data {
			data[j] = float32(i)
		}
		img, err := tensor.New([]int{1, 8, 8}, data)
		require.NoError(t, err)
		samples[i] = dataset.Sample{Data: img, Label: i % 2}
	}
	ds, err := dataset.New(samples, []string{"cat", "dog"})
	require.NoError(t, err)
	return ds
}

// echoOperator returns one path per channel holding the input pixels
type echoOperator struct{}

func (echoOperator) Transform(x *tensor.Tensor) (*tensor.Tensor, error) {
	data := make([]float32, x.NumElems())
	copy(data, x.Data())
	return x.NewOnDevice([]int{x.Shape[0], x.Shape[1], 1, x.Shape[2], x.Shape[3]}, data)
}

type failingOperator struct{}

func (failingOperator) Transform(x *tensor.Tensor) (*tensor.Tensor, error) {
	return nil, errors.New("boom")
}

func TestComputeAlignment(t *testing.T) {
	ds := imageSet(t, 7)
	loader, err := dataloader.New(ds, 3)
	require.NoError(t, err)

	c := &Computer{Operator: echoOperator{}, Memory: memory.NewMemoryManager(0)}
	coeffs, err := c.Compute("train", loader, ds.ClassNames())
	require.NoError(t, err)

	// 7 samples in batches of 3: the last sample is dropped
	require.Equal(t, 6, coeffs.Len())
	for i := 0; i < coeffs.Len(); i++ {
		s, label := coeffs.Sample(i)
		assert.Equal(t, []int{1, 1}, s.Shape)
		assert.InDelta(t, float64(i), float64(s.Data()[0]), 1e-6)
		assert.Equal(t, i%2, label)
		assert.Equal(t, tensor.CPU, s.Device)
	}
}

func TestComputeBoundedMemory(t *testing.T) {
	ds := imageSet(t, 5)
	loader, err := dataloader.New(ds, 2)
	require.NoError(t, err)

	op, err := NewMorlet2D(Params{J: 1, L: 2, Order: 1, Size: 8})
	require.NoError(t, err)

	// input + operator output + pooled output of one batch
	batchFootprint := int64(2*64*4 + 2*3*16*4 + 2*3*4)

	mm := memory.NewMemoryManager(batchFootprint)
	c := &Computer{Operator: op, Memory: mm}
	coeffs, err := c.Compute("train", loader, ds.ClassNames())
	require.NoError(t, err)

	assert.Equal(t, 4, coeffs.Len())
	stats := mm.Stats()
	assert.Equal(t, batchFootprint, stats.Peak)
	assert.Equal(t, int64(0), stats.InUse)
	assert.Equal(t, 0, stats.Live)
}

func TestComputeDeterministic(t *testing.T) {
	ds := imageSet(t, 4)
	loader, _ := dataloader.New(ds, 2)
	op, _ := NewMorlet2D(Params{J: 1, L: 2, Order: 2, Size: 8})

	c := &Computer{Operator: op, Memory: memory.NewMemoryManager(0)}
	first, err := c.Compute("test", loader, ds.ClassNames())
	require.NoError(t, err)
	second, err := c.Compute("test", loader, ds.ClassNames())
	require.NoError(t, err)

	for i := 0; i < first.Len(); i++ {
		a, _ := first.Sample(i)
		b, _ := second.Sample(i)
		assert.Equal(t, a.Data(), b.Data())
	}
}

func TestComputeErrors(t *testing.T) {
	ds := imageSet(t, 4)
	loader, _ := dataloader.New(ds, 2)

	t.Run("OperatorFailure", func(t *testing.T) {
		c := &Computer{Operator: failingOperator{}, Memory: memory.NewMemoryManager(0)}
		_, err := c.Compute("train", loader, ds.ClassNames())
		var te *TransformError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, "train", te.Split)
		assert.Equal(t, 0, te.Batch)
	})

	t.Run("BudgetExceeded", func(t *testing.T) {
		mm := memory.NewMemoryManager(100)
		c := &Computer{Operator: echoOperator{}, Memory: mm}
		_, err := c.Compute("test", loader, ds.ClassNames())
		var te *TransformError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, memory.ErrBudgetExceeded, errors.Cause(te.Err))
		assert.Equal(t, int64(0), mm.Stats().InUse)
	})
}
