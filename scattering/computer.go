package scattering

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-scatter/memory"
	"github.com/tsawler/go-scatter/tensor"
	"github.com/tsawler/go-scatter/vision/dataloader"
	"github.com/tsawler/go-scatter/vision/dataset"
)

// Operator computes scattering coefficients for an image batch
// [B, C, N, N] -> [B, C, P, H', W']
type Operator interface {
	Transform(x *tensor.Tensor) (*tensor.Tensor, error)
}

// TransformError reports the split and batch whose transform failed
type TransformError struct {
	Split string
	Batch int
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("scattering transform failed on %s batch %d: %v", e.Split, e.Batch, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// Cause supports github.com/pkg/errors.Cause
func (e *TransformError) Cause() error { return e.Err }

// Computer turns image batches into per-sample coefficient tensors while
// keeping at most one batch resident in accelerator memory
type Computer struct {
	Operator Operator
	Memory   *memory.MemoryManager
	Logger   *zap.Logger
}

// Compute transforms every batch of loader in order and returns a host
// dataset of [C, P] coefficient tensors with the batch labels. Samples the
// loader drops are not part of the result.
func (c *Computer) Compute(split string, loader *dataloader.DataLoader, classNames []string) (*dataset.Dataset, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if c.Operator == nil || c.Memory == nil {
		return nil, &TransformError{Split: split, Batch: -1, Err: errors.New("computer needs an operator and a memory manager")}
	}

	samples := make([]dataset.Sample, 0, loader.NumSamples())
	for i := 0; i < loader.Len(); i++ {
		batch, err := loader.Batch(i)
		if err != nil {
			return nil, &TransformError{Split: split, Batch: i, Err: err}
		}

		coeffs, err := c.transformBatch(batch.Data)
		if err != nil {
			return nil, &TransformError{Split: split, Batch: i, Err: err}
		}

		for j, label := range batch.Labels {
			s, err := coeffs.Sample(j)
			if err != nil {
				return nil, &TransformError{Split: split, Batch: i, Err: err}
			}
			samples = append(samples, dataset.Sample{Data: s, Label: label})
		}

		logger.Debug("scattering batch done",
			zap.String("split", split),
			zap.Int("batch", i+1),
			zap.Int("batches", loader.Len()),
			zap.Int64("peak_bytes", c.Memory.Stats().Peak))
	}

	stats := c.Memory.Stats()
	logger.Info("scattering coefficients computed",
		zap.String("split", split),
		zap.Int("samples", len(samples)),
		zap.Int("dropped", loader.Dropped()),
		zap.Int64("peak_bytes", stats.Peak))

	ds, err := dataset.New(samples, classNames)
	if err != nil {
		return nil, &TransformError{Split: split, Batch: -1, Err: err}
	}
	return ds, nil
}

// transformBatch moves one batch to the accelerator, applies the operator,
// averages the spatial axes and brings the result back to the host. All
// device buffers are released before returning.
func (c *Computer) transformBatch(images *tensor.Tensor) (*tensor.Tensor, error) {
	device, err := images.ToGPU(c.Memory)
	if err != nil {
		return nil, err
	}
	defer device.Release()

	scattered, err := c.Operator.Transform(device)
	if err != nil {
		return nil, errors.Wrap(err, "operator failed")
	}
	defer scattered.Release()

	if len(scattered.Shape) != 5 || scattered.Shape[0] != images.Shape[0] {
		return nil, errors.Errorf("operator returned shape %v for input %v", scattered.Shape, images.Shape)
	}

	pooled, err := scattered.MeanTrailing(2)
	if err != nil {
		return nil, err
	}
	defer pooled.Release()

	return pooled.ToCPU(), nil
}
