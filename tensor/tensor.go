package tensor

import (
	"fmt"

	"github.com/pkg/errors"
	gt "gorgonia.org/tensor"

	"github.com/tsawler/go-scatter/memory"
)

// DeviceType identifies where a tensor's data is resident
type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// Tensor is a float32 array with an explicit compute location. Host tensors
// own their storage; device tensors additionally hold a buffer accounted
// against the MemoryManager they were transferred to.
type Tensor struct {
	Shape  []int
	Device DeviceType
	dense  *gt.Dense
	buffer *memory.Buffer
}

// New creates a host tensor that takes ownership of data
func New(shape []int, data []float32) (*Tensor, error) {
	size := numElems(shape)
	if size == 0 || size != len(data) {
		return nil, errors.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, size)
	}
	return wrap(shape, data, CPU, nil), nil
}

// Zeros creates a zero-filled host tensor
func Zeros(shape []int) *Tensor {
	return wrap(shape, make([]float32, numElems(shape)), CPU, nil)
}

func wrap(shape []int, data []float32, device DeviceType, buffer *memory.Buffer) *Tensor {
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{
		Shape:  s,
		Device: device,
		dense:  gt.New(gt.WithShape(s...), gt.WithBacking(data)),
		buffer: buffer,
	}
}

func numElems(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// float32s extracts the backing slice; gorgonia returns a bare value for
// zero-dimensional results.
func float32s(d *gt.Dense) []float32 {
	switch v := d.Data().(type) {
	case []float32:
		return v
	case float32:
		return []float32{v}
	default:
		return nil
	}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d)", t.Shape, t.Device, t.NumElems())
}

// Data returns the backing float32 slice. It is shared, not copied.
func (t *Tensor) Data() []float32 {
	return float32s(t.dense)
}

// NumElems returns the number of elements
func (t *Tensor) NumElems() int {
	return numElems(t.Shape)
}

// Bytes returns the storage footprint in bytes
func (t *Tensor) Bytes() int {
	return 4 * t.NumElems()
}

// ToGPU copies the tensor into accelerator memory accounted against mm
func (t *Tensor) ToGPU(mm *memory.MemoryManager) (*Tensor, error) {
	if mm == nil {
		return nil, errors.New("memory manager cannot be nil")
	}
	buffer, err := mm.Allocate(t.Bytes())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to move %v to GPU", t.Shape)
	}
	data := make([]float32, t.NumElems())
	copy(data, t.Data())
	return wrap(t.Shape, data, GPU, buffer), nil
}

// ToCPU returns a host copy of the tensor. The receiver keeps its buffer;
// call Release on device tensors once they are no longer needed.
func (t *Tensor) ToCPU() *Tensor {
	data := make([]float32, t.NumElems())
	copy(data, t.Data())
	return wrap(t.Shape, data, CPU, nil)
}

// Release frees the accelerator buffer of a device tensor
func (t *Tensor) Release() {
	if t.buffer != nil {
		t.buffer.Release()
	}
}

// NewOnDevice creates a tensor resident on the same device as t. Device
// results are accounted against t's MemoryManager.
func (t *Tensor) NewOnDevice(shape []int, data []float32) (*Tensor, error) {
	if numElems(shape) != len(data) {
		return nil, errors.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	if t.Device != GPU || t.buffer == nil {
		return wrap(shape, data, CPU, nil), nil
	}
	buffer, err := t.buffer.Manager().Allocate(4 * len(data))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate %v on GPU", shape)
	}
	return wrap(shape, data, GPU, buffer), nil
}

// Reshape returns a view with a new shape sharing storage and device buffer
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if numElems(shape) != t.NumElems() {
		return nil, errors.Errorf("cannot reshape %v to %v", t.Shape, shape)
	}
	return wrap(shape, t.Data(), t.Device, t.buffer), nil
}

// MeanTrailing averages over the last n axes. The result stays on the
// receiver's device.
func (t *Tensor) MeanTrailing(n int) (*Tensor, error) {
	if n <= 0 || n >= len(t.Shape) {
		return nil, errors.Errorf("cannot reduce %d trailing axes of %v", n, t.Shape)
	}

	reduced := t.dense
	count := 1
	for axis := len(t.Shape) - 1; axis >= len(t.Shape)-n; axis-- {
		sum, err := reduced.Sum(axis)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to sum axis %d", axis)
		}
		reduced = sum
		count *= t.Shape[axis]
	}

	src := float32s(reduced)
	out := make([]float32, len(src))
	scale := 1 / float32(count)
	for i, v := range src {
		out[i] = v * scale
	}
	return t.NewOnDevice(t.Shape[:len(t.Shape)-n], out)
}

// Sample returns a host copy of the i-th slice along the first axis
func (t *Tensor) Sample(i int) (*Tensor, error) {
	if len(t.Shape) < 2 {
		return nil, errors.Errorf("tensor %v has no sample axis", t.Shape)
	}
	if i < 0 || i >= t.Shape[0] {
		return nil, errors.Errorf("sample %d out of range [0, %d)", i, t.Shape[0])
	}
	stride := t.NumElems() / t.Shape[0]
	data := make([]float32, stride)
	copy(data, t.Data()[i*stride:(i+1)*stride])
	return wrap(t.Shape[1:], data, CPU, nil), nil
}

// Stack joins equally shaped tensors along a new leading axis on the host
func Stack(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("cannot stack zero tensors")
	}
	shape := ts[0].Shape
	stride := ts[0].NumElems()
	data := make([]float32, stride*len(ts))
	for i, t := range ts {
		if !SameShape(t.Shape, shape) {
			return nil, errors.Errorf("tensor %d has shape %v, expected %v", i, t.Shape, shape)
		}
		copy(data[i*stride:], t.Data())
	}
	return wrap(append([]int{len(ts)}, shape...), data, CPU, nil), nil
}

// SameShape reports whether two shapes are identical
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
