package layers

import (
	"fmt"
	"math"
	"math/rand"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	MaxPool2D
	Flatten
	Sequential
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case Flatten:
		return "Flatten"
	case Sequential:
		return "Sequential"
	default:
		return "Unknown"
	}
}

// Activation is a batch-major float64 array flowing between layers
type Activation struct {
	Shape []int
	Data  []float64
}

// NewActivation allocates a zeroed activation
func NewActivation(shape ...int) *Activation {
	n := 1
	for _, d := range shape {
		n *= d
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Activation{Shape: s, Data: make([]float64, n)}
}

// Batch returns the leading dimension
func (a *Activation) Batch() int {
	return a.Shape[0]
}

// Features returns the number of values per batch entry
func (a *Activation) Features() int {
	return len(a.Data) / a.Shape[0]
}

// Parameter is a learnable array together with its accumulated gradient
type Parameter struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
}

func newParameter(name string, shape ...int) *Parameter {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Parameter{
		Name:  name,
		Shape: shape,
		Data:  make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// ZeroGrad clears the accumulated gradient
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Layer is a differentiable building block. Backward must follow the
// Forward call whose input it differentiates.
type Layer interface {
	Name() string
	Type() LayerType
	Forward(x *Activation, training bool) (*Activation, error)
	Backward(grad *Activation) (*Activation, error)
	Parameters() []*Parameter
}

// heInit fills p with He-normal values for fanIn inputs
func heInit(p *Parameter, fanIn int, rng *rand.Rand) {
	std := math.Sqrt(2 / float64(fanIn))
	for i := range p.Data {
		p.Data[i] = rng.NormFloat64() * std
	}
}

// xavierInit fills p with Glorot-uniform values
func xavierInit(p *Parameter, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range p.Data {
		p.Data[i] = (rng.Float64()*2 - 1) * limit
	}
}

func shapeError(layer string, expected string, got []int) error {
	return fmt.Errorf("%s: expected input %s, got %v", layer, expected, got)
}
