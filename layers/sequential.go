package layers

import (
	"fmt"
	"strings"
)

// SequentialLayer chains layers, feeding each output to the next
type SequentialLayer struct {
	name   string
	layers []Layer
}

func NewSequential(name string, layers ...Layer) *SequentialLayer {
	return &SequentialLayer{name: name, layers: layers}
}

func (s *SequentialLayer) Name() string    { return s.name }
func (s *SequentialLayer) Type() LayerType { return Sequential }

// Layers returns the chained layers in forward order
func (s *SequentialLayer) Layers() []Layer {
	return s.layers
}

func (s *SequentialLayer) Parameters() []*Parameter {
	var params []*Parameter
	for _, l := range s.layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

func (s *SequentialLayer) Forward(x *Activation, training bool) (*Activation, error) {
	out := x
	for _, l := range s.layers {
		next, err := l.Forward(out, training)
		if err != nil {
			return nil, fmt.Errorf("forward through %s failed: %v", l.Name(), err)
		}
		out = next
	}
	return out, nil
}

func (s *SequentialLayer) Backward(grad *Activation) (*Activation, error) {
	g := grad
	for i := len(s.layers) - 1; i >= 0; i-- {
		next, err := s.layers[i].Backward(g)
		if err != nil {
			return nil, fmt.Errorf("backward through %s failed: %v", s.layers[i].Name(), err)
		}
		g = next
	}
	return g, nil
}

// ParameterCount returns the number of learnable values
func (s *SequentialLayer) ParameterCount() int {
	total := 0
	for _, p := range s.Parameters() {
		total += len(p.Data)
	}
	return total
}

// Summary lists every layer with its parameter shapes
func (s *SequentialLayer) Summary() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s:\n", s.name))
	for i, l := range s.layers {
		sb.WriteString(fmt.Sprintf("  %d: %s (%s)", i+1, l.Name(), l.Type()))
		for _, p := range l.Parameters() {
			sb.WriteString(fmt.Sprintf(" %s%v", p.Name, p.Shape))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("  Total parameters: %d\n", s.ParameterCount()))
	return sb.String()
}
