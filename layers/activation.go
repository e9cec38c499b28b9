package layers

import (
	"fmt"
)

// ReLULayer applies max(0, x) elementwise
type ReLULayer struct {
	name string
	mask []bool
}

func NewReLU(name string) *ReLULayer {
	return &ReLULayer{name: name}
}

func (r *ReLULayer) Name() string             { return r.name }
func (r *ReLULayer) Type() LayerType          { return ReLU }
func (r *ReLULayer) Parameters() []*Parameter { return nil }

func (r *ReLULayer) Forward(x *Activation, training bool) (*Activation, error) {
	out := NewActivation(x.Shape...)
	r.mask = make([]bool, len(x.Data))
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
			r.mask[i] = true
		}
	}
	return out, nil
}

func (r *ReLULayer) Backward(grad *Activation) (*Activation, error) {
	if len(grad.Data) != len(r.mask) {
		return nil, fmt.Errorf("%s: gradient has %d values, forward had %d", r.name, len(grad.Data), len(r.mask))
	}
	dx := NewActivation(grad.Shape...)
	for i, g := range grad.Data {
		if r.mask[i] {
			dx.Data[i] = g
		}
	}
	return dx, nil
}

// MaxPool2DLayer takes the maximum over non-overlapping 2x2 windows of
// [B, C, H, W]; odd trailing rows and columns are discarded
type MaxPool2DLayer struct {
	name       string
	inputShape []int
	argmax     []int
}

func NewMaxPool2D(name string) *MaxPool2DLayer {
	return &MaxPool2DLayer{name: name}
}

func (m *MaxPool2DLayer) Name() string             { return m.name }
func (m *MaxPool2DLayer) Type() LayerType          { return MaxPool2D }
func (m *MaxPool2DLayer) Parameters() []*Parameter { return nil }

func (m *MaxPool2DLayer) Forward(x *Activation, training bool) (*Activation, error) {
	if len(x.Shape) != 4 || x.Shape[2] < 2 || x.Shape[3] < 2 {
		return nil, shapeError(m.name, "[B, C, H>=2, W>=2]", x.Shape)
	}
	b, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := h/2, w/2

	out := NewActivation(b, c, oh, ow)
	m.argmax = make([]int, len(out.Data))
	for p := 0; p < b*c; p++ {
		in := p * h * w
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				best := in + 2*y*w + 2*xx
				for dy := 0; dy < 2; dy++ {
					for dx := 0; dx < 2; dx++ {
						idx := in + (2*y+dy)*w + 2*xx + dx
						if x.Data[idx] > x.Data[best] {
							best = idx
						}
					}
				}
				o := p*oh*ow + y*ow + xx
				out.Data[o] = x.Data[best]
				m.argmax[o] = best
			}
		}
	}

	m.inputShape = x.Shape
	return out, nil
}

func (m *MaxPool2DLayer) Backward(grad *Activation) (*Activation, error) {
	if len(grad.Data) != len(m.argmax) {
		return nil, fmt.Errorf("%s: gradient has %d values, forward produced %d", m.name, len(grad.Data), len(m.argmax))
	}
	dx := NewActivation(m.inputShape...)
	for o, g := range grad.Data {
		dx.Data[m.argmax[o]] += g
	}
	return dx, nil
}

// FlattenLayer reshapes [B, ...] to [B, features]
type FlattenLayer struct {
	name       string
	inputShape []int
}

func NewFlatten(name string) *FlattenLayer {
	return &FlattenLayer{name: name}
}

func (f *FlattenLayer) Name() string             { return f.name }
func (f *FlattenLayer) Type() LayerType          { return Flatten }
func (f *FlattenLayer) Parameters() []*Parameter { return nil }

func (f *FlattenLayer) Forward(x *Activation, training bool) (*Activation, error) {
	f.inputShape = x.Shape
	return &Activation{Shape: []int{x.Batch(), x.Features()}, Data: x.Data}, nil
}

func (f *FlattenLayer) Backward(grad *Activation) (*Activation, error) {
	return &Activation{Shape: f.inputShape, Data: grad.Data}, nil
}
