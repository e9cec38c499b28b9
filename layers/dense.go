package layers

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// DenseLayer computes y = x Wᵀ + b for x of shape [B, in]
type DenseLayer struct {
	name    string
	in, out int
	weight  *Parameter // [out, in]
	bias    *Parameter // [out]
	input   *Activation
}

// NewDense creates a fully connected layer with Xavier initialised weights
func NewDense(name string, in, out int, rng *rand.Rand) *DenseLayer {
	w := newParameter(name+".weight", out, in)
	b := newParameter(name+".bias", out)
	xavierInit(w, in, out, rng)
	return &DenseLayer{name: name, in: in, out: out, weight: w, bias: b}
}

func (d *DenseLayer) Name() string    { return d.name }
func (d *DenseLayer) Type() LayerType { return Dense }

func (d *DenseLayer) Parameters() []*Parameter {
	return []*Parameter{d.weight, d.bias}
}

func (d *DenseLayer) Forward(x *Activation, training bool) (*Activation, error) {
	if len(x.Shape) != 2 || x.Shape[1] != d.in {
		return nil, shapeError(d.name, fmt.Sprintf("[B, %d]", d.in), x.Shape)
	}
	batch := x.Shape[0]

	xm := mat.NewDense(batch, d.in, x.Data)
	wm := mat.NewDense(d.out, d.in, d.weight.Data)

	y := NewActivation(batch, d.out)
	ym := mat.NewDense(batch, d.out, y.Data)
	ym.Mul(xm, wm.T())
	for i := 0; i < batch; i++ {
		row := y.Data[i*d.out : (i+1)*d.out]
		for j := range row {
			row[j] += d.bias.Data[j]
		}
	}

	d.input = x
	return y, nil
}

func (d *DenseLayer) Backward(grad *Activation) (*Activation, error) {
	if d.input == nil {
		return nil, fmt.Errorf("%s: backward called before forward", d.name)
	}
	batch := d.input.Shape[0]
	if len(grad.Shape) != 2 || grad.Shape[0] != batch || grad.Shape[1] != d.out {
		return nil, shapeError(d.name+" gradient", fmt.Sprintf("[%d, %d]", batch, d.out), grad.Shape)
	}

	xm := mat.NewDense(batch, d.in, d.input.Data)
	wm := mat.NewDense(d.out, d.in, d.weight.Data)
	gm := mat.NewDense(batch, d.out, grad.Data)

	// dW += gradᵀ x
	var dw mat.Dense
	dw.Mul(gm.T(), xm)
	acc := mat.NewDense(d.out, d.in, d.weight.Grad)
	acc.Add(acc, &dw)

	for i := 0; i < batch; i++ {
		row := grad.Data[i*d.out : (i+1)*d.out]
		for j, g := range row {
			d.bias.Grad[j] += g
		}
	}

	dx := NewActivation(batch, d.in)
	dxm := mat.NewDense(batch, d.in, dx.Data)
	dxm.Mul(gm, wm)
	return dx, nil
}
