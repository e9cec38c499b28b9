package layers

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Conv2DLayer is a stride 1 convolution with "same" zero padding over
// [B, C, H, W] inputs. Each sample is lowered to a column matrix and
// multiplied with the kernel matrix.
type Conv2DLayer struct {
	name       string
	inChannels int
	filters    int
	kernel     int
	weight     *Parameter // [filters, inChannels*kernel*kernel]
	bias       *Parameter // [filters]

	inputShape []int
	cols       []*mat.Dense // per sample [H*W, C*k*k]
}

// NewConv2D creates a convolution with He initialised kernels. kernel must be odd.
func NewConv2D(name string, inChannels, filters, kernel int, rng *rand.Rand) (*Conv2DLayer, error) {
	if kernel <= 0 || kernel%2 == 0 {
		return nil, fmt.Errorf("%s: kernel size must be odd, got %d", name, kernel)
	}
	fanIn := inChannels * kernel * kernel
	w := newParameter(name+".weight", filters, inChannels, kernel, kernel)
	b := newParameter(name+".bias", filters)
	heInit(w, fanIn, rng)
	return &Conv2DLayer{
		name:       name,
		inChannels: inChannels,
		filters:    filters,
		kernel:     kernel,
		weight:     w,
		bias:       b,
	}, nil
}

func (c *Conv2DLayer) Name() string    { return c.name }
func (c *Conv2DLayer) Type() LayerType { return Conv2D }

func (c *Conv2DLayer) Parameters() []*Parameter {
	return []*Parameter{c.weight, c.bias}
}

// im2col lowers one [C, H, W] sample into [H*W, C*k*k]
func (c *Conv2DLayer) im2col(sample []float64, h, w int) *mat.Dense {
	k := c.kernel
	pad := k / 2
	width := c.inChannels * k * k
	data := make([]float64, h*w*width)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			row := data[(y*w+x)*width : (y*w+x+1)*width]
			col := 0
			for ch := 0; ch < c.inChannels; ch++ {
				plane := sample[ch*h*w : (ch+1)*h*w]
				for ky := 0; ky < k; ky++ {
					sy := y + ky - pad
					for kx := 0; kx < k; kx++ {
						sx := x + kx - pad
						if sy >= 0 && sy < h && sx >= 0 && sx < w {
							row[col] = plane[sy*w+sx]
						}
						col++
					}
				}
			}
		}
	}
	return mat.NewDense(h*w, width, data)
}

// col2im scatters column gradients back onto a [C, H, W] sample
func (c *Conv2DLayer) col2im(dst []float64, cols *mat.Dense, h, w int) {
	k := c.kernel
	pad := k / 2
	raw := cols.RawMatrix()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			row := raw.Data[(y*w+x)*raw.Stride:]
			col := 0
			for ch := 0; ch < c.inChannels; ch++ {
				plane := dst[ch*h*w : (ch+1)*h*w]
				for ky := 0; ky < k; ky++ {
					sy := y + ky - pad
					for kx := 0; kx < k; kx++ {
						sx := x + kx - pad
						if sy >= 0 && sy < h && sx >= 0 && sx < w {
							plane[sy*w+sx] += row[col]
						}
						col++
					}
				}
			}
		}
	}
}

func (c *Conv2DLayer) Forward(x *Activation, training bool) (*Activation, error) {
	if len(x.Shape) != 4 || x.Shape[1] != c.inChannels {
		return nil, shapeError(c.name, fmt.Sprintf("[B, %d, H, W]", c.inChannels), x.Shape)
	}
	batch, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	width := c.inChannels * c.kernel * c.kernel
	wm := mat.NewDense(c.filters, width, c.weight.Data)

	out := NewActivation(batch, c.filters, h, w)
	c.cols = make([]*mat.Dense, batch)
	sampleSize := c.inChannels * h * w
	outSize := c.filters * h * w

	for b := 0; b < batch; b++ {
		cols := c.im2col(x.Data[b*sampleSize:(b+1)*sampleSize], h, w)
		c.cols[b] = cols

		om := mat.NewDense(c.filters, h*w, out.Data[b*outSize:(b+1)*outSize])
		om.Mul(wm, cols.T())
		for f := 0; f < c.filters; f++ {
			plane := out.Data[b*outSize+f*h*w : b*outSize+(f+1)*h*w]
			for i := range plane {
				plane[i] += c.bias.Data[f]
			}
		}
	}

	c.inputShape = x.Shape
	return out, nil
}

func (c *Conv2DLayer) Backward(grad *Activation) (*Activation, error) {
	if c.inputShape == nil {
		return nil, fmt.Errorf("%s: backward called before forward", c.name)
	}
	batch, h, w := c.inputShape[0], c.inputShape[2], c.inputShape[3]
	if len(grad.Shape) != 4 || grad.Shape[0] != batch || grad.Shape[1] != c.filters {
		return nil, shapeError(c.name+" gradient", fmt.Sprintf("[%d, %d, %d, %d]", batch, c.filters, h, w), grad.Shape)
	}

	width := c.inChannels * c.kernel * c.kernel
	wm := mat.NewDense(c.filters, width, c.weight.Data)
	dwAcc := mat.NewDense(c.filters, width, c.weight.Grad)

	dx := NewActivation(c.inputShape...)
	sampleSize := c.inChannels * h * w
	outSize := c.filters * h * w

	var dw, dcols mat.Dense
	for b := 0; b < batch; b++ {
		gm := mat.NewDense(c.filters, h*w, grad.Data[b*outSize:(b+1)*outSize])

		dw.Reset()
		dw.Mul(gm, c.cols[b])
		dwAcc.Add(dwAcc, &dw)

		for f := 0; f < c.filters; f++ {
			for _, g := range grad.Data[b*outSize+f*h*w : b*outSize+(f+1)*h*w] {
				c.bias.Grad[f] += g
			}
		}

		dcols.Reset()
		dcols.Mul(gm.T(), wm)
		c.col2im(dx.Data[b*sampleSize:(b+1)*sampleSize], &dcols, h, w)
	}

	return dx, nil
}
