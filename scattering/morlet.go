package scattering

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/tsawler/go-scatter/tensor"
)

// Params configures a 2-D scattering transform
type Params struct {
	J     int // number of dyadic scales; output is subsampled by 2^J
	L     int // number of orientations
	Order int // 1 or 2
	Size  int // input images are Size x Size
}

// Paths returns the number of scattering paths per input channel
func (p Params) Paths() int {
	paths := 1 + p.J*p.L
	if p.Order == 2 {
		paths += p.L * p.L * p.J * (p.J - 1) / 2
	}
	return paths
}

// Validate checks the parameters describe a computable transform
func (p Params) Validate() error {
	if p.J < 1 {
		return errors.Errorf("J must be at least 1, got %d", p.J)
	}
	if p.L < 1 {
		return errors.Errorf("L must be at least 1, got %d", p.L)
	}
	if p.Order != 1 && p.Order != 2 {
		return errors.Errorf("order must be 1 or 2, got %d", p.Order)
	}
	if p.Size <= 0 || p.Size%(1<<uint(p.J)) != 0 {
		return errors.Errorf("image size %d is not divisible by 2^J = %d", p.Size, 1<<uint(p.J))
	}
	return nil
}

// Morlet2D is a scattering operator built from Morlet wavelets and a
// Gaussian low-pass filter, all applied in the Fourier domain
type Morlet2D struct {
	params Params
	fft    *fourier.CmplxFFT
	psi    [][]complex128 // index j*L + l
	phi    []complex128
}

// NewMorlet2D builds the filter bank for params
func NewMorlet2D(params Params) (*Morlet2D, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	n := params.Size
	m := &Morlet2D{
		params: params,
		fft:    fourier.NewCmplxFFT(n),
		phi:    gaussian(n, 0.8*math.Pow(2, float64(params.J))),
	}
	for j := 0; j < params.J; j++ {
		for l := 0; l < params.L; l++ {
			theta := math.Pi * float64(l) / float64(params.L)
			m.psi = append(m.psi, morlet(n, j, theta))
		}
	}
	return m, nil
}

// frequency maps a DFT bin to its angular frequency in [-pi, pi)
func frequency(k, n int) float64 {
	if k >= n/2 {
		k -= n
	}
	return 2 * math.Pi * float64(k) / float64(n)
}

func gaussian(n int, sigma float64) []complex128 {
	out := make([]complex128, n*n)
	for ky := 0; ky < n; ky++ {
		wy := frequency(ky, n)
		for kx := 0; kx < n; kx++ {
			wx := frequency(kx, n)
			out[ky*n+kx] = complex(math.Exp(-sigma*sigma*(wx*wx+wy*wy)/2), 0)
		}
	}
	return out
}

// morlet returns the Fourier transform of a zero-mean Morlet wavelet at
// scale 2^j and orientation theta
func morlet(n, j int, theta float64) []complex128 {
	sigma := 0.8 * math.Pow(2, float64(j))
	xi := 3 * math.Pi / 4 / math.Pow(2, float64(j))
	cx, cy := xi*math.Cos(theta), xi*math.Sin(theta)
	kappa := math.Exp(-sigma * sigma * xi * xi / 2)

	out := make([]complex128, n*n)
	for ky := 0; ky < n; ky++ {
		wy := frequency(ky, n)
		for kx := 0; kx < n; kx++ {
			wx := frequency(kx, n)
			gabor := math.Exp(-sigma * sigma * ((wx-cx)*(wx-cx) + (wy-cy)*(wy-cy)) / 2)
			envelope := math.Exp(-sigma * sigma * (wx*wx + wy*wy) / 2)
			out[ky*n+kx] = complex(gabor-kappa*envelope, 0)
		}
	}
	return out
}

// fft2 transforms an n x n row-major array in place
func (m *Morlet2D) fft2(data []complex128, inverse bool) {
	n := m.params.Size
	row := make([]complex128, n)
	col := make([]complex128, n)
	buf := make([]complex128, n)

	transform := func(dst, src []complex128) {
		if inverse {
			m.fft.Sequence(dst, src)
		} else {
			m.fft.Coefficients(dst, src)
		}
	}

	for y := 0; y < n; y++ {
		copy(row, data[y*n:(y+1)*n])
		transform(buf, row)
		copy(data[y*n:(y+1)*n], buf)
	}
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			col[y] = data[y*n+x]
		}
		transform(buf, col)
		for y := 0; y < n; y++ {
			data[y*n+x] = buf[y]
		}
	}

	if inverse {
		scale := complex(1/float64(n*n), 0)
		for i := range data {
			data[i] *= scale
		}
	}
}

// filter returns ifft2(spectrum * filter)
func (m *Morlet2D) filter(spectrum, filter []complex128) []complex128 {
	out := make([]complex128, len(spectrum))
	for i := range out {
		out[i] = spectrum[i] * filter[i]
	}
	m.fft2(out, true)
	return out
}

func modulus(signal []complex128) []complex128 {
	out := make([]complex128, len(signal))
	for i, v := range signal {
		out[i] = complex(cmplx.Abs(v), 0)
	}
	return out
}

// lowpass smooths a spatial signal with phi and subsamples it by 2^J into dst
func (m *Morlet2D) lowpass(dst []float32, signal []complex128) {
	spectrum := make([]complex128, len(signal))
	copy(spectrum, signal)
	m.fft2(spectrum, false)
	m.subsample(dst, m.filter(spectrum, m.phi))
}

func (m *Morlet2D) subsample(dst []float32, signal []complex128) {
	n := m.params.Size
	step := 1 << uint(m.params.J)
	out := n / step
	for y := 0; y < out; y++ {
		for x := 0; x < out; x++ {
			dst[y*out+x] = float32(real(signal[y*step*n+x*step]))
		}
	}
}

// Transform maps [B, C, N, N] to [B, C, P, N/2^J, N/2^J]. The result is
// allocated on the input's device.
func (m *Morlet2D) Transform(x *tensor.Tensor) (*tensor.Tensor, error) {
	n := m.params.Size
	if len(x.Shape) != 4 || x.Shape[2] != n || x.Shape[3] != n {
		return nil, errors.Errorf("expected input of shape [B, C, %d, %d], got %v", n, n, x.Shape)
	}

	batch, channels := x.Shape[0], x.Shape[1]
	side := n >> uint(m.params.J)
	plane := side * side
	paths := m.params.Paths()
	L := m.params.L

	out := make([]float32, batch*channels*paths*plane)
	src := x.Data()

	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			offset := (b*channels + c) * n * n
			spectrum := make([]complex128, n*n)
			for i := range spectrum {
				spectrum[i] = complex(float64(src[offset+i]), 0)
			}
			m.fft2(spectrum, false)

			base := (b*channels + c) * paths * plane
			path := 0
			m.subsample(out[base:base+plane], m.filter(spectrum, m.phi))
			path++

			order2 := 1 + m.params.J*L
			for j1 := 0; j1 < m.params.J; j1++ {
				for l1 := 0; l1 < L; l1++ {
					u1 := modulus(m.filter(spectrum, m.psi[j1*L+l1]))
					start := base + path*plane
					m.lowpass(out[start:start+plane], u1)
					path++

					if m.params.Order < 2 || j1 == m.params.J-1 {
						continue
					}
					u1Spectrum := u1
					m.fft2(u1Spectrum, false)
					for j2 := j1 + 1; j2 < m.params.J; j2++ {
						for l2 := 0; l2 < L; l2++ {
							u2 := modulus(m.filter(u1Spectrum, m.psi[j2*L+l2]))
							start := base + order2*plane
							m.lowpass(out[start:start+plane], u2)
							order2++
						}
					}
				}
			}
		}
	}

	return x.NewOnDevice([]int{batch, channels, paths, side, side}, out)
}

// Info describes the transform configuration
func (m *Morlet2D) Info() string {
	p := m.params
	return fmt.Sprintf("Scattering2D(J=%d, L=%d, order=%d, shape=(%d, %d)) -> %d paths of %dx%d",
		p.J, p.L, p.Order, p.Size, p.Size, p.Paths(), p.Size>>uint(p.J), p.Size>>uint(p.J))
}

// Params returns the configuration of the operator
func (m *Morlet2D) Params() Params {
	return m.params
}
