package augment

import (
	"image"
	"image/color"
	"math"

	"github.com/anthonynsimon/bild/adjust"
	"github.com/anthonynsimon/bild/effect"
	"github.com/anthonynsimon/bild/histogram"
	"github.com/anthonynsimon/bild/transform"
)

// chw is a planar float image. Values are in [0, 1]. The operations render
// it to 8-bit RGBA, run the bild transformation and read it back.
type chw struct {
	c, h, w int
	pix     []float32
}

func (im *chw) clone() *chw {
	pix := make([]float32, len(im.pix))
	copy(pix, im.pix)
	return &chw{c: im.c, h: im.h, w: im.w, pix: pix}
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func toByte(v float32) uint8 {
	return uint8(math.Round(float64(clamp01(v)) * 255))
}

// rgba renders im as an opaque picture. A single plane fills R, G and B.
func (im *chw) rgba() *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, im.w, im.h))
	n := im.h * im.w
	for i := 0; i < n; i++ {
		for k := 0; k < 3; k++ {
			ch := k
			if im.c == 1 {
				ch = 0
			}
			dst.Pix[4*i+k] = toByte(im.pix[ch*n+i])
		}
		dst.Pix[4*i+3] = 0xFF
	}
	return dst
}

// planar reads the h x w window at the bounds origin of src into c planes.
// Pixels outside the source picture are transparent and read as 0.
func planar(src *image.RGBA, c, h, w int) *chw {
	out := &chw{c: c, h: h, w: w, pix: make([]float32, c*h*w)}
	b := src.Bounds()
	n := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := src.PixOffset(b.Min.X+x, b.Min.Y+y)
			for ch := 0; ch < c; ch++ {
				out.pix[ch*n+y*w+x] = float32(src.Pix[off+ch]) / 255
			}
		}
	}
	return out
}

// blend returns degenerate + factor*(im - degenerate), clamped
func (im *chw) blend(degenerate []float32, factor float32) *chw {
	out := im.clone()
	for i := range out.pix {
		out.pix[i] = clamp01(degenerate[i] + factor*(im.pix[i]-degenerate[i]))
	}
	return out
}

type lookup [256]uint8

// applyLUT maps every channel of src through its own table
func applyLUT(src *image.RGBA, r, g, b *lookup) *image.RGBA {
	return adjust.Apply(src, func(c color.RGBA) color.RGBA {
		return color.RGBA{R: r[c.R], G: g[c.G], B: b[c.B], A: c.A}
	})
}

// mapChannels builds one table per channel from its histogram
func mapChannels(im *chw, build func(bins []int) *lookup) *chw {
	src := im.rgba()
	hist := histogram.NewRGBAHistogram(src)
	out := applyLUT(src, build(hist.R.Bins), build(hist.G.Bins), build(hist.B.Bins))
	return planar(out, im.c, im.h, im.w)
}

// mapLevels applies the same table to every channel
func mapLevels(im *chw, table *lookup) *chw {
	return planar(applyLUT(im.rgba(), table, table, table), im.c, im.h, im.w)
}

func identity() *lookup {
	var table lookup
	for v := range table {
		table[v] = uint8(v)
	}
	return &table
}

// shearX shifts each row by s pixels per row of distance from the centre
func shearX(im *chw, s float64) *chw {
	degrees := math.Atan(s) * 180 / math.Pi
	sheared := transform.ShearH(im.rgba(), degrees)

	// ShearH widens the canvas to fit the result; keep the centred window
	b := sheared.Bounds()
	x0 := b.Min.X + (b.Dx()-im.w)/2
	window := sheared.SubImage(image.Rect(x0, b.Min.Y, x0+im.w, b.Min.Y+im.h)).(*image.RGBA)
	return planar(window, im.c, im.h, im.w)
}

// rotate turns im counter-clockwise about its centre, keeping its size
func rotate(im *chw, degrees float64) *chw {
	rotated := transform.Rotate(im.rgba(), -degrees, &transform.RotationOptions{ResizeBounds: false})
	return planar(rotated, im.c, im.h, im.w)
}

// posterize keeps the top bits of every 8-bit level
func posterize(im *chw, bits int) *chw {
	mask := uint8(0xFF << uint(8-bits))
	table := identity()
	for v := range table {
		table[v] &= mask
	}
	return mapLevels(im, table)
}

// solarize inverts the levels at or above threshold
func solarize(im *chw, threshold float32) *chw {
	limit := toByte(threshold)
	table := identity()
	for v := range table {
		if uint8(v) >= limit {
			table[v] = 255 - uint8(v)
		}
	}
	return mapLevels(im, table)
}

func invert(im *chw) *chw {
	return planar(effect.Invert(im.rgba()), im.c, im.h, im.w)
}

// autoContrast stretches each channel so that its darkest level maps to 0
// and its brightest to 255
func autoContrast(im *chw) *chw {
	return mapChannels(im, func(bins []int) *lookup {
		lo, hi := -1, -1
		for v, count := range bins {
			if count == 0 {
				continue
			}
			if lo < 0 {
				lo = v
			}
			hi = v
		}
		table := identity()
		if hi <= lo {
			return table
		}
		for v := range table {
			table[v] = toByte(float32(v-lo) / float32(hi-lo))
		}
		return table
	})
}

// equalize applies per-channel histogram equalization over 256 levels
func equalize(im *chw) *chw {
	return mapChannels(im, func(bins []int) *lookup {
		table := identity()
		last, total, nonzero := 0, 0, 0
		for _, count := range bins {
			if count > 0 {
				last = count
				nonzero++
				total += count
			}
		}
		if nonzero <= 1 {
			return table
		}
		step := (total - last) / 255
		if step == 0 {
			return table
		}

		n := step / 2
		for v := range table {
			level := n / step
			if level > 255 {
				level = 255
			}
			table[v] = uint8(level)
			n += bins[v]
		}
		return table
	})
}

// saturation scales the HSL saturation by factor; single-plane images
// have none and come back unchanged
func saturation(im *chw, factor float32) *chw {
	if im.c == 1 {
		return im.clone()
	}
	return planar(adjust.Saturation(im.rgba(), float64(factor-1)), im.c, im.h, im.w)
}

// contrast scales the distance of every level from mid-gray by factor
func contrast(im *chw, factor float32) *chw {
	return planar(adjust.Contrast(im.rgba(), float64(factor-1)), im.c, im.h, im.w)
}

// sharpness moves im towards its bild-sharpened copy for factor > 1 and
// away from it for factor < 1
func sharpness(im *chw, factor float32) *chw {
	sharp := planar(effect.Sharpen(im.rgba()), im.c, im.h, im.w)
	return sharp.blend(im.pix, factor-1)
}
