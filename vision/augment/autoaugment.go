package augment

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-scatter/tensor"
	"github.com/tsawler/go-scatter/vision/dataset"
)

// Augmenter produces a randomized variant of a [C, H, W] image tensor
type Augmenter interface {
	Augment(img *tensor.Tensor) (*tensor.Tensor, error)
}

// Source is a labelled collection that can be expanded
type Source interface {
	Len() int
	Sample(i int) (*tensor.Tensor, int)
	ClassNames() []string
}

// Expand returns a dataset with n augmented variants of every sample of
// source. Variants of one sample are consecutive and inherit its label.
func Expand(source Source, n int, aug Augmenter) (*dataset.Dataset, error) {
	if n < 1 {
		return nil, errors.Errorf("augmentation amount must be at least 1, got %d", n)
	}
	samples := make([]dataset.Sample, 0, source.Len()*n)
	for i := 0; i < source.Len(); i++ {
		img, label := source.Sample(i)
		for k := 0; k < n; k++ {
			out, err := aug.Augment(img)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to augment sample %d", i)
			}
			samples = append(samples, dataset.Sample{Data: out, Label: label})
		}
	}
	return dataset.New(samples, source.ClassNames())
}

// Identity returns an unchanged copy of its input
type Identity struct{}

func (Identity) Augment(img *tensor.Tensor) (*tensor.Tensor, error) {
	return img.ToCPU(), nil
}

// Op is one transformation of a sub-policy. Bin indexes the magnitude
// table of the operation and is ignored for magnitude-free operations.
type Op struct {
	Name        string
	Probability float64
	Bin         int
}

// SubPolicy is a pair of operations applied in sequence
type SubPolicy [2]Op

// Policy is a set of sub-policies, one of which is drawn per image
type Policy []SubPolicy

// ImageNetPolicy is the AutoAugment policy learned on ImageNet
var ImageNetPolicy = Policy{
	{{"Posterize", 0.4, 8}, {"Rotate", 0.6, 9}},
	{{"Solarize", 0.6, 5}, {"AutoContrast", 0.6, 0}},
	{{"Equalize", 0.8, 0}, {"Equalize", 0.6, 0}},
	{{"Posterize", 0.6, 7}, {"Posterize", 0.6, 6}},
	{{"Equalize", 0.4, 0}, {"Solarize", 0.2, 4}},
	{{"Equalize", 0.4, 0}, {"Rotate", 0.8, 8}},
	{{"Solarize", 0.6, 3}, {"Equalize", 0.6, 0}},
	{{"Posterize", 0.8, 5}, {"Equalize", 1.0, 0}},
	{{"Rotate", 0.2, 3}, {"Solarize", 0.6, 8}},
	{{"Equalize", 0.6, 0}, {"Posterize", 0.4, 6}},
	{{"Rotate", 0.8, 8}, {"Color", 0.4, 0}},
	{{"Rotate", 0.4, 9}, {"Equalize", 0.6, 0}},
	{{"Equalize", 0.0, 0}, {"Equalize", 0.8, 0}},
	{{"Invert", 0.6, 0}, {"Equalize", 1.0, 0}},
	{{"Color", 0.6, 4}, {"Contrast", 1.0, 8}},
	{{"Rotate", 0.8, 8}, {"Color", 1.0, 2}},
	{{"Color", 0.8, 8}, {"Solarize", 0.8, 7}},
	{{"Sharpness", 0.4, 7}, {"Invert", 0.6, 0}},
	{{"ShearX", 0.6, 5}, {"Equalize", 1.0, 0}},
	{{"Color", 0.4, 0}, {"Equalize", 0.6, 0}},
	{{"Equalize", 0.4, 0}, {"Solarize", 0.2, 4}},
	{{"Solarize", 0.6, 5}, {"AutoContrast", 0.6, 0}},
	{{"Invert", 0.6, 0}, {"Equalize", 1.0, 0}},
	{{"Color", 0.6, 4}, {"Contrast", 1.0, 8}},
	{{"Equalize", 0.8, 0}, {"Equalize", 0.6, 0}},
}

const numBins = 10

// magnitude returns the value of bin for op and whether its sign may flip
func magnitude(op string, bin int) (float64, bool) {
	frac := float64(bin) / float64(numBins-1)
	switch op {
	case "ShearX":
		return 0.3 * frac, true
	case "Rotate":
		return 30 * frac, true
	case "Color", "Contrast", "Sharpness":
		return 0.9 * frac, true
	case "Posterize":
		return 8 - math.Round(float64(bin)/(float64(numBins-1)/4)), false
	case "Solarize":
		return 1 - frac, false
	default:
		return 0, false
	}
}

// AutoAugment applies a randomly drawn sub-policy to each image
type AutoAugment struct {
	policy Policy
	rng    *rand.Rand
}

// NewAutoAugment creates an augmenter drawing from policy with rng
func NewAutoAugment(policy Policy, rng *rand.Rand) (*AutoAugment, error) {
	if len(policy) == 0 {
		return nil, errors.New("policy has no sub-policies")
	}
	for i, sub := range policy {
		for _, op := range sub {
			if !knownOp(op.Name) {
				return nil, errors.Errorf("sub-policy %d uses unknown operation %q", i, op.Name)
			}
			if op.Bin < 0 || op.Bin >= numBins {
				return nil, errors.Errorf("sub-policy %d: bin %d out of range", i, op.Bin)
			}
		}
	}
	return &AutoAugment{policy: policy, rng: rng}, nil
}

func knownOp(name string) bool {
	switch name {
	case "ShearX", "Rotate", "Color", "Contrast", "Sharpness", "Posterize",
		"Solarize", "AutoContrast", "Equalize", "Invert":
		return true
	}
	return false
}

// Augment applies one sub-policy to a [C, H, W] tensor and returns a new host tensor
func (a *AutoAugment) Augment(img *tensor.Tensor) (*tensor.Tensor, error) {
	if len(img.Shape) != 3 {
		return nil, errors.Errorf("expected [C, H, W] image, got %v", img.Shape)
	}
	if c := img.Shape[0]; c != 1 && c != 3 {
		return nil, errors.Errorf("expected 1 or 3 channels, got %d", c)
	}
	pix := make([]float32, img.NumElems())
	copy(pix, img.Data())
	im := &chw{c: img.Shape[0], h: img.Shape[1], w: img.Shape[2], pix: pix}

	sub := a.policy[a.rng.Intn(len(a.policy))]
	for _, op := range sub {
		if a.rng.Float64() > op.Probability {
			continue
		}
		mag, signed := magnitude(op.Name, op.Bin)
		if signed && a.rng.Intn(2) == 0 {
			mag = -mag
		}
		im = apply(im, op.Name, mag)
	}

	return tensor.New(img.Shape, im.pix)
}

func apply(im *chw, name string, mag float64) *chw {
	switch name {
	case "ShearX":
		return shearX(im, mag)
	case "Rotate":
		return rotate(im, mag)
	case "Color":
		return saturation(im, float32(1+mag))
	case "Contrast":
		return contrast(im, float32(1+mag))
	case "Sharpness":
		return sharpness(im, float32(1+mag))
	case "Posterize":
		return posterize(im, int(mag))
	case "Solarize":
		return solarize(im, float32(mag))
	case "AutoContrast":
		return autoContrast(im)
	case "Equalize":
		return equalize(im)
	case "Invert":
		return invert(im)
	default:
		return im
	}
}
