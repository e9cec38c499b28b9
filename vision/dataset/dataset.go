package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-scatter/tensor"
)

// Sample is one labelled example. Data is a host tensor and is not modified
// after loading.
type Sample struct {
	Data  *tensor.Tensor
	Label int
}

// Dataset is an ordered collection of samples with positional class names
type Dataset struct {
	samples    []Sample
	classNames []string
}

// New creates a dataset from samples. Every label must index classNames.
func New(samples []Sample, classNames []string) (*Dataset, error) {
	for i, s := range samples {
		if s.Data == nil {
			return nil, errors.Errorf("sample %d has no data", i)
		}
		if s.Label < 0 || s.Label >= len(classNames) {
			return nil, errors.Errorf("sample %d has label %d outside [0, %d)", i, s.Label, len(classNames))
		}
	}
	return &Dataset{samples: samples, classNames: classNames}, nil
}

// Len returns the number of samples
func (d *Dataset) Len() int {
	return len(d.samples)
}

// Sample returns the tensor and label at index i
func (d *Dataset) Sample(i int) (*tensor.Tensor, int) {
	s := d.samples[i]
	return s.Data, s.Label
}

// Labels returns every label in dataset order
func (d *Dataset) Labels() []int {
	labels := make([]int, len(d.samples))
	for i, s := range d.samples {
		labels[i] = s.Label
	}
	return labels
}

// NumClasses returns the number of classes
func (d *Dataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *Dataset) ClassNames() []string {
	return d.classNames
}

// ClassDistribution returns the number of samples per class
func (d *Dataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, s := range d.samples {
		dist[d.classNames[s.Label]]++
	}
	return dist
}

// Split partitions the dataset into train and test subsets. The test subset
// holds ceil(testFraction*n) samples. A nil rng keeps dataset order;
// stratify keeps class proportions in both parts.
func (d *Dataset) Split(testFraction float64, stratify bool, rng *rand.Rand) (*Subset, *Subset, error) {
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, errors.Errorf("test fraction %v must be in (0, 1)", testFraction)
	}

	n := len(d.samples)
	testSize := int(math.Ceil(testFraction * float64(n)))
	if testSize >= n {
		return nil, nil, errors.Errorf("test fraction %v leaves no training samples out of %d", testFraction, n)
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if rng != nil {
		rng.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	if !stratify {
		return d.Subset(indices[testSize:]), d.Subset(indices[:testSize]), nil
	}

	byClass := make([][]int, len(d.classNames))
	for _, idx := range indices {
		label := d.samples[idx].Label
		byClass[label] = append(byClass[label], idx)
	}

	// Largest remainder allocation of the test quota across classes
	quota := make([]int, len(byClass))
	type remainder struct {
		class int
		frac  float64
	}
	var remainders []remainder
	allocated := 0
	for c, members := range byClass {
		exact := testFraction * float64(len(members))
		quota[c] = int(math.Floor(exact))
		allocated += quota[c]
		remainders = append(remainders, remainder{class: c, frac: exact - float64(quota[c])})
	}
	sort.SliceStable(remainders, func(i, j int) bool {
		return remainders[i].frac > remainders[j].frac
	})
	for i := 0; allocated < testSize && i < len(remainders); i++ {
		c := remainders[i].class
		if quota[c] < len(byClass[c]) {
			quota[c]++
			allocated++
		}
	}

	var train, test []int
	for c, members := range byClass {
		test = append(test, members[:quota[c]]...)
		train = append(train, members[quota[c]:]...)
	}
	return d.Subset(train), d.Subset(test), nil
}

// Subset returns an index view over the dataset
func (d *Dataset) Subset(indices []int) *Subset {
	idx := make([]int, len(indices))
	copy(idx, indices)
	return &Subset{parent: d, indices: idx}
}

func (d *Dataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Dataset: %d samples, %d classes\n", len(d.samples), len(d.classNames)))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, dist[className]))
	}

	return sb.String()
}

// Subset references samples of a parent dataset by index without copying
type Subset struct {
	parent  *Dataset
	indices []int
}

// Len returns the number of referenced samples
func (s *Subset) Len() int {
	return len(s.indices)
}

// Sample returns the i-th referenced sample
func (s *Subset) Sample(i int) (*tensor.Tensor, int) {
	return s.parent.Sample(s.indices[i])
}

// Indices returns the parent positions in subset order
func (s *Subset) Indices() []int {
	return s.indices
}

// ClassNames returns the class names of the parent dataset
func (s *Subset) ClassNames() []string {
	return s.parent.classNames
}

// Parent returns the dataset this subset refers to
func (s *Subset) Parent() *Dataset {
	return s.parent
}

// Labels returns the labels of the referenced samples
func (s *Subset) Labels() []int {
	labels := make([]int, len(s.indices))
	for i, idx := range s.indices {
		labels[i] = s.parent.samples[idx].Label
	}
	return labels
}

// Subset narrows the view to the given subset positions
func (s *Subset) Subset(positions []int) *Subset {
	idx := make([]int, len(positions))
	for i, p := range positions {
		idx[i] = s.indices[p]
	}
	return &Subset{parent: s.parent, indices: idx}
}
