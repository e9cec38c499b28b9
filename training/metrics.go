package training

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// Average selects how per-class precision, recall and F1 are reduced
type Average int

const (
	// AverageBinary reports the positive class (index 1) of a two-class problem
	AverageBinary Average = iota
	// AverageMacro is the unweighted mean over classes
	AverageMacro
	// AverageMicro pools true and false positives over classes
	AverageMicro
)

func (a Average) String() string {
	switch a {
	case AverageBinary:
		return "binary"
	case AverageMacro:
		return "macro"
	case AverageMicro:
		return "micro"
	default:
		return fmt.Sprintf("Unknown(%d)", int(a))
	}
}

// ParseAverage maps "binary", "macro" or "micro" to an Average
func ParseAverage(s string) (Average, error) {
	switch strings.ToLower(s) {
	case "binary":
		return AverageBinary, nil
	case "macro":
		return AverageMacro, nil
	case "micro":
		return AverageMicro, nil
	default:
		return AverageBinary, fmt.Errorf("unknown metrics average %q", s)
	}
}

// ConfusionMatrix represents a confusion matrix for classification tasks.
// Rows and columns follow the order of Classes.
type ConfusionMatrix struct {
	Classes      []string
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(classes []string) *ConfusionMatrix {
	matrix := make([][]int, len(classes))
	for i := range matrix {
		matrix[i] = make([]int, len(classes))
	}
	names := make([]string, len(classes))
	copy(names, classes)

	return &ConfusionMatrix{
		Classes:    names,
		NumClasses: len(classes),
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Add records one prediction
func (cm *ConfusionMatrix) Add(trueClass, predClass int) error {
	if trueClass < 0 || trueClass >= cm.NumClasses {
		return fmt.Errorf("true class %d out of range [0, %d)", trueClass, cm.NumClasses)
	}
	if predClass < 0 || predClass >= cm.NumClasses {
		return fmt.Errorf("predicted class %d out of range [0, %d)", predClass, cm.NumClasses)
	}
	cm.Matrix[trueClass][predClass]++
	cm.TotalSamples++
	return nil
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}

	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}

	return float64(correct) / float64(cm.TotalSamples)
}

// counts returns true positives, false positives and false negatives of class
func (cm *ConfusionMatrix) counts(class int) (tp, fp, fn float64) {
	tp = float64(cm.Matrix[class][class])
	for other := 0; other < cm.NumClasses; other++ {
		if other == class {
			continue
		}
		fp += float64(cm.Matrix[other][class])
		fn += float64(cm.Matrix[class][other])
	}
	return tp, fp, fn
}

// ClassPrecision is tp/(tp+fp) for one class, 0 when nothing was predicted as it
func (cm *ConfusionMatrix) ClassPrecision(class int) float64 {
	tp, fp, _ := cm.counts(class)
	if tp+fp == 0 {
		return 0.0
	}
	return tp / (tp + fp)
}

// ClassRecall is tp/(tp+fn) for one class, 0 when the class never occurs
func (cm *ConfusionMatrix) ClassRecall(class int) float64 {
	tp, _, fn := cm.counts(class)
	if tp+fn == 0 {
		return 0.0
	}
	return tp / (tp + fn)
}

// ClassF1 is the harmonic mean of ClassPrecision and ClassRecall
func (cm *ConfusionMatrix) ClassF1(class int) float64 {
	return harmonic(cm.ClassPrecision(class), cm.ClassRecall(class))
}

func harmonic(precision, recall float64) float64 {
	if precision+recall == 0 {
		return 0.0
	}
	return 2 * (precision * recall) / (precision + recall)
}

// Precision reduces per-class precision with avg
func (cm *ConfusionMatrix) Precision(avg Average) float64 {
	return cm.reduce(avg, cm.ClassPrecision, func(tp, fp, fn float64) float64 {
		if tp+fp == 0 {
			return 0
		}
		return tp / (tp + fp)
	})
}

// Recall reduces per-class recall with avg
func (cm *ConfusionMatrix) Recall(avg Average) float64 {
	return cm.reduce(avg, cm.ClassRecall, func(tp, fp, fn float64) float64 {
		if tp+fn == 0 {
			return 0
		}
		return tp / (tp + fn)
	})
}

// F1 reduces per-class F1 with avg
func (cm *ConfusionMatrix) F1(avg Average) float64 {
	if avg == AverageMicro {
		return harmonic(cm.Precision(AverageMicro), cm.Recall(AverageMicro))
	}
	return cm.reduce(avg, cm.ClassF1, nil)
}

func (cm *ConfusionMatrix) reduce(avg Average, perClass func(int) float64, pooled func(tp, fp, fn float64) float64) float64 {
	switch avg {
	case AverageBinary:
		if cm.NumClasses != 2 {
			return 0.0
		}
		return perClass(1)
	case AverageMacro:
		if cm.NumClasses == 0 {
			return 0.0
		}
		values := make([]float64, cm.NumClasses)
		for class := range values {
			values[class] = perClass(class)
		}
		return stat.Mean(values, nil)
	case AverageMicro:
		var tp, fp, fn float64
		for class := 0; class < cm.NumClasses; class++ {
			t, f, n := cm.counts(class)
			tp, fp, fn = tp+t, fp+f, fn+n
		}
		return pooled(tp, fp, fn)
	default:
		return 0.0
	}
}

// String renders the matrix with class names on both axes
func (cm *ConfusionMatrix) String() string {
	width := 5
	for _, name := range cm.Classes {
		if len(name) > width {
			width = len(name)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%*s", width, "")
	for _, name := range cm.Classes {
		fmt.Fprintf(&b, " %*s", width, name)
	}
	b.WriteString("\n")
	for i, row := range cm.Matrix {
		fmt.Fprintf(&b, "%*s", width, cm.Classes[i])
		for _, v := range row {
			fmt.Fprintf(&b, " %*d", width, v)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ROCCurve is a one-vs-rest ROC curve of one class. AUC is NaN when the
// class has no positive or no negative samples.
type ROCCurve struct {
	Class      string
	FPR        []float64
	TPR        []float64
	Thresholds []float64
	AUC        float64
}

// ComputeROC builds the one-vs-rest ROC curve of class from per-sample
// class scores
func ComputeROC(yTrue []int, scores [][]float64, class int, name string) ROCCurve {
	type scored struct {
		score    float64
		positive bool
	}
	pairs := make([]scored, len(yTrue))
	positives := 0
	for i, y := range yTrue {
		pairs[i] = scored{score: scores[i][class], positive: y == class}
		if y == class {
			positives++
		}
	}
	curve := ROCCurve{Class: name, AUC: math.NaN()}
	if positives == 0 || positives == len(yTrue) {
		return curve
	}

	// stat.ROC expects scores in increasing order
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	y := make([]float64, len(pairs))
	classes := make([]bool, len(pairs))
	for i, p := range pairs {
		y[i], classes[i] = p.score, p.positive
	}

	tpr, fpr, thresh := stat.ROC(nil, y, classes, nil)
	if len(fpr) == 0 || fpr[0] != 0 || tpr[0] != 0 {
		fpr = append([]float64{0}, fpr...)
		tpr = append([]float64{0}, tpr...)
		thresh = append([]float64{math.Inf(1)}, thresh...)
	}
	if last := len(fpr) - 1; fpr[last] != 1 || tpr[last] != 1 {
		fpr = append(fpr, 1)
		tpr = append(tpr, 1)
		thresh = append(thresh, math.Inf(-1))
	}

	curve.FPR, curve.TPR, curve.Thresholds = fpr, tpr, thresh
	curve.AUC = integrate.Trapezoidal(fpr, tpr)
	return curve
}

// Summary holds the test-set metrics of one model family
type Summary struct {
	Classes     []string
	Average     Average
	Samples     int
	Accuracy    float64
	Precision   float64
	Recall      float64
	F1          float64
	Confusion   *ConfusionMatrix
	ROC         []ROCCurve
	Predictions []int
}

// Summarize derives accuracy, precision, recall, F1, the confusion matrix
// and per-class ROC curves from true labels and per-class scores. The
// predicted label of a sample is its highest-scoring class.
func Summarize(yTrue []int, scores [][]float64, classes []string, average Average) (*Summary, error) {
	if len(classes) < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", len(classes))
	}
	if average == AverageBinary && len(classes) != 2 {
		return nil, fmt.Errorf("binary average requires exactly 2 classes, got %d", len(classes))
	}
	if len(yTrue) == 0 {
		return nil, fmt.Errorf("no samples to summarize")
	}
	if len(yTrue) != len(scores) {
		return nil, fmt.Errorf("label/score count mismatch: %d vs %d", len(yTrue), len(scores))
	}

	cm := NewConfusionMatrix(classes)
	predictions := make([]int, len(yTrue))
	for i, y := range yTrue {
		if len(scores[i]) != len(classes) {
			return nil, fmt.Errorf("sample %d has %d scores, expected %d", i, len(scores[i]), len(classes))
		}
		predictions[i] = floats.MaxIdx(scores[i])
		if err := cm.Add(y, predictions[i]); err != nil {
			return nil, fmt.Errorf("sample %d: %v", i, err)
		}
	}

	curves := make([]ROCCurve, len(classes))
	for c, name := range classes {
		curves[c] = ComputeROC(yTrue, scores, c, name)
	}

	return &Summary{
		Classes:     cm.Classes,
		Average:     average,
		Samples:     len(yTrue),
		Accuracy:    cm.GetAccuracy(),
		Precision:   cm.Precision(average),
		Recall:      cm.Recall(average),
		F1:          cm.F1(average),
		Confusion:   cm,
		ROC:         curves,
		Predictions: predictions,
	}, nil
}

// String renders the summary as the text block written to run reports
func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Samples: %d\n", s.Samples)
	fmt.Fprintf(&b, "Accuracy: %.4f\n", s.Accuracy)
	fmt.Fprintf(&b, "Precision (%s): %.4f\n", s.Average, s.Precision)
	fmt.Fprintf(&b, "Recall (%s): %.4f\n", s.Average, s.Recall)
	fmt.Fprintf(&b, "F1 (%s): %.4f\n", s.Average, s.F1)
	b.WriteString("Confusion matrix (rows = true, columns = predicted):\n")
	b.WriteString(s.Confusion.String())
	b.WriteString("ROC AUC (one-vs-rest):")
	for _, curve := range s.ROC {
		if math.IsNaN(curve.AUC) {
			fmt.Fprintf(&b, " %s=n/a", curve.Class)
		} else {
			fmt.Fprintf(&b, " %s=%.4f", curve.Class, curve.AUC)
		}
	}
	b.WriteString("\n")
	return b.String()
}
