package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-scatter/tensor"
)

// LossResult holds the outcome of a loss evaluation over one batch
type LossResult struct {
	Loss        float64        // mean over the batch
	Grad        *tensor.Tensor // d(mean loss)/d(logits), same shape as the logits
	Predictions []int          // argmax class per row
}

// checkLogits verifies logits are [B, C] with one label per row
func checkLogits(logits *tensor.Tensor, labels []int) (int, int, error) {
	if len(logits.Shape) != 2 {
		return 0, 0, fmt.Errorf("logits must be 2D [batch, classes], got shape %v", logits.Shape)
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	if batch != len(labels) {
		return 0, 0, fmt.Errorf("batch size mismatch: %d logit rows, %d labels", batch, len(labels))
	}
	for i, label := range labels {
		if label < 0 || label >= classes {
			return 0, 0, fmt.Errorf("label %d at position %d out of range [0, %d)", label, i, classes)
		}
	}
	return batch, classes, nil
}

// SoftmaxCrossEntropy computes softmax cross-entropy of logits [B, C]
// against integer labels. The returned gradient is that of the batch mean.
func SoftmaxCrossEntropy(logits *tensor.Tensor, labels []int) (*LossResult, error) {
	batch, classes, err := checkLogits(logits, labels)
	if err != nil {
		return nil, err
	}

	data := logits.Data()
	grad := make([]float32, len(data))
	predictions := make([]int, batch)
	row := make([]float64, classes)
	total := 0.0

	for i := 0; i < batch; i++ {
		for j := 0; j < classes; j++ {
			row[j] = float64(data[i*classes+j])
		}
		lse := floats.LogSumExp(row)
		total += lse - row[labels[i]]
		predictions[i] = floats.MaxIdx(row)

		for j := 0; j < classes; j++ {
			p := math.Exp(row[j] - lse)
			if j == labels[i] {
				p--
			}
			grad[i*classes+j] = float32(p / float64(batch))
		}
	}

	loss := total / float64(batch)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return nil, fmt.Errorf("non-finite loss: %v", loss)
	}

	g, err := tensor.New([]int{batch, classes}, grad)
	if err != nil {
		return nil, err
	}
	return &LossResult{Loss: loss, Grad: g, Predictions: predictions}, nil
}

// Softmax converts logits [B, C] into per-row class probabilities
func Softmax(logits *tensor.Tensor) ([][]float64, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("logits must be 2D [batch, classes], got shape %v", logits.Shape)
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	data := logits.Data()

	probs := make([][]float64, batch)
	for i := range probs {
		row := make([]float64, classes)
		for j := range row {
			row[j] = float64(data[i*classes+j])
		}
		lse := floats.LogSumExp(row)
		for j := range row {
			row[j] = math.Exp(row[j] - lse)
		}
		probs[i] = row
	}
	return probs, nil
}
