package training

import (
	"fmt"

	"github.com/tsawler/go-scatter/vision/dataloader"
)

// Evaluate runs the model once over every batch of loader in order, in
// evaluation mode and without gradients. It returns the true labels and
// the per-class softmax scores of each sample.
func Evaluate(model Model, loader *dataloader.DataLoader) ([]int, [][]float64, error) {
	model.Eval()

	yTrue := make([]int, 0, loader.NumSamples())
	scores := make([][]float64, 0, loader.NumSamples())
	for i := 0; i < loader.Len(); i++ {
		batch, err := loader.Batch(i)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load test batch %d: %v", i, err)
		}
		logits, err := model.Forward(batch.Data)
		if err != nil {
			return nil, nil, fmt.Errorf("forward pass failed on test batch %d: %v", i, err)
		}
		if _, _, err := checkLogits(logits, batch.Labels); err != nil {
			return nil, nil, fmt.Errorf("test batch %d: %v", i, err)
		}
		probs, err := Softmax(logits)
		if err != nil {
			return nil, nil, err
		}
		yTrue = append(yTrue, batch.Labels...)
		scores = append(scores, probs...)
	}
	return yTrue, scores, nil
}

// Accuracy is the fraction of predictions equal to the true labels
func Accuracy(yTrue, yPred []int) float64 {
	if len(yTrue) == 0 {
		return 0
	}
	correct := 0
	for i, y := range yTrue {
		if yPred[i] == y {
			correct++
		}
	}
	return float64(correct) / float64(len(yTrue))
}
