package models

import (
	"math/rand"
	"testing"

	"github.com/tsawler/go-scatter/memory"
	"github.com/tsawler/go-scatter/tensor"
)

func TestCNNForwardShape(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cnn, err := NewCNN(3, 16, 2, rng)
	if err != nil {
		t.Fatalf("NewCNN failed: %v", err)
	}

	x := tensor.Zeros([]int{2, 3, 16, 16})
	out, err := cnn.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !tensor.SameShape(out.Shape, []int{2, 2}) {
		t.Errorf("Expected logits [2 2], got %v", out.Shape)
	}

	grad := tensor.Zeros(out.Shape)
	if err := cnn.Backward(grad); err != nil {
		t.Errorf("Backward failed: %v", err)
	}
}

func TestCNNRejectsBadSize(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	if _, err := NewCNN(3, 12, 2, rng); err == nil {
		t.Error("Expected error for image size not divisible by 8")
	}
	if _, err := NewCNN(3, 16, 1, rng); err == nil {
		t.Error("Expected error for a single class")
	}
}

func TestNNForwardShape(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	nn, err := NewNN(3*17, 3, rng)
	if err != nil {
		t.Fatalf("NewNN failed: %v", err)
	}

	// Coefficient batches are [B, C, P]
	x := tensor.Zeros([]int{4, 3, 17})
	out, err := nn.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !tensor.SameShape(out.Shape, []int{4, 3}) {
		t.Errorf("Expected logits [4 3], got %v", out.Shape)
	}

	if _, err := nn.Forward(tensor.Zeros([]int{4, 10})); err == nil {
		t.Error("Expected error for wrong input width")
	}
}

func TestNetworkModes(t *testing.T) {
	nn, _ := NewNN(4, 2, rand.New(rand.NewSource(1)))
	if !nn.IsTraining() {
		t.Error("Expected new network in training mode")
	}
	nn.Eval()
	if nn.IsTraining() {
		t.Error("Expected evaluation mode after Eval")
	}
	nn.Train()
	if !nn.IsTraining() {
		t.Error("Expected training mode after Train")
	}
	if nn.Name() != "NN" || len(nn.Parameters()) != 4 {
		t.Errorf("Unexpected name %q or parameter count %d", nn.Name(), len(nn.Parameters()))
	}
}

func TestNetworkRejectsDeviceInput(t *testing.T) {
	nn, _ := NewNN(4, 2, rand.New(rand.NewSource(1)))
	dev, err := tensor.Zeros([]int{1, 4}).ToGPU(memory.NewMemoryManager(0))
	if err != nil {
		t.Fatalf("ToGPU failed: %v", err)
	}
	defer dev.Release()
	if _, err := nn.Forward(dev); err == nil {
		t.Error("Expected error for device input")
	}
}

func TestSameSeedSameWeights(t *testing.T) {
	a, _ := NewNN(6, 2, rand.New(rand.NewSource(5)))
	b, _ := NewNN(6, 2, rand.New(rand.NewSource(5)))
	for i, p := range a.Parameters() {
		for j, v := range p.Data {
			if b.Parameters()[i].Data[j] != v {
				t.Fatalf("%s differs at %d", p.Name, j)
			}
		}
	}
}
