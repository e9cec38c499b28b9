package models

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-scatter/layers"
	"github.com/tsawler/go-scatter/tensor"
)

// Network adapts a layer stack to float32 host tensors
type Network struct {
	name     string
	net      *layers.SequentialLayer
	training bool
}

// NewNetwork wraps a layer stack
func NewNetwork(name string, net *layers.SequentialLayer) *Network {
	return &Network{name: name, net: net, training: true}
}

// Name returns the model family name
func (n *Network) Name() string { return n.name }

// Train switches the network to training mode
func (n *Network) Train() { n.training = true }

// Eval switches the network to evaluation mode
func (n *Network) Eval() { n.training = false }

// IsTraining reports the current mode
func (n *Network) IsTraining() bool { return n.training }

// Parameters returns every learnable parameter in layer order
func (n *Network) Parameters() []*layers.Parameter {
	return n.net.Parameters()
}

// Summary describes the layer stack
func (n *Network) Summary() string {
	return n.net.Summary()
}

// Forward maps a host batch to a [B, classes] host tensor of logits
func (n *Network) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Device != tensor.CPU {
		return nil, fmt.Errorf("%s: expected host input, got %s tensor", n.name, x.Device)
	}
	in := &layers.Activation{Shape: x.Shape, Data: make([]float64, x.NumElems())}
	for i, v := range x.Data() {
		in.Data[i] = float64(v)
	}

	out, err := n.net.Forward(in, n.training)
	if err != nil {
		return nil, err
	}

	data := make([]float32, len(out.Data))
	for i, v := range out.Data {
		data[i] = float32(v)
	}
	return tensor.New(out.Shape, data)
}

// Backward accumulates parameter gradients from the logits gradient of the
// preceding Forward call
func (n *Network) Backward(grad *tensor.Tensor) error {
	g := &layers.Activation{Shape: grad.Shape, Data: make([]float64, grad.NumElems())}
	for i, v := range grad.Data() {
		g.Data[i] = float64(v)
	}
	_, err := n.net.Backward(g)
	return err
}

// NewCNN builds the raw-pixel classifier: three conv-relu-pool blocks
// followed by two dense layers. imageSize must be divisible by 8.
func NewCNN(channels, imageSize, numClasses int, rng *rand.Rand) (*Network, error) {
	if imageSize < 8 || imageSize%8 != 0 {
		return nil, fmt.Errorf("CNN: image size %d must be a positive multiple of 8", imageSize)
	}
	if numClasses < 2 {
		return nil, fmt.Errorf("CNN: need at least 2 classes, got %d", numClasses)
	}

	conv1, err := layers.NewConv2D("conv1", channels, 8, 3, rng)
	if err != nil {
		return nil, err
	}
	conv2, err := layers.NewConv2D("conv2", 8, 16, 3, rng)
	if err != nil {
		return nil, err
	}
	conv3, err := layers.NewConv2D("conv3", 16, 16, 3, rng)
	if err != nil {
		return nil, err
	}

	side := imageSize / 8
	net := layers.NewSequential("CNN",
		conv1, layers.NewReLU("relu1"), layers.NewMaxPool2D("pool1"),
		conv2, layers.NewReLU("relu2"), layers.NewMaxPool2D("pool2"),
		conv3, layers.NewReLU("relu3"), layers.NewMaxPool2D("pool3"),
		layers.NewFlatten("flatten"),
		layers.NewDense("fc1", 16*side*side, 64, rng),
		layers.NewReLU("relu4"),
		layers.NewDense("fc2", 64, numClasses, rng),
	)
	return NewNetwork("CNN", net), nil
}

// NewNN builds the shallow classifier over flattened scattering coefficients
func NewNN(inputSize, numClasses int, rng *rand.Rand) (*Network, error) {
	if inputSize < 1 {
		return nil, fmt.Errorf("NN: input size must be positive, got %d", inputSize)
	}
	if numClasses < 2 {
		return nil, fmt.Errorf("NN: need at least 2 classes, got %d", numClasses)
	}
	net := layers.NewSequential("NN",
		layers.NewFlatten("flatten"),
		layers.NewDense("fc1", inputSize, 128, rng),
		layers.NewReLU("relu1"),
		layers.NewDense("fc2", 128, numClasses, rng),
	)
	return NewNetwork("NN", net), nil
}
