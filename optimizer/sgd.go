package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-scatter/checkpoints"
	"github.com/tsawler/go-scatter/layers"
)

// Optimizer defines the common interface for all optimizers
type Optimizer interface {
	// Step applies the accumulated gradients to the parameters
	Step() error

	// ZeroGrad clears every parameter gradient
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	GetStepCount() uint64
	GetLR() float64
	SetLR(lr float64)
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
	}
}

// SGD is stochastic gradient descent with classical momentum:
// v = momentum*v + g; p -= lr*v
type SGD struct {
	LearningRate float64
	Momentum     float64

	params   []*layers.Parameter
	velocity [][]float64

	StepCount uint64
}

// NewSGD creates an optimizer over params
func NewSGD(params []*layers.Parameter, config SGDConfig) (*SGD, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive: %f", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1): %f", config.Momentum)
	}

	velocity := make([][]float64, len(params))
	for i, p := range params {
		velocity[i] = make([]float64, len(p.Data))
	}
	return &SGD{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		params:       params,
		velocity:     velocity,
	}, nil
}

// Step updates every parameter. A non-finite gradient aborts the step
// before any parameter is modified.
func (sgd *SGD) Step() error {
	for _, p := range sgd.params {
		for j, g := range p.Grad {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return fmt.Errorf("non-finite gradient in %s at index %d", p.Name, j)
			}
		}
	}

	for i, p := range sgd.params {
		v := sgd.velocity[i]
		for j, g := range p.Grad {
			v[j] = sgd.Momentum*v[j] + g
			p.Data[j] -= sgd.LearningRate * v[j]
		}
	}
	sgd.StepCount++
	return nil
}

// ZeroGrad clears every parameter gradient
func (sgd *SGD) ZeroGrad() {
	for _, p := range sgd.params {
		p.ZeroGrad()
	}
}

func (sgd *SGD) GetStepCount() uint64 { return sgd.StepCount }
func (sgd *SGD) GetLR() float64       { return sgd.LearningRate }
func (sgd *SGD) SetLR(lr float64)     { sgd.LearningRate = lr }

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*checkpoints.OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.params))
	if sgd.Momentum > 0 {
		for i, p := range sgd.params {
			data := make([]float64, len(sgd.velocity[i]))
			copy(data, sgd.velocity[i])
			stateData = append(stateData, checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("momentum_%d", i),
				Shape:     p.Shape,
				Data:      data,
				StateType: "momentum",
			})
		}
	}

	return &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"step_count":    sgd.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if state.Type != "SGD" {
		return fmt.Errorf("state type mismatch: expected SGD, got %s", state.Type)
	}

	if lr, ok := state.Parameters["learning_rate"].(float64); ok {
		sgd.LearningRate = lr
	}
	if m, ok := state.Parameters["momentum"].(float64); ok {
		sgd.Momentum = m
	}
	switch steps := state.Parameters["step_count"].(type) {
	case float64:
		sgd.StepCount = uint64(steps)
	case uint64:
		sgd.StepCount = steps
	}

	for _, t := range state.StateData {
		if t.StateType != "momentum" {
			continue
		}
		var idx int
		if n, err := fmt.Sscanf(t.Name, "momentum_%d", &idx); n != 1 || err != nil {
			return fmt.Errorf("invalid momentum tensor name: %s", t.Name)
		}
		if idx < 0 || idx >= len(sgd.velocity) {
			return fmt.Errorf("momentum buffer %d out of range", idx)
		}
		if len(t.Data) != len(sgd.velocity[idx]) {
			return fmt.Errorf("momentum buffer %d has %d values, expected %d", idx, len(t.Data), len(sgd.velocity[idx]))
		}
		copy(sgd.velocity[idx], t.Data)
	}
	return nil
}
