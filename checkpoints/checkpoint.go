package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tsawler/go-scatter/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// ParseFormat maps a settings value ("onnx" or "json") to a format
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "", "onnx":
		return FormatONNX, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatONNX, fmt.Errorf("unsupported checkpoint format %q", s)
	}
}

// ModelPath returns the checkpoint file of a model family trained once,
// without cross-validation
func ModelPath(modelTrainPath, family string) string {
	return modelTrainPath + family + "_128x128_best_model_trained.pt"
}

// BestModelPath returns the file a (family, fold) pair checkpoints to
func BestModelPath(modelTrainPath, family string, fold int) string {
	return ModelPath(modelTrainPath, family) + strconv.Itoa(fold)
}

// Checkpoint represents a model state including weights, optimizer state and training metadata
type Checkpoint struct {
	Model   string         `json:"model"`
	Weights []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures where in training the checkpoint was taken
type TrainingState struct {
	Fold               int     `json:"fold"`
	Epoch              int     `json:"epoch"`
	LearningRate       float64 `json:"learning_rate"`
	ValidationLoss     float64 `json:"validation_loss"`
	ValidationAccuracy float64 `json:"validation_accuracy"`
}

// OptimizerState captures optimizer-specific state such as momentum buffers
type OptimizerState struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents an optimizer state tensor
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointIOError reports a checkpoint that could not be written or read
type CheckpointIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *CheckpointIOError) Error() string {
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CheckpointIOError) Unwrap() error { return e.Err }

// Cause supports github.com/pkg/errors.Cause
func (e *CheckpointIOError) Cause() error { return e.Err }

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the serialization format of the saver
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes checkpoint to path, replacing any existing file
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-scatter"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatONNX:
		data, err = encodeONNX(checkpoint)
	default:
		err = fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return &CheckpointIOError{Op: "encode", Path: path, Err: err}
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &CheckpointIOError{Op: "write", Path: path, Err: err}
		}
	}

	// Write next to the target and rename so a reader never sees a partial file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return &CheckpointIOError{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &CheckpointIOError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written in the saver's format
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CheckpointIOError{Op: "read", Path: path, Err: err}
	}

	var checkpoint *Checkpoint
	switch cs.format {
	case FormatJSON:
		checkpoint = &Checkpoint{}
		err = json.Unmarshal(data, checkpoint)
	case FormatONNX:
		checkpoint, err = decodeONNX(data)
	default:
		err = fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return nil, &CheckpointIOError{Op: "decode", Path: path, Err: err}
	}
	return checkpoint, nil
}

// Snapshot copies parameter values into weight tensors
func Snapshot(params []*layers.Parameter) []WeightTensor {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		layer, kind := p.Name, "weight"
		if dot := strings.LastIndex(p.Name, "."); dot >= 0 {
			layer, kind = p.Name[:dot], p.Name[dot+1:]
		}
		data := make([]float64, len(p.Data))
		copy(data, p.Data)
		shape := make([]int, len(p.Shape))
		copy(shape, p.Shape)
		weights[i] = WeightTensor{
			Name:  p.Name,
			Shape: shape,
			Data:  data,
			Layer: layer,
			Type:  kind,
		}
	}
	return weights
}

// Restore copies weight tensors back into parameters, matching by name
func Restore(params []*layers.Parameter, weights []WeightTensor) error {
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(params))
	}

	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("no weights stored for parameter %s", p.Name)
		}
		if len(w.Shape) != len(p.Shape) {
			return fmt.Errorf("shape mismatch for %s: parameter %v vs weight %v", p.Name, p.Shape, w.Shape)
		}
		for j, dim := range p.Shape {
			if dim != w.Shape[j] {
				return fmt.Errorf("dimension mismatch for %s at index %d: parameter %d vs weight %d",
					p.Name, j, dim, w.Shape[j])
			}
		}
		if len(w.Data) != len(p.Data) {
			return fmt.Errorf("data length mismatch for %s: %d vs %d", p.Name, len(w.Data), len(p.Data))
		}
		copy(p.Data, w.Data)
	}
	return nil
}
