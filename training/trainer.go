package training

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/tsawler/go-scatter/checkpoints"
	"github.com/tsawler/go-scatter/layers"
	"github.com/tsawler/go-scatter/optimizer"
	"github.com/tsawler/go-scatter/tensor"
	"github.com/tsawler/go-scatter/vision/dataloader"
)

// Model is the capability set the trainer and evaluator rely on
type Model interface {
	Name() string
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(grad *tensor.Tensor) error
	Parameters() []*layers.Parameter
	Train()
	Eval()
}

// Config holds configuration for one (model, fold) training run
type Config struct {
	Epochs        int
	ValidateEvery int // Run validation when epoch % ValidateEvery == 0, epochs counted from 1
	LearningRate  float64
	Momentum      float64

	CheckpointPath   string
	CheckpointFormat checkpoints.CheckpointFormat

	Model string
	Fold  int

	// Progress receives a per-epoch progress bar and summary line when set
	Progress io.Writer
}

// EpochMetrics holds metrics for a single epoch
type EpochMetrics struct {
	Epoch         int
	TrainLoss     float64
	TrainAccuracy float64
	Validated     bool
	ValidLoss     float64
	ValidAccuracy float64
	Duration      time.Duration
	BatchCount    int

	// ValidBatchCount is zero on epochs without validation
	ValidBatchCount int
}

// CheckpointEvent records a checkpoint write
type CheckpointEvent struct {
	Epoch         int
	ValidAccuracy float64
	Path          string
}

// RunRecord is the history of one (model, fold) training run
type RunRecord struct {
	Model              string
	Fold               int
	Epochs             []EpochMetrics
	Checkpoints        []CheckpointEvent
	BestValidAccuracy  float64
	BestEpoch          int
	FinalValidAccuracy float64
	CheckpointPath     string
}

// State is the lifecycle position of a Trainer
type State int

const (
	StateInitialized State = iota
	StateTraining
	StateValidating
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateTraining:
		return "Training"
	case StateValidating:
		return "Validating"
	case StateFinished:
		return "Finished"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// TrainingError reports a failed epoch
type TrainingError struct {
	Model string
	Fold  int
	Epoch int
	Err   error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("training %s fold %d epoch %d: %v", e.Model, e.Fold, e.Epoch, e.Err)
}

func (e *TrainingError) Unwrap() error { return e.Err }

// Cause supports github.com/pkg/errors.Cause
func (e *TrainingError) Cause() error { return e.Err }

// Trainer manages the training process of one model over one fold
type Trainer struct {
	model     Model
	optimizer *optimizer.SGD
	saver     *checkpoints.CheckpointSaver
	config    Config
	logger    *zap.Logger
	state     State
}

// NewTrainer creates a new Trainer. A nil logger discards log output.
func NewTrainer(model Model, config Config, logger *zap.Logger) (*Trainer, error) {
	if config.Epochs < 1 {
		return nil, fmt.Errorf("epochs must be at least 1, got %d", config.Epochs)
	}
	if config.ValidateEvery < 1 || config.ValidateEvery > config.Epochs {
		return nil, fmt.Errorf("validation cadence must be in [1, %d], got %d", config.Epochs, config.ValidateEvery)
	}
	if config.CheckpointPath == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	if config.Model == "" {
		config.Model = model.Name()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sgd, err := optimizer.NewSGD(model.Parameters(), optimizer.SGDConfig{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %v", err)
	}

	return &Trainer{
		model:     model,
		optimizer: sgd,
		saver:     checkpoints.NewCheckpointSaver(config.CheckpointFormat),
		config:    config,
		logger:    logger.With(zap.String("model", config.Model), zap.Int("fold", config.Fold)),
		state:     StateInitialized,
	}, nil
}

// State returns the current lifecycle state
func (t *Trainer) State() State {
	return t.state
}

// Train runs the complete training loop. Validation happens every
// ValidateEvery epochs and a checkpoint is written whenever validation
// accuracy strictly improves on the best seen in this run.
func (t *Trainer) Train(trainLoader, validLoader *dataloader.DataLoader) (*RunRecord, error) {
	if t.state != StateInitialized {
		return nil, fmt.Errorf("trainer already used (state %s)", t.state)
	}
	if trainLoader.Len() == 0 {
		t.state = StateFailed
		return nil, t.fail(0, fmt.Errorf("training loader has no full batches"))
	}
	if validLoader.Len() == 0 {
		t.state = StateFailed
		return nil, t.fail(0, fmt.Errorf("validation loader has no full batches"))
	}

	record := &RunRecord{
		Model:             t.config.Model,
		Fold:              t.config.Fold,
		BestValidAccuracy: -1,
		CheckpointPath:    t.config.CheckpointPath,
	}

	t.logger.Info("starting training",
		zap.Int("epochs", t.config.Epochs),
		zap.Int("train_batches", trainLoader.Len()),
		zap.Int("valid_batches", validLoader.Len()))

	for epoch := 1; epoch <= t.config.Epochs; epoch++ {
		epochStart := time.Now()

		t.state = StateTraining
		t.model.Train()
		trainLoss, trainAcc, err := t.trainEpoch(trainLoader, epoch)
		if err != nil {
			t.state = StateFailed
			return nil, t.fail(epoch, err)
		}

		metrics := EpochMetrics{
			Epoch:         epoch,
			TrainLoss:     trainLoss,
			TrainAccuracy: trainAcc,
			BatchCount:    trainLoader.Len(),
		}

		if epoch%t.config.ValidateEvery == 0 {
			t.state = StateValidating
			t.model.Eval()
			validLoss, validAcc, err := t.validateEpoch(validLoader)
			if err != nil {
				t.state = StateFailed
				return nil, t.fail(epoch, err)
			}
			metrics.Validated = true
			metrics.ValidLoss = validLoss
			metrics.ValidAccuracy = validAcc
			metrics.ValidBatchCount = validLoader.Len()
			record.FinalValidAccuracy = validAcc

			if validAcc > record.BestValidAccuracy {
				if err := t.saveCheckpoint(epoch, validLoss, validAcc); err != nil {
					t.state = StateFailed
					return nil, err
				}
				record.BestValidAccuracy = validAcc
				record.BestEpoch = epoch
				record.Checkpoints = append(record.Checkpoints, CheckpointEvent{
					Epoch:         epoch,
					ValidAccuracy: validAcc,
					Path:          t.config.CheckpointPath,
				})
			}
		}

		metrics.Duration = time.Since(epochStart)
		record.Epochs = append(record.Epochs, metrics)
		t.printEpochSummary(metrics)
	}

	t.state = StateFinished
	t.logger.Info("training finished",
		zap.Float64("best_valid_accuracy", record.BestValidAccuracy),
		zap.Int("best_epoch", record.BestEpoch),
		zap.Float64("final_valid_accuracy", record.FinalValidAccuracy))
	return record, nil
}

func (t *Trainer) fail(epoch int, err error) error {
	t.logger.Error("training failed", zap.Int("epoch", epoch), zap.Error(err))
	return &TrainingError{Model: t.config.Model, Fold: t.config.Fold, Epoch: epoch, Err: err}
}

// trainEpoch runs one ordered pass over the training batches. The loss is
// the sample-weighted mean and accuracy is computed once from every
// prediction of the epoch.
func (t *Trainer) trainEpoch(loader *dataloader.DataLoader, epoch int) (float64, float64, error) {
	var totalLoss float64
	predictions := make([]int, 0, loader.NumSamples())
	labels := make([]int, 0, loader.NumSamples())

	var bar *ProgressBar
	if t.config.Progress != nil {
		bar = NewProgressBar(t.config.Progress,
			fmt.Sprintf("%s fold %d epoch %d/%d", t.config.Model, t.config.Fold, epoch, t.config.Epochs),
			loader.Len())
	}

	for i := 0; i < loader.Len(); i++ {
		batch, err := loader.Batch(i)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to load batch %d: %v", i, err)
		}

		t.optimizer.ZeroGrad()

		logits, err := t.model.Forward(batch.Data)
		if err != nil {
			return 0, 0, fmt.Errorf("forward pass failed on batch %d: %v", i, err)
		}
		result, err := SoftmaxCrossEntropy(logits, batch.Labels)
		if err != nil {
			return 0, 0, fmt.Errorf("loss computation failed on batch %d: %v", i, err)
		}
		if err := t.model.Backward(result.Grad); err != nil {
			return 0, 0, fmt.Errorf("backward pass failed on batch %d: %v", i, err)
		}
		if err := t.optimizer.Step(); err != nil {
			return 0, 0, fmt.Errorf("optimizer step failed on batch %d: %v", i, err)
		}

		totalLoss += result.Loss * float64(len(batch.Labels))
		predictions = append(predictions, result.Predictions...)
		labels = append(labels, batch.Labels...)

		if bar != nil {
			bar.Update(i+1, map[string]float64{"loss": totalLoss / float64(len(labels))})
		}
	}
	if bar != nil {
		bar.Finish()
	}

	return totalLoss / float64(len(labels)), Accuracy(labels, predictions), nil
}

// validateEpoch runs a forward-only pass over the validation batches
func (t *Trainer) validateEpoch(loader *dataloader.DataLoader) (float64, float64, error) {
	var totalLoss float64
	predictions := make([]int, 0, loader.NumSamples())
	labels := make([]int, 0, loader.NumSamples())

	for i := 0; i < loader.Len(); i++ {
		batch, err := loader.Batch(i)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to load validation batch %d: %v", i, err)
		}
		logits, err := t.model.Forward(batch.Data)
		if err != nil {
			return 0, 0, fmt.Errorf("validation forward pass failed on batch %d: %v", i, err)
		}
		result, err := SoftmaxCrossEntropy(logits, batch.Labels)
		if err != nil {
			return 0, 0, fmt.Errorf("validation loss failed on batch %d: %v", i, err)
		}
		totalLoss += result.Loss * float64(len(batch.Labels))
		predictions = append(predictions, result.Predictions...)
		labels = append(labels, batch.Labels...)
	}

	return totalLoss / float64(len(labels)), Accuracy(labels, predictions), nil
}

func (t *Trainer) saveCheckpoint(epoch int, validLoss, validAcc float64) error {
	optState, err := t.optimizer.GetState()
	if err != nil {
		return fmt.Errorf("failed to capture optimizer state: %v", err)
	}

	checkpoint := &checkpoints.Checkpoint{
		Model:   t.config.Model,
		Weights: checkpoints.Snapshot(t.model.Parameters()),
		TrainingState: checkpoints.TrainingState{
			Fold:               t.config.Fold,
			Epoch:              epoch,
			LearningRate:       t.optimizer.GetLR(),
			ValidationLoss:     validLoss,
			ValidationAccuracy: validAcc,
		},
		OptimizerState: optState,
	}
	if err := t.saver.SaveCheckpoint(checkpoint, t.config.CheckpointPath); err != nil {
		t.logger.Error("checkpoint write failed", zap.String("path", t.config.CheckpointPath), zap.Error(err))
		return err
	}

	t.logger.Info("saved checkpoint",
		zap.Int("epoch", epoch),
		zap.Float64("valid_accuracy", validAcc),
		zap.String("path", t.config.CheckpointPath))
	return nil
}

// printEpochSummary writes a one-line epoch summary and logs it
func (t *Trainer) printEpochSummary(metrics EpochMetrics) {
	fields := []zap.Field{
		zap.Int("epoch", metrics.Epoch),
		zap.Float64("train_loss", metrics.TrainLoss),
		zap.Float64("train_accuracy", metrics.TrainAccuracy),
		zap.Duration("duration", metrics.Duration),
	}
	if metrics.Validated {
		fields = append(fields,
			zap.Float64("valid_loss", metrics.ValidLoss),
			zap.Float64("valid_accuracy", metrics.ValidAccuracy))
	}
	t.logger.Info("epoch complete", fields...)

	if t.config.Progress == nil {
		return
	}
	fmt.Fprintf(t.config.Progress, "Epoch %d/%d: ", metrics.Epoch, t.config.Epochs)
	fmt.Fprintf(t.config.Progress, "Train Loss=%.4f, Train Acc=%.2f%%", metrics.TrainLoss, metrics.TrainAccuracy*100)
	if metrics.Validated {
		fmt.Fprintf(t.config.Progress, ", Valid Loss=%.4f, Valid Acc=%.2f%%", metrics.ValidLoss, metrics.ValidAccuracy*100)
	}
	fmt.Fprintf(t.config.Progress, ", Time=%v, Batches=%d\n", metrics.Duration, metrics.BatchCount)
}

// LoadModel restores model parameters from a checkpoint file
func LoadModel(model Model, path string, format checkpoints.CheckpointFormat) (*checkpoints.Checkpoint, error) {
	checkpoint, err := checkpoints.NewCheckpointSaver(format).LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	if err := checkpoints.Restore(model.Parameters(), checkpoint.Weights); err != nil {
		return nil, &checkpoints.CheckpointIOError{Op: "restore", Path: path, Err: err}
	}
	return checkpoint, nil
}
