package crossval

import (
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-scatter/checkpoints"
	"github.com/tsawler/go-scatter/tensor"
	"github.com/tsawler/go-scatter/training"
	"github.com/tsawler/go-scatter/vision/augment"
	"github.com/tsawler/go-scatter/vision/dataloader"
)

// Model family names, also used in checkpoint file names
const (
	FamilyCNN = "CNN"
	FamilyNN  = "NN"
)

// ModelFactory builds a freshly initialized model for a fold
type ModelFactory func(fold int) (training.Model, error)

// Config holds the cross-validation and training parameters
type Config struct {
	Folds              int
	BatchSize          int
	AugmentationAmount int
	Epochs             int
	ValidateEvery      int
	LearningRate       float64
	Momentum           float64
	ModelTrainPath     string
	CheckpointFormat   checkpoints.CheckpointFormat
	Progress           io.Writer
}

// FoldResult holds both run records of one fold
type FoldResult struct {
	Fold           int
	TrainSize      int
	ValidationSize int
	CNN            *training.RunRecord
	NN             *training.RunRecord
}

// Selection is the winning fold of one model family
type Selection struct {
	Family         string
	Fold           int
	ValidAccuracy  float64
	CheckpointPath string
}

// Result is the outcome of a cross-validation run
type Result struct {
	Folds []FoldResult
	CNN   Selection
	NN    Selection
}

// Records returns the run records of one family in fold order
func (r *Result) Records(family string) []*training.RunRecord {
	records := make([]*training.RunRecord, len(r.Folds))
	for i, f := range r.Folds {
		if family == FamilyCNN {
			records[i] = f.CNN
		} else {
			records[i] = f.NN
		}
	}
	return records
}

// Runner trains a CNN on augmented images and an NN on scattering
// coefficients for every fold
type Runner struct {
	Config     Config
	CNNFactory ModelFactory
	NNFactory  ModelFactory
	Augmenter  augment.Augmenter
	Logger     *zap.Logger
}

// view narrows a source to a list of positions without copying samples
type view struct {
	source    augment.Source
	positions []int
}

func (v *view) Len() int { return len(v.positions) }

func (v *view) Sample(i int) (*tensor.Tensor, int) {
	return v.source.Sample(v.positions[i])
}

func (v *view) ClassNames() []string { return v.source.ClassNames() }

// Run cross-validates over the training images. coefficients holds the
// scattering coefficients of the same images, position for position; it
// may be shorter when the scattering batcher dropped a tail, in which case
// the missing positions are left out of the NN folds.
func (r *Runner) Run(images augment.Source, coefficients dataloader.Source) (*Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if r.CNNFactory == nil || r.NNFactory == nil {
		return nil, errors.New("runner needs a CNN and an NN factory")
	}
	if coefficients.Len() > images.Len() {
		return nil, errors.Errorf("%d coefficient samples for %d images", coefficients.Len(), images.Len())
	}
	aug := r.Augmenter
	if aug == nil {
		aug = augment.Identity{}
	}
	amount := r.Config.AugmentationAmount
	if amount == 0 {
		amount = 1
	}

	folds, err := KFold(images.Len(), r.Config.Folds)
	if err != nil {
		return nil, err
	}
	n := coefficients.Len()
	for _, fold := range folds {
		if err := checkFold(fold, amount, n, r.Config.BatchSize); err != nil {
			return nil, err
		}
	}

	result := &Result{Folds: make([]FoldResult, 0, len(folds))}
	for _, fold := range folds {
		logger.Info("starting fold",
			zap.Int("fold", fold.Index),
			zap.Int("folds", len(folds)),
			zap.Int("train", len(fold.Train)),
			zap.Int("validation", len(fold.Validation)))

		trainImages, err := augment.Expand(&view{source: images, positions: fold.Train}, amount, aug)
		if err != nil {
			return nil, errors.Wrapf(err, "fold %d: failed to augment training images", fold.Index)
		}
		validImages, err := augment.Expand(&view{source: images, positions: fold.Validation}, amount, aug)
		if err != nil {
			return nil, errors.Wrapf(err, "fold %d: failed to augment validation images", fold.Index)
		}

		cnnRecord, err := r.trainFamily(FamilyCNN, r.CNNFactory, fold.Index, trainImages, validImages, nil, nil, logger)
		if err != nil {
			return nil, err
		}

		nnRecord, err := r.trainFamily(FamilyNN, r.NNFactory, fold.Index, coefficients, coefficients,
			below(fold.Train, n), below(fold.Validation, n), logger)
		if err != nil {
			return nil, err
		}

		result.Folds = append(result.Folds, FoldResult{
			Fold:           fold.Index,
			TrainSize:      len(fold.Train),
			ValidationSize: len(fold.Validation),
			CNN:            cnnRecord,
			NN:             nnRecord,
		})
		logger.Info("fold complete",
			zap.Int("fold", fold.Index),
			zap.Float64("cnn_valid_accuracy", cnnRecord.FinalValidAccuracy),
			zap.Float64("nn_valid_accuracy", nnRecord.FinalValidAccuracy))
	}

	result.CNN = selectFamily(FamilyCNN, result.Records(FamilyCNN))
	result.NN = selectFamily(FamilyNN, result.Records(FamilyNN))
	logger.Info("selected folds",
		zap.Int("cnn_fold", result.CNN.Fold),
		zap.Float64("cnn_valid_accuracy", result.CNN.ValidAccuracy),
		zap.Int("nn_fold", result.NN.Fold),
		zap.Float64("nn_valid_accuracy", result.NN.ValidAccuracy))
	return result, nil
}

// trainFamily trains one fresh model. Nil position lists mean every
// position of the source, in order.
func (r *Runner) trainFamily(family string, factory ModelFactory, fold int,
	trainSource, validSource dataloader.Source, trainPositions, validPositions []int, logger *zap.Logger) (*training.RunRecord, error) {

	trainLoader, err := newLoader(trainSource, trainPositions, r.Config.BatchSize)
	if err != nil {
		return nil, errors.Wrapf(err, "fold %d: %s training batches", fold, family)
	}
	validLoader, err := newLoader(validSource, validPositions, r.Config.BatchSize)
	if err != nil {
		return nil, errors.Wrapf(err, "fold %d: %s validation batches", fold, family)
	}

	model, err := factory(fold)
	if err != nil {
		return nil, errors.Wrapf(err, "fold %d: failed to create %s", fold, family)
	}

	trainer, err := training.NewTrainer(model, training.Config{
		Epochs:           r.Config.Epochs,
		ValidateEvery:    r.Config.ValidateEvery,
		LearningRate:     r.Config.LearningRate,
		Momentum:         r.Config.Momentum,
		CheckpointPath:   checkpoints.BestModelPath(r.Config.ModelTrainPath, family, fold),
		CheckpointFormat: r.Config.CheckpointFormat,
		Model:            family,
		Fold:             fold,
		Progress:         r.Config.Progress,
	}, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "fold %d: %s trainer", fold, family)
	}
	return trainer.Train(trainLoader, validLoader)
}

// checkFold fails when one of the four loaders of fold would hold no
// full batch, so that a bad split is reported before any fold trains
func checkFold(fold Fold, amount, coefficients, batchSize int) error {
	if batchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	sizes := []struct {
		loader string
		size   int
	}{
		{"CNN training", len(fold.Train) * amount},
		{"CNN validation", len(fold.Validation) * amount},
		{"NN training", len(below(fold.Train, coefficients))},
		{"NN validation", len(below(fold.Validation, coefficients))},
	}
	for _, s := range sizes {
		if s.size < batchSize {
			return errors.Errorf("fold %d: %s slice has %d samples, fewer than one batch of %d",
				fold.Index, s.loader, s.size, batchSize)
		}
	}
	return nil
}

func newLoader(source dataloader.Source, positions []int, batchSize int) (*dataloader.DataLoader, error) {
	if positions == nil {
		return dataloader.New(source, batchSize)
	}
	return dataloader.NewWithIndices(source, positions, batchSize)
}

// below keeps the positions smaller than n
func below(positions []int, n int) []int {
	kept := make([]int, 0, len(positions))
	for _, p := range positions {
		if p < n {
			kept = append(kept, p)
		}
	}
	return kept
}

func selectFamily(family string, records []*training.RunRecord) Selection {
	accuracies := make([]float64, len(records))
	for i, rec := range records {
		accuracies[i] = rec.FinalValidAccuracy
	}
	best := SelectBest(accuracies)
	if best < 0 {
		return Selection{Family: family, Fold: -1}
	}
	return Selection{
		Family:         family,
		Fold:           records[best].Fold,
		ValidAccuracy:  records[best].FinalValidAccuracy,
		CheckpointPath: records[best].CheckpointPath,
	}
}
