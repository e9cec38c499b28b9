// Package experiment wires the stages of a scattering-versus-CNN run:
// data loading, train/test split, scattering coefficients, cross-validated
// training, test evaluation and the run report.
package experiment

import (
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-scatter/checkpoints"
	"github.com/tsawler/go-scatter/config"
	"github.com/tsawler/go-scatter/crossval"
	"github.com/tsawler/go-scatter/memory"
	"github.com/tsawler/go-scatter/models"
	"github.com/tsawler/go-scatter/report"
	"github.com/tsawler/go-scatter/scattering"
	"github.com/tsawler/go-scatter/training"
	"github.com/tsawler/go-scatter/vision/augment"
	"github.com/tsawler/go-scatter/vision/dataloader"
	"github.com/tsawler/go-scatter/vision/dataset"
)

// Outcome is everything a run produced
type Outcome struct {
	RunDir          string
	CrossValidation *crossval.Result    // nil for a single run
	NNRecord        *training.RunRecord // set by a single run
	CNN             *training.Summary   // nil for a single run
	NN              *training.Summary
	Memory          memory.Stats
	Artifacts       []string
}

// Options are the run settings that do not come from the settings files
type Options struct {
	Logger   *zap.Logger
	Progress io.Writer // per-epoch progress; nil disables it
}

// prepared holds the data shared by both kinds of runs
type prepared struct {
	settings     *config.Settings
	logger       *zap.Logger
	format       checkpoints.CheckpointFormat
	average      training.Average
	operator     *scattering.Morlet2D
	memory       *memory.MemoryManager
	runDir       string
	trainImages  *dataset.Subset
	testImages   *dataloader.DataLoader
	trainCoeffs  *dataset.Dataset
	testCoeffs   *dataset.Dataset
	coeffFeature int
}

func prepare(settings *config.Settings, logger *zap.Logger) (*prepared, error) {
	format, err := checkpoints.ParseFormat(settings.CheckpointFormat)
	if err != nil {
		return nil, &config.ConfigError{Key: "checkpoint_format", Err: err}
	}
	average, err := training.ParseAverage(settings.MetricsAverage)
	if err != nil {
		return nil, &config.ConfigError{Key: "metrics_average", Err: err}
	}
	params := scattering.Params{
		J:     settings.Scatter.J,
		L:     settings.Scatter.L,
		Order: settings.Scatter.Order,
		Size:  int(settings.ImageSize),
	}
	operator, err := scattering.NewMorlet2D(params)
	if err != nil {
		return nil, &config.ConfigError{Key: "scatter", Err: err}
	}

	logger.Info("loading images",
		zap.String("data_path", settings.DataPath),
		zap.Strings("classes", settings.LabClasses))
	images, err := dataset.LoadImageFolder(settings.DataPath, settings.LabClasses, dataset.LoadOptions{
		SamplesPerClass: settings.NumSamples,
		ImageSize:       int(settings.ImageSize),
		Channels:        settings.Channels,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("images loaded", zap.Int("samples", images.Len()), zap.Any("distribution", images.ClassDistribution()))

	runDir, err := report.NextRunDir(settings.ResultsPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(settings.ModelTrainPath+"x"), 0755); err != nil {
		return nil, &checkpoints.CheckpointIOError{Op: "mkdir", Path: settings.ModelTrainPath, Err: err}
	}

	train, test, err := images.Split(settings.TestPerc, settings.Stratify, rand.New(rand.NewSource(settings.Seed)))
	if err != nil {
		return nil, &dataset.DataLoadError{Path: settings.DataPath, Err: err}
	}
	trainLoader, err := dataloader.New(train, settings.BatchSize)
	if err != nil {
		return nil, &dataset.DataLoadError{Path: settings.DataPath, Err: err}
	}
	testLoader, err := dataloader.New(test, settings.BatchSize)
	if err != nil {
		return nil, &dataset.DataLoadError{Path: settings.DataPath, Err: err}
	}
	if trainLoader.Len() == 0 || testLoader.Len() == 0 {
		return nil, &dataset.DataLoadError{Path: settings.DataPath, Err: errors.Errorf(
			"batch size %d leaves no full batch in the %d training or %d test samples",
			settings.BatchSize, train.Len(), test.Len())}
	}
	logger.Info("data split",
		zap.Int("train", train.Len()),
		zap.Int("test", test.Len()),
		zap.Int("train_batches", trainLoader.Len()),
		zap.Int("test_batches", testLoader.Len()))

	mm := memory.NewMemoryManager(settings.MemoryBudget())
	computer := &scattering.Computer{Operator: operator, Memory: mm, Logger: logger}
	logger.Info("computing scattering coefficients", zap.String("operator", operator.Info()))
	trainCoeffs, err := computer.Compute("train", trainLoader, settings.LabClasses)
	if err != nil {
		return nil, err
	}
	testCoeffs, err := computer.Compute("test", testLoader, settings.LabClasses)
	if err != nil {
		return nil, err
	}

	return &prepared{
		settings:     settings,
		logger:       logger,
		format:       format,
		average:      average,
		operator:     operator,
		memory:       mm,
		runDir:       runDir,
		trainImages:  train,
		testImages:   testLoader,
		trainCoeffs:  trainCoeffs,
		testCoeffs:   testCoeffs,
		coeffFeature: settings.Channels * params.Paths(),
	}, nil
}

func (p *prepared) cnnFactory(fold int) (training.Model, error) {
	s := p.settings
	return models.NewCNN(s.Channels, int(s.ImageSize), len(s.LabClasses), rand.New(rand.NewSource(s.Seed+int64(fold)+1)))
}

func (p *prepared) nnFactory(fold int) (training.Model, error) {
	s := p.settings
	return models.NewNN(p.coeffFeature, len(s.LabClasses), rand.New(rand.NewSource(s.Seed+int64(fold)+1001)))
}

func (p *prepared) augmenter() (augment.Augmenter, error) {
	if p.settings.AugmentationPolicy == "none" {
		return augment.Identity{}, nil
	}
	aug, err := augment.NewAutoAugment(augment.ImageNetPolicy, rand.New(rand.NewSource(p.settings.Seed)))
	if err != nil {
		return nil, &config.ConfigError{Key: "augmentation_policy", Err: err}
	}
	return aug, nil
}

// test restores a checkpoint into a fresh model and evaluates it
func (p *prepared) test(family string, factory crossval.ModelFactory, fold int, path string, loader *dataloader.DataLoader) (*training.Summary, error) {
	model, err := factory(fold)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s for testing", family)
	}
	if _, err := training.LoadModel(model, path, p.format); err != nil {
		return nil, err
	}
	if net, ok := model.(*models.Network); ok {
		p.logger.Debug("restored model", zap.String("model", family), zap.Int("fold", fold),
			zap.String("architecture", net.Summary()))
	}
	yTrue, scores, err := training.Evaluate(model, loader)
	if err != nil {
		return nil, &training.TrainingError{Model: family, Fold: fold, Err: errors.Wrap(err, "test evaluation")}
	}
	summary, err := training.Summarize(yTrue, scores, p.settings.LabClasses, p.average)
	if err != nil {
		return nil, &training.TrainingError{Model: family, Fold: fold, Err: errors.Wrap(err, "test metrics")}
	}
	p.logger.Info("test metrics",
		zap.String("model", family),
		zap.Int("samples", summary.Samples),
		zap.Float64("accuracy", summary.Accuracy),
		zap.Float64("precision", summary.Precision),
		zap.Float64("recall", summary.Recall),
		zap.Float64("f1", summary.F1))
	return summary, nil
}

// RunCrossValidated runs the full comparison: K-fold training of a CNN on
// augmented images and of an NN on scattering coefficients, then a test
// evaluation of each family's best fold and the run report.
func RunCrossValidated(settings *config.Settings, opts Options) (*Outcome, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := prepare(settings, logger)
	if err != nil {
		return nil, err
	}
	aug, err := p.augmenter()
	if err != nil {
		return nil, err
	}

	runner := &crossval.Runner{
		Config: crossval.Config{
			Folds:              settings.NumKFolds,
			BatchSize:          settings.BatchSize,
			AugmentationAmount: settings.AugmentationAmount,
			Epochs:             settings.NumEpochs,
			ValidateEvery:      settings.EpochVal,
			LearningRate:       settings.LearningRate,
			Momentum:           settings.Momentum,
			ModelTrainPath:     settings.ModelTrainPath,
			CheckpointFormat:   p.format,
			Progress:           opts.Progress,
		},
		CNNFactory: p.cnnFactory,
		NNFactory:  p.nnFactory,
		Augmenter:  aug,
		Logger:     logger,
	}
	result, err := runner.Run(p.trainImages, p.trainCoeffs)
	if err != nil {
		return nil, err
	}

	testCoeffs, err := dataloader.New(p.testCoeffs, settings.BatchSize)
	if err != nil {
		return nil, &dataset.DataLoadError{Path: settings.DataPath, Err: err}
	}
	cnnSummary, err := p.test(crossval.FamilyCNN, p.cnnFactory, result.CNN.Fold, result.CNN.CheckpointPath, p.testImages)
	if err != nil {
		return nil, err
	}
	nnSummary, err := p.test(crossval.FamilyNN, p.nnFactory, result.NN.Fold, result.NN.CheckpointPath, testCoeffs)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{
		RunDir:          p.runDir,
		CrossValidation: result,
		CNN:             cnnSummary,
		NN:              nnSummary,
		Memory:          p.memory.Stats(),
	}
	for _, family := range []string{crossval.FamilyCNN, crossval.FamilyNN} {
		paths, err := report.WriteTrainingCurves(p.runDir, family, result.Records(family))
		if err != nil {
			return nil, err
		}
		outcome.Artifacts = append(outcome.Artifacts, paths...)
	}
	if err := p.writeSummaries(outcome, result.CNN, result.NN); err != nil {
		return nil, err
	}
	logger.Info("run complete", zap.String("results", p.runDir), zap.Strings("artifacts", outcome.Artifacts))
	return outcome, nil
}

// RunSingle trains the NN once on all training coefficients without
// cross-validation, keeping the epoch with the best training-set accuracy,
// and evaluates it on the test coefficients
func RunSingle(settings *config.Settings, opts Options) (*Outcome, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := prepare(settings, logger)
	if err != nil {
		return nil, err
	}

	trainLoader, err := dataloader.New(p.trainCoeffs, settings.BatchSize)
	if err != nil {
		return nil, &dataset.DataLoadError{Path: settings.DataPath, Err: err}
	}
	testLoader, err := dataloader.New(p.testCoeffs, settings.BatchSize)
	if err != nil {
		return nil, &dataset.DataLoadError{Path: settings.DataPath, Err: err}
	}

	model, err := p.nnFactory(0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create NN")
	}
	path := checkpoints.ModelPath(settings.ModelTrainPath, crossval.FamilyNN)
	trainer, err := training.NewTrainer(model, training.Config{
		Epochs:           settings.NumEpochs,
		ValidateEvery:    1,
		LearningRate:     settings.LearningRate,
		Momentum:         settings.Momentum,
		CheckpointPath:   path,
		CheckpointFormat: p.format,
		Model:            crossval.FamilyNN,
		Progress:         opts.Progress,
	}, logger)
	if err != nil {
		return nil, &training.TrainingError{Model: crossval.FamilyNN, Err: err}
	}
	record, err := trainer.Train(trainLoader, trainLoader)
	if err != nil {
		return nil, err
	}

	summary, err := p.test(crossval.FamilyNN, p.nnFactory, 0, path, testLoader)
	if err != nil {
		return nil, err
	}
	outcome := &Outcome{
		RunDir:   p.runDir,
		NNRecord: record,
		NN:       summary,
		Memory:   p.memory.Stats(),
	}
	paths, err := report.WriteTrainingCurves(p.runDir, crossval.FamilyNN, []*training.RunRecord{record})
	if err != nil {
		return nil, err
	}
	outcome.Artifacts = append(outcome.Artifacts, paths...)
	if err := p.writeSummaries(outcome); err != nil {
		return nil, err
	}
	logger.Info("run complete", zap.String("results", p.runDir), zap.Strings("artifacts", outcome.Artifacts))
	return outcome, nil
}

// writeSummaries writes the ROC charts, confusion matrices and info.txt
func (p *prepared) writeSummaries(outcome *Outcome, selections ...crossval.Selection) error {
	families := []struct {
		name    string
		summary *training.Summary
	}{
		{crossval.FamilyCNN, outcome.CNN},
		{crossval.FamilyNN, outcome.NN},
	}
	for _, f := range families {
		if f.summary == nil {
			continue
		}
		csvPath, err := report.WriteConfusionCSV(p.runDir, f.name, f.summary)
		if err != nil {
			return err
		}
		outcome.Artifacts = append(outcome.Artifacts, csvPath)
		chartPath, err := report.WriteConfusionChart(p.runDir, f.name, f.summary)
		if err != nil {
			return err
		}
		outcome.Artifacts = append(outcome.Artifacts, chartPath)
		rocPath, err := report.WriteROCCurves(p.runDir, f.name, f.summary)
		if err != nil {
			// a test set holding a single class has no ROC curve
			p.logger.Warn("skipping ROC chart", zap.String("model", f.name), zap.Error(err))
			continue
		}
		outcome.Artifacts = append(outcome.Artifacts, rocPath)
	}

	scatterInfo := p.operator.Info() + "\n" + p.memory.Stats().String()
	infoPath, err := report.WriteInfo(p.runDir, p.settings, outcome.CNN, outcome.NN, scatterInfo, selections...)
	if err != nil {
		return err
	}
	outcome.Artifacts = append(outcome.Artifacts, infoPath)
	return nil
}
