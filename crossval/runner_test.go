package crossval

import (
	"fmt"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-scatter/checkpoints"
	"github.com/tsawler/go-scatter/layers"
	"github.com/tsawler/go-scatter/memory"
	"github.com/tsawler/go-scatter/models"
	"github.com/tsawler/go-scatter/scattering"
	"github.com/tsawler/go-scatter/tensor"
	"github.com/tsawler/go-scatter/training"
	"github.com/tsawler/go-scatter/vision/dataloader"
	"github.com/tsawler/go-scatter/vision/dataset"
)

const imageSize = 8

// twoClassImages builds n grayscale images per class; class 1 is brighter
func twoClassImages(t *testing.T, perClass int) *dataset.Dataset {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	samples := make([]dataset.Sample, 0, 2*perClass)
	for i := 0; i < 2*perClass; i++ {
		label := i % 2
		pix := make([]float32, imageSize*imageSize)
		for j := range pix {
			pix[j] = float32(0.1 + 0.6*float64(label) + 0.2*rng.Float64())
		}
		data, err := tensor.New([]int{1, imageSize, imageSize}, pix)
		require.NoError(t, err)
		samples = append(samples, dataset.Sample{Data: data, Label: label})
	}
	ds, err := dataset.New(samples, []string{"cat", "dog"})
	require.NoError(t, err)
	return ds
}

func factories(paths int) (ModelFactory, ModelFactory) {
	cnn := func(fold int) (training.Model, error) {
		return models.NewCNN(1, imageSize, 2, rand.New(rand.NewSource(int64(100+fold))))
	}
	nn := func(fold int) (training.Model, error) {
		return models.NewNN(paths, 2, rand.New(rand.NewSource(int64(200+fold))))
	}
	return cnn, nn
}

func TestRunScenario(t *testing.T) {
	ds := twoClassImages(t, 40)
	train, test, err := ds.Split(0.2, false, nil)
	require.NoError(t, err)
	require.Equal(t, 64, train.Len())
	require.Equal(t, 16, test.Len())

	trainLoader, err := dataloader.New(train, 8)
	require.NoError(t, err)
	assert.Equal(t, 8, trainLoader.Len())
	assert.Equal(t, 0, trainLoader.Dropped())

	params := scattering.Params{J: 1, L: 2, Order: 1, Size: imageSize}
	op, err := scattering.NewMorlet2D(params)
	require.NoError(t, err)
	computer := &scattering.Computer{Operator: op, Memory: memory.NewMemoryManager(0)}
	coefficients, err := computer.Compute("train", trainLoader, train.ClassNames())
	require.NoError(t, err)
	require.Equal(t, 64, coefficients.Len())

	modelDir := t.TempDir() + string(os.PathSeparator)
	cnn, nn := factories(params.Paths())
	runner := &Runner{
		Config: Config{
			Folds:              4,
			BatchSize:          8,
			AugmentationAmount: 1,
			Epochs:             2,
			ValidateEvery:      1,
			LearningRate:       0.01,
			Momentum:           0.9,
			ModelTrainPath:     modelDir,
			CheckpointFormat:   checkpoints.FormatJSON,
		},
		CNNFactory: cnn,
		NNFactory:  nn,
	}

	result, err := runner.Run(train, coefficients)
	require.NoError(t, err)
	require.Len(t, result.Folds, 4)

	for i, fold := range result.Folds {
		assert.Equal(t, i, fold.Fold)
		assert.Equal(t, 48, fold.TrainSize)
		assert.Equal(t, 16, fold.ValidationSize)
		require.NotNil(t, fold.CNN)
		require.NotNil(t, fold.NN)
		assert.Len(t, fold.CNN.Epochs, 2)
		assert.Equal(t, 6, fold.CNN.Epochs[0].BatchCount)
		assert.Equal(t, 6, fold.NN.Epochs[0].BatchCount)

		for _, family := range []string{FamilyCNN, FamilyNN} {
			_, err := os.Stat(checkpoints.BestModelPath(modelDir, family, i))
			assert.NoError(t, err, "missing %s checkpoint for fold %d", family, i)
		}
	}

	entries, err := os.ReadDir(modelDir)
	require.NoError(t, err)
	assert.Len(t, entries, 8, "one checkpoint per family per fold")

	for _, sel := range []Selection{result.CNN, result.NN} {
		records := result.Records(sel.Family)
		accuracies := make([]float64, len(records))
		for i, rec := range records {
			accuracies[i] = rec.FinalValidAccuracy
		}
		assert.Equal(t, SelectBest(accuracies), sel.Fold)
		assert.Equal(t, checkpoints.BestModelPath(modelDir, sel.Family, sel.Fold), sel.CheckpointPath)
		assert.Equal(t, accuracies[sel.Fold], sel.ValidAccuracy)
	}
}

// shortSource is a coefficient collection covering only a prefix of the images
type shortSource struct {
	samples []dataset.Sample
}

func (s *shortSource) Len() int { return len(s.samples) }
func (s *shortSource) Sample(i int) (*tensor.Tensor, int) {
	return s.samples[i].Data, s.samples[i].Label
}

// coefficientsFor derives two-value coefficients for the first n images
func coefficientsFor(t *testing.T, ds *dataset.Dataset, n int) *shortSource {
	t.Helper()
	short := &shortSource{}
	for i := 0; i < n; i++ {
		data, label := ds.Sample(i)
		coeff, err := tensor.New([]int{1, 2}, []float32{data.Data()[0], float32(label)})
		require.NoError(t, err)
		short.samples = append(short.samples, dataset.Sample{Data: coeff, Label: label})
	}
	return short
}

func TestRunExcludesMissingCoefficients(t *testing.T) {
	ds := twoClassImages(t, 16)
	short := coefficientsFor(t, ds, 28)

	cnn, nn := factories(2)
	runner := &Runner{
		Config: Config{
			Folds:          2,
			BatchSize:      4,
			Epochs:         1,
			ValidateEvery:  1,
			LearningRate:   0.01,
			ModelTrainPath: t.TempDir() + string(os.PathSeparator),
		},
		CNNFactory: cnn,
		NNFactory:  nn,
	}

	result, err := runner.Run(ds, short)
	require.NoError(t, err)
	require.Len(t, result.Folds, 2)

	// Fold 0 validates on positions 0..15 and trains on 16..27 for the NN
	assert.Equal(t, 3, result.Folds[0].NN.Epochs[0].BatchCount)
	assert.Equal(t, 4, result.Folds[0].CNN.Epochs[0].BatchCount)
	// Fold 1 trains on 0..15 and validates on 16..27
	assert.Equal(t, 4, result.Folds[1].NN.Epochs[0].BatchCount)
	assert.Equal(t, 4, result.Folds[1].CNN.Epochs[0].BatchCount)
}

func TestRunErrors(t *testing.T) {
	ds := twoClassImages(t, 4)
	cnn, nn := factories(2)

	t.Run("MoreCoefficientsThanImages", func(t *testing.T) {
		big := twoClassImages(t, 5)
		runner := &Runner{Config: Config{Folds: 2, BatchSize: 2, Epochs: 1, ValidateEvery: 1, LearningRate: 0.1}, CNNFactory: cnn, NNFactory: nn}
		_, err := runner.Run(ds, big)
		assert.Error(t, err)
	})

	t.Run("MissingFactory", func(t *testing.T) {
		runner := &Runner{Config: Config{Folds: 2}}
		_, err := runner.Run(ds, ds)
		assert.Error(t, err)
	})

	t.Run("FactoryFailure", func(t *testing.T) {
		failing := func(fold int) (training.Model, error) {
			return models.NewNN(0, 2, nil)
		}
		runner := &Runner{
			Config:     Config{Folds: 2, BatchSize: 2, Epochs: 1, ValidateEvery: 1, LearningRate: 0.1, ModelTrainPath: t.TempDir() + "/"},
			CNNFactory: failing,
			NNFactory:  nn,
		}
		_, err := runner.Run(ds, ds)
		assert.Error(t, err)
	})
}

// countingAugmenter returns unchanged copies and counts its calls
type countingAugmenter struct {
	calls int
}

func (c *countingAugmenter) Augment(img *tensor.Tensor) (*tensor.Tensor, error) {
	c.calls++
	return img.ToCPU(), nil
}

// modelSpy records every model a factory hands out
type modelSpy struct {
	folds    map[string][]int
	networks map[string][]*models.Network
	augments []int
}

func (s *modelSpy) wrap(family string, build ModelFactory, aug *countingAugmenter) ModelFactory {
	return func(fold int) (training.Model, error) {
		m, err := build(fold)
		if err != nil {
			return nil, err
		}
		s.folds[family] = append(s.folds[family], fold)
		s.networks[family] = append(s.networks[family], m.(*models.Network))
		if family == FamilyCNN {
			s.augments = append(s.augments, aug.calls)
		}
		return m, nil
	}
}

func TestRunAugmentsAndBuildsFreshModels(t *testing.T) {
	ds := twoClassImages(t, 16)
	coefficients := coefficientsFor(t, ds, 32)

	aug := &countingAugmenter{}
	spy := &modelSpy{folds: map[string][]int{}, networks: map[string][]*models.Network{}}
	cnn, nn := factories(2)
	runner := &Runner{
		Config: Config{
			Folds:              2,
			BatchSize:          8,
			AugmentationAmount: 4,
			Epochs:             1,
			ValidateEvery:      1,
			LearningRate:       0.01,
			ModelTrainPath:     t.TempDir() + string(os.PathSeparator),
			CheckpointFormat:   checkpoints.FormatJSON,
		},
		CNNFactory: spy.wrap(FamilyCNN, cnn, aug),
		NNFactory:  spy.wrap(FamilyNN, nn, aug),
		Augmenter:  aug,
	}

	result, err := runner.Run(ds, coefficients)
	require.NoError(t, err)
	require.Len(t, result.Folds, 2)

	// 16 training and 16 validation images per fold, 4 variants each
	assert.Equal(t, 256, aug.calls)
	assert.Equal(t, []int{128, 256}, spy.augments, "augmentation count when each CNN is built")

	for _, fold := range result.Folds {
		cnnEpoch := fold.CNN.Epochs[0]
		assert.Equal(t, 8, cnnEpoch.BatchCount)
		assert.Equal(t, 8, cnnEpoch.ValidBatchCount)
		nnEpoch := fold.NN.Epochs[0]
		assert.Equal(t, 2, nnEpoch.BatchCount)
		assert.Equal(t, 2, nnEpoch.ValidBatchCount)
	}

	owners := make(map[*layers.Parameter]string)
	for _, family := range []string{FamilyCNN, FamilyNN} {
		assert.Equal(t, []int{0, 1}, spy.folds[family], "one %s per fold", family)
		require.Len(t, spy.networks[family], 2)
		assert.NotSame(t, spy.networks[family][0], spy.networks[family][1])
		for i, net := range spy.networks[family] {
			for _, p := range net.Parameters() {
				owner := fmt.Sprintf("%s fold %d", family, i)
				if prev, ok := owners[p]; ok {
					t.Errorf("parameter shared by %s and %s", prev, owner)
				}
				owners[p] = owner
			}
		}
	}
}

func TestRunRejectsShortFoldsBeforeTraining(t *testing.T) {
	// 38 images in folds of 10, 10, 9 and 9; fold 3 validates on 29..37
	// but only 29..31 have coefficients
	ds := twoClassImages(t, 19)
	coefficients := coefficientsFor(t, ds, 32)

	built := 0
	counting := func(fold int) (training.Model, error) {
		built++
		return models.NewNN(2, 2, rand.New(rand.NewSource(int64(fold))))
	}
	modelDir := t.TempDir() + string(os.PathSeparator)
	runner := &Runner{
		Config: Config{
			Folds:          4,
			BatchSize:      8,
			Epochs:         1,
			ValidateEvery:  1,
			LearningRate:   0.01,
			ModelTrainPath: modelDir,
		},
		CNNFactory: counting,
		NNFactory:  counting,
	}

	_, err := runner.Run(ds, coefficients)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fold 3: NN validation slice has 3 samples")
	assert.Zero(t, built, "no fold may train")

	entries, err := os.ReadDir(modelDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
