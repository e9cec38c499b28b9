package experiment

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-scatter/checkpoints"
	"github.com/tsawler/go-scatter/config"
	"github.com/tsawler/go-scatter/crossval"
	"github.com/tsawler/go-scatter/report"
	"github.com/tsawler/go-scatter/scattering"
	"github.com/tsawler/go-scatter/training"
	"github.com/tsawler/go-scatter/vision/dataset"
)

// writeImages creates root/<class>/*.png; class 1 images are brighter
func writeImages(t *testing.T, root string, classes []string, perClass int) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	for c, class := range classes {
		dir := filepath.Join(root, class)
		require.NoError(t, os.MkdirAll(dir, 0755))
		for i := 0; i < perClass; i++ {
			img := image.NewGray(image.Rect(0, 0, 16, 16))
			for y := 0; y < 16; y++ {
				for x := 0; x < 16; x++ {
					v := 30 + 150*c + rng.Intn(60)
					img.Set(x, y, color.Gray{Y: uint8(v)})
				}
			}
			var buf bytes.Buffer
			require.NoError(t, png.Encode(&buf, img))
			require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("img_%02d.png", i)), buf.Bytes(), 0644))
		}
	}
}

type workspace struct {
	data    string
	results string
	models  string
}

func newWorkspace(t *testing.T) workspace {
	root := t.TempDir()
	ws := workspace{
		data:    filepath.Join(root, "data"),
		results: filepath.Join(root, "results", "run"),
		models:  filepath.Join(root, "models") + string(os.PathSeparator),
	}
	writeImages(t, ws.data, []string{"cat", "dog"}, 20)
	return ws
}

func settings(t *testing.T, ws workspace, extra string) *config.Settings {
	t.Helper()
	yaml := fmt.Sprintf(`
data_path: %q
results_path: %q
model_train_path: %q
lab_classes: [cat, dog]
num_samples: 0
batch_size: 4
test_perc: 0.2
num_k_folds: 2
learning_rate: 0.01
momentum: 0.5
num_epochs: 2
epoch_val: 1
channels: 1
imageSize: [8, 8]
augmentation_amount: 2
stratify: true
seed: 3
%s`, ws.data, ws.results, ws.models, extra)
	s, err := config.Parse("parameters.yaml", []byte(yaml), "scatter_parameters.yaml", []byte("J: 1\nL: 4\norder: 1\n"))
	require.NoError(t, err)
	return s
}

func TestRunCrossValidated(t *testing.T) {
	ws := newWorkspace(t)
	s := settings(t, ws, "")

	outcome, err := RunCrossValidated(s, Options{})
	require.NoError(t, err)

	assert.Equal(t, ws.results+"0", outcome.RunDir)
	require.NotNil(t, outcome.CrossValidation)
	require.Len(t, outcome.CrossValidation.Folds, 2)
	for _, fold := range outcome.CrossValidation.Folds {
		assert.Equal(t, 16, fold.TrainSize)
		assert.Equal(t, 16, fold.ValidationSize)
		// two augmented variants per image
		assert.Equal(t, 8, fold.CNN.Epochs[0].BatchCount)
		assert.Equal(t, 4, fold.NN.Epochs[0].BatchCount)
	}

	require.NotNil(t, outcome.CNN)
	require.NotNil(t, outcome.NN)
	assert.Equal(t, 8, outcome.CNN.Samples)
	assert.Equal(t, 8, outcome.NN.Samples)
	assert.Equal(t, training.AverageBinary, outcome.CNN.Average)
	assert.True(t, outcome.Memory.Peak > 0)
	assert.Equal(t, int64(0), outcome.Memory.InUse)

	for _, family := range []string{crossval.FamilyCNN, crossval.FamilyNN} {
		for fold := 0; fold < 2; fold++ {
			assert.FileExists(t, checkpoints.BestModelPath(ws.models, family, fold))
		}
		for _, name := range []string{"_loss.png", "_accuracy.png", "_confusion.csv", "_confusion.png"} {
			assert.Contains(t, outcome.Artifacts, filepath.Join(outcome.RunDir, family+name))
		}
	}
	assert.Contains(t, outcome.Artifacts, filepath.Join(outcome.RunDir, report.InfoFile))
	for _, path := range outcome.Artifacts {
		assert.FileExists(t, path)
	}

	info, err := os.ReadFile(filepath.Join(outcome.RunDir, report.InfoFile))
	require.NoError(t, err)
	assert.Contains(t, string(info), "CNN metrics:")
	assert.Contains(t, string(info), "\nNN metrics:")
	assert.Contains(t, string(info), "Selected CNN fold:")
	assert.Contains(t, string(info), "Scattering2D(J=1, L=4, order=1")

	// A second run gets its own results directory
	again, err := RunCrossValidated(s, Options{})
	require.NoError(t, err)
	assert.Equal(t, ws.results+"1", again.RunDir)
}

func TestRunSingle(t *testing.T) {
	ws := newWorkspace(t)
	s := settings(t, ws, "augmentation_policy: none\ncheckpoint_format: json\n")

	outcome, err := RunSingle(s, Options{})
	require.NoError(t, err)

	assert.Nil(t, outcome.CrossValidation)
	assert.Nil(t, outcome.CNN)
	require.NotNil(t, outcome.NNRecord)
	assert.Len(t, outcome.NNRecord.Epochs, 2)
	for _, m := range outcome.NNRecord.Epochs {
		assert.True(t, m.Validated)
		assert.Equal(t, 8, m.BatchCount)
	}
	assert.FileExists(t, checkpoints.ModelPath(ws.models, crossval.FamilyNN))
	require.NotNil(t, outcome.NN)
	assert.Equal(t, 8, outcome.NN.Samples)
	assert.FileExists(t, filepath.Join(outcome.RunDir, report.InfoFile))
}

func TestRunStageErrors(t *testing.T) {
	t.Run("MissingData", func(t *testing.T) {
		ws := newWorkspace(t)
		s := settings(t, ws, "")
		s.DataPath = filepath.Join(ws.data, "missing")
		_, err := RunCrossValidated(s, Options{})
		require.Error(t, err)
		assert.Equal(t, "data", Stage(err))
	})

	t.Run("BatchLargerThanTestSet", func(t *testing.T) {
		ws := newWorkspace(t)
		s := settings(t, ws, "")
		s.BatchSize = 16
		_, err := RunSingle(s, Options{})
		require.Error(t, err)
		assert.Equal(t, "data", Stage(err))
	})
}

func TestStage(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{nil, ""},
		{&config.ConfigError{Key: "batch_size", Err: errors.New("bad")}, "config"},
		{errors.Wrap(&dataset.DataLoadError{Path: "x", Err: errors.New("bad")}, "loading"), "data"},
		{&scattering.TransformError{Split: "train", Batch: 2, Err: errors.New("budget")}, "scattering"},
		{&training.TrainingError{Model: "CNN", Epoch: 3, Err: errors.New("nan")}, "training"},
		{&checkpoints.CheckpointIOError{Op: "write", Path: "p", Err: errors.New("disk")}, "checkpoint"},
		{errors.New("other"), "experiment"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expected, Stage(tc.err), "%v", tc.err)
	}
}
