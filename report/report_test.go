package report

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-scatter/crossval"
	"github.com/tsawler/go-scatter/training"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

type settingsText string

func (s settingsText) String() string { return string(s) }

func records() []*training.RunRecord {
	var out []*training.RunRecord
	for fold := 0; fold < 2; fold++ {
		rec := &training.RunRecord{Model: crossval.FamilyNN, Fold: fold}
		for epoch := 1; epoch <= 4; epoch++ {
			m := training.EpochMetrics{
				Epoch:         epoch,
				TrainLoss:     1.0 / float64(epoch+fold),
				TrainAccuracy: 0.5 + 0.1*float64(epoch),
			}
			if epoch%2 == 0 {
				m.Validated = true
				m.ValidLoss = 1.2 / float64(epoch)
				m.ValidAccuracy = 0.4 + 0.1*float64(epoch)
			}
			rec.Epochs = append(rec.Epochs, m)
		}
		out = append(out, rec)
	}
	return out
}

func summary(t *testing.T) *training.Summary {
	t.Helper()
	yTrue := []int{0, 0, 1, 1, 2, 2}
	scores := [][]float64{
		{0.8, 0.1, 0.1},
		{0.2, 0.7, 0.1},
		{0.1, 0.8, 0.1},
		{0.1, 0.6, 0.3},
		{0.1, 0.2, 0.7},
		{0.5, 0.2, 0.3},
	}
	s, err := training.Summarize(yTrue, scores, []string{"cat", "dog", "bird"}, training.AverageMacro)
	require.NoError(t, err)
	return s
}

func TestNextRunDir(t *testing.T) {
	base := filepath.Join(t.TempDir(), "results", "run")

	first, err := NextRunDir(base)
	require.NoError(t, err)
	assert.Equal(t, base+"0", first)
	assert.DirExists(t, first)

	second, err := NextRunDir(base)
	require.NoError(t, err)
	assert.Equal(t, base+"1", second)

	require.NoError(t, os.WriteFile(base+"2", []byte("taken"), 0644))
	third, err := NextRunDir(base)
	require.NoError(t, err)
	assert.Equal(t, base+"3", third)
}

func TestWriteTrainingCurves(t *testing.T) {
	dir := t.TempDir()
	paths, err := WriteTrainingCurves(dir, crossval.FamilyNN, records())
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(dir, "NN_loss.png"), paths[0])
	assert.Equal(t, filepath.Join(dir, "NN_accuracy.png"), paths[1])

	for _, p := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(data, pngMagic), "%s is not a PNG", p)
	}

	_, err = WriteTrainingCurves(dir, crossval.FamilyCNN, nil)
	assert.Error(t, err)
}

func TestWriteROCCurves(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteROCCurves(dir, crossval.FamilyCNN, summary(t))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, pngMagic))
}

func TestWriteConfusionCSV(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteConfusionCSV(dir, crossval.FamilyCNN, summary(t))
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	expected := [][]string{
		{"true\\predicted", "cat", "dog", "bird"},
		{"cat", "1", "1", "0"},
		{"dog", "0", "2", "0"},
		{"bird", "1", "0", "1"},
	}
	assert.Equal(t, expected, rows)
}

func TestWriteConfusionChart(t *testing.T) {
	dir := t.TempDir()
	s := summary(t)
	path, err := WriteConfusionChart(dir, crossval.FamilyNN, s)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "NN_confusion.png"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, pngMagic))

	// a true class without test samples leaves an empty bar
	s.Confusion.Matrix[2] = []int{0, 0, 0}
	_, err = WriteConfusionChart(dir, crossval.FamilyCNN, s)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "CNN_confusion.png"))
	assert.NoError(t, err)
}

func TestWriteInfo(t *testing.T) {
	dir := t.TempDir()
	s := summary(t)
	sel := crossval.Selection{Family: crossval.FamilyCNN, Fold: 2, ValidAccuracy: 0.875, CheckpointPath: "models/CNN_128x128_best_model_trained.pt2"}

	path, err := WriteInfo(dir, settingsText("batch_size: 8"), s, nil, "Scattering2D(J=2)", sel)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, InfoFile), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, "batch_size: 8\n"))
	assert.Contains(t, text, "CNN metrics:\n")
	assert.NotContains(t, text, "\nNN metrics:")
	assert.Contains(t, text, "Selected CNN fold: 2 (validation accuracy 0.8750")
	assert.Contains(t, text, "Scattering2D(J=2)")
}
