package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSettings = `
data_path: data/
results_path: results/run
model_train_path: models/
lab_classes: [cat, dog]
num_samples: 40
batch_size: 8
test_perc: 0.2
num_k_folds: 4
learning_rate: 0.001
momentum: 0.9
num_epochs: 10
epoch_val: 2
channels: 1
imageSize: [128, 128]
`

const validScatter = `
J: 2
order: 2
`

func parse(settings, scatter string) (*Settings, error) {
	return Parse("parameters.yaml", []byte(settings), "scatter_parameters.yaml", []byte(scatter))
}

func TestParseValid(t *testing.T) {
	s, err := parse(validSettings, validScatter)
	require.NoError(t, err)

	assert.Equal(t, "data/", s.DataPath)
	assert.Equal(t, []string{"cat", "dog"}, s.LabClasses)
	assert.Equal(t, ImageSize(128), s.ImageSize)
	assert.Equal(t, 0.2, s.TestPerc)
	assert.Equal(t, 2, s.EpochVal)
	assert.Equal(t, Scatter{J: 2, L: 8, Order: 2}, s.Scatter)

	// Defaults
	assert.Equal(t, 4, s.AugmentationAmount)
	assert.Equal(t, "imagenet", s.AugmentationPolicy)
	assert.Equal(t, "onnx", s.CheckpointFormat)
	assert.Equal(t, "binary", s.MetricsAverage)
	assert.Equal(t, int64(1024)<<20, s.MemoryBudget())
	assert.Equal(t, "info", s.LogLevel)
}

func TestParseIntegerImageSize(t *testing.T) {
	settings := strings.Replace(validSettings, "imageSize: [128, 128]", "imageSize: 64", 1)
	s, err := parse(settings, validScatter)
	require.NoError(t, err)
	assert.Equal(t, ImageSize(64), s.ImageSize)
}

func TestMacroDefaultForManyClasses(t *testing.T) {
	settings := strings.Replace(validSettings, "[cat, dog]", "[cat, dog, bird]", 1)
	s, err := parse(settings, validScatter)
	require.NoError(t, err)
	assert.Equal(t, "macro", s.MetricsAverage)
}

func TestMissingKeys(t *testing.T) {
	for _, key := range requiredSettings {
		t.Run(key, func(t *testing.T) {
			var lines []string
			for _, line := range strings.Split(validSettings, "\n") {
				if !strings.HasPrefix(line, key+":") {
					lines = append(lines, line)
				}
			}
			_, err := parse(strings.Join(lines, "\n"), validScatter)
			var ce *ConfigError
			require.True(t, errors.As(err, &ce), "expected ConfigError, got %v", err)
			assert.Equal(t, key, ce.Key)
			assert.Equal(t, "parameters.yaml", ce.File)
		})
	}

	_, err := parse(validSettings, "J: 2\n")
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "order", ce.Key)
	assert.Equal(t, "scatter_parameters.yaml", ce.File)
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		old     string
		new     string
		scatter string
		key     string
	}{
		{"OneFold", "num_k_folds: 4", "num_k_folds: 1", validScatter, "num_k_folds"},
		{"ZeroBatch", "batch_size: 8", "batch_size: 0", validScatter, "batch_size"},
		{"TestPercOne", "test_perc: 0.2", "test_perc: 1.0", validScatter, "test_perc"},
		{"CadenceAboveEpochs", "epoch_val: 2", "epoch_val: 11", validScatter, "epoch_val"},
		{"TwoChannels", "channels: 1", "channels: 2", validScatter, "channels"},
		{"NonSquare", "imageSize: [128, 128]", "imageSize: [128, 64]", validScatter, ""},
		{"NotMultipleOf8", "imageSize: [128, 128]", "imageSize: 20", validScatter, "imageSize"},
		{"NotDivisibleBy2J", "imageSize: [128, 128]", "imageSize: 24", "J: 4\norder: 1\n", "imageSize"},
		{"BadOrder", "", "", "J: 2\norder: 3\n", "scatter.order"},
		{"SingleClass", "[cat, dog]", "[cat]", validScatter, "lab_classes"},
		{"DuplicateClass", "[cat, dog]", "[cat, cat]", validScatter, "lab_classes"},
		{"BadFormat", "channels: 1", "channels: 1\ncheckpoint_format: gob", validScatter, "checkpoint_format"},
		{"BadPolicy", "channels: 1", "channels: 1\naugmentation_policy: randaugment", validScatter, "augmentation_policy"},
		{"BinaryWithThreeClasses", "[cat, dog]", "[cat, dog, bird]\nmetrics_average: binary", validScatter, "metrics_average"},
		{"BudgetBelowUnlimited", "channels: 1", "channels: 1\nmemory_budget_mb: -2", validScatter, "memory_budget_mb"},
		{"WrongType", "batch_size: 8", "batch_size: eight", validScatter, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			settings := validSettings
			if tc.old != "" {
				settings = strings.Replace(settings, tc.old, tc.new, 1)
			}
			_, err := parse(settings, tc.scatter)
			var ce *ConfigError
			require.True(t, errors.As(err, &ce), "expected ConfigError, got %v", err)
			assert.Equal(t, tc.key, ce.Key)
		})
	}
}

func TestMemoryBudget(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		budget int64
	}{
		{"Absent", "", 1024 << 20},
		{"Zero", "memory_budget_mb: 0", 1024 << 20},
		{"Explicit", "memory_budget_mb: 256", 256 << 20},
		{"Unlimited", "memory_budget_mb: -1", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, err := parse(validSettings+tc.line+"\n", validScatter)
			require.NoError(t, err)
			assert.Equal(t, tc.budget, s.MemoryBudget())
			if tc.budget == 0 {
				assert.Equal(t, UnlimitedMemory, s.MemoryBudgetMB)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	settingsPath := filepath.Join(dir, DefaultSettingsFile)
	scatterPath := filepath.Join(dir, DefaultScatterFile)
	require.NoError(t, os.WriteFile(settingsPath, []byte(validSettings), 0644))
	require.NoError(t, os.WriteFile(scatterPath, []byte(validScatter), 0644))

	s, err := Load(settingsPath, scatterPath)
	require.NoError(t, err)
	assert.Equal(t, 4, s.NumKFolds)

	text := s.String()
	assert.Contains(t, text, "num_k_folds: 4")
	assert.Contains(t, text, "scatter:\n  J: 2")

	_, err = Load(filepath.Join(dir, "missing.yaml"), scatterPath)
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.True(t, os.IsNotExist(errors.Cause(err)))
}
