// Package config loads the experiment settings and scattering parameters
// from their YAML files.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Default file names used by the programs
const (
	DefaultSettingsFile = "parameters.yaml"
	DefaultScatterFile  = "scatter_parameters.yaml"
)

// ConfigError reports a missing or invalid setting
type ConfigError struct {
	File string
	Key  string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("config %s: %v", e.File, e.Err)
	}
	return fmt.Sprintf("config %s: %s: %v", e.File, e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Cause supports github.com/pkg/errors.Cause
func (e *ConfigError) Cause() error { return e.Err }

// ImageSize is the side of the square input images. It accepts either a
// single integer or a [n, n] pair.
type ImageSize int

// UnmarshalYAML implements yaml.Unmarshaler
func (s *ImageSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n int
	if err := unmarshal(&n); err == nil {
		*s = ImageSize(n)
		return nil
	}
	var pair []int
	if err := unmarshal(&pair); err != nil {
		return errors.New("imageSize must be an integer or a [height, width] pair")
	}
	if len(pair) != 2 || pair[0] != pair[1] {
		return errors.Errorf("imageSize must be square, got %v", pair)
	}
	*s = ImageSize(pair[0])
	return nil
}

// Scatter holds the scattering transform parameters
type Scatter struct {
	J     int `yaml:"J"`
	L     int `yaml:"L"`
	Order int `yaml:"order"`
}

// UnlimitedMemory is the memory_budget_mb value that disables the
// accelerator memory budget. Zero or an absent key selects the default.
const UnlimitedMemory = -1

// Settings holds every experiment parameter
type Settings struct {
	DataPath       string    `yaml:"data_path"`
	ResultsPath    string    `yaml:"results_path"`
	ModelTrainPath string    `yaml:"model_train_path"`
	LabClasses     []string  `yaml:"lab_classes"`
	NumSamples     int       `yaml:"num_samples"`
	BatchSize      int       `yaml:"batch_size"`
	TestPerc       float64   `yaml:"test_perc"`
	NumKFolds      int       `yaml:"num_k_folds"`
	LearningRate   float64   `yaml:"learning_rate"`
	Momentum       float64   `yaml:"momentum"`
	NumEpochs      int       `yaml:"num_epochs"`
	EpochVal       int       `yaml:"epoch_val"`
	Channels       int       `yaml:"channels"`
	ImageSize      ImageSize `yaml:"imageSize"`

	AugmentationAmount int    `yaml:"augmentation_amount"`
	AugmentationPolicy string `yaml:"augmentation_policy"`
	CheckpointFormat   string `yaml:"checkpoint_format"`
	MemoryBudgetMB     int    `yaml:"memory_budget_mb"`
	MetricsAverage     string `yaml:"metrics_average"`
	Stratify           bool   `yaml:"stratify"`
	Seed               int64  `yaml:"seed"`
	LogLevel           string `yaml:"log_level"`

	Scatter Scatter `yaml:"-"`
}

var requiredSettings = []string{
	"data_path", "results_path", "model_train_path", "lab_classes", "num_samples",
	"batch_size", "test_perc", "num_k_folds", "learning_rate", "momentum",
	"num_epochs", "epoch_val", "channels", "imageSize",
}

var requiredScatter = []string{"J", "order"}

// Load reads and validates the settings and scattering files
func Load(settingsPath, scatterPath string) (*Settings, error) {
	settingsData, err := os.ReadFile(settingsPath)
	if err != nil {
		return nil, &ConfigError{File: settingsPath, Err: err}
	}
	scatterData, err := os.ReadFile(scatterPath)
	if err != nil {
		return nil, &ConfigError{File: scatterPath, Err: err}
	}
	return Parse(settingsPath, settingsData, scatterPath, scatterData)
}

// Parse decodes and validates settings from raw YAML. The names are only
// used in error messages.
func Parse(settingsName string, settingsData []byte, scatterName string, scatterData []byte) (*Settings, error) {
	if err := checkRequired(settingsName, settingsData, requiredSettings); err != nil {
		return nil, err
	}
	if err := checkRequired(scatterName, scatterData, requiredScatter); err != nil {
		return nil, err
	}

	s := &Settings{}
	if err := yaml.Unmarshal(settingsData, s); err != nil {
		return nil, &ConfigError{File: settingsName, Err: err}
	}
	if err := yaml.Unmarshal(scatterData, &s.Scatter); err != nil {
		return nil, &ConfigError{File: scatterName, Err: err}
	}

	s.applyDefaults()
	if err := s.validate(); err != nil {
		if ce, ok := err.(*ConfigError); ok && ce.File == "" {
			ce.File = settingsName
			if strings.HasPrefix(ce.Key, "scatter.") {
				ce.File = scatterName
			}
		}
		return nil, err
	}
	return s, nil
}

// checkRequired verifies every key is present at the top level of the document
func checkRequired(name string, data []byte, keys []string) error {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return &ConfigError{File: name, Err: err}
	}
	for _, key := range keys {
		if _, ok := doc[key]; !ok {
			return &ConfigError{File: name, Key: key, Err: errors.New("required key is missing")}
		}
	}
	return nil
}

func (s *Settings) applyDefaults() {
	if s.Scatter.L == 0 {
		s.Scatter.L = 8
	}
	if s.AugmentationAmount == 0 {
		s.AugmentationAmount = 4
	}
	if s.AugmentationPolicy == "" {
		s.AugmentationPolicy = "imagenet"
	}
	if s.CheckpointFormat == "" {
		s.CheckpointFormat = "onnx"
	}
	if s.MemoryBudgetMB == 0 {
		s.MemoryBudgetMB = 1024
	}
	if s.MetricsAverage == "" {
		if len(s.LabClasses) == 2 {
			s.MetricsAverage = "binary"
		} else {
			s.MetricsAverage = "macro"
		}
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
}

func invalid(key, format string, args ...interface{}) error {
	return &ConfigError{Key: key, Err: errors.Errorf(format, args...)}
}

func (s *Settings) validate() error {
	if len(s.LabClasses) < 2 {
		return invalid("lab_classes", "need at least 2 classes, got %d", len(s.LabClasses))
	}
	seen := make(map[string]bool)
	for _, c := range s.LabClasses {
		if c == "" || seen[c] {
			return invalid("lab_classes", "class names must be unique and non-empty: %v", s.LabClasses)
		}
		seen[c] = true
	}
	if s.NumSamples < 0 {
		return invalid("num_samples", "must not be negative, got %d", s.NumSamples)
	}
	if s.BatchSize < 1 {
		return invalid("batch_size", "must be at least 1, got %d", s.BatchSize)
	}
	if s.TestPerc <= 0 || s.TestPerc >= 1 {
		return invalid("test_perc", "must be in (0, 1), got %v", s.TestPerc)
	}
	if s.NumKFolds < 2 {
		return invalid("num_k_folds", "must be at least 2, got %d", s.NumKFolds)
	}
	if s.LearningRate <= 0 {
		return invalid("learning_rate", "must be positive, got %v", s.LearningRate)
	}
	if s.Momentum < 0 || s.Momentum >= 1 {
		return invalid("momentum", "must be in [0, 1), got %v", s.Momentum)
	}
	if s.NumEpochs < 1 {
		return invalid("num_epochs", "must be at least 1, got %d", s.NumEpochs)
	}
	if s.EpochVal < 1 || s.EpochVal > s.NumEpochs {
		return invalid("epoch_val", "must be in [1, num_epochs=%d], got %d", s.NumEpochs, s.EpochVal)
	}
	if s.Channels != 1 && s.Channels != 3 {
		return invalid("channels", "must be 1 or 3, got %d", s.Channels)
	}
	if s.ImageSize < 8 || s.ImageSize%8 != 0 {
		return invalid("imageSize", "must be a positive multiple of 8, got %d", s.ImageSize)
	}

	if s.Scatter.J < 1 {
		return invalid("scatter.J", "must be at least 1, got %d", s.Scatter.J)
	}
	if s.Scatter.L < 1 {
		return invalid("scatter.L", "must be at least 1, got %d", s.Scatter.L)
	}
	if s.Scatter.Order != 1 && s.Scatter.Order != 2 {
		return invalid("scatter.order", "must be 1 or 2, got %d", s.Scatter.Order)
	}
	if int(s.ImageSize)%(1<<uint(s.Scatter.J)) != 0 {
		return invalid("imageSize", "%d is not divisible by 2^J = %d", s.ImageSize, 1<<uint(s.Scatter.J))
	}

	if s.AugmentationAmount < 1 {
		return invalid("augmentation_amount", "must be at least 1, got %d", s.AugmentationAmount)
	}
	switch s.AugmentationPolicy {
	case "imagenet", "none":
	default:
		return invalid("augmentation_policy", "must be imagenet or none, got %q", s.AugmentationPolicy)
	}
	switch strings.ToLower(s.CheckpointFormat) {
	case "onnx", "json":
	default:
		return invalid("checkpoint_format", "must be onnx or json, got %q", s.CheckpointFormat)
	}
	if s.MemoryBudgetMB < UnlimitedMemory {
		return invalid("memory_budget_mb", "must be positive or %d for no limit, got %d", UnlimitedMemory, s.MemoryBudgetMB)
	}
	switch s.MetricsAverage {
	case "binary":
		if len(s.LabClasses) != 2 {
			return invalid("metrics_average", "binary requires exactly 2 classes, got %d", len(s.LabClasses))
		}
	case "macro", "micro":
	default:
		return invalid("metrics_average", "must be binary, macro or micro, got %q", s.MetricsAverage)
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log_level", "must be debug, info, warn or error, got %q", s.LogLevel)
	}
	return nil
}

// MemoryBudget returns the accelerator memory budget in bytes, or 0 for
// no limit
func (s *Settings) MemoryBudget() int64 {
	if s.MemoryBudgetMB == UnlimitedMemory {
		return 0
	}
	return int64(s.MemoryBudgetMB) << 20
}

// String renders the settings as YAML, scattering parameters included
func (s *Settings) String() string {
	out, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Sprintf("settings: %v", err)
	}
	scatter, err := yaml.Marshal(s.Scatter)
	if err != nil {
		return string(out)
	}
	return string(out) + "scatter:\n" + indent(string(scatter), "  ")
}

func indent(text, prefix string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n") + "\n"
}
