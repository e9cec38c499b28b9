package experiment

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-scatter/checkpoints"
	"github.com/tsawler/go-scatter/config"
	"github.com/tsawler/go-scatter/scattering"
	"github.com/tsawler/go-scatter/training"
	"github.com/tsawler/go-scatter/vision/dataset"
)

// Stage names the pipeline stage an error comes from, for user-facing
// messages
func Stage(err error) string {
	var (
		configErr     *config.ConfigError
		dataErr       *dataset.DataLoadError
		transformErr  *scattering.TransformError
		checkpointErr *checkpoints.CheckpointIOError
		trainingErr   *training.TrainingError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &configErr):
		return "config"
	case errors.As(err, &dataErr):
		return "data"
	case errors.As(err, &transformErr):
		return "scattering"
	case errors.As(err, &checkpointErr):
		return "checkpoint"
	case errors.As(err, &trainingErr):
		return "training"
	default:
		return "experiment"
	}
}
