// Command classify compares a CNN trained on raw images with a shallow
// network trained on scattering coefficients, using K-fold
// cross-validation, and writes the results to a new run directory.
package main

import (
	"fmt"
	"os"

	arg "github.com/alexflint/go-arg"
	"go.uber.org/zap"

	"github.com/tsawler/go-scatter/config"
	"github.com/tsawler/go-scatter/experiment"
	"github.com/tsawler/go-scatter/logging"
)

func fail(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", experiment.Stage(err), err)
		os.Exit(1)
	}
}

func main() {
	args := struct {
		Settings string `arg:"--settings" help:"experiment settings file"`
		Scatter  string `arg:"--scatter" help:"scattering parameters file"`
	}{
		Settings: config.DefaultSettingsFile,
		Scatter:  config.DefaultScatterFile,
	}
	arg.MustParse(&args)

	settings, err := config.Load(args.Settings, args.Scatter)
	fail(err)

	logger, err := logging.New(settings.LogLevel)
	fail(err)
	defer logger.Sync()

	logger.Info("starting cross-validated run",
		zap.String("settings", args.Settings),
		zap.String("scatter", args.Scatter),
		zap.Int("folds", settings.NumKFolds))

	outcome, err := experiment.RunCrossValidated(settings, experiment.Options{
		Logger:   logger,
		Progress: os.Stdout,
	})
	if err != nil {
		logger.Error("run failed", zap.String("stage", experiment.Stage(err)), zap.Error(err))
		logger.Sync()
		fail(err)
	}

	fmt.Printf("CNN metrics:\n%s\n", outcome.CNN)
	fmt.Printf("NN metrics:\n%s\n", outcome.NN)
	fmt.Printf("Results written to %s\n", outcome.RunDir)
}
