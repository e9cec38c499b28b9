// Command single-run trains the scattering network once, without
// cross-validation, and evaluates it on the held-out test images.
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

	outcome, err := experiment.RunSingle(settings, experiment.Options{
		Logger:   logger,
		Progress: os.Stdout,
	})
	if err != nil {
		logger.Error("run failed", zap.String("stage", experiment.Stage(err)), zap.Error(err))
		logger.Sync()
		fail(err)
	}

	best := outcome.NNRecord
	fmt.Printf("Best training accuracy %.4f at epoch %d\n", best.BestValidAccuracy, best.BestEpoch)
	fmt.Printf("NN metrics:\n%s\n", outcome.NN)
	fmt.Printf("Results written to %s\n", outcome.RunDir)
}
