// Package report writes the artifacts of an experiment run: learning
// curves, ROC curves, confusion matrices and the info.txt summary.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/wcharczuk/go-chart"

	"github.com/tsawler/go-scatter/crossval"
	"github.com/tsawler/go-scatter/training"
)

// InfoFile is the name of the run summary written by WriteInfo
const InfoFile = "info.txt"

// NextRunDir creates and returns resultsPath followed by the first integer
// for which no file or directory exists yet
func NextRunDir(resultsPath string) (string, error) {
	if parent := filepath.Dir(resultsPath); parent != "" {
		if err := os.MkdirAll(parent, 0755); err != nil {
			return "", errors.Wrapf(err, "failed to create %s", parent)
		}
	}
	for i := 0; ; i++ {
		dir := resultsPath + strconv.Itoa(i)
		_, err := os.Stat(dir)
		if err == nil {
			continue
		}
		if !os.IsNotExist(err) {
			return "", errors.Wrapf(err, "failed to inspect %s", dir)
		}
		if err := os.Mkdir(dir, 0755); err != nil {
			return "", errors.Wrapf(err, "failed to create %s", dir)
		}
		return dir, nil
	}
}

// WriteTrainingCurves renders the loss and accuracy of every fold of one
// model family into <family>_loss.png and <family>_accuracy.png. It returns
// the written paths.
func WriteTrainingCurves(dir, family string, records []*training.RunRecord) ([]string, error) {
	if len(records) == 0 {
		return nil, errors.Errorf("no %s run records to plot", family)
	}

	var lossSeries, accSeries []chart.Series
	maxLoss := 0.0
	maxEpoch := 1
	for i, rec := range records {
		if rec == nil {
			return nil, errors.Errorf("%s run record %d is missing", family, i)
		}
		var epochs, loss, acc []float64
		var validEpochs, validLoss, validAcc []float64
		for _, m := range rec.Epochs {
			e := float64(m.Epoch)
			epochs = append(epochs, e)
			loss = append(loss, m.TrainLoss)
			acc = append(acc, m.TrainAccuracy)
			maxLoss = math.Max(maxLoss, m.TrainLoss)
			if m.Validated {
				validEpochs = append(validEpochs, e)
				validLoss = append(validLoss, m.ValidLoss)
				validAcc = append(validAcc, m.ValidAccuracy)
				maxLoss = math.Max(maxLoss, m.ValidLoss)
			}
			if m.Epoch > maxEpoch {
				maxEpoch = m.Epoch
			}
		}
		if len(epochs) == 0 {
			continue
		}

		color := chart.GetAlternateColor(i)
		trainStyle := chart.Style{Show: true, StrokeColor: color}
		validStyle := chart.Style{Show: true, StrokeColor: color, StrokeDashArray: []float64{5.0, 5.0}}

		lossSeries = append(lossSeries, chart.ContinuousSeries{
			Name: fmt.Sprintf("fold %d train", rec.Fold), XValues: epochs, YValues: loss, Style: trainStyle,
		})
		accSeries = append(accSeries, chart.ContinuousSeries{
			Name: fmt.Sprintf("fold %d train", rec.Fold), XValues: epochs, YValues: acc, Style: trainStyle,
		})
		if len(validEpochs) > 0 {
			lossSeries = append(lossSeries, chart.ContinuousSeries{
				Name: fmt.Sprintf("fold %d val", rec.Fold), XValues: validEpochs, YValues: validLoss, Style: validStyle,
			})
			accSeries = append(accSeries, chart.ContinuousSeries{
				Name: fmt.Sprintf("fold %d val", rec.Fold), XValues: validEpochs, YValues: validAcc, Style: validStyle,
			})
		}
	}
	if len(lossSeries) == 0 {
		return nil, errors.Errorf("%s run records hold no epochs", family)
	}
	if maxLoss <= 0 || math.IsInf(maxLoss, 0) || math.IsNaN(maxLoss) {
		maxLoss = 1
	}

	epochRange := &chart.ContinuousRange{Min: 1, Max: math.Max(float64(maxEpoch), 2)}
	lossPath := filepath.Join(dir, family+"_loss.png")
	err := renderPNG(lossPath, chart.Chart{
		Title:      family + " loss",
		TitleStyle: chart.StyleShow(),
		XAxis:      axisX(epochRange),
		YAxis:      axisY("Loss", &chart.ContinuousRange{Min: 0, Max: maxLoss}),
		Series:     lossSeries,
	})
	if err != nil {
		return nil, err
	}

	accPath := filepath.Join(dir, family+"_accuracy.png")
	err = renderPNG(accPath, chart.Chart{
		Title:      family + " accuracy",
		TitleStyle: chart.StyleShow(),
		XAxis:      axisX(epochRange),
		YAxis:      axisY("Accuracy", &chart.ContinuousRange{Min: 0, Max: 1}),
		Series:     accSeries,
	})
	if err != nil {
		return nil, err
	}
	return []string{lossPath, accPath}, nil
}

// WriteROCCurves renders the one-vs-rest ROC curves of a test summary into
// <family>_roc.png. Classes without a defined curve are skipped.
func WriteROCCurves(dir, family string, summary *training.Summary) (string, error) {
	var series []chart.Series
	for i, curve := range summary.ROC {
		if math.IsNaN(curve.AUC) {
			continue
		}
		series = append(series, chart.ContinuousSeries{
			Name:    fmt.Sprintf("%s (AUC %.3f)", curve.Class, curve.AUC),
			XValues: curve.FPR,
			YValues: curve.TPR,
			Style:   chart.Style{Show: true, StrokeColor: chart.GetAlternateColor(i)},
		})
	}
	if len(series) == 0 {
		return "", errors.Errorf("%s summary has no defined ROC curve", family)
	}
	series = append(series, chart.ContinuousSeries{
		Name:    "chance",
		XValues: []float64{0, 1},
		YValues: []float64{0, 1},
		Style:   chart.Style{Show: true, StrokeColor: chart.ColorAlternateGray, StrokeDashArray: []float64{5.0, 5.0}},
	})

	unit := &chart.ContinuousRange{Min: 0, Max: 1}
	path := filepath.Join(dir, family+"_roc.png")
	err := renderPNG(path, chart.Chart{
		Title:      family + " ROC",
		TitleStyle: chart.StyleShow(),
		XAxis: chart.XAxis{
			Name:      "False positive rate",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
			Range:     unit,
		},
		YAxis:  axisY("True positive rate", unit),
		Series: series,
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

func axisX(r *chart.ContinuousRange) chart.XAxis {
	return chart.XAxis{
		Name:      "Epoch",
		NameStyle: chart.StyleShow(),
		Style:     chart.StyleShow(),
		Range:     r,
	}
}

func axisY(name string, r *chart.ContinuousRange) chart.YAxis {
	return chart.YAxis{
		Name:      name,
		NameStyle: chart.StyleShow(),
		Style:     chart.StyleShow(),
		Range:     r,
	}
}

func renderPNG(path string, graph chart.Chart) error {
	graph.Elements = []chart.Renderable{
		chart.Legend(&graph),
	}
	return writePNG(path, graph.Render)
}

func writePNG(path string, render func(chart.RendererProvider, io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	if err := render(chart.PNG, f); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to render %s", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %s", path)
}

// WriteConfusionCSV writes the confusion matrix of a summary to
// <family>_confusion.csv, rows being true classes and columns predictions
func WriteConfusionCSV(dir, family string, summary *training.Summary) (string, error) {
	path := filepath.Join(dir, family+"_confusion.csv")
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create %s", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := append([]string{"true\\predicted"}, summary.Classes...)
	if err := w.Write(header); err != nil {
		return "", errors.Wrapf(err, "failed to write %s", path)
	}
	for i, row := range summary.Confusion.Matrix {
		record := make([]string, 0, len(row)+1)
		record = append(record, summary.Classes[i])
		for _, count := range row {
			record = append(record, strconv.Itoa(count))
		}
		if err := w.Write(record); err != nil {
			return "", errors.Wrapf(err, "failed to write %s", path)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", errors.Wrapf(err, "failed to write %s", path)
	}
	return path, nil
}

// WriteConfusionChart renders the confusion matrix of a summary to
// <family>_confusion.png. Each true class is one stacked bar whose
// sections are the predicted classes in class order; the bar label
// carries the raw counts.
func WriteConfusionChart(dir, family string, summary *training.Summary) (string, error) {
	bars := make([]chart.StackedBar, 0, len(summary.Confusion.Matrix))
	for i, row := range summary.Confusion.Matrix {
		values := make([]chart.Value, len(row))
		counts := make([]string, len(row))
		for j, count := range row {
			color := chart.GetAlternateColor(j)
			values[j] = chart.Value{
				Label: summary.Classes[j],
				Value: float64(count),
				Style: chart.Style{Show: true, FillColor: color, StrokeColor: color},
			}
			counts[j] = strconv.Itoa(count)
		}
		bars = append(bars, chart.StackedBar{
			Name:   fmt.Sprintf("%s (%s)", summary.Classes[i], strings.Join(counts, "/")),
			Values: values,
		})
	}

	path := filepath.Join(dir, family+"_confusion.png")
	graph := chart.StackedBarChart{
		Title:      fmt.Sprintf("%s confusion matrix, predicted %s", family, strings.Join(summary.Classes, "/")),
		TitleStyle: chart.StyleShow(),
		Height:     512,
		XAxis:      chart.StyleShow(),
		YAxis:      chart.StyleShow(),
		Bars:       bars,
	}
	if err := writePNG(path, graph.Render); err != nil {
		return "", err
	}
	return path, nil
}

// WriteInfo writes info.txt: the settings, the test metrics of each model
// family, the scattering configuration and the selected folds. A nil
// summary is left out.
func WriteInfo(dir string, settings fmt.Stringer, cnn, nn *training.Summary, scatterInfo string, selections ...crossval.Selection) (string, error) {
	var b strings.Builder
	b.WriteString(settings.String())
	b.WriteString("\n")
	if cnn != nil {
		fmt.Fprintf(&b, "%s metrics:\n%s\n", crossval.FamilyCNN, cnn)
	}
	if nn != nil {
		fmt.Fprintf(&b, "%s metrics:\n%s\n", crossval.FamilyNN, nn)
	}
	for _, sel := range selections {
		fmt.Fprintf(&b, "Selected %s fold: %d (validation accuracy %.4f, checkpoint %s)\n",
			sel.Family, sel.Fold, sel.ValidAccuracy, sel.CheckpointPath)
	}
	b.WriteString(scatterInfo)
	b.WriteString("\n")

	path := filepath.Join(dir, InfoFile)
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write %s", path)
	}
	return path, nil
}
