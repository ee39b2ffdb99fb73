package training

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// SaveLossPlot renders the per-epoch train and validation loss curves of a
// training invocation to a PNG at path.
func SaveLossPlot(path string, history []EpochStats) error {
	if len(history) == 0 {
		return fmt.Errorf("no epochs to plot")
	}

	p := plot.New()
	p.Title.Text = "Training Loss"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Loss"
	p.Legend.Top = true

	trainPts := make(plotter.XYs, len(history))
	valPts := make(plotter.XYs, len(history))
	for i, e := range history {
		trainPts[i].X = float64(e.Epoch + 1)
		trainPts[i].Y = e.TrainLoss
		valPts[i].X = float64(e.Epoch + 1)
		valPts[i].Y = e.ValLoss
	}

	trainLine, err := plotter.NewLine(trainPts)
	if err != nil {
		return fmt.Errorf("failed to build train loss line: %w", err)
	}
	trainLine.LineStyle.Width = vg.Points(1.5)
	trainLine.Color = color.RGBA{B: 255, A: 255}

	valLine, err := plotter.NewLine(valPts)
	if err != nil {
		return fmt.Errorf("failed to build validation loss line: %w", err)
	}
	valLine.LineStyle.Width = vg.Points(1.5)
	valLine.Color = color.RGBA{R: 255, A: 255}

	p.Add(trainLine, valLine)
	p.Legend.Add("train", trainLine)
	p.Legend.Add("validation", valLine)

	if err := p.Save(8*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save loss plot to %s: %w", path, err)
	}
	return nil
}
