// Package report saves training loss history as CSV and as a plot.
package report

import (
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/sugarme/fcn8s/train"
)

// Column names of the loss CSV.
const (
	EpochCol = "epoch"
	StepCol  = "step"
	LossCol  = "loss"
)

// Frame converts history into a dataframe with one row per step.
func Frame(history *train.History) dataframe.DataFrame {
	n := history.Len()
	epochs := make([]int, n)
	steps := make([]int, n)
	losses := make([]float64, n)
	for i, r := range history.Records {
		epochs[i] = r.Epoch
		steps[i] = r.Step
		losses[i] = r.Loss
	}

	return dataframe.New(
		series.New(epochs, series.Int, EpochCol),
		series.New(steps, series.Int, StepCol),
		series.New(losses, series.Float, LossCol),
	)
}

// WriteCSV writes history to path with header "epoch,step,loss".
func WriteCSV(path string, history *train.History) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	if err := Frame(history).WriteCSV(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %q", path)
	}

	return f.Close()
}

// ReadCSV reads a history written by WriteCSV.
func ReadCSV(path string) (*train.History, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.WithTypes(map[string]series.Type{
			EpochCol: series.Int,
			StepCol:  series.Int,
			LossCol:  series.Float,
		}),
	)
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "reading %q", path)
	}

	epochs, err := df.Col(EpochCol).Int()
	if err != nil {
		return nil, errors.Wrapf(err, "column %q", EpochCol)
	}
	steps, err := df.Col(StepCol).Int()
	if err != nil {
		return nil, errors.Wrapf(err, "column %q", StepCol)
	}
	losses := df.Col(LossCol).Float()

	history := train.NewHistory()
	for i := range epochs {
		history.Add(epochs[i], steps[i], losses[i])
	}

	return history, nil
}

// PlotLoss draws the step losses and the per-epoch mean loss and saves the
// figure to path. The image format follows the file extension.
func PlotLoss(path string, history *train.History) error {
	if history.Len() == 0 {
		return errors.New("empty loss history")
	}

	p := plot.New()
	p.Title.Text = "Training loss"
	p.X.Label.Text = "Step"
	p.Y.Label.Text = "Cross-entropy"

	pts := make(plotter.XYs, history.Len())
	means := plotter.XYs{}
	for i, r := range history.Records {
		pts[i].X = float64(r.Step)
		pts[i].Y = r.Loss
		// place each epoch mean at its last step
		if i == history.Len()-1 || history.Records[i+1].Epoch != r.Epoch {
			means = append(means, plotter.XY{X: float64(r.Step), Y: history.EpochMean(r.Epoch)})
		}
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	p.Add(line)
	p.Legend.Add("step", line)

	scatter, err := plotter.NewScatter(means)
	if err != nil {
		return err
	}
	p.Add(scatter)
	p.Legend.Add("epoch mean", scatter)

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving %q", path)
	}

	return nil
}

// EpochStat summarizes the step losses of one epoch.
type EpochStat struct {
	Epoch  int
	Steps  int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// Summary returns per-epoch loss statistics in epoch order.
func Summary(history *train.History) []EpochStat {
	var (
		out    []EpochStat
		losses []float64
	)
	flush := func(epoch int) {
		if len(losses) == 0 {
			return
		}
		mean, std := stat.MeanStdDev(losses, nil)
		if len(losses) == 1 {
			std = 0
		}
		out = append(out, EpochStat{
			Epoch:  epoch,
			Steps:  len(losses),
			Mean:   mean,
			StdDev: std,
			Min:    floats.Min(losses),
			Max:    floats.Max(losses),
		})
		losses = losses[:0]
	}

	for i, r := range history.Records {
		losses = append(losses, r.Loss)
		if i == history.Len()-1 || history.Records[i+1].Epoch != r.Epoch {
			flush(r.Epoch)
		}
	}

	return out
}
