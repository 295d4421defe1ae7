// Package report renders estimation results as console tables.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/adamlounds/nightscout-uam/models"
	"github.com/adamlounds/nightscout-uam/solvers"
	"github.com/adamlounds/nightscout-uam/stats"
	"github.com/olekukonko/tablewriter"
)

const timeLayout = "2006-01-02 15:04"

type Console struct {
	out io.Writer
}

func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

// Run prints the run header, its meals and diagnostics.
func (c *Console) Run(run *models.EstimationRun, diag solvers.Diagnostics) {
	fmt.Fprintf(c.out, "\nrun %s solver=%s samples=%d %s to %s (%s)\n",
		run.ID, run.Solver, run.NumSamples,
		run.From.Format(timeLayout), run.To.Format(timeLayout),
		run.Elapsed.Round(time.Millisecond))

	c.Meals(run.Meals)

	fmt.Fprintf(c.out, "  total carbs %.1f g", run.TotalCarbs())
	if diag.Iterations > 0 {
		fmt.Fprintf(c.out, " | iterations %d", diag.Iterations)
	}
	if diag.Slots > 0 {
		fmt.Fprintf(c.out, " | slots %d", diag.Slots)
	}
	fmt.Fprintf(c.out, " | residual norm %.3f\n", diag.ResidualNorm)
	if diag.Singular {
		fmt.Fprintln(c.out, "  grid matrix singular: no meals estimated")
	}
	if diag.Diverged {
		fmt.Fprintln(c.out, "  solver diverged: meals are from the last stable iteration")
	}
}

func (c *Console) Meals(meals []models.MealEvent) {
	if len(meals) == 0 {
		fmt.Fprintln(c.out, "  no unannounced meals found")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Time (UTC)", "Carbs (g)")
	for i, m := range meals {
		table.Append(
			fmt.Sprintf("%d", i+1),
			m.Time.UTC().Format(timeLayout),
			fmt.Sprintf("%.1f", m.Carbs),
		)
	}
	table.Render()
}

// Stats prints absolute and percent error statistics side by side.
func (c *Console) Stats(rep *stats.Report) {
	if len(rep.Points) == 0 {
		fmt.Fprintln(c.out, "  no samples to compare")
		return
	}
	fmt.Fprintf(c.out, "\nprediction error from %s over %d samples (start value %.1f mg/dL)\n",
		rep.From.UTC().Format(timeLayout), len(rep.Points), rep.StartValue)

	table := tablewriter.NewWriter(c.out)
	table.Header("", "mg/dL", "%")
	a, p := rep.Absolute, rep.Percent
	for _, row := range []struct {
		name string
		abs  float64
		pct  float64
	}{
		{"mean", a.Mean, p.Mean},
		{"mse", a.MSE, p.MSE},
		{"rmse", a.RMSE, p.RMSE},
		{"max", a.Max, p.Max},
		{"variance", a.Variance, p.Variance},
		{"std dev", a.StdDev, p.StdDev},
		{"skewness", a.Skewness, p.Skewness},
	} {
		table.Append(row.name, fmt.Sprintf("%.2f", row.abs), fmt.Sprintf("%.2f", row.pct))
	}
	table.Render()
}

func (c *Console) Deviations(devs []models.BasalDeviation) {
	table := tablewriter.NewWriter(c.out)
	table.Header("Start (UTC)", "Minutes", "U/min", "U/h")
	for _, d := range devs {
		table.Append(
			d.Time.UTC().Format(timeLayout),
			fmt.Sprintf("%.0f", d.Duration),
			fmt.Sprintf("%+.4f", d.UnitsPerMinute),
			fmt.Sprintf("%+.2f", d.UnitsPerMinute*60),
		)
	}
	table.Render()
}

// Prediction is one row of Predictions.
type Prediction struct {
	Time      time.Time
	Observed  float64
	Predicted float64
}

func (c *Console) Predictions(rows []Prediction) {
	table := tablewriter.NewWriter(c.out)
	table.Header("Time (UTC)", "Observed", "Predicted", "Error")
	for _, r := range rows {
		table.Append(
			r.Time.UTC().Format(timeLayout),
			fmt.Sprintf("%.0f", r.Observed),
			fmt.Sprintf("%.1f", r.Predicted),
			fmt.Sprintf("%+.1f", r.Predicted-r.Observed),
		)
	}
	table.Render()
}

// Runs prints a run history.
func (c *Console) Runs(runs []models.EstimationRun) {
	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Solver", "Started", "Samples", "Meals", "Carbs (g)", "RMSE")
	for _, r := range runs {
		table.Append(
			r.ID,
			r.Solver,
			r.StartedAt.UTC().Format(timeLayout),
			fmt.Sprintf("%d", r.NumSamples),
			fmt.Sprintf("%d", r.NumMeals),
			fmt.Sprintf("%.1f", r.MealCarbs),
			fmt.Sprintf("%.2f", r.RMSE),
		)
	}
	table.Render()
}
