package solvers

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	slogctx "github.com/veqryn/slog-context"
	"gonum.org/v1/gonum/mat"
)

// ParabolaSolver scans the samples in order and fits the rising edge of a
// single meal to each short window that no accepted meal already explains.
//
// The ease-in half of the carb curve is S/CR·X·2τ²/A², so the quadratic
// coefficient a of a fitted parabola implies X = a·CR·A²/(2S) and its vertex
// gives the onset. A window whose fitted onset lies after its first sample
// straddles the meal start and is skipped; the next window sees a clean
// rising edge. Otherwise fits are accepted whenever the implied amount
// reaches MinCarbs, and the scan resumes after the accepted window.
// onsetTolerance absorbs rounding in the fitted vertex, in minutes.
const onsetTolerance = 1e-6

type ParabolaSolver struct {
	opts Options
}

func NewParabolaSolver(opts Options) *ParabolaSolver {
	return &ParabolaSolver{opts: opts.withDefaults()}
}

func (s *ParabolaSolver) Name() string { return "parabola" }

func (s *ParabolaSolver) EstimateMeals(ctx context.Context, in Input) (*Result, error) {
	log := slogctx.FromCtx(ctx)
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("parabola solver: %w", err)
	}
	res := &Result{}
	if len(in.Glucose) == 0 {
		return res, nil
	}

	rb := NewResidualBuilder(in)
	times := rb.Times()
	pc := in.Context
	horizon := pc.AbsorptionTime / s.opts.HorizonFraction
	toCarbs := pc.CarbRatio * pc.AbsorptionTime * pc.AbsorptionTime / (2 * pc.Sensitivity)

	var slots []mealSlot
	covered := math.Inf(-1)
	for i, start := range times {
		if start <= covered {
			continue
		}
		end := i
		for end+1 < len(times) && times[end+1] <= start+horizon {
			end++
		}
		n := end - i + 1
		if n < 3 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Diagnostics.Iterations++

		base := rb.residualAt(0, slots)
		design := mat.NewDense(n, 3, nil)
		y := mat.NewVecDense(n, nil)
		for j := 0; j < n; j++ {
			tau := times[i+j] - start
			design.SetRow(j, []float64{tau * tau, tau, 1})
			y.SetVec(j, rb.residualAt(i+j, slots)-base)
		}
		var coef mat.VecDense
		if err := coef.SolveVec(design, y); err != nil {
			log.Debug("parabola fit failed", slog.Float64("at", start), slog.Any("err", err))
			continue
		}
		a, b := coef.AtVec(0), coef.AtVec(1)
		carbs := a * toCarbs
		if !(carbs >= s.opts.MinCarbs) || !finite(carbs) {
			continue
		}
		onset := start - b/(2*a)
		if !finite(onset) || onset > start+onsetTolerance {
			continue
		}
		slots = append(slots, mealSlot{at: onset, carbs: carbs})
		covered = times[end]
	}

	res.Diagnostics.ResidualNorm = anchoredNorm(rb, rb.Anchored(nil), slots)
	res.Diagnostics.Converged = true
	res.Meals = toMeals(rb.Origin(), slots, s.opts.MinCarbs)

	log.Debug("parabola solver finished",
		slog.Int("numSamples", len(times)),
		slog.Int("numWindows", res.Diagnostics.Iterations),
		slog.Int("numMeals", len(res.Meals)),
	)
	return res, nil
}
