package solvers

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/adamlounds/nightscout-uam/physio"
	slogctx "github.com/veqryn/slog-context"
	"gonum.org/v1/gonum/mat"
)

// GridSolver deconvolves the residual against the carb absorption kernel on
// a fixed grid of candidate meal times.
type GridSolver struct {
	opts Options
}

func NewGridSolver(opts Options) *GridSolver {
	return &GridSolver{opts: opts.withDefaults()}
}

func (s *GridSolver) Name() string { return "grid" }

// EstimateMeals places a candidate meal every GridStep from one absorption
// time before the first sample up to the last sample and solves for their
// amounts. Candidates solved negative are removed and the remaining system
// is solved again, so the surviving amounts are all non-negative.
func (s *GridSolver) EstimateMeals(ctx context.Context, in Input) (*Result, error) {
	log := slogctx.FromCtx(ctx)
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("grid solver: %w", err)
	}
	res := &Result{}
	if len(in.Glucose) == 0 {
		return res, nil
	}

	rb := NewResidualBuilder(in)
	times := rb.Times()
	y := rb.Anchored(nil)
	gain := rb.gain()
	absorption := in.Context.AbsorptionTime

	step := s.opts.GridStep.Minutes()
	last := times[len(times)-1]
	var grid []float64
	for g := -absorption; g <= last+1e-9; g += step {
		grid = append(grid, g)
	}

	active := make([]int, len(grid))
	for i := range active {
		active[i] = i
	}
	b := mat.NewVecDense(len(y), y)

	var amounts []float64
	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a := mat.NewDense(len(times), len(active), nil)
		for r, t := range times {
			for c, col := range active {
				a.Set(r, c, gain*physio.CarbsOnBoard(t-grid[col], absorption))
			}
		}
		x, rank, ok := solveMinNorm(a, b, s.opts.RankTolerance)
		if !ok {
			log.Warn("grid matrix is singular",
				slog.Int("numSamples", len(times)),
				slog.Int("numCandidates", len(active)),
			)
			res.Diagnostics.Singular = true
			res.Diagnostics.Iterations = round + 1
			return res, nil
		}
		res.Diagnostics.Iterations = round + 1
		res.Diagnostics.RankDeficit = min(len(times), len(active)) - rank
		amounts = x.RawVector().Data

		kept := active[:0:0]
		for c, col := range active {
			if amounts[c] >= -1e-6 {
				kept = append(kept, col)
			}
		}
		if len(kept) == len(active) || round+1 >= s.opts.MaxPruneRounds {
			res.Diagnostics.Converged = len(kept) == len(active)
			break
		}
		if len(kept) == 0 {
			amounts = nil
			active = nil
			res.Diagnostics.Converged = true
			break
		}
		active = kept
	}

	slots := make([]mealSlot, 0, len(active))
	for c, col := range active {
		slots = append(slots, mealSlot{at: grid[col], carbs: math.Max(amounts[c], 0)})
	}
	res.Diagnostics.ResidualNorm = anchoredNorm(rb, y, slots)
	res.Meals = toMeals(rb.Origin(), slots, s.opts.MinCarbs)

	log.Debug("grid solver finished",
		slog.Int("numSamples", len(times)),
		slog.Int("numCandidates", len(grid)),
		slog.Int("numActive", len(active)),
		slog.Int("rounds", res.Diagnostics.Iterations),
		slog.Int("numMeals", len(res.Meals)),
	)
	return res, nil
}

// anchoredNorm is the euclidean norm of the anchored residual left after
// subtracting the effect of slots.
func anchoredNorm(rb *ResidualBuilder, y []float64, slots []mealSlot) float64 {
	sum := 0.0
	for k, t := range rb.Times() {
		e := y[k] - rb.mealEffect(t, slots)
		sum += e * e
	}
	return math.Sqrt(sum)
}
