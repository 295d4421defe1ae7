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

// LMSolver fits the times and amounts of a fixed number of meals jointly
// with damped Gauss-Newton (Levenberg-Marquardt) iterations.
type LMSolver struct {
	opts Options
}

func NewLMSolver(opts Options) *LMSolver {
	return &LMSolver{opts: opts.withDefaults()}
}

func (s *LMSolver) Name() string { return "lm" }

func (s *LMSolver) EstimateMeals(ctx context.Context, in Input) (*Result, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("lm solver: %w", err)
	}
	if len(in.Glucose) == 0 {
		return &Result{}, nil
	}
	rb := NewResidualBuilder(in)
	return s.fit(ctx, rb, s.opts.Slots)
}

// fit runs the iterations for n slots. Slots start at the centres of n equal
// intervals covering one absorption time before the first sample up to the
// last one, sharing InitialCarbs.
func (s *LMSolver) fit(ctx context.Context, rb *ResidualBuilder, n int) (*Result, error) {
	log := slogctx.FromCtx(ctx)
	times := rb.Times()
	y := rb.Anchored(nil)
	gain := rb.gain()
	absorption := rb.pc.AbsorptionTime

	lo, hi := -absorption, times[len(times)-1]
	width := (hi - lo) / float64(n)
	slots := make([]mealSlot, n)
	for i := range slots {
		slots[i] = mealSlot{at: lo + (float64(i)+0.5)*width, carbs: s.opts.InitialCarbs / float64(n)}
	}

	res := &Result{Diagnostics: Diagnostics{Slots: n}}
	m := len(times)
	e := mat.NewVecDense(m, nil)
	jac := mat.NewDense(m, 2*n, nil)
	prev := math.NaN()
	for it := 0; it < s.opts.MaxIterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for k, t := range times {
			e.SetVec(k, y[k]-rb.mealEffect(t, slots))
		}
		norm := mat.Norm(e, 2)
		res.Diagnostics.Iterations = it + 1
		if !finite(norm) {
			res.Diagnostics.Diverged = true
			break
		}
		if it > 0 && math.Abs(prev-norm) < s.opts.Tolerance {
			res.Diagnostics.Converged = true
			break
		}
		prev = norm

		for k, t := range times {
			for i, sl := range slots {
				jac.Set(k, i, -gain*sl.carbs*physio.CarbsOnBoardSlope(t-sl.at, absorption))
				jac.Set(k, n+i, gain*physio.CarbsOnBoard(t-sl.at, absorption))
			}
		}
		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		damping := s.opts.Damping*norm*norm + 1e-12
		for i := 0; i < 2*n; i++ {
			jtj.Set(i, i, jtj.At(i, i)+damping)
		}
		var jte mat.VecDense
		jte.MulVec(jac.T(), e)

		delta, _, ok := solveMinNorm(&jtj, &jte, s.opts.RankTolerance)
		if !ok || !finite(delta.RawVector().Data...) {
			res.Diagnostics.Diverged = true
			break
		}
		for i := range slots {
			slots[i].at = math.Min(hi, math.Max(lo, slots[i].at+delta.AtVec(i)))
			slots[i].carbs = math.Max(0, slots[i].carbs+delta.AtVec(n+i))
		}
	}
	if res.Diagnostics.Diverged {
		log.Warn("lm solver diverged, keeping last stable slots",
			slog.Int("numSlots", n),
			slog.Int("iterations", res.Diagnostics.Iterations),
		)
	}

	merged := mergeSlots(slots)
	res.Diagnostics.ResidualNorm = anchoredNorm(rb, y, merged)
	res.Meals = toMeals(rb.Origin(), merged, s.opts.MinCarbs)

	log.Debug("lm solver finished",
		slog.Int("numSlots", n),
		slog.Int("iterations", res.Diagnostics.Iterations),
		slog.Bool("converged", res.Diagnostics.Converged),
		slog.Float64("residualNorm", res.Diagnostics.ResidualNorm),
		slog.Int("numMeals", len(res.Meals)),
	)
	return res, nil
}

// mergeSlots sums slots whose times round to the same minute.
func mergeSlots(slots []mealSlot) []mealSlot {
	var out []mealSlot
	index := map[float64]int{}
	for _, s := range slots {
		minute := math.Round(s.at)
		if i, ok := index[minute]; ok {
			out[i].carbs += s.carbs
			continue
		}
		index[minute] = len(out)
		out = append(out, mealSlot{at: minute, carbs: s.carbs})
	}
	return out
}

// SlotSearch runs the LM solver for every slot count from 1 to MaxSlots and
// keeps the fit with the smallest residual norm.
type SlotSearch struct {
	lm *LMSolver
}

func NewSlotSearch(opts Options) *SlotSearch {
	return &SlotSearch{lm: NewLMSolver(opts)}
}

func (s *SlotSearch) Name() string { return "lm-search" }

func (s *SlotSearch) EstimateMeals(ctx context.Context, in Input) (*Result, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("lm-search solver: %w", err)
	}
	if len(in.Glucose) == 0 {
		return &Result{}, nil
	}
	rb := NewResidualBuilder(in)

	var best *Result
	for n := 1; n <= s.lm.opts.MaxSlots; n++ {
		res, err := s.lm.fit(ctx, rb, n)
		if err != nil {
			return nil, err
		}
		if best == nil || res.Diagnostics.ResidualNorm < best.Diagnostics.ResidualNorm {
			best = res
		}
	}
	slogctx.FromCtx(ctx).Debug("lm slot search finished",
		slog.Int("bestSlots", best.Diagnostics.Slots),
		slog.Float64("residualNorm", best.Diagnostics.ResidualNorm),
	)
	return best, nil
}
