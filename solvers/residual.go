package solvers

import (
	"time"

	"github.com/adamlounds/nightscout-uam/models"
	"github.com/adamlounds/nightscout-uam/physio"
)

// ResidualBuilder computes observed-minus-predicted glucose for candidate
// meal sets. The insulin and known-meal part of the prediction does not
// depend on the candidates, so it is evaluated once.
type ResidualBuilder struct {
	pc     models.PredictionContext
	origin time.Time
	times  []float64 // minutes after origin
	// base is observed glucose minus the insulin and known-meal prediction
	base []float64
}

func NewResidualBuilder(in Input) *ResidualBuilder {
	b := &ResidualBuilder{
		pc:    in.Context,
		times: make([]float64, len(in.Glucose)),
		base:  make([]float64, len(in.Glucose)),
	}
	if len(in.Glucose) == 0 {
		return b
	}
	b.origin = in.Glucose[0].Time
	for i, g := range in.Glucose {
		b.times[i] = physio.Elapsed(g.Time, b.origin)
		b.base[i] = g.Mgdl -
			physio.PredictInsulin(g.Time, in.Boli, in.Basal, in.Context) -
			physio.PredictMeals(g.Time, in.Known, in.Context)
	}
	return b
}

func (b *ResidualBuilder) Len() int { return len(b.times) }

// Origin is the time of the first sample; solver times are minutes after it.
func (b *ResidualBuilder) Origin() time.Time { return b.origin }

func (b *ResidualBuilder) Times() []float64 { return b.times }

// Residuals returns observed minus predicted glucose at every sample, with
// meals added to the known events.
func (b *ResidualBuilder) Residuals(meals []models.MealEvent) []float64 {
	out := make([]float64, len(b.base))
	for i := range b.base {
		at := b.origin.Add(minutes(b.times[i]))
		out[i] = b.base[i] - physio.PredictMeals(at, meals, b.pc)
	}
	return out
}

// Anchored returns Residuals relative to the first sample's residual, so a
// signal that insulin fully explains is zero everywhere.
func (b *ResidualBuilder) Anchored(meals []models.MealEvent) []float64 {
	r := b.Residuals(meals)
	if len(r) == 0 {
		return r
	}
	start := r[0]
	for i := range r {
		r[i] -= start
	}
	return r
}

// residualAt evaluates the residual of sample i for slots in solver
// coordinates.
func (b *ResidualBuilder) residualAt(i int, slots []mealSlot) float64 {
	return b.base[i] - b.mealEffect(b.times[i], slots)
}

func (b *ResidualBuilder) mealEffect(t float64, slots []mealSlot) float64 {
	total := 0.0
	for _, s := range slots {
		total += physio.DeltaBGC(t-s.at, b.pc.Sensitivity, b.pc.CarbRatio, s.carbs, b.pc.AbsorptionTime)
	}
	return total
}

// gain converts grams into mg/dL once fully absorbed.
func (b *ResidualBuilder) gain() float64 {
	return b.pc.Sensitivity / b.pc.CarbRatio
}
