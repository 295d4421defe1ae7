// Package solvers estimates unannounced meals by fitting the glucose model
// to the part of the glucose signal that insulin does not explain.
package solvers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/adamlounds/nightscout-uam/models"
)

var ErrUnknownSolver = errors.New("solvers: unknown solver")

// Input is everything one estimation run reads. None of it is modified.
type Input struct {
	Glucose []models.GlucoseSample
	Boli    []models.BolusEvent
	Basal   []models.BasalDeviation
	Known   []models.MealEvent // meals already accounted for, eg announced carbs
	Context models.PredictionContext
}

func (in Input) Validate() error {
	if err := models.ValidateGlucose(in.Glucose); err != nil {
		return err
	}
	if err := models.ValidateBoli(in.Boli); err != nil {
		return err
	}
	if err := models.ValidateBasalDeviations(in.Basal); err != nil {
		return err
	}
	return models.ValidateMeals(in.Known)
}

// Diagnostics describes how a solver arrived at its meals.
type Diagnostics struct {
	Singular     bool    `json:"singular"`
	RankDeficit  int     `json:"rankDeficit,omitempty"`
	Iterations   int     `json:"iterations"`
	Converged    bool    `json:"converged"`
	Diverged     bool    `json:"diverged"`
	ResidualNorm float64 `json:"residualNorm"`
	Slots        int     `json:"slots,omitempty"`
}

type Result struct {
	Meals       []models.MealEvent
	Diagnostics Diagnostics
}

// Estimator is implemented by every solver strategy.
type Estimator interface {
	Name() string
	EstimateMeals(ctx context.Context, in Input) (*Result, error)
}

// Options tunes the solvers. Zero values take the defaults.
type Options struct {
	// MinCarbs is the smallest meal reported, in grams.
	MinCarbs float64 `yaml:"minCarbs"`
	// RankTolerance is the relative singular value cutoff of SVD solves.
	RankTolerance float64 `yaml:"rankTolerance"`

	GridStep       time.Duration `yaml:"gridStep"`
	MaxPruneRounds int           `yaml:"maxPruneRounds"`

	// HorizonFraction sets the parabola window to absorptionTime/HorizonFraction.
	HorizonFraction float64 `yaml:"horizonFraction"`

	Slots         int     `yaml:"slots"`
	MaxSlots      int     `yaml:"maxSlots"`
	InitialCarbs  float64 `yaml:"initialCarbs"` // split evenly over the slots
	Damping       float64 `yaml:"damping"`
	Tolerance     float64 `yaml:"tolerance"`
	MaxIterations int     `yaml:"maxIterations"`
}

func DefaultOptions() Options {
	return Options{
		MinCarbs:        1,
		RankTolerance:   1e-10,
		GridStep:        5 * time.Minute,
		MaxPruneRounds:  50,
		HorizonFraction: 6,
		Slots:           4,
		MaxSlots:        6,
		InitialCarbs:    200,
		Damping:         1e-5,
		Tolerance:       1e-7,
		MaxIterations:   500,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinCarbs <= 0 {
		o.MinCarbs = d.MinCarbs
	}
	if o.RankTolerance <= 0 {
		o.RankTolerance = d.RankTolerance
	}
	if o.GridStep <= 0 {
		o.GridStep = d.GridStep
	}
	if o.MaxPruneRounds <= 0 {
		o.MaxPruneRounds = d.MaxPruneRounds
	}
	if o.HorizonFraction <= 0 {
		o.HorizonFraction = d.HorizonFraction
	}
	if o.Slots <= 0 {
		o.Slots = d.Slots
	}
	if o.MaxSlots <= 0 {
		o.MaxSlots = d.MaxSlots
	}
	if o.InitialCarbs <= 0 {
		o.InitialCarbs = d.InitialCarbs
	}
	if o.Damping <= 0 {
		o.Damping = d.Damping
	}
	if o.Tolerance <= 0 {
		o.Tolerance = d.Tolerance
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	return o
}

var constructors = map[string]func(Options) Estimator{
	"grid":      func(o Options) Estimator { return NewGridSolver(o) },
	"parabola":  func(o Options) Estimator { return NewParabolaSolver(o) },
	"lm":        func(o Options) Estimator { return NewLMSolver(o) },
	"lm-search": func(o Options) Estimator { return NewSlotSearch(o) },
}

// New returns the named solver.
func New(name string, opts Options) (Estimator, error) {
	c, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSolver, name)
	}
	return c(opts), nil
}

// Names lists the registered solvers, sorted.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// mealSlot is a meal in solver coordinates: minutes after the first sample.
type mealSlot struct {
	at    float64
	carbs float64
}

func toMeals(origin time.Time, slots []mealSlot, minCarbs float64) []models.MealEvent {
	meals := make([]models.MealEvent, 0, len(slots))
	for _, s := range slots {
		if s.carbs < minCarbs || math.IsNaN(s.carbs) {
			continue
		}
		meals = append(meals, models.MealEvent{Time: origin.Add(minutes(s.at)), Carbs: s.carbs})
	}
	slices.SortStableFunc(meals, func(a, b models.MealEvent) int { return a.Time.Compare(b.Time) })
	return meals
}

func minutes(m float64) time.Duration {
	return time.Duration(math.Round(m * float64(time.Minute)))
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
