// Package estimation runs a solver over a dataset: it validates and windows
// the records, normalizes basal against the profile, estimates meals, scores
// the fit and stores the outcome.
package estimation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/DmitriyVTitov/size"
	"github.com/adamlounds/nightscout-uam/basal"
	"github.com/adamlounds/nightscout-uam/models"
	"github.com/adamlounds/nightscout-uam/solvers"
	"github.com/adamlounds/nightscout-uam/stats"
	"github.com/adamlounds/nightscout-uam/telemetry"
	"github.com/oklog/ulid/v2"
	slogctx "github.com/veqryn/slog-context"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const DefaultSolver = "grid"

// DefaultMaxGap is the largest gap between glucose samples the model copes
// with; the series is split into snippets at wider gaps.
const DefaultMaxGap = 15 * time.Minute

const (
	DefaultMaxSnippet = 24 * time.Hour
	DefaultMinSnippet = 2 * time.Hour
)

// Settings are the run defaults; a request may override the solver.
type Settings struct {
	Solver          string          `yaml:"solver"`
	AbsorptionTime  float64         `yaml:"absorptionTime"`
	InsulinDuration float64         `yaml:"insulinDuration"`
	InsulinPeak     float64         `yaml:"insulinPeak"`
	MaxGap          time.Duration   `yaml:"maxGap"`
	// MaxSnippet caps the span of glucose one solver call sees. Snippets
	// shorter than MinSnippet are not estimated.
	MaxSnippet      time.Duration   `yaml:"maxSnippet"`
	MinSnippet      time.Duration   `yaml:"minSnippet"`
	Solvers         solvers.Options `yaml:"solvers"`
}

type Service struct {
	Settings
	// Runs and Meals are optional; without them runs are not kept.
	Runs  models.RunRepository
	Meals models.MealRepository

	tracer  trace.Tracer
	metrics instruments
}

type instruments struct {
	runCount   metric.Int64Counter
	mealCount  metric.Int64Counter
	runSeconds metric.Float64Histogram
}

// newInstruments creates the estimation metrics. An instrument the meter
// refuses is replaced by a noop one and its error returned.
func newInstruments(meter metric.Meter) (instruments, error) {
	var errs []error
	m := instruments{}
	var err error
	if m.runCount, err = meter.Int64Counter("uam.estimation.runs",
		metric.WithDescription("Estimation runs by solver and outcome")); err != nil {
		errs = append(errs, err)
		m.runCount = noop.Int64Counter{}
	}
	if m.mealCount, err = meter.Int64Counter("uam.estimation.meals",
		metric.WithDescription("Unannounced meals found")); err != nil {
		errs = append(errs, err)
		m.mealCount = noop.Int64Counter{}
	}
	if m.runSeconds, err = meter.Float64Histogram("uam.estimation.duration",
		metric.WithDescription("Solver wall time"),
		metric.WithUnit("s")); err != nil {
		errs = append(errs, err)
		m.runSeconds = noop.Float64Histogram{}
	}
	return m, errors.Join(errs...)
}

func NewService(settings Settings, runs models.RunRepository, meals models.MealRepository) *Service {
	if settings.Solver == "" {
		settings.Solver = DefaultSolver
	}
	if settings.MaxGap <= 0 {
		settings.MaxGap = DefaultMaxGap
	}
	if settings.MaxSnippet <= 0 {
		settings.MaxSnippet = DefaultMaxSnippet
	}
	if settings.MinSnippet <= 0 {
		settings.MinSnippet = DefaultMinSnippet
	}
	metrics, err := newInstruments(telemetry.Meter("uam/estimation"))
	if err != nil {
		slog.Warn("estimation metrics fall back to noop instruments", slog.Any("error", err))
	}

	return &Service{
		Settings: settings,
		Runs:     runs,
		Meals:    meals,
		tracer:   telemetry.Tracer("uam/estimation"),
		metrics:  metrics,
	}
}

// Prepared is a dataset ready for the model.
type Prepared struct {
	Inputs     *models.Inputs
	Basal      models.BasalProfile // in UTC
	Context    models.PredictionContext
	Deviations []models.BasalDeviation
	// Snippets are the parts of Inputs.Glucose the solver runs on.
	Snippets [][]models.GlucoseSample
}

// Prepare validates the dataset, limits it to [from, to) when either is set,
// rotates the basal profile to UTC, normalizes basal deliveries and splits
// the glucose series into snippets.
func (s *Service) Prepare(ctx context.Context, dataset *models.Dataset, from, to time.Time) (*Prepared, error) {
	log := slogctx.FromCtx(ctx)
	if dataset == nil {
		return nil, fmt.Errorf("%w: no dataset", models.ErrValidation)
	}
	in, err := dataset.Inputs()
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", dataset, err)
	}

	pc := models.NewPredictionContext(in.Profile, s.AbsorptionTime, s.InsulinDuration, s.InsulinPeak)
	if err := pc.Validate(); err != nil {
		return nil, err
	}

	if !from.IsZero() || !to.IsZero() {
		if to.IsZero() {
			to = time.Now()
		}
		in = in.Window(from, to, pc.WarmUp())
	}

	ref := from
	if len(in.Glucose) > 0 {
		ref = in.Glucose[0].Time
	}
	profile, err := in.Profile.Basal.ToUTC(ref)
	if err != nil {
		return nil, fmt.Errorf("cannot use basal profile: %w", err)
	}
	deviations, err := basal.Normalize(ctx, in.Basal, profile)
	if err != nil {
		return nil, err
	}

	snippets := models.SplitSnippets(in.Glucose, s.MaxGap, s.MaxSnippet, s.MinSnippet)
	covered := 0
	for _, sn := range snippets {
		covered += len(sn)
	}
	if covered < len(in.Glucose) {
		log.Warn("part of the glucose series is too short to estimate",
			slog.Duration("maxGap", models.MaxGap(in.Glucose)),
			slog.Duration("allowedGap", s.MaxGap),
			slog.Duration("minSnippet", s.MinSnippet),
			slog.Int("numSkipped", len(in.Glucose)-covered),
		)
	}
	log.Debug("dataset prepared",
		slog.String("dataset", dataset.Name),
		slog.Int("datasetSize", size.Of(dataset)),
		slog.Int("numGlucose", len(in.Glucose)),
		slog.Int("numBoli", len(in.Boli)),
		slog.Int("numDeviations", len(deviations)),
		slog.Int("numKnownMeals", len(in.Meals)),
		slog.Int("numSnippets", len(snippets)),
	)

	return &Prepared{Inputs: in, Basal: profile, Context: pc, Deviations: deviations, Snippets: snippets}, nil
}

type Request struct {
	Dataset *models.Dataset
	Solver  string // empty selects Settings.Solver
	From    time.Time
	To      time.Time
}

type Result struct {
	Run         *models.EstimationRun
	Diagnostics solvers.Diagnostics
	Stats       *stats.Report
	Prepared    *Prepared
}

// Estimate runs one solver over the request's dataset. The run is stored
// when repositories are configured.
func (s *Service) Estimate(ctx context.Context, req Request) (*Result, error) {
	name := req.Solver
	if name == "" {
		name = s.Solver
	}
	ctx, span := s.tracer.Start(ctx, "estimation.Estimate", trace.WithAttributes(
		attribute.String("uam.solver", name),
	))
	defer span.End()
	log := slogctx.FromCtx(ctx).With(slog.String("solver", name))

	res, err := s.estimate(ctx, name, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.metrics.runCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("solver", name),
		attribute.String("outcome", outcome),
	))
	if err != nil {
		return nil, err
	}

	s.metrics.mealCount.Add(ctx, int64(len(res.Run.Meals)), metric.WithAttributes(attribute.String("solver", name)))
	s.metrics.runSeconds.Record(ctx, res.Run.Elapsed.Seconds(), metric.WithAttributes(attribute.String("solver", name)))
	span.SetAttributes(
		attribute.String("uam.run_id", res.Run.ID),
		attribute.Int("uam.samples", res.Run.NumSamples),
		attribute.Int("uam.snippets", len(res.Prepared.Snippets)),
		attribute.Int("uam.meals", len(res.Run.Meals)),
	)
	log.Info("estimation finished",
		slog.String("runID", res.Run.ID),
		slog.Int("numSamples", res.Run.NumSamples),
		slog.Int("numMeals", len(res.Run.Meals)),
		slog.Float64("totalCarbs", res.Run.TotalCarbs()),
		slog.Float64("rmse", res.Run.RMSE),
		slog.Duration("elapsed", res.Run.Elapsed),
	)
	return res, nil
}

func (s *Service) estimate(ctx context.Context, name string, req Request) (*Result, error) {
	solver, err := solvers.New(name, s.Solvers)
	if err != nil {
		return nil, err
	}
	prep, err := s.Prepare(ctx, req.Dataset, req.From, req.To)
	if err != nil {
		return nil, err
	}
	in := prep.Inputs

	startedAt := time.Now()
	found, err := s.solveSnippets(ctx, solver, prep)
	if err != nil {
		return nil, fmt.Errorf("%s solver failed: %w", name, err)
	}

	allMeals := slices.Concat(in.Meals, found.Meals)
	slices.SortStableFunc(allMeals, func(a, b models.MealEvent) int { return a.Time.Compare(b.Time) })
	rep := stats.Calculate(stats.Input{
		Glucose: in.Glucose,
		Meals:   allMeals,
		Boli:    in.Boli,
		Basal:   prep.Deviations,
		Context: prep.Context,
	}, true)

	run := &models.EstimationRun{
		ID:           ulid.Make().String(),
		Solver:       name,
		Dataset:      req.Dataset.Name,
		StartedAt:    startedAt.UTC(),
		Elapsed:      time.Since(startedAt),
		NumSamples:   len(in.Glucose),
		Meals:        found.Meals,
		Iterations:   found.Diagnostics.Iterations,
		Singular:     found.Diagnostics.Singular,
		Diverged:     found.Diagnostics.Diverged,
		RMSE:         rep.Absolute.RMSE,
		ResidualNorm: found.Diagnostics.ResidualNorm,
	}
	if n := len(in.Glucose); n > 0 {
		run.From = in.Glucose[0].Time
		run.To = in.Glucose[n-1].Time
	}
	if run.Meals == nil {
		run.Meals = []models.MealEvent{}
	}
	run.NumMeals = len(run.Meals)
	run.MealCarbs = run.TotalCarbs()

	if err := s.save(ctx, run); err != nil {
		return nil, err
	}
	return &Result{Run: run, Diagnostics: found.Diagnostics, Stats: rep, Prepared: prep}, nil
}

// solveSnippets runs solver once per snippet. Meals found in earlier
// snippets count as known in later ones.
func (s *Service) solveSnippets(ctx context.Context, solver solvers.Estimator, prep *Prepared) (*solvers.Result, error) {
	log := slogctx.FromCtx(ctx)
	in := prep.Inputs
	lookback := prep.Context.WarmUp()

	total := &solvers.Result{Meals: []models.MealEvent{}}
	total.Diagnostics.Converged = true
	sumSquares := 0.0
	for i, glucose := range prep.Snippets {
		first, last := glucose[0].Time, glucose[len(glucose)-1].Time
		known := slices.Concat(in.Meals, total.Meals)
		slices.SortStableFunc(known, func(a, b models.MealEvent) int { return a.Time.Compare(b.Time) })

		res, err := solver.EstimateMeals(ctx, solvers.Input{
			Glucose: glucose,
			Boli:    actingBoli(in.Boli, first.Add(-lookback), last),
			Basal:   actingDeviations(prep.Deviations, first.Add(-lookback), last),
			Known:   actingMeals(known, first.Add(-lookback), last),
			Context: prep.Context,
		})
		if err != nil {
			return nil, fmt.Errorf("snippet %s: %w", first.Format(time.RFC3339), err)
		}
		log.Debug("snippet estimated",
			slog.Int("snippet", i),
			slog.Time("from", first),
			slog.Time("to", last),
			slog.Int("numSamples", len(glucose)),
			slog.Int("numMeals", len(res.Meals)),
		)

		total.Meals = append(total.Meals, res.Meals...)
		d := res.Diagnostics
		total.Diagnostics.Singular = total.Diagnostics.Singular || d.Singular
		total.Diagnostics.Diverged = total.Diagnostics.Diverged || d.Diverged
		total.Diagnostics.Converged = total.Diagnostics.Converged && d.Converged
		total.Diagnostics.RankDeficit += d.RankDeficit
		total.Diagnostics.Iterations += d.Iterations
		total.Diagnostics.Slots += d.Slots
		sumSquares += d.ResidualNorm * d.ResidualNorm
	}
	total.Diagnostics.ResidualNorm = math.Sqrt(sumSquares)
	slices.SortStableFunc(total.Meals, func(a, b models.MealEvent) int { return a.Time.Compare(b.Time) })
	return total, nil
}

// actingBoli keeps boli delivered in [from, to].
func actingBoli(boli []models.BolusEvent, from, to time.Time) []models.BolusEvent {
	var out []models.BolusEvent
	for _, b := range boli {
		if !b.Time.Before(from) && !b.Time.After(to) {
			out = append(out, b)
		}
	}
	return out
}

// actingDeviations keeps deviations that overlap [from, to].
func actingDeviations(deviations []models.BasalDeviation, from, to time.Time) []models.BasalDeviation {
	var out []models.BasalDeviation
	for _, d := range deviations {
		end := d.Time.Add(time.Duration(d.Duration * float64(time.Minute)))
		if !end.Before(from) && !d.Time.After(to) {
			out = append(out, d)
		}
	}
	return out
}

func actingMeals(meals []models.MealEvent, from, to time.Time) []models.MealEvent {
	var out []models.MealEvent
	for _, m := range meals {
		if !m.Time.Before(from) && !m.Time.After(to) {
			out = append(out, m)
		}
	}
	return out
}

func (s *Service) save(ctx context.Context, run *models.EstimationRun) error {
	var errs []error
	if s.Meals != nil {
		if err := s.Meals.SaveMeals(ctx, run.ID, run.Meals); err != nil {
			errs = append(errs, fmt.Errorf("cannot save meals of run %s: %w", run.ID, err))
		}
	}
	if s.Runs != nil {
		if err := s.Runs.SaveRun(ctx, run); err != nil {
			errs = append(errs, fmt.Errorf("cannot save run %s: %w", run.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Run returns a stored run with its meals.
func (s *Service) Run(ctx context.Context, id string) (*models.EstimationRun, error) {
	if s.Runs == nil {
		return nil, models.ErrNotFound
	}
	run, err := s.Runs.FetchRunByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Meals != nil {
		meals, err := s.Meals.FetchMeals(ctx, id)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		run.Meals = meals
	}
	if run.Meals == nil {
		run.Meals = []models.MealEvent{}
	}
	return run, nil
}

// LatestRuns lists recent runs, newest first, without meals.
func (s *Service) LatestRuns(ctx context.Context, count int) ([]models.EstimationRun, error) {
	if s.Runs == nil {
		return []models.EstimationRun{}, nil
	}
	return s.Runs.FetchLatestRuns(ctx, count)
}
