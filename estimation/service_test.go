package estimation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/adamlounds/nightscout-uam/models"
	"github.com/adamlounds/nightscout-uam/physio"
	"github.com/adamlounds/nightscout-uam/solvers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	slogctx "github.com/veqryn/slog-context"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var t0 = time.Date(2024, 11, 28, 6, 0, 0, 0, time.UTC)

var profile = models.Profile{
	Sensitivity: 35,
	CarbRatio:   10,
	Basal:       models.BasalProfile{Timezone: "UTC", Rates: []models.BasalRate{{Start: 0, UnitsPerHour: 0.6}}},
}

func contextWithSilentLogger() context.Context {
	return slogctx.NewCtx(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type mockRunRepository struct {
	saveRunFn         func(ctx context.Context, run *models.EstimationRun) error
	fetchLatestRunsFn func(ctx context.Context, maxRuns int) ([]models.EstimationRun, error)
	fetchRunByIDFn    func(ctx context.Context, id string) (*models.EstimationRun, error)
}

func (m *mockRunRepository) SaveRun(ctx context.Context, run *models.EstimationRun) error {
	return m.saveRunFn(ctx, run)
}

func (m *mockRunRepository) FetchLatestRuns(ctx context.Context, maxRuns int) ([]models.EstimationRun, error) {
	return m.fetchLatestRunsFn(ctx, maxRuns)
}

func (m *mockRunRepository) FetchRunByID(ctx context.Context, id string) (*models.EstimationRun, error) {
	return m.fetchRunByIDFn(ctx, id)
}

type mockMealRepository struct {
	saved map[string][]models.MealEvent
	err   error
}

func (m *mockMealRepository) SaveMeals(ctx context.Context, runID string, meals []models.MealEvent) error {
	if m.err != nil {
		return m.err
	}
	if m.saved == nil {
		m.saved = map[string][]models.MealEvent{}
	}
	m.saved[runID] = meals
	return nil
}

func (m *mockMealRepository) FetchMeals(ctx context.Context, runID string) ([]models.MealEvent, error) {
	meals, ok := m.saved[runID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return meals, nil
}

// mealDataset forward-simulates 200 samples with a 50g meal at 06:15 on a
// 100 mg/dL baseline.
func mealDataset() *models.Dataset {
	pc := models.NewPredictionContext(profile, 0, 0, 0)
	meals := []models.MealEvent{{Time: t0.Add(15 * time.Minute), Carbs: 50}}
	d := &models.Dataset{Name: "meal", Profile: profile}
	for i := 0; i < 200; i++ {
		ts := t0.Add(time.Duration(5*i) * time.Minute)
		d.Records = append(d.Records, models.Record{
			Type:  models.RecordGlucose,
			Time:  ts,
			Value: 100 + physio.Predict(ts, meals, nil, nil, pc),
		})
	}
	return d
}

func TestEstimate(t *testing.T) {
	ctx := contextWithSilentLogger()
	var savedRun *models.EstimationRun
	runs := &mockRunRepository{saveRunFn: func(ctx context.Context, run *models.EstimationRun) error {
		savedRun = run
		return nil
	}}
	meals := &mockMealRepository{}
	svc := NewService(Settings{}, runs, meals)

	res, err := svc.Estimate(ctx, Request{Dataset: mealDataset(), Solver: "lm"})
	require.NoError(t, err)

	run := res.Run
	assert.Len(t, run.ID, 26)
	assert.Equal(t, "lm", run.Solver)
	assert.Equal(t, "meal", run.Dataset)
	assert.Equal(t, 200, run.NumSamples)
	assert.Equal(t, t0, run.From)
	assert.Equal(t, t0.Add(995*time.Minute), run.To)
	require.Len(t, run.Meals, 1)
	assert.WithinDuration(t, t0.Add(15*time.Minute), run.Meals[0].Time, 5*time.Minute)
	assert.InDelta(t, 50, run.Meals[0].Carbs, 5)
	assert.Less(t, run.RMSE, 1.0)

	assert.Same(t, run, savedRun)
	assert.Equal(t, run.Meals, meals.saved[run.ID])
	assert.Equal(t, 4, res.Diagnostics.Slots)
	assert.NotEmpty(t, res.Stats.Points)
}

func TestEstimateDefaultSolverWithoutRepositories(t *testing.T) {
	svc := NewService(Settings{}, nil, nil)
	res, err := svc.Estimate(contextWithSilentLogger(), Request{Dataset: mealDataset()})
	require.NoError(t, err)
	assert.Equal(t, DefaultSolver, res.Run.Solver)
	assert.NotEmpty(t, res.Run.Meals)

	runs, err := svc.LatestRuns(contextWithSilentLogger(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)

	_, err = svc.Run(contextWithSilentLogger(), res.Run.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestEstimateErrors(t *testing.T) {
	ctx := contextWithSilentLogger()
	svc := NewService(Settings{}, nil, nil)

	_, err := svc.Estimate(ctx, Request{Dataset: mealDataset(), Solver: "nope"})
	assert.ErrorIs(t, err, solvers.ErrUnknownSolver)

	_, err = svc.Estimate(ctx, Request{})
	assert.ErrorIs(t, err, models.ErrValidation)

	unsorted := mealDataset()
	unsorted.Records[3], unsorted.Records[4] = unsorted.Records[4], unsorted.Records[3]
	_, err = svc.Estimate(ctx, Request{Dataset: unsorted})
	assert.ErrorIs(t, err, models.ErrUnsorted)

	noProfile := mealDataset()
	noProfile.Profile.Basal.Rates = nil
	_, err = svc.Estimate(ctx, Request{Dataset: noProfile})
	assert.ErrorIs(t, err, models.ErrEmptyProfile)

	badContext := mealDataset()
	badContext.Profile.CarbRatio = 0
	_, err = svc.Estimate(ctx, Request{Dataset: badContext})
	assert.ErrorIs(t, err, models.ErrInvalidContext)

	failing := NewService(Settings{}, nil, &mockMealRepository{err: errors.New("bucket unavailable")})
	_, err = failing.Estimate(ctx, Request{Dataset: mealDataset()})
	assert.ErrorContains(t, err, "bucket unavailable")
}

func TestPrepare(t *testing.T) {
	ctx := contextWithSilentLogger()
	d := mealDataset()
	d.Profile.Basal = models.BasalProfile{
		Timezone: "Europe/Berlin",
		Rates: []models.BasalRate{
			{Start: 0, UnitsPerHour: 0.6},
			{Start: 7 * 60, UnitsPerHour: 0.9},
		},
	}
	d.Records = append(d.Records,
		models.Record{Type: models.RecordBasal, Time: t0.Add(-30 * time.Minute), Value: 0.3, Duration: 30},
		models.Record{Type: models.RecordBolus, Time: t0.Add(-time.Hour), Value: 1},
	)

	svc := NewService(Settings{AbsorptionTime: 90}, nil, nil)
	prep, err := svc.Prepare(ctx, d, time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 90.0, prep.Context.AbsorptionTime)
	assert.Equal(t, 35.0, prep.Context.Sensitivity)
	assert.Equal(t, "UTC", prep.Basal.Timezone)
	// Berlin is UTC+1 in November: 07:00 local is 06:00 UTC
	assert.Equal(t, []models.BasalRate{
		{Start: 0, UnitsPerHour: 0.6},
		{Start: 6 * 60, UnitsPerHour: 0.9},
		{Start: 23 * 60, UnitsPerHour: 0.6},
	}, prep.Basal.Rates)
	require.Len(t, prep.Deviations, 1)
	assert.InDelta(t, 0.3/30-0.6/60, prep.Deviations[0].UnitsPerMinute, 1e-12)
	assert.Len(t, prep.Inputs.Boli, 1)

	windowed, err := svc.Prepare(ctx, d, t0.Add(time.Hour), t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, windowed.Inputs.Glucose, 12)
	// the bolus is within the warm up before the window
	assert.Len(t, windowed.Inputs.Boli, 1)
}

func TestRun(t *testing.T) {
	ctx := contextWithSilentLogger()
	stored := &models.EstimationRun{ID: "01JDRJ8Z3M4ZK9X2P5Q7R8S9T0", Solver: "grid"}
	runs := &mockRunRepository{
		fetchRunByIDFn: func(ctx context.Context, id string) (*models.EstimationRun, error) {
			if id != stored.ID {
				return nil, models.ErrNotFound
			}
			return stored, nil
		},
	}
	meals := &mockMealRepository{saved: map[string][]models.MealEvent{
		stored.ID: {{Time: t0, Carbs: 12}},
	}}
	svc := NewService(Settings{}, runs, meals)

	run, err := svc.Run(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.MealEvent{{Time: t0, Carbs: 12}}, run.Meals)

	_, err = svc.Run(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

type recordingSolver struct {
	inputs []solvers.Input
}

func (r *recordingSolver) Name() string { return "recording" }

// EstimateMeals reports one meal half an hour before the end of every call.
func (r *recordingSolver) EstimateMeals(ctx context.Context, in solvers.Input) (*solvers.Result, error) {
	r.inputs = append(r.inputs, in)
	last := in.Glucose[len(in.Glucose)-1].Time
	return &solvers.Result{
		Meals:       []models.MealEvent{{Time: last.Add(-30 * time.Minute), Carbs: 10}},
		Diagnostics: solvers.Diagnostics{Iterations: 2, Converged: true, ResidualNorm: 3},
	}, nil
}

func TestSolveSnippets(t *testing.T) {
	ctx := contextWithSilentLogger()
	d := &models.Dataset{Name: "30h", Profile: profile}
	d.Records = append(d.Records,
		models.Record{Type: models.RecordBolus, Time: t0.Add(-4 * time.Hour), Value: 1},
		models.Record{Type: models.RecordBolus, Time: t0.Add(23 * time.Hour), Value: 2},
	)
	for m := 0; m <= 30*60; m += 5 {
		d.Records = append(d.Records, models.Record{Type: models.RecordGlucose, Time: t0.Add(time.Duration(m) * time.Minute), Value: 100})
	}

	svc := NewService(Settings{}, nil, nil)
	prep, err := svc.Prepare(ctx, d, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, prep.Snippets, 2)

	solver := &recordingSolver{}
	res, err := svc.solveSnippets(ctx, solver, prep)
	require.NoError(t, err)

	require.Len(t, solver.inputs, 2)
	first, second := solver.inputs[0], solver.inputs[1]
	assert.Len(t, first.Glucose, 289)
	assert.Equal(t, t0.Add(24*time.Hour), first.Glucose[288].Time)
	assert.Len(t, second.Glucose, 72)
	// the early bolus has fully acted before the first snippet starts
	assert.Equal(t, []models.BolusEvent{{Time: t0.Add(23 * time.Hour), Units: 2}}, first.Boli)
	assert.Equal(t, []models.BolusEvent{{Time: t0.Add(23 * time.Hour), Units: 2}}, second.Boli)
	assert.Empty(t, first.Known)
	// the meal found at the end of the first snippet still acts on the second
	assert.Equal(t, []models.MealEvent{{Time: t0.Add(23*time.Hour + 30*time.Minute), Carbs: 10}}, second.Known)

	require.Len(t, res.Meals, 2)
	assert.Equal(t, 4, res.Diagnostics.Iterations)
	assert.True(t, res.Diagnostics.Converged)
	assert.InDelta(t, math.Sqrt(18), res.Diagnostics.ResidualNorm, 1e-12)
}

func TestEstimateAcrossGaps(t *testing.T) {
	pc := models.NewPredictionContext(profile, 0, 0, 0)
	truth := []models.MealEvent{
		{Time: t0.Add(60 * time.Minute), Carbs: 40},
		{Time: t0.Add(700 * time.Minute), Carbs: 30},
	}
	d := &models.Dataset{Name: "gaps", Profile: profile}
	// two 8 hour runs of samples and a short one, an hour apart
	for _, span := range [][2]int{{0, 480}, {600, 1080}, {1200, 1250}} {
		for m := span[0]; m <= span[1]; m += 5 {
			ts := t0.Add(time.Duration(m) * time.Minute)
			d.Records = append(d.Records, models.Record{
				Type:  models.RecordGlucose,
				Time:  ts,
				Value: 100 + physio.Predict(ts, truth, nil, nil, pc),
			})
		}
	}

	svc := NewService(Settings{}, nil, nil)
	res, err := svc.Estimate(contextWithSilentLogger(), Request{Dataset: d, Solver: "grid"})
	require.NoError(t, err)

	assert.Len(t, res.Prepared.Snippets, 2)
	assert.Equal(t, 205, res.Run.NumSamples)
	require.Len(t, res.Run.Meals, 2)
	for i, want := range truth {
		assert.WithinDuration(t, want.Time, res.Run.Meals[i].Time, 5*time.Minute)
		assert.InDelta(t, want.Carbs, res.Run.Meals[i].Carbs, 5)
	}
}

type failingMeter struct {
	noop.Meter
}

func (failingMeter) Int64Counter(name string, options ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return nil, errors.New("invalid instrument name " + name)
}

func TestNewInstrumentsFallsBackToNoop(t *testing.T) {
	m, err := newInstruments(failingMeter{})
	assert.ErrorContains(t, err, "uam.estimation.runs")
	assert.ErrorContains(t, err, "uam.estimation.meals")

	// the replacements are usable
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.runCount.Add(ctx, 1)
		m.mealCount.Add(ctx, 2)
		m.runSeconds.Record(ctx, 0.5)
	})

	_, err = newInstruments(noop.Meter{})
	assert.NoError(t, err)
}
