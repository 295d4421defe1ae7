package repository

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/adamlounds/nightscout-uam/models"
	nightscoutstore "github.com/adamlounds/nightscout-uam/stores/nightscout"
	slogctx "github.com/veqryn/slog-context"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/errgroup"
)

// MealEventType is the eventType uploaded meals carry.
const MealEventType = "Carb Correction"

type NightscoutConfig struct {
	URL       *url.URL
	Token     string
	APISecret string
}

// NightscoutStoreInterface is the subset of the remote client the repository
// needs.
type NightscoutStoreInterface interface {
	CheckStatus(ctx context.Context) error
	FetchEntries(ctx context.Context, from, to time.Time) ([]models.GlucoseSample, error)
	FetchTreatments(ctx context.Context, from, to time.Time) ([]models.Treatment, error)
	FetchProfile(ctx context.Context) (*models.Profile, error)
	UploadTreatments(ctx context.Context, treatments []models.Treatment) error
}

type NightscoutRepository struct {
	// Lookback widens the treatment query before from, so insulin and
	// carbs still acting at from are included.
	Lookback time.Duration
	NewStore func(cfg NightscoutConfig) NightscoutStoreInterface
}

func NewNightscoutRepository() *NightscoutRepository {
	return &NightscoutRepository{
		Lookback: 6 * time.Hour,
		NewStore: func(cfg NightscoutConfig) NightscoutStoreInterface {
			return nightscoutstore.New(nightscoutstore.NightscoutConfig{
				URL:       cfg.URL,
				Token:     cfg.Token,
				APISecret: cfg.APISecret,
			})
		},
	}
}

// FetchDataset imports sgv entries in [from, to), the treatments acting on
// them and the current profile from a remote nightscout.
func (r *NightscoutRepository) FetchDataset(ctx context.Context, nsCfg NightscoutConfig, from, to time.Time) (*models.Dataset, error) {
	log := slogctx.FromCtx(ctx)
	store := r.NewStore(nsCfg)
	if err := store.CheckStatus(ctx); err != nil {
		return nil, err
	}

	var (
		glucose    []models.GlucoseSample
		treatments []models.Treatment
		profile    *models.Profile
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		glucose, err = store.FetchEntries(gctx, from, to)
		return err
	})
	g.Go(func() error {
		var err error
		treatments, err = store.FetchTreatments(gctx, from.Add(-r.Lookback), to)
		return err
	})
	g.Go(func() error {
		var err error
		profile, err = store.FetchProfile(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("cannot fetch dataset from nightscout: %w", err)
	}

	dataset := &models.Dataset{
		Name:    fmt.Sprintf("%s %s", nsCfg.URL.Host, from.UTC().Format("2006-01-02T15:04")),
		Profile: *profile,
	}
	for _, s := range glucose {
		dataset.Records = append(dataset.Records, models.Record{Type: models.RecordGlucose, Time: s.Time, Value: s.Mgdl})
	}
	dataset.Records = append(dataset.Records, TreatmentRecords(treatments)...)

	log.Info("fetched dataset from nightscout",
		slog.String("host", nsCfg.URL.Host),
		slog.Int("numGlucose", len(glucose)),
		slog.Int("numTreatments", len(treatments)),
		slog.Int("numRecords", len(dataset.Records)),
	)
	return dataset, nil
}

// TreatmentRecords converts nightscout treatments into records: insulin
// becomes a bolus, carbs a meal and a Temp Basal a basal segment delivering
// absolute (U/h) for duration minutes. One treatment may yield several
// records. Treatments must be sorted by time.
func TreatmentRecords(treatments []models.Treatment) []models.Record {
	var records []models.Record
	for _, t := range treatments {
		if insulin, ok := numberField(t.Fields, "insulin"); ok && insulin > 0 {
			records = append(records, models.Record{Type: models.RecordBolus, Time: t.Time, Value: insulin})
		}
		if carbs, ok := numberField(t.Fields, "carbs"); ok && carbs > 0 {
			records = append(records, models.Record{Type: models.RecordMeal, Time: t.Time, Value: carbs})
		}
		if t.Type != "Temp Basal" {
			continue
		}
		rate, ok := numberField(t.Fields, "absolute")
		if !ok {
			rate, ok = numberField(t.Fields, "rate")
		}
		duration, hasDuration := numberField(t.Fields, "duration")
		if !ok || !hasDuration || duration <= 0 {
			continue
		}
		records = append(records, models.Record{
			Type:     models.RecordBasal,
			Time:     t.Time,
			Value:    rate * duration / 60,
			Duration: duration,
		})
	}
	return records
}

// numberField reads a numeric treatment field; some uploaders send numbers
// as strings.
func numberField(fields map[string]interface{}, key string) (float64, bool) {
	switch v := fields[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// MealTreatments renders estimated meals as nightscout treatments. Ids are
// derived from the meal time so uploading a run twice does not duplicate
// its meals.
func MealTreatments(meals []models.MealEvent, algorithm string) []models.Treatment {
	treatments := make([]models.Treatment, len(meals))
	for i, m := range meals {
		treatments[i] = models.Treatment{
			ID:   primitive.NewObjectIDFromTimestamp(m.Time).Hex(),
			Time: m.Time.UTC(),
			Type: MealEventType,
			Fields: map[string]interface{}{
				"carbs":     m.Carbs,
				"algorithm": algorithm,
				"enteredBy": "nightscout-uam",
				"notes":     "unannounced meal",
			},
		}
	}
	return treatments
}

// UploadMeals writes a run's meals to the remote nightscout.
func (r *NightscoutRepository) UploadMeals(ctx context.Context, nsCfg NightscoutConfig, meals []models.MealEvent, algorithm string) error {
	store := r.NewStore(nsCfg)
	if err := store.UploadTreatments(ctx, MealTreatments(meals, algorithm)); err != nil {
		return fmt.Errorf("cannot upload meals: %w", err)
	}
	return nil
}
