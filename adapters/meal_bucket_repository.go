package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/adamlounds/nightscout-uam/models"
	slogctx "github.com/veqryn/slog-context"
)

type BucketStoreInterface interface {
	Get(ctx context.Context, file string) (io.ReadCloser, error)
	Upload(ctx context.Context, name string, r io.Reader) error
	IsObjNotFoundErr(err error) bool
	IsAccessDeniedErr(err error) bool
}

// storedTreatment is the nightscout treatment document layout used for
// everything written to the bucket, so files can be replayed into nightscout.
type storedTreatment map[string]interface{}

// BucketMealRepository keeps the meals of each run in its own object.
type BucketMealRepository struct {
	BucketStore BucketStoreInterface
}

func NewBucketMealRepository(bs BucketStoreInterface) *BucketMealRepository {
	return &BucketMealRepository{bs}
}

func mealsObjectName(runID string) string {
	return fmt.Sprintf("uam-runs/%s-meals.json", runID)
}

func (p BucketMealRepository) SaveMeals(ctx context.Context, runID string, meals []models.MealEvent) error {
	log := slogctx.FromCtx(ctx)
	stored := make([]storedTreatment, 0, len(meals))
	for _, t := range MealTreatments(meals, "") {
		st := storedTreatment{
			"_id":        t.ID,
			"created_at": t.Time.Format(time.RFC3339Nano),
			"eventType":  t.Type,
			"runId":      runID,
		}
		for k, v := range t.Fields {
			if k == "algorithm" {
				continue
			}
			st[k] = v
		}
		stored = append(stored, st)
	}

	b, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("cannot marshal meals: %w", err)
	}
	name := mealsObjectName(runID)
	if err := p.BucketStore.Upload(ctx, name, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("cannot upload %s: %w", name, err)
	}
	log.Debug("uploaded meals",
		slog.String("name", name),
		slog.Int("byteSize", len(b)),
		slog.Int("numMeals", len(meals)),
	)
	return nil
}

func (p BucketMealRepository) FetchMeals(ctx context.Context, runID string) ([]models.MealEvent, error) {
	log := slogctx.FromCtx(ctx)
	name := mealsObjectName(runID)
	t1 := time.Now()
	r, err := p.BucketStore.Get(ctx, name)
	log.Debug("fetched from bucket",
		slog.String("file", name),
		slog.Int64("duration_ms", time.Since(t1).Milliseconds()),
	)
	if err != nil {
		if p.BucketStore.IsObjNotFoundErr(err) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("cannot fetch %s: %w", name, err)
	}
	defer r.Close()

	var stored []storedTreatment
	if err := json.NewDecoder(r).Decode(&stored); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", name, err)
	}

	meals := make([]models.MealEvent, 0, len(stored))
	for _, st := range stored {
		tTimeStr, ok := st["created_at"].(string)
		if !ok {
			log.Warn("FetchMeals: cannot find time", slog.Any("treatment", st))
			continue
		}
		tTime, err := time.Parse(time.RFC3339, tTimeStr)
		if err != nil {
			log.Warn("FetchMeals: cannot parse time", slog.String("time", tTimeStr))
			continue
		}
		carbs, ok := numberField(st, "carbs")
		if !ok {
			log.Warn("FetchMeals: cannot find carbs", slog.Any("treatment", st))
			continue
		}
		meals = append(meals, models.MealEvent{Time: tTime.UTC(), Carbs: carbs})
	}
	return meals, nil
}

// BucketDatasetRepository stores uploaded datasets as json objects.
type BucketDatasetRepository struct {
	BucketStore BucketStoreInterface
}

func NewBucketDatasetRepository(bs BucketStoreInterface) *BucketDatasetRepository {
	return &BucketDatasetRepository{bs}
}

func datasetObjectName(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: invalid dataset name %q", models.ErrValidation, name)
	}
	return fmt.Sprintf("uam-datasets/%s.json", name), nil
}

func (p BucketDatasetRepository) SaveDataset(ctx context.Context, dataset *models.Dataset) error {
	name, err := datasetObjectName(dataset.Name)
	if err != nil {
		return err
	}
	b, err := json.Marshal(dataset)
	if err != nil {
		return fmt.Errorf("cannot marshal %s: %w", dataset, err)
	}
	if err := p.BucketStore.Upload(ctx, name, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("cannot upload %s: %w", name, err)
	}
	slogctx.FromCtx(ctx).Info("saved dataset",
		slog.String("name", name),
		slog.Int("byteSize", len(b)),
		slog.Int("numRecords", len(dataset.Records)),
	)
	return nil
}

func (p BucketDatasetRepository) FetchDataset(ctx context.Context, datasetName string) (*models.Dataset, error) {
	name, err := datasetObjectName(datasetName)
	if err != nil {
		return nil, err
	}
	r, err := p.BucketStore.Get(ctx, name)
	if err != nil {
		if p.BucketStore.IsObjNotFoundErr(err) {
			return nil, models.ErrNotFound
		}
		if p.BucketStore.IsAccessDeniedErr(err) {
			slogctx.FromCtx(ctx).Warn("cannot fetch dataset - ACCESS DENIED", slog.String("name", name))
		}
		return nil, fmt.Errorf("cannot fetch %s: %w", name, err)
	}
	defer r.Close()

	var dataset models.Dataset
	if err := json.NewDecoder(r).Decode(&dataset); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", name, err)
	}
	return &dataset, nil
}
