package models

import (
	"context"
	"time"
)

// EstimationRun records one solver invocation and its outcome.
type EstimationRun struct {
	ID         string        `json:"id"`
	Solver     string        `json:"solver"`
	Dataset    string        `json:"dataset,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	Elapsed    time.Duration `json:"elapsed"`
	From       time.Time     `json:"from"`
	To         time.Time     `json:"to"`
	NumSamples int           `json:"numSamples"`
	Meals      []MealEvent   `json:"meals"`
	// NumMeals and MealCarbs summarize Meals for listings that omit them
	NumMeals   int     `json:"numMeals"`
	MealCarbs  float64 `json:"mealCarbs"`
	Iterations int     `json:"iterations"`
	Singular   bool    `json:"singular"`
	Diverged   bool    `json:"diverged"`
	// RMSE of the fitted prediction against observed glucose after warm up
	RMSE         float64 `json:"rmse"`
	ResidualNorm float64 `json:"residualNorm"`
}

// TotalCarbs sums the estimated meals.
func (r EstimationRun) TotalCarbs() float64 {
	total := 0.0
	for _, m := range r.Meals {
		total += m.Carbs
	}
	return total
}

// RunRepository keeps a history of estimation runs (without meals).
type RunRepository interface {
	SaveRun(ctx context.Context, run *EstimationRun) error
	FetchLatestRuns(ctx context.Context, maxRuns int) ([]EstimationRun, error)
	FetchRunByID(ctx context.Context, id string) (*EstimationRun, error)
}

// MealRepository persists the meals found by a run.
type MealRepository interface {
	SaveMeals(ctx context.Context, runID string, meals []MealEvent) error
	FetchMeals(ctx context.Context, runID string) ([]MealEvent, error)
}
