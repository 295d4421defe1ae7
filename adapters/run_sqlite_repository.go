package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/adamlounds/nightscout-uam/models"
	sqlitestore "github.com/adamlounds/nightscout-uam/stores/sqlite"
	slogctx "github.com/veqryn/slog-context"
)

type SqliteRunRepository struct {
	*sqlitestore.SqliteStore
}

func NewSqliteRunRepository(store *sqlitestore.SqliteStore) *SqliteRunRepository {
	return &SqliteRunRepository{store}
}

const runColumns = `id, solver, dataset, started_us, elapsed_us, from_ms, to_ms, num_samples,
	num_meals, total_carbs, iterations, singular, diverged, rmse, residual_norm`

func (p SqliteRunRepository) SaveRun(ctx context.Context, run *models.EstimationRun) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO estimation_run (`+runColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Solver, run.Dataset,
		run.StartedAt.UnixMicro(), run.Elapsed.Microseconds(),
		unixMilli(run.From), unixMilli(run.To),
		run.NumSamples, run.NumMeals, run.MealCarbs, run.Iterations,
		run.Singular, run.Diverged, run.RMSE, run.ResidualNorm,
	)
	if err != nil {
		return fmt.Errorf("sqlite SaveRun: %w", err)
	}
	slogctx.FromCtx(ctx).Debug("run saved", "runID", run.ID)
	return nil
}

func (p SqliteRunRepository) FetchRunByID(ctx context.Context, id string) (*models.EstimationRun, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM estimation_run WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite FetchRunByID: %w", err)
	}
	return run, nil
}

// FetchLatestRuns returns up to maxRuns runs, newest first.
func (p SqliteRunRepository) FetchLatestRuns(ctx context.Context, maxRuns int) ([]models.EstimationRun, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM estimation_run
	ORDER BY started_us DESC, id DESC LIMIT ?`, maxRuns)
	if err != nil {
		return nil, fmt.Errorf("sqlite FetchLatestRuns: %w", err)
	}
	defer rows.Close()

	runs := []models.EstimationRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite FetchLatestRuns scan: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite FetchLatestRuns: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.EstimationRun, error) {
	var (
		run                  models.EstimationRun
		startedUs, elapsedUs int64
		fromMs, toMs         int64
	)
	err := row.Scan(&run.ID, &run.Solver, &run.Dataset, &startedUs, &elapsedUs, &fromMs, &toMs,
		&run.NumSamples, &run.NumMeals, &run.MealCarbs, &run.Iterations,
		&run.Singular, &run.Diverged, &run.RMSE, &run.ResidualNorm)
	if err != nil {
		return nil, err
	}
	run.StartedAt = time.UnixMicro(startedUs).UTC()
	run.Elapsed = time.Duration(elapsedUs) * time.Microsecond
	run.From = fromUnixMilli(fromMs)
	run.To = fromUnixMilli(toMs)
	return &run, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
