package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"

	slogctx "github.com/veqryn/slog-context"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS estimation_run (
    id            TEXT PRIMARY KEY,
    solver        TEXT     NOT NULL,
    dataset       TEXT     NOT NULL DEFAULT '',
    started_us    INTEGER  NOT NULL,
    elapsed_us    INTEGER  NOT NULL DEFAULT 0,
    from_ms       INTEGER  NOT NULL DEFAULT 0,
    to_ms         INTEGER  NOT NULL DEFAULT 0,
    num_samples   INTEGER  NOT NULL DEFAULT 0,
    num_meals     INTEGER  NOT NULL DEFAULT 0,
    total_carbs   REAL     NOT NULL DEFAULT 0,
    iterations    INTEGER  NOT NULL DEFAULT 0,
    singular      INTEGER  NOT NULL DEFAULT 0,
    diverged      INTEGER  NOT NULL DEFAULT 0,
    rmse          REAL     NOT NULL DEFAULT 0,
    residual_norm REAL     NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_run_started ON estimation_run(started_us DESC);
`

type SqliteStore struct {
	DB *sql.DB
}

// New opens (or creates) the database at path; ":memory:" is fine for tests.
func New(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cannot open sqlite %q: %w", path, err)
	}
	// sqlite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot apply sqlite schema: %w", err)
	}
	return &SqliteStore{DB: db}, nil
}

func (p *SqliteStore) Close() {
	p.DB.Close()
}

func (p *SqliteStore) Ping(ctx context.Context) error {
	log := slogctx.FromCtx(ctx)
	var version string
	err := p.DB.QueryRowContext(ctx, "select sqlite_version()").Scan(&version)
	if err != nil {
		return fmt.Errorf("sqlite cannot ping db: %w", err)
	}
	log.Info("sqlite Ping ok", "version", version)
	return nil
}
