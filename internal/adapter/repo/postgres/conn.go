// Package postgres implements the authoritative job state store on PostgreSQL.
//
// Every lifecycle transition is a single guarded UPDATE: the WHERE clause
// names the legal source statuses and bumps an epoch column, so concurrent
// writers serialize per job and illegal transitions surface as conflicts.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is the minimal pool surface used by the repositories. Tests provide
// a fake; production wires *pgxpool.Pool.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool creates a pgx connection pool from the provided DSN.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id                  TEXT PRIMARY KEY,
	owner_id            TEXT NOT NULL,
	project_id          TEXT NOT NULL,
	code_url            TEXT NOT NULL,
	assets              JSONB NOT NULL DEFAULT '[]',
	width               INT NOT NULL,
	height              INT NOT NULL,
	fps                 INT NOT NULL,
	duration_frames     INT NOT NULL,
	format              TEXT NOT NULL,
	composition_props   JSONB NOT NULL DEFAULT '{}',
	tier                TEXT NOT NULL,
	status              TEXT NOT NULL,
	retry_count         INT NOT NULL DEFAULT 0,
	max_retries         INT NOT NULL DEFAULT 0,
	credits_charged     BIGINT NOT NULL DEFAULT 0,
	progress            INT NOT NULL DEFAULT 0,
	current_frame       INT NOT NULL DEFAULT 0,
	total_frames        INT NOT NULL DEFAULT 0,
	output_url          TEXT NOT NULL DEFAULT '',
	output_size_bytes   BIGINT NOT NULL DEFAULT 0,
	error_kind          TEXT NOT NULL DEFAULT '',
	error_detail        TEXT NOT NULL DEFAULT '',
	queue_handle        TEXT NOT NULL DEFAULT '',
	queued_at           TIMESTAMPTZ NOT NULL,
	started_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ,
	cancel_requested_at TIMESTAMPTZ,
	epoch               BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS render_jobs_owner_idx ON render_jobs (owner_id, queued_at);
CREATE INDEX IF NOT EXISTS render_jobs_stale_idx ON render_jobs (status, started_at);
`

// EnsureSchema creates the render_jobs table when missing. Intended for dev
// and test environments; production runs migrations out of band.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
