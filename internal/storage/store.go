package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"swainos-analytics/internal/config"
	"swainos-analytics/internal/forecast"
	"swainos-analytics/internal/fx"
	"swainos-analytics/internal/insight"
	"swainos-analytics/internal/ledger"
	"swainos-analytics/internal/rollup"
	"swainos-analytics/internal/run"
)

// ErrNotConfigured indicates the storage pool was not initialised.
var ErrNotConfigured = errors.New("storage: pool not configured")

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Store aggregates access to raw records, derived artifacts, and run
// bookkeeping.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AdvisoryLocker exposes advisory lock helpers for cross-process
// serialization of scheduled work.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

const ensureSchemaSQL = `
CREATE TABLE IF NOT EXISTS raw_records (
    id          TEXT PRIMARY KEY,
    record_type TEXT NOT NULL,
    category    TEXT NOT NULL DEFAULT '',
    occurred_at TIMESTAMPTZ NOT NULL,
    amount      NUMERIC NOT NULL,
    currency    TEXT NOT NULL,
    agency      TEXT NOT NULL DEFAULT '',
    consultant  TEXT NOT NULL DEFAULT '',
    channel     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS raw_records_type_occurred_idx
    ON raw_records (record_type, occurred_at);

CREATE TABLE IF NOT EXISTS rollup_buckets (
    period_start TIMESTAMPTZ NOT NULL,
    period_end   TIMESTAMPTZ NOT NULL,
    grain        TEXT NOT NULL,
    agency       TEXT NOT NULL DEFAULT '',
    consultant   TEXT NOT NULL DEFAULT '',
    channel      TEXT NOT NULL DEFAULT '',
    currency     TEXT NOT NULL DEFAULT '',
    metrics      JSONB NOT NULL,
    computed_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (period_start, grain, agency, consultant, channel, currency)
);

CREATE TABLE IF NOT EXISTS forecast_points (
    period_start TIMESTAMPTZ NOT NULL,
    period_end   TIMESTAMPTZ NOT NULL,
    grain        TEXT NOT NULL,
    agency       TEXT NOT NULL DEFAULT '',
    consultant   TEXT NOT NULL DEFAULT '',
    channel      TEXT NOT NULL DEFAULT '',
    currency     TEXT NOT NULL DEFAULT '',
    metric       TEXT NOT NULL,
    predicted    NUMERIC NOT NULL,
    lower_bound  NUMERIC NOT NULL,
    upper_bound  NUMERIC NOT NULL,
    method       TEXT NOT NULL,
    generated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (period_start, grain, agency, consultant, channel, currency, metric)
);

CREATE TABLE IF NOT EXISTS fx_quotes (
    base      TEXT NOT NULL,
    quote     TEXT NOT NULL,
    rate      NUMERIC NOT NULL,
    quoted_at TIMESTAMPTZ NOT NULL,
    source    TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (base, quote, quoted_at)
);

CREATE TABLE IF NOT EXISTS fx_positions (
    currency TEXT NOT NULL,
    amount   NUMERIC NOT NULL,
    as_of    TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (currency, as_of)
);

CREATE TABLE IF NOT EXISTS fx_signals (
    id           TEXT PRIMARY KEY,
    base         TEXT NOT NULL,
    quote        TEXT NOT NULL,
    kind         TEXT NOT NULL,
    strength     NUMERIC NOT NULL,
    triggered_at TIMESTAMPTZ NOT NULL,
    window_start TIMESTAMPTZ NOT NULL,
    window_end   TIMESTAMPTZ NOT NULL,
    grain        TEXT NOT NULL,
    detail       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS fx_signals_window_idx
    ON fx_signals (window_start, window_end);

CREATE TABLE IF NOT EXISTS fx_scores (
    base         TEXT NOT NULL,
    quote        TEXT NOT NULL,
    value        NUMERIC NOT NULL,
    signal_ids   TEXT[] NOT NULL DEFAULT '{}',
    computed_at  TIMESTAMPTZ NOT NULL,
    window_start TIMESTAMPTZ NOT NULL,
    window_end   TIMESTAMPTZ NOT NULL,
    grain        TEXT NOT NULL,
    PRIMARY KEY (base, quote, window_start, window_end)
);

CREATE TABLE IF NOT EXISTS recommendations (
    id           TEXT PRIMARY KEY,
    entity_type  TEXT NOT NULL,
    entity_id    TEXT NOT NULL,
    category     TEXT NOT NULL,
    title        TEXT NOT NULL,
    summary      TEXT NOT NULL,
    status       TEXT NOT NULL,
    window_start TIMESTAMPTZ NOT NULL,
    window_end   TIMESTAMPTZ NOT NULL,
    grain        TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    decided_at   TIMESTAMPTZ,
    decided_by   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS recommendations_status_idx
    ON recommendations (status, window_start);

CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    kind         TEXT NOT NULL,
    window_start TIMESTAMPTZ NOT NULL,
    window_end   TIMESTAMPTZ NOT NULL,
    grain        TEXT NOT NULL,
    triggered_by TEXT NOT NULL,
    status       TEXT NOT NULL,
    detail       TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ NOT NULL,
    finished_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS runs_kind_started_idx
    ON runs (kind, started_at DESC);
`

var (
	_ ledger.Reader       = (*Store)(nil)
	_ rollup.BucketStore  = (*Store)(nil)
	_ forecast.PointStore = (*Store)(nil)
	_ fx.QuoteStore       = (*Store)(nil)
	_ fx.PositionSource   = (*Store)(nil)
	_ fx.ArtifactStore    = (*Store)(nil)
	_ insight.Store       = (*Store)(nil)
	_ insight.ScoreSource = (*Store)(nil)
	_ run.Store           = (*Store)(nil)
)

// EnsureSchema creates the tables the analytics core owns. Idempotent:
// existing tables are left untouched.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, ensureSchemaSQL); execErr != nil {
		return fmt.Errorf("ensure schema: %w", execErr)
	}
	return nil
}
