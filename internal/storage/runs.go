package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"

	"swainos-analytics/internal/run"
	"swainos-analytics/internal/timeseries"
)

const (
	insertRunSQL = `INSERT INTO runs (
        id,
        kind,
        window_start,
        window_end,
        grain,
        triggered_by,
        status,
        detail,
        error,
        started_at,
        finished_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    );`

	finishRunSQL = `UPDATE runs
    SET status = $2,
        detail = $3,
        error = $4,
        finished_at = $5
    WHERE id = $1;`

	runColumns = `id,
        kind,
        window_start,
        window_end,
        grain,
        triggered_by,
        status,
        detail,
        error,
        started_at,
        finished_at`

	findInFlightRunSQL = `SELECT ` + runColumns + `
    FROM runs
    WHERE kind = $1
      AND window_start = $2
      AND window_end = $3
      AND status = 'running'
    ORDER BY started_at DESC
    LIMIT 1;`

	getRunSQL = `SELECT ` + runColumns + `
    FROM runs
    WHERE id = $1;`

	listRunsSQL = `SELECT ` + runColumns + `
    FROM runs
    WHERE kind = $1
    ORDER BY started_at DESC
    LIMIT $2;`
)

// InsertRun records the start of a run.
func (s *Store) InsertRun(ctx context.Context, rec run.Record) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var finishedAt any
	if rec.FinishedAt != nil {
		finishedAt = *rec.FinishedAt
	}
	if _, execErr := pool.Exec(ctx, insertRunSQL,
		rec.ID,
		string(rec.Kind),
		rec.Window.Start,
		rec.Window.End,
		string(rec.Window.Grain),
		string(rec.Trigger),
		string(rec.Status),
		rec.Detail,
		rec.Error,
		rec.StartedAt,
		finishedAt,
	); execErr != nil {
		return fmt.Errorf("insert run: %w", execErr)
	}
	return nil
}

// FinishRun records a run outcome.
func (s *Store) FinishRun(ctx context.Context, rec run.Record) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var finishedAt any
	if rec.FinishedAt != nil {
		finishedAt = *rec.FinishedAt
	}
	cmdTag, execErr := pool.Exec(ctx, finishRunSQL,
		rec.ID, string(rec.Status), rec.Detail, rec.Error, finishedAt)
	if execErr != nil {
		return fmt.Errorf("finish run: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// FindInFlight returns the running record for (kind, window) when one exists.
func (s *Store) FindInFlight(ctx context.Context, kind run.Kind, window timeseries.Window) (run.Record, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return run.Record{}, false, err
	}

	rows, queryErr := pool.Query(ctx, findInFlightRunSQL, string(kind), window.Start, window.End)
	if queryErr != nil {
		return run.Record{}, false, fmt.Errorf("find in-flight run: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return run.Record{}, false, rows.Err()
		}
		return run.Record{}, false, nil
	}
	rec, scanErr := scanRun(rows)
	if scanErr != nil {
		return run.Record{}, false, scanErr
	}
	return rec, true, nil
}

// GetRun returns a run record by id.
func (s *Store) GetRun(ctx context.Context, id string) (run.Record, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return run.Record{}, false, err
	}

	rows, queryErr := pool.Query(ctx, getRunSQL, id)
	if queryErr != nil {
		return run.Record{}, false, fmt.Errorf("get run: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return run.Record{}, false, rows.Err()
		}
		return run.Record{}, false, nil
	}
	rec, scanErr := scanRun(rows)
	if scanErr != nil {
		return run.Record{}, false, scanErr
	}
	return rec, true, nil
}

// ListRuns returns the most recent run records for a kind.
func (s *Store) ListRuns(ctx context.Context, kind run.Kind, limit int) ([]run.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRunsSQL, string(kind), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list runs: %w", queryErr)
	}
	defer rows.Close()

	recs := make([]run.Record, 0, limit)
	for rows.Next() {
		rec, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		recs = append(recs, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return recs, nil
}

func scanRun(rows pgx.Rows) (run.Record, error) {
	var (
		rec        run.Record
		kind       string
		grain      string
		trigger    string
		status     string
		finishedAt sql.NullTime
	)
	if err := rows.Scan(
		&rec.ID,
		&kind,
		&rec.Window.Start,
		&rec.Window.End,
		&grain,
		&trigger,
		&status,
		&rec.Detail,
		&rec.Error,
		&rec.StartedAt,
		&finishedAt,
	); err != nil {
		return run.Record{}, err
	}
	rec.Kind = run.Kind(kind)
	rec.Window.Grain = timeseries.Grain(grain)
	rec.Trigger = run.Trigger(trigger)
	rec.Status = run.Status(status)
	if finishedAt.Valid {
		value := finishedAt.Time
		rec.FinishedAt = &value
	}
	return rec, nil
}
