package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"

	"swainos-analytics/internal/insight"
	"swainos-analytics/internal/timeseries"
)

const (
	insertRecommendationSQL = `INSERT INTO recommendations (
        id,
        entity_type,
        entity_id,
        category,
        title,
        summary,
        status,
        window_start,
        window_end,
        grain,
        created_at,
        decided_at,
        decided_by
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    );`

	recommendationColumns = `id,
        entity_type,
        entity_id,
        category,
        title,
        summary,
        status,
        window_start,
        window_end,
        grain,
        created_at,
        decided_at,
        decided_by`

	listOpenRecommendationsSQL = `SELECT ` + recommendationColumns + `
    FROM recommendations
    WHERE status NOT IN ('dismissed', 'actioned')
      AND window_start < $2
      AND window_end > $1
    ORDER BY created_at;`

	getRecommendationSQL = `SELECT ` + recommendationColumns + `
    FROM recommendations
    WHERE id = $1;`

	updateRecommendationSQL = `UPDATE recommendations
    SET status = $2,
        decided_at = $3,
        decided_by = $4
    WHERE id = $1;`
)

// InsertRecommendations persists freshly generated recommendations.
func (s *Store) InsertRecommendations(ctx context.Context, recs []insight.Recommendation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		var decidedAt any
		if rec.DecidedAt != nil {
			decidedAt = *rec.DecidedAt
		}
		if _, execErr := pool.Exec(ctx, insertRecommendationSQL,
			rec.ID,
			rec.EntityType,
			rec.EntityID,
			string(rec.Category),
			rec.Title,
			rec.Summary,
			string(rec.Status),
			rec.Window.Start,
			rec.Window.End,
			string(rec.Window.Grain),
			rec.CreatedAt,
			decidedAt,
			rec.DecidedBy,
		); execErr != nil {
			return fmt.Errorf("insert recommendation: %w", execErr)
		}
	}
	return nil
}

// ListOpen returns non-terminal recommendations whose window overlaps the
// given one.
func (s *Store) ListOpen(ctx context.Context, window timeseries.Window) ([]insight.Recommendation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listOpenRecommendationsSQL, window.Start, window.End)
	if queryErr != nil {
		return nil, fmt.Errorf("list open recommendations: %w", queryErr)
	}
	defer rows.Close()

	recs := make([]insight.Recommendation, 0)
	for rows.Next() {
		rec, scanErr := scanRecommendation(rows)
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

// GetRecommendation returns a recommendation by id.
func (s *Store) GetRecommendation(ctx context.Context, id string) (insight.Recommendation, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return insight.Recommendation{}, false, err
	}

	rows, queryErr := pool.Query(ctx, getRecommendationSQL, id)
	if queryErr != nil {
		return insight.Recommendation{}, false, fmt.Errorf("get recommendation: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return insight.Recommendation{}, false, rows.Err()
		}
		return insight.Recommendation{}, false, nil
	}
	rec, scanErr := scanRecommendation(rows)
	if scanErr != nil {
		return insight.Recommendation{}, false, scanErr
	}
	return rec, true, nil
}

// UpdateRecommendation persists a lifecycle transition.
func (s *Store) UpdateRecommendation(ctx context.Context, rec insight.Recommendation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var decidedAt any
	if rec.DecidedAt != nil {
		decidedAt = *rec.DecidedAt
	}
	cmdTag, execErr := pool.Exec(ctx, updateRecommendationSQL,
		rec.ID, string(rec.Status), decidedAt, rec.DecidedBy)
	if execErr != nil {
		return fmt.Errorf("update recommendation: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func scanRecommendation(rows pgx.Rows) (insight.Recommendation, error) {
	var (
		rec       insight.Recommendation
		category  string
		status    string
		grain     string
		decidedAt sql.NullTime
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.EntityType,
		&rec.EntityID,
		&category,
		&rec.Title,
		&rec.Summary,
		&status,
		&rec.Window.Start,
		&rec.Window.End,
		&grain,
		&rec.CreatedAt,
		&decidedAt,
		&rec.DecidedBy,
	); err != nil {
		return insight.Recommendation{}, err
	}
	rec.Category = insight.Category(category)
	rec.Status = insight.Status(status)
	rec.Window.Grain = timeseries.Grain(grain)
	if decidedAt.Valid {
		value := decidedAt.Time
		rec.DecidedAt = &value
	}
	return rec, nil
}
