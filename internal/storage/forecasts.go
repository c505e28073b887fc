package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"swainos-analytics/internal/forecast"
	"swainos-analytics/internal/rollup"
	"swainos-analytics/internal/timeseries"
)

const (
	deletePointsForSeriesSQL = `DELETE FROM forecast_points
    WHERE agency = $1
      AND consultant = $2
      AND channel = $3
      AND currency = $4
      AND metric = $5;`

	deletePointForPeriodSQL = `DELETE FROM forecast_points
    WHERE agency = $1
      AND consultant = $2
      AND channel = $3
      AND currency = $4
      AND metric = $5
      AND period_start = $6
      AND grain = $7;`

	insertPointSQL = `INSERT INTO forecast_points (
        period_start,
        period_end,
        grain,
        agency,
        consultant,
        channel,
        currency,
        metric,
        predicted,
        lower_bound,
        upper_bound,
        method,
        generated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    );`

	listPointsSQL = `SELECT
        period_start,
        period_end,
        grain,
        agency,
        consultant,
        channel,
        currency,
        metric,
        predicted,
        lower_bound,
        upper_bound,
        method,
        generated_at
    FROM forecast_points
    WHERE grain = $1
      AND period_start >= $2
      AND period_start < $3
    ORDER BY period_start, agency, consultant, channel, currency, metric;`

	listPointsByKeySQL = `SELECT
        period_start,
        period_end,
        grain,
        agency,
        consultant,
        channel,
        currency,
        metric,
        predicted,
        lower_bound,
        upper_bound,
        method,
        generated_at
    FROM forecast_points
    WHERE grain = $1
      AND period_start >= $2
      AND period_start < $3
      AND agency = $4
      AND consultant = $5
      AND channel = $6
      AND currency = $7
    ORDER BY period_start, metric;`
)

// ReplacePoints swaps the stored forecast series for (key, metric) inside
// one transaction.
func (s *Store) ReplacePoints(ctx context.Context, key rollup.DimensionKey, metric string, points []forecast.Point) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace points: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, execErr := tx.Exec(ctx, deletePointsForSeriesSQL,
		key.Agency, key.Consultant, key.Channel, key.Currency, metric); execErr != nil {
		return fmt.Errorf("delete forecast series: %w", execErr)
	}

	for _, point := range points {
		if _, execErr := tx.Exec(ctx, insertPointSQL,
			point.Period.Start,
			point.Period.End,
			string(point.Period.Grain),
			point.Key.Agency,
			point.Key.Consultant,
			point.Key.Channel,
			point.Key.Currency,
			point.Metric,
			point.Predicted.String(),
			point.Lower.String(),
			point.Upper.String(),
			string(point.Method),
			point.GeneratedAt,
		); execErr != nil {
			return fmt.Errorf("insert forecast point: %w", execErr)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace points: %w", err)
	}
	return nil
}

// DeletePoints removes projections for periods whose actuals have landed.
func (s *Store) DeletePoints(ctx context.Context, key rollup.DimensionKey, metric string, periods []timeseries.Window) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, period := range periods {
		if _, execErr := pool.Exec(ctx, deletePointForPeriodSQL,
			key.Agency, key.Consultant, key.Channel, key.Currency, metric,
			period.Start, string(period.Grain)); execErr != nil {
			return fmt.Errorf("delete superseded point: %w", execErr)
		}
	}
	return nil
}

// ListPoints returns forecast points whose period start falls inside the
// window, optionally narrowed to one dimension key.
func (s *Store) ListPoints(ctx context.Context, window timeseries.Window, key *rollup.DimensionKey) ([]forecast.Point, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var rows pgx.Rows
	var queryErr error
	if key == nil {
		rows, queryErr = pool.Query(ctx, listPointsSQL, string(window.Grain), window.Start, window.End)
	} else {
		rows, queryErr = pool.Query(ctx, listPointsByKeySQL,
			string(window.Grain), window.Start, window.End,
			key.Agency, key.Consultant, key.Channel, key.Currency)
	}
	if queryErr != nil {
		return nil, fmt.Errorf("list forecast points: %w", queryErr)
	}
	defer rows.Close()

	points := make([]forecast.Point, 0)
	for rows.Next() {
		point, scanErr := scanPoint(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		points = append(points, point)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

func scanPoint(rows pgx.Rows) (forecast.Point, error) {
	var (
		point        forecast.Point
		grain        string
		method       string
		predictedStr string
		lowerStr     string
		upperStr     string
	)
	if err := rows.Scan(
		&point.Period.Start,
		&point.Period.End,
		&grain,
		&point.Key.Agency,
		&point.Key.Consultant,
		&point.Key.Channel,
		&point.Key.Currency,
		&point.Metric,
		&predictedStr,
		&lowerStr,
		&upperStr,
		&method,
		&point.GeneratedAt,
	); err != nil {
		return forecast.Point{}, err
	}
	point.Period.Grain = timeseries.Grain(grain)
	point.Method = forecast.Method(method)

	var convErr error
	point.Predicted, convErr = decimal.NewFromString(predictedStr)
	if convErr != nil {
		return forecast.Point{}, fmt.Errorf("parse predicted: %w", convErr)
	}
	point.Lower, convErr = decimal.NewFromString(lowerStr)
	if convErr != nil {
		return forecast.Point{}, fmt.Errorf("parse lower bound: %w", convErr)
	}
	point.Upper, convErr = decimal.NewFromString(upperStr)
	if convErr != nil {
		return forecast.Point{}, fmt.Errorf("parse upper bound: %w", convErr)
	}
	return point, nil
}
