package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"swainos-analytics/internal/rollup"
	"swainos-analytics/internal/timeseries"
)

const (
	deleteBucketsInWindowSQL = `DELETE FROM rollup_buckets
    WHERE grain = $1
      AND period_start >= $2
      AND period_start < $3;`

	insertBucketSQL = `INSERT INTO rollup_buckets (
        period_start,
        period_end,
        grain,
        agency,
        consultant,
        channel,
        currency,
        metrics,
        computed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	listBucketsSQL = `SELECT
        period_start,
        period_end,
        grain,
        agency,
        consultant,
        channel,
        currency,
        metrics,
        computed_at
    FROM rollup_buckets
    WHERE grain = $1
      AND period_start >= $2
      AND period_start < $3
    ORDER BY period_start, agency, consultant, channel, currency;`

	listBucketsByKeySQL = `SELECT
        period_start,
        period_end,
        grain,
        agency,
        consultant,
        channel,
        currency,
        metrics,
        computed_at
    FROM rollup_buckets
    WHERE grain = $1
      AND period_start >= $2
      AND period_start < $3
      AND agency = $4
      AND consultant = $5
      AND channel = $6
      AND currency = $7
    ORDER BY period_start;`
)

// ReplaceBuckets swaps the bucket set for the window inside one transaction
// so readers never observe a partial refresh.
func (s *Store) ReplaceBuckets(ctx context.Context, window timeseries.Window, buckets []rollup.Bucket) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace buckets: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, execErr := tx.Exec(ctx, deleteBucketsInWindowSQL, string(window.Grain), window.Start, window.End); execErr != nil {
		return fmt.Errorf("delete window buckets: %w", execErr)
	}

	for _, bucket := range buckets {
		payload, marshalErr := json.Marshal(metricsToStrings(bucket.Metrics))
		if marshalErr != nil {
			return fmt.Errorf("encode bucket metrics: %w", marshalErr)
		}
		if _, execErr := tx.Exec(ctx, insertBucketSQL,
			bucket.Period.Start,
			bucket.Period.End,
			string(bucket.Period.Grain),
			bucket.Key.Agency,
			bucket.Key.Consultant,
			bucket.Key.Channel,
			bucket.Key.Currency,
			payload,
			bucket.ComputedAt,
		); execErr != nil {
			return fmt.Errorf("insert bucket: %w", execErr)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace buckets: %w", err)
	}
	return nil
}

// ListBuckets returns buckets whose period start falls inside the window,
// optionally narrowed to one dimension key.
func (s *Store) ListBuckets(ctx context.Context, window timeseries.Window, key *rollup.DimensionKey) ([]rollup.Bucket, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var rows pgx.Rows
	var queryErr error
	if key == nil {
		rows, queryErr = pool.Query(ctx, listBucketsSQL, string(window.Grain), window.Start, window.End)
	} else {
		rows, queryErr = pool.Query(ctx, listBucketsByKeySQL,
			string(window.Grain), window.Start, window.End,
			key.Agency, key.Consultant, key.Channel, key.Currency)
	}
	if queryErr != nil {
		return nil, fmt.Errorf("list buckets: %w", queryErr)
	}
	defer rows.Close()

	buckets := make([]rollup.Bucket, 0)
	for rows.Next() {
		bucket, scanErr := scanBucket(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		buckets = append(buckets, bucket)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return buckets, nil
}

func scanBucket(rows pgx.Rows) (rollup.Bucket, error) {
	var (
		bucket  rollup.Bucket
		grain   string
		payload []byte
	)
	if err := rows.Scan(
		&bucket.Period.Start,
		&bucket.Period.End,
		&grain,
		&bucket.Key.Agency,
		&bucket.Key.Consultant,
		&bucket.Key.Channel,
		&bucket.Key.Currency,
		&payload,
		&bucket.ComputedAt,
	); err != nil {
		return rollup.Bucket{}, err
	}
	bucket.Period.Grain = timeseries.Grain(grain)

	raw := make(map[string]string)
	if err := json.Unmarshal(payload, &raw); err != nil {
		return rollup.Bucket{}, fmt.Errorf("decode bucket metrics: %w", err)
	}
	bucket.Metrics = make(map[string]decimal.Decimal, len(raw))
	for name, value := range raw {
		parsed, err := decimal.NewFromString(value)
		if err != nil {
			return rollup.Bucket{}, fmt.Errorf("parse metric %s: %w", name, err)
		}
		bucket.Metrics[name] = parsed
	}
	return bucket, nil
}

func metricsToStrings(metrics map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(metrics))
	for name, value := range metrics {
		out[name] = value.String()
	}
	return out
}
