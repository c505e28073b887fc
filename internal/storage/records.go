package storage

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"swainos-analytics/internal/ledger"
	"swainos-analytics/internal/timeseries"
)

const (
	fetchRecordsSQL = `SELECT
        id,
        record_type,
        category,
        occurred_at,
        amount,
        currency,
        agency,
        consultant,
        channel
    FROM raw_records
    WHERE record_type = $1
      AND occurred_at >= $2
      AND occurred_at < $3
    ORDER BY occurred_at, id;`

	insertRawRecordSQL = `INSERT INTO raw_records (
        id,
        record_type,
        category,
        occurred_at,
        amount,
        currency,
        agency,
        consultant,
        channel
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (id) DO NOTHING;`
)

// FetchRecords reads raw facts for the window. Dimension filtering happens
// in process so the SQL stays a single indexed range scan.
func (s *Store) FetchRecords(ctx context.Context, recordType ledger.RecordType, window timeseries.Window, filter ledger.DimensionFilter) ([]ledger.RawRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrDataUnavailable, err)
	}

	rows, queryErr := pool.Query(ctx, fetchRecordsSQL, string(recordType), window.Start, window.End)
	if queryErr != nil {
		return nil, fmt.Errorf("%w: fetch records: %v", ledger.ErrDataUnavailable, queryErr)
	}
	defer rows.Close()

	records := make([]ledger.RawRecord, 0)
	for rows.Next() {
		var (
			rec       ledger.RawRecord
			amountStr string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Type,
			&rec.Category,
			&rec.OccurredAt,
			&amountStr,
			&rec.Currency,
			&rec.Agency,
			&rec.Consultant,
			&rec.Channel,
		); err != nil {
			return nil, fmt.Errorf("%w: scan record: %v", ledger.ErrDataUnavailable, err)
		}
		rec.Amount, err = decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("%w: parse amount: %v", ledger.ErrDataUnavailable, err)
		}
		if !filter.Match(rec) {
			continue
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrDataUnavailable, rows.Err())
	}
	return records, nil
}

// InsertRawRecords loads facts into the record store, skipping ids already
// present. Used by the ingest command; the analytics core itself only reads.
func (s *Store) InsertRawRecords(ctx context.Context, records []ledger.RawRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if _, execErr := pool.Exec(ctx, insertRawRecordSQL,
			rec.ID,
			string(rec.Type),
			rec.Category,
			rec.OccurredAt,
			rec.Amount.String(),
			rec.Currency,
			rec.Agency,
			rec.Consultant,
			rec.Channel,
		); execErr != nil {
			return fmt.Errorf("insert raw record: %w", execErr)
		}
	}
	return nil
}
