package app

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"swainos-analytics/internal/ledger"
)

// IngestOptions configure the raw-record ingest job.
type IngestOptions struct {
	Path   string
	DryRun bool
}

// ledgerCSVHeader is the expected column order of an ingest file.
var ledgerCSVHeader = []string{"id", "type", "category", "occurred_at", "amount", "currency", "agency", "consultant", "channel"}

// Ingest loads raw ledger records from a CSV file into the record store.
// Rows whose id already exists are skipped by the store, so re-running the
// same file is harmless.
func (a *App) Ingest(ctx context.Context, opts IngestOptions) error {
	if opts.Path == "" {
		return fmt.Errorf("ingest requires a file path")
	}

	file, err := os.Open(opts.Path)
	if err != nil {
		return fmt.Errorf("open ingest file: %w", err)
	}
	defer file.Close()

	records, err := parseLedgerCSV(file)
	if err != nil {
		return err
	}

	if opts.DryRun {
		a.Logger.Info().Int("records", len(records)).Msg("ingest dry run, nothing persisted")
		return nil
	}

	err = a.withStore(ctx, func(c *core) error {
		return c.store.InsertRawRecords(ctx, records)
	})
	if err != nil {
		return err
	}

	a.Logger.Info().Int("records", len(records)).Str("file", opts.Path).Msg("records ingested")
	return nil
}

func parseLedgerCSV(r io.Reader) ([]ledger.RawRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(ledgerCSVHeader)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, want := range ledgerCSVHeader {
		if !strings.EqualFold(strings.TrimSpace(header[i]), want) {
			return nil, fmt.Errorf("unexpected header column %d: got %q, want %q", i, header[i], want)
		}
	}

	var records []ledger.RawRecord
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		line++

		rec, err := parseLedgerRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseLedgerRow(row []string) (ledger.RawRecord, error) {
	recordType := ledger.RecordType(strings.TrimSpace(row[1]))
	switch recordType {
	case ledger.RecordTransaction, ledger.RecordBooking, ledger.RecordItineraryEvent, ledger.RecordFXQuote:
	default:
		return ledger.RawRecord{}, fmt.Errorf("unknown record type %q", row[1])
	}

	occurredAt, err := time.Parse(time.RFC3339, strings.TrimSpace(row[3]))
	if err != nil {
		return ledger.RawRecord{}, fmt.Errorf("parse occurred_at: %w", err)
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(row[4]))
	if err != nil {
		return ledger.RawRecord{}, fmt.Errorf("parse amount: %w", err)
	}

	return ledger.RawRecord{
		ID:         strings.TrimSpace(row[0]),
		Type:       recordType,
		Category:   strings.TrimSpace(row[2]),
		OccurredAt: occurredAt.UTC(),
		Amount:     amount,
		Currency:   strings.TrimSpace(row[5]),
		Agency:     strings.TrimSpace(row[6]),
		Consultant: strings.TrimSpace(row[7]),
		Channel:    strings.TrimSpace(row[8]),
	}, nil
}
