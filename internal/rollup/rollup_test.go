package rollup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"swainos-analytics/internal/ledger"
	"swainos-analytics/internal/timeseries"
)

type fakeReader struct {
	records []ledger.RawRecord
	err     error
}

func (f *fakeReader) FetchRecords(_ context.Context, recordType ledger.RecordType, window timeseries.Window, filter ledger.DimensionFilter) ([]ledger.RawRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []ledger.RawRecord
	for _, r := range f.records {
		if r.Type == recordType && window.Contains(r.OccurredAt) && filter.Match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeBucketStore struct {
	replaced map[string][]Bucket
}

func newFakeBucketStore() *fakeBucketStore {
	return &fakeBucketStore{replaced: make(map[string][]Bucket)}
}

func (s *fakeBucketStore) ReplaceBuckets(_ context.Context, window timeseries.Window, buckets []Bucket) error {
	s.replaced[window.Key()] = buckets
	return nil
}

func (s *fakeBucketStore) ListBuckets(_ context.Context, window timeseries.Window, key *DimensionKey) ([]Bucket, error) {
	var out []Bucket
	for _, set := range s.replaced {
		for _, b := range set {
			if b.Period.Start.Before(window.End) && window.Start.Before(b.Period.End) {
				if key == nil || *key == b.Key {
					out = append(out, b)
				}
			}
		}
	}
	return out, nil
}

func march() timeseries.Window {
	return timeseries.New(
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		timeseries.GrainMonth,
	)
}

func txn(category string, day int, amount int64) ledger.RawRecord {
	return ledger.RawRecord{
		Type:       ledger.RecordTransaction,
		Category:   category,
		OccurredAt: time.Date(2026, 3, day, 10, 0, 0, 0, time.UTC),
		Amount:     decimal.NewFromInt(amount),
		Currency:   "USD",
		Agency:     "acme",
		Channel:    "direct",
	}
}

func TestComputeRollupNetCash(t *testing.T) {
	reader := &fakeReader{records: []ledger.RawRecord{
		txn(ledger.CategoryCustomerPayment, 3, 700),
		txn(ledger.CategoryDeposit, 10, 300),
		txn(ledger.CategorySupplierInvoice, 15, 400),
	}}
	store := newFakeBucketStore()
	engine := NewEngine(reader, store, zerolog.Nop())

	buckets, err := engine.ComputeRollup(context.Background(), march(), ledger.DimensionFilter{})
	require.NoError(t, err)
	require.Len(t, buckets, 1)

	b := buckets[0]
	require.True(t, b.Metric(MetricCashIn).Equal(decimal.NewFromInt(1000)))
	require.True(t, b.Metric(MetricCashOut).Equal(decimal.NewFromInt(400)))
	require.True(t, b.Metric(MetricNetCash).Equal(decimal.NewFromInt(600)))
	require.True(t, b.Metric(MetricDeposits).Equal(decimal.NewFromInt(300)))
	require.True(t, b.Metric(MetricPaymentsOut).Equal(decimal.NewFromInt(400)))
	require.Len(t, store.replaced, 1, "bucket set should be persisted")
}

func TestComputeRollupIdempotent(t *testing.T) {
	reader := &fakeReader{records: []ledger.RawRecord{
		txn(ledger.CategoryCustomerPayment, 2, 125),
		txn(ledger.CategorySupplierInvoice, 20, 50),
	}}
	engine := NewEngine(reader, newFakeBucketStore(), zerolog.Nop())

	first, err := engine.ComputeRollup(context.Background(), march(), ledger.DimensionFilter{})
	require.NoError(t, err)
	second, err := engine.ComputeRollup(context.Background(), march(), ledger.DimensionFilter{})
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, first[i].Key, second[i].Key)
		for name, value := range first[i].Metrics {
			require.True(t, value.Equal(second[i].Metric(name)), "metric %s must be bit-identical across reruns", name)
		}
	}
}

func TestComputeRollupAdjacentWindowsSumToUnion(t *testing.T) {
	q1 := timeseries.New(
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		timeseries.GrainMonth,
	)
	q2 := timeseries.New(q1.End, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), timeseries.GrainMonth)
	union := timeseries.New(q1.Start, q2.End, timeseries.GrainMonth)

	records := []ledger.RawRecord{
		{Type: ledger.RecordTransaction, Category: ledger.CategoryCustomerPayment, OccurredAt: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), Amount: decimal.NewFromInt(100), Currency: "USD"},
		{Type: ledger.RecordTransaction, Category: ledger.CategoryCustomerPayment, OccurredAt: time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC), Amount: decimal.NewFromInt(40), Currency: "USD"},
		{Type: ledger.RecordTransaction, Category: ledger.CategoryCustomerPayment, OccurredAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), Amount: decimal.NewFromInt(7), Currency: "USD"},
		{Type: ledger.RecordTransaction, Category: ledger.CategoryCustomerPayment, OccurredAt: time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC), Amount: decimal.NewFromInt(13), Currency: "USD"},
	}
	engine := NewEngine(&fakeReader{records: records}, nil, zerolog.Nop())

	total := func(buckets []Bucket) decimal.Decimal {
		sum := decimal.Zero
		for _, b := range buckets {
			sum = sum.Add(b.Metric(MetricCashIn))
		}
		return sum
	}

	b1, err := engine.ComputeRollup(context.Background(), q1, ledger.DimensionFilter{})
	require.NoError(t, err)
	b2, err := engine.ComputeRollup(context.Background(), q2, ledger.DimensionFilter{})
	require.NoError(t, err)
	bu, err := engine.ComputeRollup(context.Background(), union, ledger.DimensionFilter{})
	require.NoError(t, err)

	require.True(t, total(b1).Add(total(b2)).Equal(total(bu)),
		"sum over consecutive windows must equal sum over their union (no double counting, no drops)")
	require.True(t, total(bu).Equal(decimal.NewFromInt(160)))
}

func TestComputeRollupGroupsByDimension(t *testing.T) {
	records := []ledger.RawRecord{
		txn(ledger.CategoryCustomerPayment, 5, 10),
		{Type: ledger.RecordTransaction, Category: ledger.CategoryCustomerPayment, OccurredAt: time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), Amount: decimal.NewFromInt(20), Currency: "AUD", Agency: "acme", Channel: "trade"},
	}
	engine := NewEngine(&fakeReader{records: records}, nil, zerolog.Nop())

	buckets, err := engine.ComputeRollup(context.Background(), march(), ledger.DimensionFilter{})
	require.NoError(t, err)
	require.Len(t, buckets, 2)
}

func TestComputeRollupFilter(t *testing.T) {
	records := []ledger.RawRecord{
		txn(ledger.CategoryCustomerPayment, 5, 10),
		{Type: ledger.RecordTransaction, Category: ledger.CategoryCustomerPayment, OccurredAt: time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC), Amount: decimal.NewFromInt(99), Currency: "USD", Agency: "other", Channel: "direct"},
	}
	engine := NewEngine(&fakeReader{records: records}, nil, zerolog.Nop())

	buckets, err := engine.ComputeRollup(context.Background(), march(), ledger.DimensionFilter{Agencies: []string{"acme"}})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.Equal(t, "acme", buckets[0].Key.Agency)
}

func TestComputeRollupPropagatesDataUnavailable(t *testing.T) {
	engine := NewEngine(&fakeReader{err: ledger.ErrDataUnavailable}, nil, zerolog.Nop())

	_, err := engine.ComputeRollup(context.Background(), march(), ledger.DimensionFilter{})
	require.ErrorIs(t, err, ledger.ErrDataUnavailable)
}

func TestComputeRollupRejectsInvalidWindow(t *testing.T) {
	engine := NewEngine(&fakeReader{}, nil, zerolog.Nop())
	w := march()
	w.End = w.Start

	_, err := engine.ComputeRollup(context.Background(), w, ledger.DimensionFilter{})
	require.ErrorIs(t, err, timeseries.ErrInvalidWindow)
}

// strictBucketStore mimics the SQL replace semantics: a range delete on
// [window.Start, window.End) followed by inserts that fail on a duplicate
// (period_start, grain, dimension) row.
type strictBucketStore struct {
	rows map[string]Bucket
}

func newStrictBucketStore() *strictBucketStore {
	return &strictBucketStore{rows: make(map[string]Bucket)}
}

func rowKey(b Bucket) string {
	return b.Period.Start.Format(time.RFC3339) + "|" + string(b.Period.Grain) + "|" + b.Key.String()
}

func (s *strictBucketStore) ReplaceBuckets(_ context.Context, window timeseries.Window, buckets []Bucket) error {
	for key, b := range s.rows {
		if b.Period.Grain == window.Grain && !b.Period.Start.Before(window.Start) && b.Period.Start.Before(window.End) {
			delete(s.rows, key)
		}
	}
	for _, b := range buckets {
		key := rowKey(b)
		if _, exists := s.rows[key]; exists {
			return errors.New("duplicate key value violates unique constraint")
		}
		s.rows[key] = b
	}
	return nil
}

func (s *strictBucketStore) ListBuckets(_ context.Context, window timeseries.Window, key *DimensionKey) ([]Bucket, error) {
	var out []Bucket
	for _, b := range s.rows {
		if b.Period.Grain != window.Grain || b.Period.Start.Before(window.Start) || !b.Period.Start.Before(window.End) {
			continue
		}
		if key != nil && *key != b.Key {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func TestComputeRollupUnalignedWindowRerun(t *testing.T) {
	// A now-anchored trailing window starts mid-day; the first emitted
	// bucket precedes window.Start and must still fall inside the replaced
	// and readable range.
	now := time.Date(2026, 3, 20, 10, 30, 0, 0, time.UTC)
	window, err := timeseries.ParseTrailing("10d", now)
	require.NoError(t, err)

	reader := &fakeReader{records: []ledger.RawRecord{
		txn(ledger.CategoryCustomerPayment, 10, 100), // inside the first, partially covered day
		txn(ledger.CategoryCustomerPayment, 15, 50),
	}}
	store := newStrictBucketStore()
	engine := NewEngine(reader, store, zerolog.Nop())

	first, err := engine.ComputeRollup(context.Background(), window, ledger.DimensionFilter{})
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := engine.ComputeRollup(context.Background(), window, ledger.DimensionFilter{})
	require.NoError(t, err, "rerun over the same window must replace, not collide")
	require.Equal(t, len(first), len(second))

	listed, err := store.ListBuckets(context.Background(), window.Aligned(), nil)
	require.NoError(t, err)
	require.Len(t, listed, 2, "the first-period bucket is visible to range reads")
}

func TestBookingAndItineraryMetrics(t *testing.T) {
	records := []ledger.RawRecord{
		{Type: ledger.RecordBooking, OccurredAt: time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC), Amount: decimal.NewFromInt(5000), Currency: "USD", Agency: "acme"},
		{Type: ledger.RecordBooking, OccurredAt: time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), Amount: decimal.NewFromInt(2500), Currency: "USD", Agency: "acme"},
		{Type: ledger.RecordItineraryEvent, OccurredAt: time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), Amount: decimal.NewFromInt(900), Currency: "USD", Agency: "acme"},
	}
	engine := NewEngine(&fakeReader{records: records}, nil, zerolog.Nop())

	buckets, err := engine.ComputeRollup(context.Background(), march(), ledger.DimensionFilter{})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.True(t, buckets[0].Metric(MetricBookingCount).Equal(decimal.NewFromInt(2)))
	require.True(t, buckets[0].Metric(MetricItineraryCount).Equal(decimal.NewFromInt(1)))
	require.True(t, buckets[0].Metric(MetricGrossRevenue).Equal(decimal.NewFromInt(8400)))
}
