package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"swainos-analytics/internal/forecast"
	"swainos-analytics/internal/fx"
	"swainos-analytics/internal/insight"
	"swainos-analytics/internal/ledger"
	"swainos-analytics/internal/rollup"
	"swainos-analytics/internal/run"
	"swainos-analytics/internal/timeseries"
)

var juneWindow = timeseries.Window{
	Start: time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC),
	Grain: timeseries.GrainMonth,
}

type memReader struct {
	records []ledger.RawRecord
}

func (m *memReader) FetchRecords(ctx context.Context, recordType ledger.RecordType, window timeseries.Window, filter ledger.DimensionFilter) ([]ledger.RawRecord, error) {
	var out []ledger.RawRecord
	for _, rec := range m.records {
		if rec.Type != recordType || !window.Contains(rec.OccurredAt) || !filter.Match(rec) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

type memBuckets struct {
	buckets []rollup.Bucket
}

func (m *memBuckets) ReplaceBuckets(ctx context.Context, window timeseries.Window, buckets []rollup.Bucket) error {
	kept := m.buckets[:0]
	for _, b := range m.buckets {
		if b.Period.Grain == window.Grain && !b.Period.Start.Before(window.Start) && b.Period.Start.Before(window.End) {
			continue
		}
		kept = append(kept, b)
	}
	m.buckets = append(kept, buckets...)
	return nil
}

func (m *memBuckets) ListBuckets(ctx context.Context, window timeseries.Window, key *rollup.DimensionKey) ([]rollup.Bucket, error) {
	var out []rollup.Bucket
	for _, b := range m.buckets {
		if b.Period.Grain != window.Grain || b.Period.Start.Before(window.Start) || !b.Period.Start.Before(window.End) {
			continue
		}
		if key != nil && b.Key != *key {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

type memPoints struct {
	points []forecast.Point
}

func (m *memPoints) ReplacePoints(ctx context.Context, key rollup.DimensionKey, metric string, points []forecast.Point) error {
	kept := m.points[:0]
	for _, p := range m.points {
		if p.Key == key && p.Metric == metric {
			continue
		}
		kept = append(kept, p)
	}
	m.points = append(kept, points...)
	return nil
}

func (m *memPoints) DeletePoints(ctx context.Context, key rollup.DimensionKey, metric string, periods []timeseries.Window) error {
	kept := m.points[:0]
	for _, p := range m.points {
		drop := false
		if p.Key == key && p.Metric == metric {
			for _, period := range periods {
				if p.Period.Start.Equal(period.Start) {
					drop = true
					break
				}
			}
		}
		if !drop {
			kept = append(kept, p)
		}
	}
	m.points = kept
	return nil
}

func (m *memPoints) ListPoints(ctx context.Context, window timeseries.Window, key *rollup.DimensionKey) ([]forecast.Point, error) {
	var out []forecast.Point
	for _, p := range m.points {
		if p.Period.Start.Before(window.Start) || !p.Period.Start.Before(window.End) {
			continue
		}
		if key != nil && p.Key != *key {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

type memQuotes struct {
	quotes []fx.Quote
}

func (m *memQuotes) UpsertQuotes(ctx context.Context, quotes []fx.Quote) error {
	m.quotes = append(m.quotes, quotes...)
	return nil
}

func (m *memQuotes) LatestQuote(ctx context.Context, pair fx.Pair) (fx.Quote, bool, error) {
	var best fx.Quote
	found := false
	for _, q := range m.quotes {
		if q.Pair != pair {
			continue
		}
		if !found || q.QuotedAt.After(best.QuotedAt) {
			best = q
			found = true
		}
	}
	return best, found, nil
}

func (m *memQuotes) ListQuotes(ctx context.Context, pair fx.Pair, window timeseries.Window) ([]fx.Quote, error) {
	var out []fx.Quote
	for _, q := range m.quotes {
		if q.Pair == pair && window.Contains(q.QuotedAt) {
			out = append(out, q)
		}
	}
	return out, nil
}

type memPositions struct{}

func (memPositions) ListPositions(ctx context.Context, asOf time.Time) ([]fx.Position, error) {
	return nil, nil
}

type memArtifacts struct {
	signals []fx.Signal
	scores  []fx.Score
}

func (m *memArtifacts) ReplaceSignals(ctx context.Context, window timeseries.Window, signals []fx.Signal) error {
	m.signals = signals
	return nil
}

func (m *memArtifacts) ListSignals(ctx context.Context, window timeseries.Window) ([]fx.Signal, error) {
	return m.signals, nil
}

func (m *memArtifacts) ReplaceScores(ctx context.Context, window timeseries.Window, scores []fx.Score) error {
	m.scores = scores
	return nil
}

func (m *memArtifacts) ListScores(ctx context.Context, window timeseries.Window) ([]fx.Score, error) {
	return m.scores, nil
}

type memRecs struct {
	recs map[string]insight.Recommendation
}

func (m *memRecs) InsertRecommendations(ctx context.Context, recs []insight.Recommendation) error {
	for _, rec := range recs {
		m.recs[rec.ID] = rec
	}
	return nil
}

func (m *memRecs) ListOpen(ctx context.Context, window timeseries.Window) ([]insight.Recommendation, error) {
	var out []insight.Recommendation
	for _, rec := range m.recs {
		if !rec.Status.Terminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memRecs) GetRecommendation(ctx context.Context, id string) (insight.Recommendation, bool, error) {
	rec, ok := m.recs[id]
	return rec, ok, nil
}

func (m *memRecs) UpdateRecommendation(ctx context.Context, rec insight.Recommendation) error {
	m.recs[rec.ID] = rec
	return nil
}

type funcProvider func(ctx context.Context, pair fx.Pair, asOf time.Time) (fx.Quote, error)

func (f funcProvider) FetchRate(ctx context.Context, pair fx.Pair, asOf time.Time) (fx.Quote, error) {
	return f(ctx, pair, asOf)
}

// movementQuotes produce a +2% USD/AUD move inside juneWindow, twice the
// default movement threshold.
func movementQuotes() *memQuotes {
	return &memQuotes{quotes: []fx.Quote{
		{Pair: fx.Pair{Base: "USD", Quote: "AUD"}, Rate: decimal.NewFromFloat(1.50), QuotedAt: time.Date(2026, time.June, 2, 0, 0, 0, 0, time.UTC), Source: "test"},
		{Pair: fx.Pair{Base: "USD", Quote: "AUD"}, Rate: decimal.NewFromFloat(1.53), QuotedAt: time.Date(2026, time.June, 20, 0, 0, 0, 0, time.UTC), Source: "test"},
	}}
}

func paymentRecord(id string, day int, amount int64) ledger.RawRecord {
	return ledger.RawRecord{
		ID:         id,
		Type:       ledger.RecordTransaction,
		Category:   ledger.CategoryCustomerPayment,
		OccurredAt: time.Date(2026, time.June, day, 10, 0, 0, 0, time.UTC),
		Amount:     decimal.NewFromInt(amount),
		Currency:   "AUD",
		Agency:     "sydney",
	}
}

func newTestPipeline(reader ledger.Reader, buckets *memBuckets, artifacts *memArtifacts, provider fx.RateProvider, quotes *memQuotes) (*Pipeline, *memRecs) {
	logger := zerolog.Nop()
	rollups := rollup.NewEngine(reader, buckets, logger)
	points := &memPoints{}
	forecasts := forecast.NewEngine(buckets, points, forecast.Config{}, logger)
	fxEngine := fx.NewEngine(provider, quotes, memPositions{}, artifacts, fx.Config{
		BaseCurrency:     "USD",
		TargetCurrencies: []string{"AUD"},
	}, logger)
	recs := &memRecs{recs: make(map[string]insight.Recommendation)}
	insights := insight.NewGenerator(buckets, points, artifacts, artifacts, recs, insight.Config{}, logger)
	pipeline := NewPipeline(rollups, forecasts, fxEngine, insights, buckets, logger)
	return pipeline, recs
}

func TestExecuteRollupRefresh(t *testing.T) {
	reader := &memReader{records: []ledger.RawRecord{
		paymentRecord("t1", 3, 700),
		paymentRecord("t2", 10, 300),
	}}
	buckets := &memBuckets{}
	pipeline, _ := newTestPipeline(reader, buckets, &memArtifacts{}, nil, &memQuotes{})

	detail, err := pipeline.Execute(context.Background(), run.KindRollupRefresh, juneWindow)
	require.NoError(t, err)
	require.Equal(t, "1 buckets, 0 series forecast", detail)

	stored, err := buckets.ListBuckets(context.Background(), juneWindow, nil)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.True(t, stored[0].Metric(rollup.MetricCashIn).Equal(decimal.NewFromInt(1000)))
}

func TestExecuteInsightsRefreshesInputsFirst(t *testing.T) {
	reader := &memReader{records: []ledger.RawRecord{
		paymentRecord("t1", 3, 700),
	}}
	buckets := &memBuckets{}
	artifacts := &memArtifacts{}
	pipeline, recs := newTestPipeline(reader, buckets, artifacts, nil, movementQuotes())

	detail, err := pipeline.Execute(context.Background(), run.KindInsights, juneWindow)
	require.NoError(t, err)
	require.Equal(t, "1 recommendations", detail)

	// Rollups, signals, and scores were all refreshed inside the same run.
	stored, err := buckets.ListBuckets(context.Background(), juneWindow, nil)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Len(t, artifacts.signals, 1)
	require.Len(t, artifacts.scores, 1)
	require.Len(t, recs.recs, 1)
}

type funcNotifier func(ctx context.Context, rec insight.Recommendation) error

func (f funcNotifier) Notify(ctx context.Context, rec insight.Recommendation) error {
	return f(ctx, rec)
}

func TestInsightsNotifyNewRecommendations(t *testing.T) {
	reader := &memReader{records: []ledger.RawRecord{
		paymentRecord("t1", 3, 700),
	}}
	pipeline, _ := newTestPipeline(reader, &memBuckets{}, &memArtifacts{}, nil, movementQuotes())

	var notified []insight.Recommendation
	pipeline.WithNotifier(funcNotifier(func(ctx context.Context, rec insight.Recommendation) error {
		notified = append(notified, rec)
		return nil
	}))

	_, err := pipeline.Execute(context.Background(), run.KindInsights, juneWindow)
	require.NoError(t, err)
	require.Len(t, notified, 1)
	require.Equal(t, insight.CategoryFXSignal, notified[0].Category)
}

func TestInsightsNotifierErrorDoesNotFailRun(t *testing.T) {
	reader := &memReader{records: []ledger.RawRecord{
		paymentRecord("t1", 3, 700),
	}}
	pipeline, recs := newTestPipeline(reader, &memBuckets{}, &memArtifacts{}, nil, movementQuotes())
	pipeline.WithNotifier(funcNotifier(func(ctx context.Context, rec insight.Recommendation) error {
		return context.DeadlineExceeded
	}))

	detail, err := pipeline.Execute(context.Background(), run.KindInsights, juneWindow)
	require.NoError(t, err)
	require.Equal(t, "1 recommendations", detail)
	require.Len(t, recs.recs, 1)
}

func TestExecuteFXRates(t *testing.T) {
	provider := funcProvider(func(ctx context.Context, pair fx.Pair, asOf time.Time) (fx.Quote, error) {
		return fx.Quote{Pair: pair, Rate: decimal.NewFromFloat(1.52), QuotedAt: asOf, Source: "test"}, nil
	})
	pipeline, _ := newTestPipeline(&memReader{}, &memBuckets{}, &memArtifacts{}, provider, &memQuotes{})

	detail, err := pipeline.Execute(context.Background(), run.KindFXRates, juneWindow)
	require.NoError(t, err)
	require.Equal(t, "1 rates pulled", detail)
}

func TestExecuteFXIntelligence(t *testing.T) {
	artifacts := &memArtifacts{signals: []fx.Signal{{
		ID:       "s1",
		Pair:     fx.Pair{Base: "USD", Quote: "AUD"},
		Kind:     fx.SignalRateMovement,
		Strength: decimal.NewFromInt(1),
	}}}
	pipeline, _ := newTestPipeline(&memReader{}, &memBuckets{}, artifacts, nil, &memQuotes{})

	detail, err := pipeline.Execute(context.Background(), run.KindFXIntelligence, juneWindow)
	require.NoError(t, err)
	require.Equal(t, "1 pairs scored", detail)
	require.Len(t, artifacts.scores, 1)
}

func TestExecuteUnknownKind(t *testing.T) {
	pipeline, _ := newTestPipeline(&memReader{}, &memBuckets{}, &memArtifacts{}, nil, &memQuotes{})
	_, err := pipeline.Execute(context.Background(), run.Kind("vacuum"), juneWindow)
	require.ErrorIs(t, err, run.ErrUnknownKind)
}
