package forecast

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"swainos-analytics/internal/rollup"
	"swainos-analytics/internal/timeseries"
)

type fakeBucketStore struct {
	buckets []rollup.Bucket
}

func (s *fakeBucketStore) ReplaceBuckets(_ context.Context, _ timeseries.Window, buckets []rollup.Bucket) error {
	s.buckets = append(s.buckets, buckets...)
	return nil
}

func (s *fakeBucketStore) ListBuckets(_ context.Context, window timeseries.Window, key *rollup.DimensionKey) ([]rollup.Bucket, error) {
	var out []rollup.Bucket
	for _, b := range s.buckets {
		if b.Period.Start.Before(window.End) && window.Start.Before(b.Period.End) {
			if key == nil || *key == b.Key {
				out = append(out, b)
			}
		}
	}
	return out, nil
}

type fakePointStore struct {
	replaced []Point
	deleted  []timeseries.Window
}

func (s *fakePointStore) ReplacePoints(_ context.Context, _ rollup.DimensionKey, _ string, points []Point) error {
	s.replaced = points
	return nil
}

func (s *fakePointStore) DeletePoints(_ context.Context, _ rollup.DimensionKey, _ string, periods []timeseries.Window) error {
	s.deleted = append(s.deleted, periods...)
	return nil
}

func (s *fakePointStore) ListPoints(_ context.Context, window timeseries.Window, _ *rollup.DimensionKey) ([]Point, error) {
	var out []Point
	for _, p := range s.replaced {
		if p.Period.Start.Before(window.End) && window.Start.Before(p.Period.End) {
			out = append(out, p)
		}
	}
	return out, nil
}

func monthWindow(year int, month time.Month, months int) timeseries.Window {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return timeseries.New(start, start.AddDate(0, months, 0), timeseries.GrainMonth)
}

func monthlyHistory(key rollup.DimensionKey, metric string, lastMonth time.Time, values []int64) []rollup.Bucket {
	buckets := make([]rollup.Bucket, 0, len(values))
	for i, v := range values {
		start := lastMonth.AddDate(0, -(len(values) - 1 - i), 0)
		buckets = append(buckets, rollup.Bucket{
			Period:  timeseries.New(start, start.AddDate(0, 1, 0), timeseries.GrainMonth),
			Key:     key,
			Metrics: map[string]decimal.Decimal{metric: decimal.NewFromInt(v)},
		})
	}
	return buckets
}

var testKey = rollup.DimensionKey{Agency: "acme", Currency: "USD"}

func newTestEngine(buckets *fakeBucketStore, store *fakePointStore, now time.Time) *Engine {
	e := NewEngine(buckets, store, Config{MinHistory: 3, LookbackPeriods: 12}, zerolog.Nop())
	e.now = func() time.Time { return now }
	return e
}

func TestComputeForecastInsufficientHistory(t *testing.T) {
	buckets := &fakeBucketStore{buckets: monthlyHistory(testKey, rollup.MetricNetCash,
		time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), []int64{100, 120})}
	engine := newTestEngine(buckets, &fakePointStore{}, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))

	_, err := engine.ComputeForecast(context.Background(), monthWindow(2026, 6, 1), testKey, rollup.MetricNetCash, MethodAuto)
	require.ErrorIs(t, err, ErrInsufficientHistory)
}

func TestComputeForecastLinearTrend(t *testing.T) {
	// Exact linear history: residuals are zero, so the projection continues
	// the line and the confidence band collapses onto it.
	buckets := &fakeBucketStore{buckets: monthlyHistory(testKey, rollup.MetricNetCash,
		time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), []int64{10, 20, 30, 40})}
	store := &fakePointStore{}
	engine := newTestEngine(buckets, store, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))

	points, err := engine.ComputeForecast(context.Background(), monthWindow(2026, 6, 1), testKey, rollup.MetricNetCash, MethodAuto)
	require.NoError(t, err)
	require.Len(t, points, 1)

	p := points[0]
	require.Equal(t, MethodLinear, p.Method)
	require.True(t, p.Predicted.Equal(decimal.NewFromInt(50)), "expected 50, got %s", p.Predicted)
	require.True(t, p.Lower.Equal(p.Predicted))
	require.True(t, p.Upper.Equal(p.Predicted))
	require.Len(t, store.replaced, 1)
}

func TestComputeForecastSESFlat(t *testing.T) {
	buckets := &fakeBucketStore{buckets: monthlyHistory(testKey, rollup.MetricBookingCount,
		time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), []int64{40, 40, 40, 40})}
	engine := newTestEngine(buckets, &fakePointStore{}, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))

	points, err := engine.ComputeForecast(context.Background(), monthWindow(2026, 6, 2), testKey, rollup.MetricBookingCount, MethodSES)
	require.NoError(t, err)
	require.Len(t, points, 2)
	for _, p := range points {
		require.Equal(t, MethodSES, p.Method)
		require.True(t, p.Predicted.Equal(decimal.NewFromInt(40)))
	}
}

func TestComputeForecastBoundsWidenWithNoise(t *testing.T) {
	buckets := &fakeBucketStore{buckets: monthlyHistory(testKey, rollup.MetricNetCash,
		time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), []int64{100, 140, 90, 160, 110, 150})}
	engine := newTestEngine(buckets, &fakePointStore{}, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))

	points, err := engine.ComputeForecast(context.Background(), monthWindow(2026, 6, 1), testKey, rollup.MetricNetCash, MethodAuto)
	require.NoError(t, err)
	require.Len(t, points, 1)

	p := points[0]
	require.True(t, p.Lower.LessThan(p.Predicted))
	require.True(t, p.Upper.GreaterThan(p.Predicted))
}

func TestComputeForecastSupersededByActuals(t *testing.T) {
	history := monthlyHistory(testKey, rollup.MetricNetCash,
		time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), []int64{10, 20, 30, 40})
	// Actual bucket has landed for June and June is fully closed.
	june := timeseries.New(
		time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		timeseries.GrainMonth,
	)
	history = append(history, rollup.Bucket{
		Period:  june,
		Key:     testKey,
		Metrics: map[string]decimal.Decimal{rollup.MetricNetCash: decimal.NewFromInt(47)},
	})

	store := &fakePointStore{}
	engine := newTestEngine(&fakeBucketStore{buckets: history}, store, time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC))

	points, err := engine.ComputeForecast(context.Background(), monthWindow(2026, 6, 2), testKey, rollup.MetricNetCash, MethodLinear)
	require.NoError(t, err)

	for _, p := range points {
		require.False(t, p.Period.Start.Equal(june.Start), "closed period with actuals must not retain a forecast point")
	}
	require.Len(t, store.deleted, 1)
	require.True(t, store.deleted[0].Start.Equal(june.Start))
}

func TestComputeForecastKeepsPointForOpenPeriod(t *testing.T) {
	history := monthlyHistory(testKey, rollup.MetricNetCash,
		time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), []int64{10, 20, 30, 40})
	june := timeseries.New(
		time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		timeseries.GrainMonth,
	)
	history = append(history, rollup.Bucket{
		Period:  june,
		Key:     testKey,
		Metrics: map[string]decimal.Decimal{rollup.MetricNetCash: decimal.NewFromInt(12)},
	})

	store := &fakePointStore{}
	// Mid-June: the period is only partially elapsed.
	engine := newTestEngine(&fakeBucketStore{buckets: history}, store, time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC))

	points, err := engine.ComputeForecast(context.Background(), monthWindow(2026, 6, 1), testKey, rollup.MetricNetCash, MethodLinear)
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.True(t, points[0].Period.Start.Equal(june.Start))
	require.Empty(t, store.deleted)
}

func TestSeasonalFactorsRequireTwoCycles(t *testing.T) {
	idx := seasonalFactors([]float64{1, 2, 3, 4, 5}, 12)
	require.Equal(t, 1.0, idx.factor(3))

	// Two full weekly cycles with a hump on the same weekday of each cycle.
	values := []float64{
		10, 30, 10, 10, 10, 10, 10,
		10, 30, 10, 10, 10, 10, 10,
	}
	idx = seasonalFactors(values, 7)
	require.InDelta(t, idx.factor(0), idx.factor(2), 1e-9)
	require.Greater(t, idx.factor(1), idx.factor(0))
	require.Greater(t, idx.factor(1), 1.0)
	require.Less(t, idx.factor(0), 1.0)
}

func TestAutoSelectPrefersLowerError(t *testing.T) {
	// Strictly linear data: linear walk-forward error is zero, SES lags.
	linearSeries := []float64{10, 20, 30, 40, 50}
	linear := fitLinear(linearSeries)
	ses := fitSES(linearSeries, 0.35)
	require.Less(t, linear.mae, ses.mae)

	engine := newTestEngine(&fakeBucketStore{buckets: monthlyHistory(testKey, rollup.MetricNetCash,
		time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), []int64{10, 20, 30, 40, 50})}, &fakePointStore{},
		time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))

	points, err := engine.ComputeForecast(context.Background(), monthWindow(2026, 6, 1), testKey, rollup.MetricNetCash, MethodAuto)
	require.NoError(t, err)
	require.Equal(t, MethodLinear, points[0].Method)
}
