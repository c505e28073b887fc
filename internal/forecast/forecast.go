package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"swainos-analytics/internal/rollup"
	"swainos-analytics/internal/timeseries"
)

// ErrInsufficientHistory indicates the trailing rollup history does not meet
// the minimum-period policy. Non-fatal: the caller simply cannot forecast yet.
var ErrInsufficientHistory = errors.New("forecast: insufficient history")

// Method selects the trend fit.
type Method string

const (
	// MethodAuto picks the method with the lowest trailing mean absolute error.
	MethodAuto   Method = "auto"
	MethodLinear Method = "linear"
	MethodSES    Method = "ses"
)

// Point is one projected period for a dimension key and metric.
type Point struct {
	Period      timeseries.Window
	Key         rollup.DimensionKey
	Metric      string
	Predicted   decimal.Decimal
	Lower       decimal.Decimal
	Upper       decimal.Decimal
	Method      Method
	GeneratedAt time.Time
}

// PointStore persists forecast series wholesale per (key, metric).
type PointStore interface {
	// ReplacePoints swaps the stored series for (key, metric) with the given
	// set; passing an empty set clears the series.
	ReplacePoints(ctx context.Context, key rollup.DimensionKey, metric string, points []Point) error
	// DeletePoints removes points for specific periods, used when actuals
	// supersede a projection.
	DeletePoints(ctx context.Context, key rollup.DimensionKey, metric string, periods []timeseries.Window) error
	// ListPoints returns points whose period overlaps the window.
	ListPoints(ctx context.Context, window timeseries.Window, key *rollup.DimensionKey) ([]Point, error)
}

// Config carries forecasting policy, injected from application configuration.
type Config struct {
	MinHistory      int
	LookbackPeriods int
	ConfidenceZ     float64
	SmoothingAlpha  float64
}

func (c Config) withDefaults() Config {
	if c.MinHistory < 3 {
		c.MinHistory = 3
	}
	if c.LookbackPeriods <= 0 {
		c.LookbackPeriods = 12
	}
	if c.ConfidenceZ <= 0 {
		c.ConfidenceZ = 1.96
	}
	if c.SmoothingAlpha <= 0 || c.SmoothingAlpha >= 1 {
		c.SmoothingAlpha = 0.35
	}
	return c
}

// Engine projects forward periods from trailing rollup history.
type Engine struct {
	buckets rollup.BucketStore
	store   PointStore
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time
}

// NewEngine wires a forecast engine.
func NewEngine(buckets rollup.BucketStore, store PointStore, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		buckets: buckets,
		store:   store,
		cfg:     cfg.withDefaults(),
		logger:  logger.With().Str("component", "forecast").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ComputeForecast projects the target window for one dimension key and
// metric. Periods of the target window that already have actual rollup
// buckets and are fully closed are superseded: no point is emitted for them
// and any previously stored point is deleted. Actuals always win.
func (e *Engine) ComputeForecast(ctx context.Context, target timeseries.Window, key rollup.DimensionKey, metric string, method Method) ([]Point, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	history, err := e.loadHistory(ctx, target, key, metric)
	if err != nil {
		return nil, err
	}
	if len(history) < e.cfg.MinHistory {
		return nil, fmt.Errorf("%w: have %d trailing periods, need %d", ErrInsufficientHistory, len(history), e.cfg.MinHistory)
	}

	values := make([]float64, len(history))
	for i, h := range history {
		values[i] = h.value
	}

	chosen, fit := e.selectMethod(values, method)
	seasonal := seasonalFactors(values, cycleLength(target.Grain))

	generatedAt := e.now()
	targetPeriods := target.Buckets()
	superseded, err := e.supersededPeriods(ctx, target, key, targetPeriods)
	if err != nil {
		return nil, err
	}

	lastIdx := len(values) - 1
	lastStart := history[lastIdx].start
	points := make([]Point, 0, len(targetPeriods))
	for _, period := range targetPeriods {
		if _, skip := superseded[period.Key()]; skip {
			continue
		}
		horizon := periodsBetween(lastStart, period.Start, target.Grain)
		if horizon <= 0 {
			continue
		}
		trend := fit.project(lastIdx + horizon)
		factor := seasonal.factor(lastIdx + horizon)
		predicted := trend * factor
		margin := e.cfg.ConfidenceZ * fit.sigma

		points = append(points, Point{
			Period:      period,
			Key:         key,
			Metric:      metric,
			Predicted:   decimal.NewFromFloat(predicted).Round(4),
			Lower:       decimal.NewFromFloat(predicted - margin).Round(4),
			Upper:       decimal.NewFromFloat(predicted + margin).Round(4),
			Method:      chosen,
			GeneratedAt: generatedAt,
		})
	}

	if e.store != nil {
		if len(superseded) > 0 {
			stale := make([]timeseries.Window, 0, len(superseded))
			for _, period := range targetPeriods {
				if _, ok := superseded[period.Key()]; ok {
					stale = append(stale, period)
				}
			}
			if err := e.store.DeletePoints(ctx, key, metric, stale); err != nil {
				return nil, fmt.Errorf("supersede forecast points: %w", err)
			}
		}
		if err := e.store.ReplacePoints(ctx, key, metric, points); err != nil {
			return nil, fmt.Errorf("persist forecast points: %w", err)
		}
	}

	e.logger.Info().
		Str("window", target.Key()).
		Str("metric", metric).
		Str("method", string(chosen)).
		Int("points", len(points)).
		Int("superseded", len(superseded)).
		Msg("forecast computed")
	return points, nil
}

type historyPoint struct {
	start time.Time
	value float64
}

func (e *Engine) loadHistory(ctx context.Context, target timeseries.Window, key rollup.DimensionKey, metric string) ([]historyPoint, error) {
	start := target.Start
	for i := 0; i < e.cfg.LookbackPeriods; i++ {
		start = timeseries.PrevPeriod(start, target.Grain)
	}
	lookback := timeseries.Window{Start: start, End: target.Start, Grain: target.Grain}

	buckets, err := e.buckets.ListBuckets(ctx, lookback, &key)
	if err != nil {
		return nil, fmt.Errorf("load trailing buckets: %w", err)
	}

	byPeriod := make(map[time.Time]float64)
	for _, b := range buckets {
		if v, ok := b.Metrics[metric]; ok {
			byPeriod[b.Period.Start.UTC()] = v.InexactFloat64()
		}
	}

	starts := make([]time.Time, 0, len(byPeriod))
	for s := range byPeriod {
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	history := make([]historyPoint, 0, len(starts))
	for _, s := range starts {
		history = append(history, historyPoint{start: s, value: byPeriod[s]})
	}
	return history, nil
}

func (e *Engine) supersededPeriods(ctx context.Context, target timeseries.Window, key rollup.DimensionKey, periods []timeseries.Window) (map[string]struct{}, error) {
	actuals, err := e.buckets.ListBuckets(ctx, target, &key)
	if err != nil {
		return nil, fmt.Errorf("load target actuals: %w", err)
	}
	haveActual := make(map[string]struct{}, len(actuals))
	for _, b := range actuals {
		haveActual[b.Period.Key()] = struct{}{}
	}

	now := e.now()
	superseded := make(map[string]struct{})
	for _, period := range periods {
		// Partially elapsed periods keep their forecast; only a fully closed
		// period with landed actuals supersedes.
		if _, ok := haveActual[period.Key()]; ok && period.Closed(now) {
			superseded[period.Key()] = struct{}{}
		}
	}
	return superseded, nil
}

func (e *Engine) selectMethod(values []float64, method Method) (Method, trendFit) {
	switch method {
	case MethodLinear:
		return MethodLinear, fitLinear(values)
	case MethodSES:
		return MethodSES, fitSES(values, e.cfg.SmoothingAlpha)
	default:
		linear := fitLinear(values)
		ses := fitSES(values, e.cfg.SmoothingAlpha)
		if ses.mae < linear.mae {
			return MethodSES, ses
		}
		return MethodLinear, linear
	}
}

// trendFit is a fitted trend component with walk-forward error statistics.
type trendFit struct {
	project func(idx int) float64
	mae     float64
	sigma   float64
}

// fitLinear fits an ordinary least squares line through (index, value).
// Walk-forward residuals come from refitting on each prefix and predicting
// the next point.
func fitLinear(values []float64) trendFit {
	intercept, slope := olsLine(values)

	var residuals []float64
	for i := 2; i < len(values); i++ {
		a, b := olsLine(values[:i])
		residuals = append(residuals, values[i]-(a+b*float64(i)))
	}
	mae, sigma := errorStats(residuals)

	return trendFit{
		project: func(idx int) float64 { return intercept + slope*float64(idx) },
		mae:     mae,
		sigma:   sigma,
	}
}

// fitSES fits a simple exponential smoothing level. The projection is flat at
// the final level; residuals are the one-step-ahead smoothing errors.
func fitSES(values []float64, alpha float64) trendFit {
	level := values[0]
	var residuals []float64
	for i := 1; i < len(values); i++ {
		residuals = append(residuals, values[i]-level)
		level = alpha*values[i] + (1-alpha)*level
	}
	mae, sigma := errorStats(residuals)

	final := level
	return trendFit{
		project: func(int) float64 { return final },
		mae:     mae,
		sigma:   sigma,
	}
}

func olsLine(values []float64) (intercept, slope float64) {
	n := float64(len(values))
	if n == 0 {
		return 0, 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return sumY / n, 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return intercept, slope
}

func errorStats(residuals []float64) (mae, sigma float64) {
	if len(residuals) == 0 {
		return 0, 0
	}
	var sumAbs, sumSq float64
	for _, r := range residuals {
		sumAbs += math.Abs(r)
		sumSq += r * r
	}
	mae = sumAbs / float64(len(residuals))
	sigma = math.Sqrt(sumSq / float64(len(residuals)))
	return mae, sigma
}

// seasonalFactor holds per-cycle-position multipliers averaged across
// available cycles. With fewer than two full cycles every factor is 1.
type seasonalIndex struct {
	factors []float64
}

func (s seasonalIndex) factor(idx int) float64 {
	if len(s.factors) == 0 {
		return 1
	}
	return s.factors[idx%len(s.factors)]
}

func seasonalFactors(values []float64, cycle int) seasonalIndex {
	if cycle <= 1 || len(values) < 2*cycle {
		return seasonalIndex{}
	}

	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	if mean == 0 {
		return seasonalIndex{}
	}

	sums := make([]float64, cycle)
	counts := make([]int, cycle)
	for i, v := range values {
		pos := i % cycle
		sums[pos] += v / mean
		counts[pos]++
	}

	factors := make([]float64, cycle)
	for pos := range factors {
		if counts[pos] == 0 {
			factors[pos] = 1
			continue
		}
		factors[pos] = sums[pos] / float64(counts[pos])
	}
	return seasonalIndex{factors: factors}
}

func cycleLength(grain timeseries.Grain) int {
	switch grain {
	case timeseries.GrainDay:
		return 7
	case timeseries.GrainWeek:
		return 52
	case timeseries.GrainMonth:
		return 12
	default:
		return 0
	}
}

func periodsBetween(from, to time.Time, grain timeseries.Grain) int {
	count := 0
	cursor := from
	for cursor.Before(to) {
		cursor = timeseries.NextPeriod(cursor, grain)
		count++
	}
	return count
}
