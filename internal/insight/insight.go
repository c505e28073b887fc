package insight

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"swainos-analytics/internal/forecast"
	"swainos-analytics/internal/fx"
	"swainos-analytics/internal/rollup"
	"swainos-analytics/internal/timeseries"
)

var (
	// ErrNotFound indicates the recommendation id does not exist.
	ErrNotFound = errors.New("insight: recommendation not found")
	// ErrInvalidTransition indicates a lifecycle move the state machine forbids.
	ErrInvalidTransition = errors.New("insight: invalid status transition")
)

// Status is a recommendation lifecycle state.
type Status string

const (
	StatusNew          Status = "new"
	StatusAcknowledged Status = "acknowledged"
	StatusDismissed    Status = "dismissed"
	StatusActioned     Status = "actioned"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusDismissed || s == StatusActioned
}

// transitions is the monotonic lifecycle: terminal states have no exits and
// re-opening is disallowed.
var transitions = map[Status][]Status{
	StatusNew:          {StatusAcknowledged, StatusDismissed, StatusActioned},
	StatusAcknowledged: {StatusDismissed, StatusActioned},
	StatusDismissed:    {},
	StatusActioned:     {},
}

func canTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Category classifies what a recommendation was correlated from.
type Category string

const (
	CategoryMetricDeviation    Category = "metric_deviation"
	CategoryForecastDivergence Category = "forecast_divergence"
	CategoryFXSignal           Category = "fx_signal"
)

// Recommendation is an actionable insight with a lifecycle. It is never
// deleted, only transitioned.
type Recommendation struct {
	ID         string
	EntityType string
	EntityID   string
	Category   Category
	Title      string
	Summary    string
	Status     Status
	Window     timeseries.Window
	CreatedAt  time.Time
	DecidedAt  *time.Time
	DecidedBy  string
}

// Store persists recommendations.
type Store interface {
	InsertRecommendations(ctx context.Context, recs []Recommendation) error
	// ListOpen returns non-terminal recommendations whose window overlaps
	// the given one.
	ListOpen(ctx context.Context, window timeseries.Window) ([]Recommendation, error)
	GetRecommendation(ctx context.Context, id string) (Recommendation, bool, error)
	UpdateRecommendation(ctx context.Context, rec Recommendation) error
}

// ScoreSource reads intelligence scores for a window.
type ScoreSource interface {
	ListScores(ctx context.Context, window timeseries.Window) ([]fx.Score, error)
}

// Config carries the correlation thresholds.
type Config struct {
	// DeviationSigma is the standard-deviation multiple a metric must exceed
	// against its trailing baseline.
	DeviationSigma float64
	// BaselinePeriods is how many trailing periods build the baseline.
	BaselinePeriods int
	// SignalThreshold is the minimum FX signal strength worth surfacing.
	SignalThreshold decimal.Decimal
	// ScoreThreshold is the minimum intelligence score worth surfacing.
	ScoreThreshold decimal.Decimal
	// WatchedMetrics are the rollup metrics scanned for deviations.
	WatchedMetrics []string
}

func (c Config) withDefaults() Config {
	if c.DeviationSigma <= 0 {
		c.DeviationSigma = 2.0
	}
	if c.BaselinePeriods <= 0 {
		c.BaselinePeriods = 6
	}
	if c.SignalThreshold.IsZero() {
		c.SignalThreshold = decimal.NewFromFloat(0.7)
	}
	if c.ScoreThreshold.IsZero() {
		c.ScoreThreshold = decimal.NewFromFloat(0.6)
	}
	if len(c.WatchedMetrics) == 0 {
		c.WatchedMetrics = []string{rollup.MetricNetCash, rollup.MetricDeposits, rollup.MetricPaymentsOut}
	}
	return c
}

// Generator correlates rollup deviations, forecast divergence, and FX
// signals into recommendations.
type Generator struct {
	buckets   rollup.BucketStore
	forecasts forecast.PointStore
	signals   fx.ArtifactStore
	scores    ScoreSource
	store     Store
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

// NewGenerator wires an insight generator.
func NewGenerator(buckets rollup.BucketStore, forecasts forecast.PointStore, signals fx.ArtifactStore, scores ScoreSource, store Store, cfg Config, logger zerolog.Logger) *Generator {
	return &Generator{
		buckets:   buckets,
		forecasts: forecasts,
		signals:   signals,
		scores:    scores,
		store:     store,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "insight").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GenerateInsights produces new recommendations for the window. A finding is
// suppressed when a non-terminal recommendation already covers the same
// (entity, category) pair, so repeated runs never spam duplicates.
func (g *Generator) GenerateInsights(ctx context.Context, window timeseries.Window) ([]Recommendation, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}

	open, err := g.store.ListOpen(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("list open recommendations: %w", err)
	}
	covered := make(map[string]struct{}, len(open))
	for _, rec := range open {
		covered[coverageKey(rec.EntityType, rec.EntityID, rec.Category)] = struct{}{}
	}

	var findings []Recommendation
	deviations, err := g.metricDeviations(ctx, window)
	if err != nil {
		return nil, err
	}
	findings = append(findings, deviations...)

	divergences, err := g.forecastDivergences(ctx, window)
	if err != nil {
		return nil, err
	}
	findings = append(findings, divergences...)

	fxFindings, err := g.fxFindings(ctx, window)
	if err != nil {
		return nil, err
	}
	findings = append(findings, fxFindings...)

	created := make([]Recommendation, 0, len(findings))
	for _, finding := range findings {
		key := coverageKey(finding.EntityType, finding.EntityID, finding.Category)
		if _, dup := covered[key]; dup {
			continue
		}
		covered[key] = struct{}{}
		created = append(created, finding)
	}

	if len(created) > 0 {
		if err := g.store.InsertRecommendations(ctx, created); err != nil {
			return nil, fmt.Errorf("persist recommendations: %w", err)
		}
	}

	g.logger.Info().
		Str("window", window.Key()).
		Int("findings", len(findings)).
		Int("created", len(created)).
		Msg("insights generated")
	return created, nil
}

// Decide applies one lifecycle transition. Terminal transitions stamp
// decided_at and decided_by.
func (g *Generator) Decide(ctx context.Context, id string, next Status, actor string) (Recommendation, error) {
	rec, found, err := g.store.GetRecommendation(ctx, id)
	if err != nil {
		return Recommendation{}, fmt.Errorf("load recommendation: %w", err)
	}
	if !found {
		return Recommendation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if !canTransition(rec.Status, next) {
		return Recommendation{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, next)
	}

	rec.Status = next
	if next.Terminal() {
		decidedAt := g.now()
		rec.DecidedAt = &decidedAt
		rec.DecidedBy = actor
	}

	if err := g.store.UpdateRecommendation(ctx, rec); err != nil {
		return Recommendation{}, fmt.Errorf("update recommendation: %w", err)
	}
	return rec, nil
}

func (g *Generator) metricDeviations(ctx context.Context, window timeseries.Window) ([]Recommendation, error) {
	current, err := g.buckets.ListBuckets(ctx, window, nil)
	if err != nil {
		return nil, fmt.Errorf("list window buckets: %w", err)
	}

	baselineStart := window.Start
	for i := 0; i < g.cfg.BaselinePeriods; i++ {
		baselineStart = timeseries.PrevPeriod(baselineStart, window.Grain)
	}
	baselineWindow := timeseries.Window{Start: baselineStart, End: window.Start, Grain: window.Grain}

	var findings []Recommendation
	for _, bucket := range current {
		key := bucket.Key
		baseline, err := g.buckets.ListBuckets(ctx, baselineWindow, &key)
		if err != nil {
			return nil, fmt.Errorf("list baseline buckets: %w", err)
		}
		if len(baseline) < 2 {
			continue
		}
		for _, metric := range g.cfg.WatchedMetrics {
			value := bucket.Metric(metric).InexactFloat64()
			mean, sigma := baselineStats(baseline, metric)
			if sigma == 0 {
				continue
			}
			z := (value - mean) / sigma
			if math.Abs(z) < g.cfg.DeviationSigma {
				continue
			}
			direction := "above"
			if z < 0 {
				direction = "below"
			}
			findings = append(findings, g.newRecommendation(window,
				"dimension", key.String(), CategoryMetricDeviation,
				fmt.Sprintf("%s %s trailing baseline", metric, direction),
				fmt.Sprintf("%s is %.1f standard deviations %s its trailing %d-period baseline (current %.2f, baseline %.2f)",
					metric, math.Abs(z), direction, g.cfg.BaselinePeriods, value, mean),
			))
		}
	}
	return findings, nil
}

func (g *Generator) forecastDivergences(ctx context.Context, window timeseries.Window) ([]Recommendation, error) {
	points, err := g.forecasts.ListPoints(ctx, window, nil)
	if err != nil {
		return nil, fmt.Errorf("list forecast points: %w", err)
	}

	now := g.now()
	var findings []Recommendation
	for _, point := range points {
		if !point.Period.Closed(now) {
			continue
		}
		key := point.Key
		actuals, err := g.buckets.ListBuckets(ctx, point.Period, &key)
		if err != nil {
			return nil, fmt.Errorf("list actual buckets: %w", err)
		}
		for _, actual := range actuals {
			if !actual.Period.Start.Equal(point.Period.Start) {
				continue
			}
			value := actual.Metric(point.Metric)
			if value.GreaterThanOrEqual(point.Lower) && value.LessThanOrEqual(point.Upper) {
				continue
			}
			findings = append(findings, g.newRecommendation(window,
				"dimension", key.String(), CategoryForecastDivergence,
				fmt.Sprintf("%s diverged from forecast", point.Metric),
				fmt.Sprintf("actual %s %s landed outside the forecast band [%s, %s] (predicted %s)",
					point.Metric, value, point.Lower, point.Upper, point.Predicted),
			))
		}
	}
	return findings, nil
}

func (g *Generator) fxFindings(ctx context.Context, window timeseries.Window) ([]Recommendation, error) {
	var findings []Recommendation

	signals, err := g.signals.ListSignals(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("list fx signals: %w", err)
	}
	strongest := make(map[fx.Pair]fx.Signal)
	for _, signal := range signals {
		if signal.Strength.LessThan(g.cfg.SignalThreshold) {
			continue
		}
		if best, ok := strongest[signal.Pair]; !ok || signal.Strength.GreaterThan(best.Strength) {
			strongest[signal.Pair] = signal
		}
	}
	pairs := make([]fx.Pair, 0, len(strongest))
	for pair := range strongest {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].String() < pairs[j].String() })
	for _, pair := range pairs {
		signal := strongest[pair]
		findings = append(findings, g.newRecommendation(window,
			"currency_pair", pair.String(), CategoryFXSignal,
			fmt.Sprintf("%s %s signal", pair, signal.Kind),
			signal.Detail,
		))
	}

	if g.scores != nil {
		scores, err := g.scores.ListScores(ctx, window)
		if err != nil {
			return nil, fmt.Errorf("list intelligence scores: %w", err)
		}
		for _, score := range scores {
			if score.Value.LessThan(g.cfg.ScoreThreshold) {
				continue
			}
			if _, already := strongest[score.Pair]; already {
				// The pair's signal finding already covers (entity, category)
				// for fx; the composite adds no second recommendation.
				continue
			}
			findings = append(findings, g.newRecommendation(window,
				"currency_pair", score.Pair.String(), CategoryFXSignal,
				fmt.Sprintf("%s intelligence score elevated", score.Pair),
				fmt.Sprintf("composite intelligence score %s crossed the %s threshold", score.Value, g.cfg.ScoreThreshold),
			))
		}
	}
	return findings, nil
}

func (g *Generator) newRecommendation(window timeseries.Window, entityType, entityID string, category Category, title, summary string) Recommendation {
	return Recommendation{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Category:   category,
		Title:      title,
		Summary:    summary,
		Status:     StatusNew,
		Window:     window,
		CreatedAt:  g.now(),
	}
}

func baselineStats(baseline []rollup.Bucket, metric string) (mean, sigma float64) {
	values := make([]float64, 0, len(baseline))
	for _, b := range baseline {
		values = append(values, b.Metric(metric).InexactFloat64())
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var sumSq float64
	for _, v := range values {
		sumSq += (v - mean) * (v - mean)
	}
	sigma = math.Sqrt(sumSq / float64(len(values)))
	return mean, sigma
}

func coverageKey(entityType, entityID string, category Category) string {
	return entityType + "|" + entityID + "|" + string(category)
}
