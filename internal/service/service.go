package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"swainos-analytics/internal/alerting"
	"swainos-analytics/internal/forecast"
	"swainos-analytics/internal/fx"
	"swainos-analytics/internal/insight"
	"swainos-analytics/internal/ledger"
	"swainos-analytics/internal/rollup"
	"swainos-analytics/internal/run"
	"swainos-analytics/internal/scheduler"
	"swainos-analytics/internal/storage"
	"swainos-analytics/internal/timeseries"
)

// forecastMetrics are the rollup series projected forward on every
// forecast-bearing run.
var forecastMetrics = []string{rollup.MetricNetCash, rollup.MetricGrossRevenue, rollup.MetricBookingCount}

// Pipeline dispatches run kinds onto the analytical engines. A run of kind
// insights refreshes rollups, forecasts, FX signals, and intelligence scores
// first so recommendations never correlate stale artifacts.
type Pipeline struct {
	rollups   *rollup.Engine
	forecasts *forecast.Engine
	fxEngine  *fx.Engine
	insights  *insight.Generator
	buckets   rollup.BucketStore
	notifier  alerting.Notifier
	logger    zerolog.Logger
	now       func() time.Time
}

// NewPipeline wires the run executor.
func NewPipeline(rollups *rollup.Engine, forecasts *forecast.Engine, fxEngine *fx.Engine, insights *insight.Generator, buckets rollup.BucketStore, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		rollups:   rollups,
		forecasts: forecasts,
		fxEngine:  fxEngine,
		insights:  insights,
		buckets:   buckets,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

var _ run.Executor = (*Pipeline)(nil)

// WithNotifier attaches an optional alert channel for freshly generated
// recommendations. Delivery failures are logged, never surfaced as run
// failures.
func (p *Pipeline) WithNotifier(notifier alerting.Notifier) *Pipeline {
	p.notifier = notifier
	return p
}

// Execute performs the work of one run kind over one window.
func (p *Pipeline) Execute(ctx context.Context, kind run.Kind, window timeseries.Window) (string, error) {
	switch kind {
	case run.KindFXRates:
		return p.pullRates(ctx)
	case run.KindFXSignals:
		return p.detectSignals(ctx, window)
	case run.KindFXIntelligence:
		return p.computeIntelligence(ctx, window)
	case run.KindRollupRefresh:
		return p.refreshRollups(ctx, window)
	case run.KindInsights:
		return p.generateInsights(ctx, window)
	default:
		return "", fmt.Errorf("%w: %s", run.ErrUnknownKind, kind)
	}
}

func (p *Pipeline) pullRates(ctx context.Context) (string, error) {
	pulled, err := p.fxEngine.PullRates(ctx, p.now())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d rates pulled", pulled), nil
}

func (p *Pipeline) detectSignals(ctx context.Context, window timeseries.Window) (string, error) {
	signals, err := p.fxEngine.DetectSignals(ctx, window)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d signals detected", len(signals)), nil
}

func (p *Pipeline) computeIntelligence(ctx context.Context, window timeseries.Window) (string, error) {
	scores, err := p.fxEngine.ComputeIntelligence(ctx, window)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d pairs scored", len(scores)), nil
}

func (p *Pipeline) refreshRollups(ctx context.Context, window timeseries.Window) (string, error) {
	buckets, err := p.rollups.ComputeRollup(ctx, window, ledger.DimensionFilter{})
	if err != nil {
		return "", err
	}

	forecasted, err := p.refreshForecasts(ctx, window, buckets)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d buckets, %d series forecast", len(buckets), forecasted), nil
}

func (p *Pipeline) generateInsights(ctx context.Context, window timeseries.Window) (string, error) {
	if _, err := p.refreshRollups(ctx, window); err != nil {
		return "", fmt.Errorf("refresh inputs: %w", err)
	}
	if _, err := p.fxEngine.DetectSignals(ctx, window); err != nil {
		return "", fmt.Errorf("refresh signals: %w", err)
	}
	if _, err := p.fxEngine.ComputeIntelligence(ctx, window); err != nil {
		return "", fmt.Errorf("refresh intelligence: %w", err)
	}
	recs, err := p.insights.GenerateInsights(ctx, window)
	if err != nil {
		return "", err
	}

	if p.notifier != nil {
		for _, rec := range recs {
			if err := p.notifier.Notify(ctx, rec); err != nil {
				p.logger.Warn().Err(err).
					Str("recommendation_id", rec.ID).
					Msg("recommendation alert delivery failed")
			}
		}
	}
	return fmt.Sprintf("%d recommendations", len(recs)), nil
}

// refreshForecasts reprojects every dimension key seen in the freshly
// computed buckets, one target window ahead of the refresh window. Keys
// without enough history are skipped, not failed.
func (p *Pipeline) refreshForecasts(ctx context.Context, window timeseries.Window, buckets []rollup.Bucket) (int, error) {
	target := timeseries.Window{
		Start: window.End,
		End:   timeseries.NextPeriod(window.End, window.Grain),
		Grain: window.Grain,
	}

	seen := make(map[rollup.DimensionKey]struct{})
	forecasted := 0
	for _, bucket := range buckets {
		if _, done := seen[bucket.Key]; done {
			continue
		}
		seen[bucket.Key] = struct{}{}

		for _, metric := range forecastMetrics {
			_, err := p.forecasts.ComputeForecast(ctx, target, bucket.Key, metric, forecast.MethodAuto)
			if err != nil {
				if errors.Is(err, forecast.ErrInsufficientHistory) {
					p.logger.Debug().
						Str("key", bucket.Key.String()).
						Str("metric", metric).
						Msg("skipping forecast, not enough history")
					continue
				}
				return 0, fmt.Errorf("forecast %s %s: %w", bucket.Key, metric, err)
			}
			forecasted++
		}
	}
	return forecasted, nil
}

// Service runs the scheduled side of the pipeline: periodic FX rate pulls
// guarded by a postgres advisory lock so only one process samples.
type Service struct {
	scheduler    *scheduler.Scheduler
	orchestrator *run.Orchestrator
	logger       zerolog.Logger

	locker  storage.AdvisoryLocker
	lockKey int64
	grain   timeseries.Grain
}

// NewService constructs the scheduled analytics service.
func NewService(sched *scheduler.Scheduler, orchestrator *run.Orchestrator, locker storage.AdvisoryLocker, lockKey int64, logger zerolog.Logger) *Service {
	return &Service{
		scheduler:    sched,
		orchestrator: orchestrator,
		logger:       logger.With().Str("component", "service").Logger(),
		locker:       locker,
		lockKey:      lockKey,
		grain:        timeseries.GrainDay,
	}
}

// Run begins the aligned pull loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick executes one scheduled FX rate pull.
func (s *Service) ProcessTick(ctx context.Context, asOf time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", asOf).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	day := timeseries.PeriodStart(asOf, s.grain)
	window := timeseries.Window{
		Start: day,
		End:   timeseries.NextPeriod(day, s.grain),
		Grain: s.grain,
	}

	rec, err := s.orchestrator.StartRun(ctx, run.KindFXRates, window, run.TriggerScheduled, "")
	if err != nil {
		return fmt.Errorf("scheduled rate pull: %w", err)
	}
	if rec.Status == run.StatusFailed {
		return fmt.Errorf("scheduled rate pull failed: %s", rec.Error)
	}
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
