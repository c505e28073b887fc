package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"swainos-analytics/internal/alerting"
	"swainos-analytics/internal/config"
	"swainos-analytics/internal/forecast"
	"swainos-analytics/internal/fx"
	"swainos-analytics/internal/insight"
	"swainos-analytics/internal/rollup"
	"swainos-analytics/internal/run"
	"swainos-analytics/internal/scheduler"
	"swainos-analytics/internal/service"
	"swainos-analytics/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newProvider() *fx.HTTPProvider {
	return fx.NewHTTPProvider(fx.ProviderOptions{
		Name:      a.Config.FX.ProviderName,
		BaseURL:   a.Config.FX.ProviderBaseURL,
		APIKey:    a.Config.FX.ProviderAPIKey,
		UserAgent: a.Config.FX.UserAgent,
		Timeout:   a.Config.FX.RequestTimeout,
		Retries:   a.Config.FX.Retries,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	return alerting.NewTelegramNotifier(
		a.Config.Alerting.TelegramBotToken,
		a.Config.Alerting.TelegramChatID,
		a.Config.Alerting.TelegramAPIBase,
		a.Config.Alerting.RequestTimeout,
		a.Logger,
	)
}

func (a *App) fxEngineConfig() fx.Config {
	return fx.Config{
		BaseCurrency:       a.Config.FX.BaseCurrency,
		TargetCurrencies:   a.Config.FX.TargetCurrencies,
		StaleAfter:         a.Config.FX.StaleAfter,
		MovementThreshold:  decimal.NewFromFloat(a.Config.FX.MovementThreshold),
		ConcentrationRatio: decimal.NewFromFloat(a.Config.FX.ConcentrationRatio),
		Weights: map[fx.SignalKind]decimal.Decimal{
			fx.SignalRateMovement:          decimal.NewFromFloat(a.Config.FX.MovementWeight),
			fx.SignalExposureConcentration: decimal.NewFromFloat(a.Config.FX.ConcentrationWeight),
		},
	}
}

// core bundles the engines and orchestrator built on one open store.
type core struct {
	store        *storage.Store
	fxEngine     *fx.Engine
	insights     *insight.Generator
	orchestrator *run.Orchestrator
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) buildCore(store *storage.Store) *core {
	rollups := rollup.NewEngine(store, store, a.Logger)

	forecasts := forecast.NewEngine(store, store, forecast.Config{
		MinHistory:      a.Config.Forecast.MinHistory,
		LookbackPeriods: a.Config.Forecast.LookbackPeriods,
		ConfidenceZ:     a.Config.Forecast.ConfidenceZ,
		SmoothingAlpha:  a.Config.Forecast.SmoothingAlpha,
	}, a.Logger)

	fxEngine := fx.NewEngine(a.newProvider(), store, store, store, a.fxEngineConfig(), a.Logger)

	insights := insight.NewGenerator(store, store, store, store, store, insight.Config{
		DeviationSigma:  a.Config.Insights.DeviationSigma,
		BaselinePeriods: a.Config.Insights.BaselinePeriods,
		SignalThreshold: decimal.NewFromFloat(a.Config.Insights.SignalThreshold),
		ScoreThreshold:  decimal.NewFromFloat(a.Config.Insights.ScoreThreshold),
	}, a.Logger)

	pipeline := service.NewPipeline(rollups, forecasts, fxEngine, insights, store, a.Logger)
	if notifier := a.newNotifier(); notifier != nil {
		pipeline.WithNotifier(notifier)
	}

	orchestrator := run.NewOrchestrator(store, pipeline, run.Config{
		ManualToken: a.Config.Runs.ManualToken,
		Timeout:     a.Config.Runs.Timeout,
	}, a.Logger)

	return &core{
		store:        store,
		fxEngine:     fxEngine,
		insights:     insights,
		orchestrator: orchestrator,
	}
}

// Run executes the long-running analytics service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn is required for the analytics service")
	}
	defer closeStore()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	c := a.buildCore(store)
	svc := service.NewService(sched, c.orchestrator, store, a.Config.Scheduler.AdvisoryLockKey, a.Logger)

	a.Logger.Info().Msg("starting analytics service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("analytics service stopped")
	return nil
}

// ExportOptions hold parameters for exporting rollup series.
type ExportOptions struct {
	Window    string
	Metric    string
	Agency    string
	Currency  string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Window string
	Limit  int
}

// TriggerOptions configure a manual run trigger.
type TriggerOptions struct {
	Kind   string
	Window string
	Token  string
}

// DecideOptions configure a recommendation decision.
type DecideOptions struct {
	ID     string
	Status string
	Actor  string
}

// BackfillOptions configure the historical rate backfill job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}
