package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"swainos-analytics/internal/forecast"
	"swainos-analytics/internal/fx"
	"swainos-analytics/internal/insight"
	"swainos-analytics/internal/rollup"
	"swainos-analytics/internal/run"
	"swainos-analytics/internal/timeseries"
)

// resolveWindow parses a trailing-window expression like "30d" or "6m",
// falling back to the given default expression when empty. The window is
// snapped to period boundaries so reads line up with stored buckets.
func resolveWindow(expr, fallback string) (timeseries.Window, error) {
	if expr == "" {
		expr = fallback
	}
	window, err := timeseries.ParseTrailing(expr, time.Now().UTC())
	if err != nil {
		return timeseries.Window{}, err
	}
	return window.Aligned(), nil
}

func (a *App) withStore(ctx context.Context, fn func(*core) error) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured")
	}
	defer closeStore()

	return fn(a.buildCore(store))
}

// GetRollup returns the stored buckets for a trailing window expression.
func (a *App) GetRollup(ctx context.Context, windowExpr string) ([]rollup.Bucket, error) {
	var buckets []rollup.Bucket
	err := a.withStore(ctx, func(c *core) error {
		window, err := resolveWindow(windowExpr, "6m")
		if err != nil {
			return err
		}
		buckets, err = c.store.ListBuckets(ctx, window, nil)
		return err
	})
	return buckets, err
}

// GetForecast returns stored forecast points for a forward window expression.
func (a *App) GetForecast(ctx context.Context, windowExpr string) ([]forecast.Point, error) {
	var points []forecast.Point
	err := a.withStore(ctx, func(c *core) error {
		if windowExpr == "" {
			windowExpr = "3m"
		}
		window, err := timeseries.ParseForward(windowExpr, time.Now().UTC())
		if err != nil {
			return err
		}
		points, err = c.store.ListPoints(ctx, window, nil)
		return err
	})
	return points, err
}

// GetExposure converts current holdings to the base currency.
func (a *App) GetExposure(ctx context.Context) ([]fx.Exposure, error) {
	var exposures []fx.Exposure
	err := a.withStore(ctx, func(c *core) error {
		var err error
		exposures, err = c.fxEngine.ComputeExposure(ctx, time.Now().UTC())
		return err
	})
	return exposures, err
}

// GetSignals returns stored FX signals for a trailing window expression.
func (a *App) GetSignals(ctx context.Context, windowExpr string) ([]fx.Signal, error) {
	var signals []fx.Signal
	err := a.withStore(ctx, func(c *core) error {
		window, err := resolveWindow(windowExpr, "30d")
		if err != nil {
			return err
		}
		signals, err = c.store.ListSignals(ctx, window)
		return err
	})
	return signals, err
}

// GetIntelligence returns stored intelligence scores for a trailing window
// expression.
func (a *App) GetIntelligence(ctx context.Context, windowExpr string) ([]fx.Score, error) {
	var scores []fx.Score
	err := a.withStore(ctx, func(c *core) error {
		window, err := resolveWindow(windowExpr, "30d")
		if err != nil {
			return err
		}
		scores, err = c.store.ListScores(ctx, window)
		return err
	})
	return scores, err
}

// GetRecommendations returns open recommendations for a trailing window
// expression.
func (a *App) GetRecommendations(ctx context.Context, windowExpr string) ([]insight.Recommendation, error) {
	var recs []insight.Recommendation
	err := a.withStore(ctx, func(c *core) error {
		window, err := resolveWindow(windowExpr, "6m")
		if err != nil {
			return err
		}
		recs, err = c.store.ListOpen(ctx, window)
		return err
	})
	return recs, err
}

// DecideRecommendation applies a lifecycle transition to a recommendation.
func (a *App) DecideRecommendation(ctx context.Context, opts DecideOptions) (insight.Recommendation, error) {
	var rec insight.Recommendation
	err := a.withStore(ctx, func(c *core) error {
		var err error
		rec, err = c.insights.Decide(ctx, opts.ID, insight.Status(opts.Status), opts.Actor)
		return err
	})
	return rec, err
}

// TriggerRun manually starts a run of the given kind over a trailing window
// expression and waits for its outcome.
func (a *App) TriggerRun(ctx context.Context, opts TriggerOptions) (run.Record, error) {
	var rec run.Record
	err := a.withStore(ctx, func(c *core) error {
		window, err := resolveWindow(opts.Window, "30d")
		if err != nil {
			return err
		}
		rec, err = c.orchestrator.StartRun(ctx, run.Kind(opts.Kind), window, run.TriggerManual, opts.Token)
		return err
	})
	if err != nil {
		return run.Record{}, err
	}
	if rec.Status == run.StatusFailed {
		return rec, fmt.Errorf("run %s failed: %s", rec.ID, rec.Error)
	}
	return rec, nil
}
