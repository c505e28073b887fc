package app

import (
	"context"
	"errors"
	"time"

	"swainos-analytics/internal/fx"
)

// Backfill pulls historical FX rates day by day and persists them, so
// movement detection has history before the first scheduled run.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	start := opts.From.UTC().Truncate(24 * time.Hour)
	end := opts.To.UTC()
	if !start.Before(end) {
		return errors.New("backfill range is empty; check --from/--to")
	}

	var quoteStore fx.QuoteStore
	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: quotes will not be persisted")
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn is required for backfill")
		}
		defer closeStore()
		quoteStore = store
	}

	provider := a.newProvider()
	engine := fx.NewEngine(provider, quoteStore, nil, nil, a.fxEngineConfig(), a.Logger)

	processed := 0
	failed := 0
	for day := start; day.Before(end); day = day.Add(24 * time.Hour) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if opts.DryRun {
			for _, pair := range engine.Pairs() {
				if _, err := provider.FetchRate(ctx, pair, day); err != nil {
					failed++
					a.Logger.Error().Err(err).Time("day", day).Str("pair", pair.String()).Msg("backfill fetch failed")
					continue
				}
				processed++
			}
			continue
		}

		pulled, err := engine.PullRates(ctx, day)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Time("day", day).Msg("backfill day failed")
			continue
		}
		processed += pulled
	}

	a.Logger.Info().Int("processed", processed).Int("failed", failed).Msg("backfill finished")
	if failed > 0 {
		return errors.New("some days failed to backfill; check logs")
	}
	return nil
}
