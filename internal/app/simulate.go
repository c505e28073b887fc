package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"swainos-analytics/internal/fx"
	"swainos-analytics/internal/timeseries"
)

// SimulateMovement runs signal detection over two synthetic quotes so the
// configured thresholds can be previewed without touching the database or
// the rate provider.
func (a *App) SimulateMovement(ctx context.Context, currency string, from, to decimal.Decimal) error {
	now := time.Now().UTC()
	window := timeseries.Window{
		Start: timeseries.PeriodStart(now.AddDate(0, 0, -1), timeseries.GrainDay),
		End:   timeseries.NextPeriod(timeseries.PeriodStart(now, timeseries.GrainDay), timeseries.GrainDay),
		Grain: timeseries.GrainDay,
	}

	pair := fx.Pair{Base: a.Config.FX.BaseCurrency, Quote: currency}
	quotes := &staticQuoteStore{quotes: []fx.Quote{
		{Pair: pair, Rate: from, QuotedAt: window.Start, Source: "simulated"},
		{Pair: pair, Rate: to, QuotedAt: now, Source: "simulated"},
	}}

	cfg := a.fxEngineConfig()
	cfg.TargetCurrencies = []string{currency}
	engine := fx.NewEngine(nil, quotes, staticPositions{}, nil, cfg, a.Logger)

	signals, err := engine.DetectSignals(ctx, window)
	if err != nil {
		return err
	}

	if len(signals) == 0 {
		fmt.Fprintf(os.Stdout, "no signal: %s -> %s stays below the movement threshold\n", from, to)
		return nil
	}
	for _, signal := range signals {
		fmt.Fprintf(os.Stdout, "%s %s strength=%s\n", signal.Pair, signal.Kind, signal.Strength)
		fmt.Fprintln(os.Stdout, signal.Detail)
	}
	return nil
}

type staticQuoteStore struct {
	quotes []fx.Quote
}

func (s *staticQuoteStore) UpsertQuotes(ctx context.Context, quotes []fx.Quote) error {
	s.quotes = append(s.quotes, quotes...)
	return nil
}

func (s *staticQuoteStore) LatestQuote(ctx context.Context, pair fx.Pair) (fx.Quote, bool, error) {
	var best fx.Quote
	found := false
	for _, q := range s.quotes {
		if q.Pair == pair && (!found || q.QuotedAt.After(best.QuotedAt)) {
			best = q
			found = true
		}
	}
	return best, found, nil
}

func (s *staticQuoteStore) ListQuotes(ctx context.Context, pair fx.Pair, window timeseries.Window) ([]fx.Quote, error) {
	var out []fx.Quote
	for _, q := range s.quotes {
		if q.Pair == pair && window.Contains(q.QuotedAt) {
			out = append(out, q)
		}
	}
	return out, nil
}

type staticPositions struct{}

func (staticPositions) ListPositions(ctx context.Context, asOf time.Time) ([]fx.Position, error) {
	return nil, nil
}

var _ fx.QuoteStore = (*staticQuoteStore)(nil)
var _ fx.PositionSource = staticPositions{}
