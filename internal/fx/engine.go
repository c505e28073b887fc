package fx

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"swainos-analytics/internal/timeseries"
)

// Config carries FX policy, injected from application configuration.
type Config struct {
	BaseCurrency       string
	TargetCurrencies   []string
	StaleAfter         time.Duration
	MovementThreshold  decimal.Decimal
	ConcentrationRatio decimal.Decimal
	Weights            map[SignalKind]decimal.Decimal
}

func (c Config) withDefaults() Config {
	if c.BaseCurrency == "" {
		c.BaseCurrency = "USD"
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 60 * time.Minute
	}
	if c.MovementThreshold.IsZero() {
		c.MovementThreshold = decimal.NewFromFloat(0.01)
	}
	if c.ConcentrationRatio.IsZero() {
		c.ConcentrationRatio = decimal.NewFromFloat(0.5)
	}
	if len(c.Weights) == 0 {
		c.Weights = map[SignalKind]decimal.Decimal{
			SignalRateMovement:          decimal.NewFromFloat(0.6),
			SignalExposureConcentration: decimal.NewFromFloat(0.4),
		}
	}
	return c
}

// Engine computes exposure, detects signals, and scores currency pairs.
type Engine struct {
	provider  RateProvider
	quotes    QuoteStore
	positions PositionSource
	store     ArtifactStore
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

// NewEngine wires an FX engine. provider may be nil when only derived
// computations are needed.
func NewEngine(provider RateProvider, quotes QuoteStore, positions PositionSource, store ArtifactStore, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		provider:  provider,
		quotes:    quotes,
		positions: positions,
		store:     store,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "fx").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Pairs returns the configured base/target pairs in configuration order.
func (e *Engine) Pairs() []Pair {
	pairs := make([]Pair, 0, len(e.cfg.TargetCurrencies))
	for _, target := range e.cfg.TargetCurrencies {
		pairs = append(pairs, Pair{Base: e.cfg.BaseCurrency, Quote: target})
	}
	return pairs
}

// PullRates fetches a fresh quote per configured pair and persists the
// batch. A provider failure surfaces immediately; no stale substitute is
// recorded in its place.
func (e *Engine) PullRates(ctx context.Context, asOf time.Time) (int, error) {
	if e.provider == nil {
		return 0, fmt.Errorf("%w: no provider configured", ErrRateProvider)
	}

	quotes := make([]Quote, 0, len(e.cfg.TargetCurrencies))
	for _, pair := range e.Pairs() {
		quote, err := e.provider.FetchRate(ctx, pair, asOf)
		if err != nil {
			return 0, wrapProviderErr(pair, err)
		}
		quotes = append(quotes, quote)
	}

	if err := e.quotes.UpsertQuotes(ctx, quotes); err != nil {
		return 0, fmt.Errorf("persist quotes: %w", err)
	}

	e.logger.Info().Int("quotes", len(quotes)).Msg("rates pulled")
	return len(quotes), nil
}

// ComputeExposure converts open holdings to the base currency at the latest
// available rate. It fails with ErrStaleRate when the freshest quote for any
// held currency exceeds the staleness threshold.
func (e *Engine) ComputeExposure(ctx context.Context, asOf time.Time) ([]Exposure, error) {
	positions, err := e.positions.ListPositions(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	exposures := make([]Exposure, 0, len(positions))
	for _, position := range positions {
		if position.Currency == e.cfg.BaseCurrency {
			exposures = append(exposures, Exposure{
				Currency:       position.Currency,
				Holding:        position.Amount,
				Rate:           decimal.NewFromInt(1),
				BaseEquivalent: position.Amount,
				QuotedAt:       asOf,
			})
			continue
		}

		pair := Pair{Base: e.cfg.BaseCurrency, Quote: position.Currency}
		quote, found, err := e.quotes.LatestQuote(ctx, pair)
		if err != nil {
			return nil, fmt.Errorf("latest quote for %s: %w", pair, err)
		}
		if !found {
			return nil, fmt.Errorf("%w: no quote recorded for %s", ErrStaleRate, pair)
		}
		if quote.QuotedAt.Before(asOf.Add(-e.cfg.StaleAfter)) {
			return nil, fmt.Errorf("%w: %s quoted at %s, threshold %s", ErrStaleRate, pair, quote.QuotedAt.Format(time.RFC3339), e.cfg.StaleAfter)
		}
		if quote.Rate.IsZero() {
			return nil, fmt.Errorf("%w: zero rate for %s", ErrStaleRate, pair)
		}

		exposures = append(exposures, Exposure{
			Currency:       position.Currency,
			Holding:        position.Amount,
			Rate:           quote.Rate,
			BaseEquivalent: position.Amount.Div(quote.Rate),
			QuotedAt:       quote.QuotedAt,
		})
	}

	sort.Slice(exposures, func(i, j int) bool { return exposures[i].Currency < exposures[j].Currency })
	return exposures, nil
}

// DetectSignals scans the window's quote history for rate movements beyond
// the relative-change threshold and checks current exposure concentration.
// The emitted set is replaced wholesale, so re-running a window yields at
// most one signal per (pair, kind).
func (e *Engine) DetectSignals(ctx context.Context, window timeseries.Window) ([]Signal, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}

	var signals []Signal
	for _, pair := range e.Pairs() {
		quotes, err := e.quotes.ListQuotes(ctx, pair, window)
		if err != nil {
			return nil, fmt.Errorf("list quotes for %s: %w", pair, err)
		}
		if signal, ok := e.movementSignal(pair, window, quotes); ok {
			signals = append(signals, signal)
		}
	}

	concentration, err := e.concentrationSignals(ctx, window)
	if err != nil {
		return nil, err
	}
	signals = append(signals, concentration...)

	if e.store != nil {
		if err := e.store.ReplaceSignals(ctx, window, signals); err != nil {
			return nil, fmt.Errorf("persist signals: %w", err)
		}
	}

	e.logger.Info().Str("window", window.Key()).Int("signals", len(signals)).Msg("signals detected")
	return signals, nil
}

func (e *Engine) movementSignal(pair Pair, window timeseries.Window, quotes []Quote) (Signal, bool) {
	if len(quotes) < 2 {
		return Signal{}, false
	}
	first := quotes[0]
	last := quotes[len(quotes)-1]
	if first.Rate.IsZero() {
		return Signal{}, false
	}

	change := last.Rate.Sub(first.Rate).Div(first.Rate)
	if change.Abs().LessThan(e.cfg.MovementThreshold) {
		return Signal{}, false
	}

	// Strength scales linearly: at the threshold 0.5, saturating at twice
	// the threshold.
	strength := clamp01(change.Abs().Div(e.cfg.MovementThreshold.Mul(decimal.NewFromInt(2))))

	direction := "strengthened"
	if change.IsNegative() {
		direction = "weakened"
	}
	return Signal{
		ID:          uuid.NewString(),
		Pair:        pair,
		Kind:        SignalRateMovement,
		Strength:    strength,
		TriggeredAt: last.QuotedAt,
		Window:      window,
		Detail:      fmt.Sprintf("%s %s %s%% over window", pair, direction, change.Mul(decimal.NewFromInt(100)).Round(2)),
	}, true
}

func (e *Engine) concentrationSignals(ctx context.Context, window timeseries.Window) ([]Signal, error) {
	exposures, err := e.ComputeExposure(ctx, e.now())
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, exp := range exposures {
		total = total.Add(exp.BaseEquivalent.Abs())
	}
	if total.IsZero() {
		return nil, nil
	}

	var signals []Signal
	for _, exp := range exposures {
		if exp.Currency == e.cfg.BaseCurrency {
			continue
		}
		share := exp.BaseEquivalent.Abs().Div(total)
		if share.LessThan(e.cfg.ConcentrationRatio) {
			continue
		}
		signals = append(signals, Signal{
			ID:          uuid.NewString(),
			Pair:        Pair{Base: e.cfg.BaseCurrency, Quote: exp.Currency},
			Kind:        SignalExposureConcentration,
			Strength:    clamp01(share),
			TriggeredAt: e.now(),
			Window:      window,
			Detail:      fmt.Sprintf("%s holds %s%% of total exposure", exp.Currency, share.Mul(decimal.NewFromInt(100)).Round(1)),
		})
	}
	return signals, nil
}

// ComputeIntelligence combines the window's signal strengths into one score
// per pair, weighted by signal kind and normalized to [0, 1]. The score set
// is recomputed wholesale each run, never patched incrementally.
func (e *Engine) ComputeIntelligence(ctx context.Context, window timeseries.Window) ([]Score, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}

	signals, err := e.store.ListSignals(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}

	totalWeight := decimal.Zero
	for _, weight := range e.cfg.Weights {
		totalWeight = totalWeight.Add(weight)
	}
	if totalWeight.IsZero() {
		totalWeight = decimal.NewFromInt(1)
	}

	byPair := make(map[Pair][]Signal)
	for _, signal := range signals {
		byPair[signal.Pair] = append(byPair[signal.Pair], signal)
	}

	computedAt := e.now()
	scores := make([]Score, 0, len(byPair))
	for pair, pairSignals := range byPair {
		weighted := decimal.Zero
		ids := make([]string, 0, len(pairSignals))
		for _, signal := range pairSignals {
			weight, ok := e.cfg.Weights[signal.Kind]
			if !ok {
				continue
			}
			weighted = weighted.Add(weight.Mul(signal.Strength))
			ids = append(ids, signal.ID)
		}
		sort.Strings(ids)
		scores = append(scores, Score{
			Pair:       pair,
			Value:      clamp01(weighted.Div(totalWeight)),
			SignalIDs:  ids,
			ComputedAt: computedAt,
		})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].Pair.String() < scores[j].Pair.String() })

	if e.store != nil {
		if err := e.store.ReplaceScores(ctx, window, scores); err != nil {
			return nil, fmt.Errorf("persist intelligence scores: %w", err)
		}
	}

	e.logger.Info().Str("window", window.Key()).Int("scores", len(scores)).Msg("intelligence computed")
	return scores, nil
}
