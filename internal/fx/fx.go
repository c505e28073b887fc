package fx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"swainos-analytics/internal/timeseries"
)

var (
	// ErrStaleRate indicates the freshest quote for a pair exceeds the
	// configured staleness threshold. Computation refuses to proceed rather
	// than silently using old data.
	ErrStaleRate = errors.New("fx: latest rate is stale")
	// ErrRateProvider indicates an external provider failure. Fallback to a
	// secondary provider is a configuration concern, never silent
	// substitution inside the engine.
	ErrRateProvider = errors.New("fx: rate provider failure")
)

// Pair is an ordered currency pair, e.g. USD/AUD.
type Pair struct {
	Base  string
	Quote string
}

// String renders the conventional BASE/QUOTE form.
func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Quote is one observed exchange rate: units of Quote currency per one unit
// of Base currency.
type Quote struct {
	Pair     Pair
	Rate     decimal.Decimal
	QuotedAt time.Time
	Source   string
}

// RateProvider fetches a rate from an external source.
type RateProvider interface {
	FetchRate(ctx context.Context, pair Pair, asOf time.Time) (Quote, error)
}

// Position is an open holding in one currency.
type Position struct {
	Currency string
	Amount   decimal.Decimal
}

// Exposure is a holding converted to the base currency at the latest rate.
type Exposure struct {
	Currency       string
	Holding        decimal.Decimal
	Rate           decimal.Decimal
	BaseEquivalent decimal.Decimal
	QuotedAt       time.Time
}

// SignalKind discriminates detected FX conditions.
type SignalKind string

const (
	SignalRateMovement          SignalKind = "rate_movement"
	SignalExposureConcentration SignalKind = "exposure_concentration"
)

// Signal is a discrete detected condition for a pair within a window.
// Strength is always within [0, 1]; at most one signal exists per
// (pair, kind, window).
type Signal struct {
	ID          string
	Pair        Pair
	Kind        SignalKind
	Strength    decimal.Decimal
	TriggeredAt time.Time
	Window      timeseries.Window
	Detail      string
}

// Score is the weighted composite of a pair's signals for a window,
// recomputed wholesale on each run.
type Score struct {
	Pair       Pair
	Value      decimal.Decimal
	SignalIDs  []string
	ComputedAt time.Time
}

// QuoteStore persists and reads observed rates.
type QuoteStore interface {
	UpsertQuotes(ctx context.Context, quotes []Quote) error
	// LatestQuote returns the freshest quote for the pair; found is false
	// when the pair has never been quoted.
	LatestQuote(ctx context.Context, pair Pair) (Quote, bool, error)
	// ListQuotes returns quotes within the window ordered by QuotedAt ascending.
	ListQuotes(ctx context.Context, pair Pair, window timeseries.Window) ([]Quote, error)
}

// PositionSource reads open holdings as of an instant.
type PositionSource interface {
	ListPositions(ctx context.Context, asOf time.Time) ([]Position, error)
}

// ArtifactStore persists derived signals and intelligence scores wholesale
// per window. Replace removes artifacts whose window overlaps the given one;
// List matches by overlap too, so now-anchored windows that differ by
// seconds still find their artifacts.
type ArtifactStore interface {
	ReplaceSignals(ctx context.Context, window timeseries.Window, signals []Signal) error
	ListSignals(ctx context.Context, window timeseries.Window) ([]Signal, error)
	ReplaceScores(ctx context.Context, window timeseries.Window, scores []Score) error
}

func clamp01(v decimal.Decimal) decimal.Decimal {
	if v.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	if v.GreaterThan(one) {
		return one
	}
	return v
}

func wrapProviderErr(pair Pair, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrRateProvider, pair, err)
}
