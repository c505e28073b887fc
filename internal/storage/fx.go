package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"swainos-analytics/internal/fx"
	"swainos-analytics/internal/timeseries"
)

const (
	upsertQuoteSQL = `INSERT INTO fx_quotes (
        base,
        quote,
        rate,
        quoted_at,
        source
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (base, quote, quoted_at) DO UPDATE
    SET rate   = EXCLUDED.rate,
        source = EXCLUDED.source;`

	latestQuoteSQL = `SELECT base, quote, rate, quoted_at, source
    FROM fx_quotes
    WHERE base = $1 AND quote = $2
    ORDER BY quoted_at DESC
    LIMIT 1;`

	listQuotesSQL = `SELECT base, quote, rate, quoted_at, source
    FROM fx_quotes
    WHERE base = $1
      AND quote = $2
      AND quoted_at >= $3
      AND quoted_at < $4
    ORDER BY quoted_at;`

	listPositionsSQL = `SELECT DISTINCT ON (currency) currency, amount
    FROM fx_positions
    WHERE as_of <= $1
    ORDER BY currency, as_of DESC;`

	upsertPositionSQL = `INSERT INTO fx_positions (currency, amount, as_of)
    VALUES ($1,$2,$3)
    ON CONFLICT (currency, as_of) DO UPDATE
    SET amount = EXCLUDED.amount;`

	deleteSignalsInWindowSQL = `DELETE FROM fx_signals
    WHERE window_start < $2 AND window_end > $1;`

	insertSignalSQL = `INSERT INTO fx_signals (
        id,
        base,
        quote,
        kind,
        strength,
        triggered_at,
        window_start,
        window_end,
        grain,
        detail
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	listSignalsSQL = `SELECT
        id,
        base,
        quote,
        kind,
        strength,
        triggered_at,
        window_start,
        window_end,
        grain,
        detail
    FROM fx_signals
    WHERE window_start < $2 AND window_end > $1
    ORDER BY base, quote, kind;`

	deleteScoresInWindowSQL = `DELETE FROM fx_scores
    WHERE window_start < $2 AND window_end > $1;`

	insertScoreSQL = `INSERT INTO fx_scores (
        base,
        quote,
        value,
        signal_ids,
        computed_at,
        window_start,
        window_end,
        grain
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	listScoresSQL = `SELECT base, quote, value, signal_ids, computed_at
    FROM fx_scores
    WHERE window_start < $2 AND window_end > $1
    ORDER BY base, quote;`
)

// UpsertQuotes persists observed rates, overwriting rate and source on the
// same (pair, quoted_at).
func (s *Store) UpsertQuotes(ctx context.Context, quotes []fx.Quote) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, quote := range quotes {
		if _, execErr := pool.Exec(ctx, upsertQuoteSQL,
			quote.Pair.Base,
			quote.Pair.Quote,
			quote.Rate.String(),
			quote.QuotedAt,
			quote.Source,
		); execErr != nil {
			return fmt.Errorf("upsert quote: %w", execErr)
		}
	}
	return nil
}

// LatestQuote returns the freshest quote for a pair.
func (s *Store) LatestQuote(ctx context.Context, pair fx.Pair) (fx.Quote, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return fx.Quote{}, false, err
	}

	row := pool.QueryRow(ctx, latestQuoteSQL, pair.Base, pair.Quote)
	quote, scanErr := scanQuoteRow(row)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return fx.Quote{}, false, nil
	}
	if scanErr != nil {
		return fx.Quote{}, false, fmt.Errorf("latest quote: %w", scanErr)
	}
	return quote, true, nil
}

// ListQuotes returns quotes within the window ordered by QuotedAt ascending.
func (s *Store) ListQuotes(ctx context.Context, pair fx.Pair, window timeseries.Window) ([]fx.Quote, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listQuotesSQL, pair.Base, pair.Quote, window.Start, window.End)
	if queryErr != nil {
		return nil, fmt.Errorf("list quotes: %w", queryErr)
	}
	defer rows.Close()

	quotes := make([]fx.Quote, 0)
	for rows.Next() {
		quote, scanErr := scanQuoteRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan quote: %w", scanErr)
		}
		quotes = append(quotes, quote)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return quotes, nil
}

// ListPositions returns the latest holding snapshot per currency as of the
// given instant.
func (s *Store) ListPositions(ctx context.Context, asOf time.Time) ([]fx.Position, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPositionsSQL, asOf)
	if queryErr != nil {
		return nil, fmt.Errorf("list positions: %w", queryErr)
	}
	defer rows.Close()

	positions := make([]fx.Position, 0)
	for rows.Next() {
		var (
			pos       fx.Position
			amountStr string
		)
		if err := rows.Scan(&pos.Currency, &amountStr); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		pos.Amount, err = decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("parse position amount: %w", err)
		}
		positions = append(positions, pos)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return positions, nil
}

// UpsertPositions records holding snapshots, used by backfill and ingestion
// tooling.
func (s *Store) UpsertPositions(ctx context.Context, positions []fx.Position, asOf time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if _, execErr := pool.Exec(ctx, upsertPositionSQL, pos.Currency, pos.Amount.String(), asOf); execErr != nil {
			return fmt.Errorf("upsert position: %w", execErr)
		}
	}
	return nil
}

// ReplaceSignals swaps the signal set whose window overlaps the given one
// inside one transaction. Overlap semantics keep re-runs over slightly
// shifted now-anchored windows from accumulating stale rows.
func (s *Store) ReplaceSignals(ctx context.Context, window timeseries.Window, signals []fx.Signal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace signals: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, execErr := tx.Exec(ctx, deleteSignalsInWindowSQL, window.Start, window.End); execErr != nil {
		return fmt.Errorf("delete window signals: %w", execErr)
	}
	for _, signal := range signals {
		if _, execErr := tx.Exec(ctx, insertSignalSQL,
			signal.ID,
			signal.Pair.Base,
			signal.Pair.Quote,
			string(signal.Kind),
			signal.Strength.String(),
			signal.TriggeredAt,
			signal.Window.Start,
			signal.Window.End,
			string(signal.Window.Grain),
			signal.Detail,
		); execErr != nil {
			return fmt.Errorf("insert signal: %w", execErr)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace signals: %w", err)
	}
	return nil
}

// ListSignals returns stored signals whose window overlaps the given one.
func (s *Store) ListSignals(ctx context.Context, window timeseries.Window) ([]fx.Signal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSignalsSQL, window.Start, window.End)
	if queryErr != nil {
		return nil, fmt.Errorf("list signals: %w", queryErr)
	}
	defer rows.Close()

	signals := make([]fx.Signal, 0)
	for rows.Next() {
		var (
			signal      fx.Signal
			kind        string
			grain       string
			strengthStr string
		)
		if err := rows.Scan(
			&signal.ID,
			&signal.Pair.Base,
			&signal.Pair.Quote,
			&kind,
			&strengthStr,
			&signal.TriggeredAt,
			&signal.Window.Start,
			&signal.Window.End,
			&grain,
			&signal.Detail,
		); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		signal.Kind = fx.SignalKind(kind)
		signal.Window.Grain = timeseries.Grain(grain)
		signal.Strength, err = decimal.NewFromString(strengthStr)
		if err != nil {
			return nil, fmt.Errorf("parse signal strength: %w", err)
		}
		signals = append(signals, signal)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return signals, nil
}

// ReplaceScores swaps the intelligence scores whose window overlaps the
// given one inside one transaction.
func (s *Store) ReplaceScores(ctx context.Context, window timeseries.Window, scores []fx.Score) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace scores: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, execErr := tx.Exec(ctx, deleteScoresInWindowSQL, window.Start, window.End); execErr != nil {
		return fmt.Errorf("delete window scores: %w", execErr)
	}
	for _, score := range scores {
		if _, execErr := tx.Exec(ctx, insertScoreSQL,
			score.Pair.Base,
			score.Pair.Quote,
			score.Value.String(),
			score.SignalIDs,
			score.ComputedAt,
			window.Start,
			window.End,
			string(window.Grain),
		); execErr != nil {
			return fmt.Errorf("insert score: %w", execErr)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace scores: %w", err)
	}
	return nil
}

// ListScores returns stored scores whose window overlaps the given one.
func (s *Store) ListScores(ctx context.Context, window timeseries.Window) ([]fx.Score, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listScoresSQL, window.Start, window.End)
	if queryErr != nil {
		return nil, fmt.Errorf("list scores: %w", queryErr)
	}
	defer rows.Close()

	scores := make([]fx.Score, 0)
	for rows.Next() {
		var (
			score    fx.Score
			valueStr string
		)
		if err := rows.Scan(
			&score.Pair.Base,
			&score.Pair.Quote,
			&valueStr,
			&score.SignalIDs,
			&score.ComputedAt,
		); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		score.Value, err = decimal.NewFromString(valueStr)
		if err != nil {
			return nil, fmt.Errorf("parse score value: %w", err)
		}
		scores = append(scores, score)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return scores, nil
}

type quoteScanner interface {
	Scan(dest ...any) error
}

func scanQuoteRow(row quoteScanner) (fx.Quote, error) {
	var (
		quote   fx.Quote
		rateStr string
	)
	if err := row.Scan(
		&quote.Pair.Base,
		&quote.Pair.Quote,
		&rateStr,
		&quote.QuotedAt,
		&quote.Source,
	); err != nil {
		return fx.Quote{}, err
	}
	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return fx.Quote{}, fmt.Errorf("parse rate: %w", err)
	}
	quote.Rate = rate
	return quote, nil
}
