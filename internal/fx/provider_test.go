package fx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestProviderMissingConfig(t *testing.T) {
	p := NewHTTPProvider(ProviderOptions{}, noopLogger())
	_, err := p.FetchRate(context.Background(), usdAud, time.Now())
	require.Error(t, err)

	p = NewHTTPProvider(ProviderOptions{BaseURL: "http://localhost"}, noopLogger())
	_, err = p.FetchRate(context.Background(), usdAud, time.Now())
	require.Error(t, err)
}

func TestProviderFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "USD/AUD", r.URL.Query().Get("symbol"))
		require.Equal(t, "secret", r.URL.Query().Get("apikey"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"symbol":    "USD/AUD",
			"rate":      1.5234,
			"timestamp": 1781784000,
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(ProviderOptions{
		BaseURL: srv.URL,
		APIKey:  "secret",
		Timeout: time.Second,
	}, noopLogger())

	quote, err := p.FetchRate(context.Background(), usdAud, time.Now())
	require.NoError(t, err)
	require.True(t, quote.Rate.Equal(decimal.NewFromFloat(1.5234)))
	require.Equal(t, time.Unix(1781784000, 0).UTC(), quote.QuotedAt)
	require.Equal(t, "twelve_data", quote.Source)
}

func TestProviderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 429, "message": "rate limit"})
	}))
	defer srv.Close()

	p := NewHTTPProvider(ProviderOptions{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second, Retries: 2}, noopLogger())
	_, err := p.FetchRate(context.Background(), usdAud, time.Now())
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limit")
}

func TestProviderRetriesThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"rate": "1.6", "timestamp": 0})
	}))
	defer srv.Close()

	p := NewHTTPProvider(ProviderOptions{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second, Retries: 3}, noopLogger())
	asOf := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

	quote, err := p.FetchRate(context.Background(), usdAud, asOf)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.True(t, quote.Rate.Equal(decimal.NewFromFloat(1.6)))
	require.Equal(t, asOf, quote.QuotedAt, "missing provider timestamp falls back to asOf")
}

func TestProviderZeroRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"rate": 0})
	}))
	defer srv.Close()

	p := NewHTTPProvider(ProviderOptions{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second}, noopLogger())
	_, err := p.FetchRate(context.Background(), usdAud, time.Now())
	require.Error(t, err)
}
