package fx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const exchangeRatePath = "/exchange_rate"

// ProviderOptions parameterise the HTTP rate provider.
type ProviderOptions struct {
	Name      string
	BaseURL   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
	Retries   int
}

// HTTPProvider fetches spot rates from a twelve-data-shaped REST API.
type HTTPProvider struct {
	opts    ProviderOptions
	client  *http.Client
	logger  zerolog.Logger
	baseURL string
}

// NewHTTPProvider constructs the provider.
func NewHTTPProvider(opts ProviderOptions, logger zerolog.Logger) *HTTPProvider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	if opts.Name == "" {
		opts.Name = "twelve_data"
	}

	return &HTTPProvider{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "rate_provider").Str("provider", opts.Name).Logger(),
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// FetchRate retrieves the spot rate for a pair, retrying transient failures
// up to the configured attempt count.
func (p *HTTPProvider) FetchRate(ctx context.Context, pair Pair, asOf time.Time) (Quote, error) {
	if p.baseURL == "" {
		return Quote{}, errors.New("provider base url not configured")
	}
	if p.opts.APIKey == "" {
		return Quote{}, errors.New("provider api key not configured")
	}

	var lastErr error
	for attempt := 0; attempt < p.opts.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Quote{}, err
		}
		quote, err := p.fetchOnce(ctx, pair, asOf)
		if err == nil {
			return quote, nil
		}
		lastErr = err
		p.logger.Warn().Err(err).Str("pair", pair.String()).Int("attempt", attempt+1).Msg("rate fetch failed")
	}
	return Quote{}, lastErr
}

func (p *HTTPProvider) fetchOnce(ctx context.Context, pair Pair, asOf time.Time) (Quote, error) {
	params := url.Values{}
	params.Set("symbol", pair.String())
	params.Set("apikey", p.opts.APIKey)

	endpoint := p.baseURL + exchangeRatePath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Quote{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, parseProviderError(resp.StatusCode, payload)
	}

	var body exchangeRateResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return Quote{}, err
	}
	if body.Rate == "" {
		return Quote{}, errors.New("missing rate in provider payload")
	}

	rate, err := decimal.NewFromString(body.Rate.String())
	if err != nil {
		return Quote{}, fmt.Errorf("parse rate: %w", err)
	}
	if rate.IsZero() {
		return Quote{}, errors.New("provider returned zero rate")
	}

	quotedAt := asOf.UTC()
	if body.Timestamp > 0 {
		quotedAt = time.Unix(body.Timestamp, 0).UTC()
	}

	return Quote{
		Pair:     pair,
		Rate:     rate,
		QuotedAt: quotedAt,
		Source:   p.opts.Name,
	}, nil
}

type exchangeRateResponse struct {
	Symbol    string      `json:"symbol"`
	Rate      json.Number `json:"rate"`
	Timestamp int64       `json:"timestamp"`
}

type providerErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func parseProviderError(status int, payload []byte) error {
	var apiErr providerErrorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("provider error (%d): %s", status, apiErr.Message)
	}
	if len(payload) > 0 {
		return fmt.Errorf("provider error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("provider error (%d)", status)
}

var _ RateProvider = (*HTTPProvider)(nil)
