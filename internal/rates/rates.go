package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrUnavailable means no usable market rate exists for the currency right
// now. Callers abort their computation instead of guessing from stale data.
var ErrUnavailable = errors.New("rates: market rate unavailable")

// Provider supplies the reference market rate for a fiat currency, quoted
// as local currency per USD.
type Provider interface {
	GetRate(ctx context.Context, currencyCode string) (decimal.Decimal, error)
}

// Options parameterise the HTTP rate provider.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	CacheTTL  time.Duration
	UserAgent string
	Pegged    []string
}

// HTTPProvider fetches rates from an external quote API with a short-lived
// in-process cache. Currencies pegged 1:1 to the quoting currency resolve
// to 1.0 by definition and are never fetched.
type HTTPProvider struct {
	opts    Options
	client  *http.Client
	baseURL string
	pegged  map[string]struct{}
	logger  zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cachedRate
}

type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// NewHTTPProvider constructs a rate provider.
func NewHTTPProvider(opts Options, logger zerolog.Logger) *HTTPProvider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 2 * time.Minute
	}

	pegged := make(map[string]struct{}, len(opts.Pegged))
	for _, code := range opts.Pegged {
		pegged[strings.ToUpper(code)] = struct{}{}
	}

	return &HTTPProvider{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		pegged:  pegged,
		logger:  logger.With().Str("component", "rates").Logger(),
		cache:   make(map[string]cachedRate),
	}
}

type rateResponse struct {
	Code string  `json:"code"`
	Rate float64 `json:"rate"`
}

// GetRate returns the market rate for a currency, serving from the cache
// within its TTL.
func (p *HTTPProvider) GetRate(ctx context.Context, currencyCode string) (decimal.Decimal, error) {
	code := strings.ToUpper(strings.TrimSpace(currencyCode))
	if code == "" {
		return decimal.Decimal{}, ErrUnavailable
	}

	if _, ok := p.pegged[code]; ok {
		return decimal.NewFromInt(1), nil
	}

	p.mu.RLock()
	entry, ok := p.cache[code]
	p.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < p.opts.CacheTTL {
		return entry.rate, nil
	}

	rate, err := p.fetch(ctx, code)
	if err != nil {
		p.logger.Warn().Err(err).Str("currency", code).Msg("market rate fetch failed")
		return decimal.Decimal{}, ErrUnavailable
	}

	p.mu.Lock()
	p.cache[code] = cachedRate{rate: rate, fetchedAt: time.Now()}
	p.mu.Unlock()

	return rate, nil
}

func (p *HTTPProvider) fetch(ctx context.Context, code string) (decimal.Decimal, error) {
	if p.baseURL == "" {
		return decimal.Decimal{}, errors.New("rates: base url not configured")
	}

	endpoint := fmt.Sprintf("%s/rates/%s", p.baseURL, code)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if p.opts.UserAgent != "" {
		req.Header.Set("User-Agent", p.opts.UserAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Decimal{}, fmt.Errorf("rates: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Decimal{}, fmt.Errorf("rates: decode response: %w", err)
	}

	if payload.Rate <= 0 {
		return decimal.Decimal{}, fmt.Errorf("rates: non-positive rate for %s", code)
	}

	return decimal.NewFromFloat(payload.Rate), nil
}

var _ Provider = (*HTTPProvider)(nil)
