// Package pricing provides the USD to EUR rate used by EUR-denominated
// TIMEFRAME thresholds.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/opensource-finance/txpolicy/internal/domain"
)

// FallbackRate is returned when the rate source cannot be reached.
const FallbackRate = 1.0

// Provider fetches the USD to EUR rate once and memoizes it until Invalidate.
// A failed fetch memoizes FallbackRate as well.
type Provider struct {
	url    string
	client *http.Client

	mu     sync.Mutex
	rate   float64
	cached bool
}

// NewProvider creates a rate provider from cfg.
func NewProvider(cfg domain.PricingConfig) *Provider {
	url := cfg.URL
	if url == "" {
		url = domain.DefaultRateURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Provider{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// USDToEUR implements domain.RateProvider. It never fails.
func (p *Provider) USDToEUR(ctx context.Context) float64 {
	p.mu.Lock()
	if p.cached {
		rate := p.rate
		p.mu.Unlock()
		return rate
	}
	p.mu.Unlock()

	rate, err := p.fetch(ctx)
	if err != nil {
		slog.Warn("failed to get USD/EUR rate, using fallback",
			"url", p.url,
			"fallback", FallbackRate,
			"error", err,
		)
		rate = FallbackRate
	}

	// Concurrent first lookups may both fetch; the last writer wins.
	p.mu.Lock()
	p.rate = rate
	p.cached = true
	p.mu.Unlock()

	return rate
}

// Invalidate clears the memoized rate so the next lookup fetches again.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.cached = false
	p.rate = 0
	p.mu.Unlock()

	slog.Info("USD/EUR rate invalidated")
}

func (p *Provider) fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch rates: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Rates map[string]json.Number `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode rates: %w", err)
	}

	eur, ok := body.Rates["EUR"]
	if !ok {
		return 0, fmt.Errorf("decode rates: EUR missing")
	}
	rate, err := eur.Float64()
	if err != nil {
		return 0, fmt.Errorf("decode rates: %w", err)
	}
	return rate, nil
}
