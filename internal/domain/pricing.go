package domain

import (
	"context"
	"time"
)

// RateProvider supplies the USD to EUR conversion rate.
// Implementations never fail; lookups fall back to 1.0.
type RateProvider interface {
	USDToEUR(ctx context.Context) float64
}

// PricingConfig configures the external rate source.
type PricingConfig struct {
	URL     string
	Timeout time.Duration
}

// DefaultRateURL is the public USD rate table used when none is configured.
const DefaultRateURL = "https://api.exchangerate-api.com/v4/latest/USD"
