package interfaces

import "time"

// ExchangeConfig carries everything an adapter needs at construction
// time. It is owned by the caller, passed by value, and never mutated by
// the adapter. No component reads ambient environment state; the
// pkg/config loader builds these once at startup.
type ExchangeConfig struct {
	// APIKey and APISecret authenticate signed calls. Market data
	// operations work without them; signed operations fail fast with an
	// authentication error when they are empty.
	APIKey    string
	APISecret string

	// Passphrase is required by exchanges that use a third credential
	// (OKX). Ignored elsewhere.
	Passphrase string

	// Testnet switches the adapter to the exchange's sandbox base URL.
	Testnet bool

	// MarketType selects spot or futures endpoints. Futures-only
	// operations on a spot-configured adapter fail with a capability
	// error before any network call.
	MarketType MarketType

	// MaxRequests and RateInterval define the request budget enforced by
	// the adapter's sliding window rate limiter.
	MaxRequests  int
	RateInterval time.Duration

	// EnableRateLimit pauses outgoing calls to honor the request budget.
	// When false the limiter is a no-op.
	EnableRateLimit bool

	// EnableLogging controls per-request diagnostic logging.
	EnableLogging bool

	// HTTPTimeout bounds every REST call. Timeout expiry is treated as a
	// transient network error and retried.
	HTTPTimeout time.Duration

	// MaxRetries bounds retry attempts for transient failures.
	MaxRetries uint

	// RetryDelay is the backoff base for network errors. Rate limit
	// responses use a longer base delay.
	RetryDelay time.Duration

	// RecvWindow is the signed-request staleness tolerance forwarded to
	// exchanges that support it.
	RecvWindow time.Duration
}

// NewExchangeConfig returns a config with the defaults an adapter can run
// with out of the box: spot market, 10 requests per second, 15 second
// HTTP timeout, 3 retries.
func NewExchangeConfig() ExchangeConfig {
	return ExchangeConfig{
		MarketType:      MarketTypeSpot,
		MaxRequests:     10,
		RateInterval:    time.Second,
		EnableRateLimit: true,
		EnableLogging:   true,
		HTTPTimeout:     15 * time.Second,
		MaxRetries:      3,
		RetryDelay:      time.Second,
		RecvWindow:      5 * time.Second,
	}
}

// HasCredentials reports whether signed operations can be attempted.
func (c ExchangeConfig) HasCredentials() bool {
	return c.APIKey != "" && c.APISecret != ""
}
