// Package rest implements the request pipeline shared by every exchange
// adapter: acquire a pacing slot, sign when required, dispatch with a
// bounded timeout, map the response through the adapter's error table and
// retry transient failures with exponential backoff.
//
// Adapters compose a Client with their exchange-specific Signer and
// ErrorMapper instead of duplicating the pipeline per exchange.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/veiloq/exchange-gateway/pkg/exchanges/interfaces"
	"github.com/veiloq/exchange-gateway/pkg/logging"
	"github.com/veiloq/exchange-gateway/pkg/ratelimit"
)

// Request describes one exchange API call before signing.
type Request struct {
	Method string
	Path   string
	Query  url.Values

	// RawQuery, when set by a signer, is used verbatim instead of the
	// encoded Query. Exchanges that sign the query string require the
	// transmitted bytes to match the signed payload exactly, including
	// parameter order.
	RawQuery string

	// Body is JSON-encoded when non-nil. Exchanges that sign the raw
	// body (Bybit, OKX) receive the encoded bytes in Signer.Sign.
	Body any

	// Headers set by the caller or the signer.
	Headers map[string]string

	// Signed marks the call as requiring credentials. Signed requests on
	// a client without a signer fail fast with an authentication error
	// and never reach the network.
	Signed bool
}

// Signer attaches an exchange-specific signature to a request. body holds
// the encoded request body, or nil for body-less calls. Implementations
// mutate req.Query and req.Headers.
type Signer interface {
	Sign(req *Request, body []byte) error
}

// ErrorMapper translates one exchange's native responses into the
// canonical error taxonomy. It is invoked for every response, including
// 2xx, because several exchanges report errors inside a 200 envelope.
// A nil return means the body is a successful payload.
type ErrorMapper func(status int, body []byte) error

// Config holds the pipeline settings an adapter derives from its
// ExchangeConfig.
type Config struct {
	BaseURL string
	Timeout time.Duration

	// MaxRetries is the total attempt budget for transient failures.
	MaxRetries uint

	// RetryDelay is the backoff base for network errors;
	// RateLimitRetryDelay the longer base applied after exchange-side
	// throttling.
	RetryDelay          time.Duration
	RateLimitRetryDelay time.Duration

	Limiter ratelimit.RateLimiter
	Logger  logging.Logger
}

// Client executes requests through the shared pipeline.
type Client struct {
	cfg    Config
	http   *http.Client
	signer Signer
	mapErr ErrorMapper
}

// NewClient builds a pipeline client. signer may be nil for adapters
// constructed without credentials; mapErr must not be nil.
func NewClient(cfg Config, signer Signer, mapErr ErrorMapper) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.RateLimitRetryDelay <= 0 {
		cfg.RateLimitRetryDelay = 3 * cfg.RetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		signer: signer,
		mapErr: mapErr,
	}
}

// SetTransport replaces the underlying HTTP transport. Used by tests to
// inject a mock RoundTripper.
func (c *Client) SetTransport(rt http.RoundTripper) {
	c.http.Transport = rt
}

// Limiter exposes the client's rate limiter for introspection.
func (c *Client) Limiter() ratelimit.RateLimiter {
	return c.cfg.Limiter
}

// Do runs req through the pipeline and returns the raw response body.
func (c *Client) Do(ctx context.Context, req *Request) ([]byte, error) {
	if req.Signed && c.signer == nil {
		return nil, interfaces.ErrNoCredentials
	}

	var result []byte
	err := retry.Do(
		func() error {
			body, err := c.attempt(ctx, req)
			if err != nil {
				return err
			}
			result = body
			return nil
		},
		retry.Attempts(c.cfg.MaxRetries),
		retry.RetryIf(interfaces.IsRetryable),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.DelayType(c.backoff),
		retry.OnRetry(func(n uint, err error) {
			c.cfg.Logger.Warn("retrying request",
				logging.Int("attempt", int(n+1)),
				logging.String("path", req.Path),
				logging.Error(err),
			)
		}),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// backoff doubles the delay per attempt, starting from a longer base
// after rate limit responses than after network errors.
func (c *Client) backoff(n uint, err error, _ *retry.Config) time.Duration {
	base := c.cfg.RetryDelay
	if interfaces.IsKind(err, interfaces.KindRateLimit) {
		base = c.cfg.RateLimitRetryDelay
	}
	return base << n
}

// attempt performs a single pass through the pipeline.
func (c *Client) attempt(ctx context.Context, req *Request) ([]byte, error) {
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var encoded []byte
	if req.Body != nil {
		var err error
		encoded, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	// Signing mutates query and headers, so work on a shallow copy per
	// attempt; a fresh timestamp and signature are computed every retry.
	attemptReq := *req
	attemptReq.Query = cloneValues(req.Query)
	attemptReq.Headers = cloneHeaders(req.Headers)
	if req.Signed {
		if err := c.signer.Sign(&attemptReq, encoded); err != nil {
			return nil, err
		}
	}

	httpReq, err := c.build(ctx, &attemptReq, encoded)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, interfaces.NewNetworkError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, interfaces.NewNetworkError(err)
	}

	c.cfg.Logger.Debug("request completed",
		logging.String("method", req.Method),
		logging.String("path", req.Path),
		logging.Int("status", resp.StatusCode),
		logging.Duration("elapsed", time.Since(start)),
	)

	if err := c.mapErr(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) build(ctx context.Context, req *Request, body []byte) (*http.Request, error) {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + req.Path
	if req.RawQuery != "" {
		u += "?" + req.RawQuery
	} else if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
