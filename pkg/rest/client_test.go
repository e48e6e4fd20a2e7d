package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/exchange-gateway/pkg/exchanges/interfaces"
	"github.com/veiloq/exchange-gateway/pkg/logging"
	"github.com/veiloq/exchange-gateway/pkg/ratelimit"
)

// scriptedTransport answers each RoundTrip from a fixed script and
// records the requests it saw.
type scriptedTransport struct {
	mu       sync.Mutex
	script   []scriptedResponse
	requests []*http.Request
	bodies   []string
}

type scriptedResponse struct {
	status int
	body   string
	err    error
}

func (t *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.requests = append(t.requests, req)
	var sent []byte
	if req.Body != nil {
		sent, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}
	t.bodies = append(t.bodies, string(sent))
	step := t.script[0]
	if len(t.script) > 1 {
		t.script = t.script[1:]
	}
	if step.err != nil {
		return nil, step.err
	}
	return &http.Response{
		StatusCode: step.status,
		Body:       io.NopCloser(strings.NewReader(step.body)),
		Header:     make(http.Header),
	}, nil
}

func (t *scriptedTransport) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

// testMapError treats {"code": N} with non-zero N as an envelope error,
// independent of HTTP status.
func testMapError(status int, body []byte) error {
	var native struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &native); err == nil && native.Code != 0 {
		switch native.Code {
		case 429:
			return interfaces.NewRateLimitError(native.Msg)
		case 401:
			return interfaces.NewAuthenticationError(native.Msg)
		default:
			return interfaces.NewError(interfaces.KindExchange, native.Msg)
		}
	}
	if status >= 200 && status < 300 {
		return nil
	}
	return interfaces.NewError(interfaces.KindExchange, string(body))
}

func newTestClient(t *testing.T, transport *scriptedTransport, signer Signer) *Client {
	t.Helper()
	client := NewClient(Config{
		BaseURL:             "https://api.example.com",
		MaxRetries:          3,
		RetryDelay:          time.Millisecond,
		RateLimitRetryDelay: 2 * time.Millisecond,
		Logger:              logging.NewNopLogger(),
	}, signer, testMapError)
	client.SetTransport(transport)
	return client
}

func TestDoReturnsBody(t *testing.T) {
	transport := &scriptedTransport{script: []scriptedResponse{
		{status: 200, body: `{"serverTime":1700000000000}`},
	}}
	client := newTestClient(t, transport, nil)

	body, err := client.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/api/v3/time"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"serverTime":1700000000000}`, string(body))
	assert.Equal(t, 1, transport.calls())
	assert.Equal(t, "https://api.example.com/api/v3/time", transport.requests[0].URL.String())
}

func TestDoEncodesQuery(t *testing.T) {
	transport := &scriptedTransport{script: []scriptedResponse{{status: 200, body: `{}`}}}
	client := newTestClient(t, transport, nil)

	q := url.Values{}
	q.Set("symbol", "BTCUSDT")
	q.Set("limit", "10")
	_, err := client.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/depth", Query: q})
	require.NoError(t, err)
	assert.Equal(t, "limit=10&symbol=BTCUSDT", transport.requests[0].URL.RawQuery)
}

func TestTerminalErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind interfaces.Kind
	}{
		{"authentication", `{"code":401,"msg":"bad signature"}`, interfaces.KindAuthentication},
		{"generic exchange", `{"code":-1100,"msg":"illegal characters"}`, interfaces.KindExchange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := &scriptedTransport{script: []scriptedResponse{
				{status: 400, body: tt.body},
			}}
			client := newTestClient(t, transport, nil)

			_, err := client.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/order"})
			require.Error(t, err)
			assert.True(t, interfaces.IsKind(err, tt.kind))
			assert.Equal(t, 1, transport.calls(), "terminal errors must not be retried")
		})
	}
}

func TestRateLimitErrorIsRetried(t *testing.T) {
	transport := &scriptedTransport{script: []scriptedResponse{
		{status: 429, body: `{"code":429,"msg":"too many requests"}`},
		{status: 200, body: `{"ok":true}`},
	}}
	client := newTestClient(t, transport, nil)

	body, err := client.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/klines"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, 2, transport.calls())
}

func TestNetworkErrorRetriedToBudget(t *testing.T) {
	transport := &scriptedTransport{script: []scriptedResponse{
		{err: errors.New("connection refused")},
	}}
	client := newTestClient(t, transport, nil)

	_, err := client.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/ping"})
	require.Error(t, err)
	assert.True(t, interfaces.IsKind(err, interfaces.KindNetwork))
	assert.Equal(t, 3, transport.calls(), "network errors retry up to MaxRetries attempts")
}

func TestEnvelopeErrorOn200IsMapped(t *testing.T) {
	transport := &scriptedTransport{script: []scriptedResponse{
		{status: 200, body: `{"code":401,"msg":"api key expired"}`},
	}}
	client := newTestClient(t, transport, nil)

	_, err := client.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/balance"})
	require.Error(t, err)
	assert.True(t, interfaces.IsKind(err, interfaces.KindAuthentication),
		"errors inside a 200 envelope must still be classified")
}

// countingSigner records every Sign call and stamps a header.
type countingSigner struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSigner) Sign(req *Request, _ []byte) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	req.Headers["X-Test-Signature"] = "sig"
	return nil
}

func TestSignedWithoutSignerFailsFast(t *testing.T) {
	transport := &scriptedTransport{script: []scriptedResponse{{status: 200, body: `{}`}}}
	client := newTestClient(t, transport, nil)

	_, err := client.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/order", Signed: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrNoCredentials)
	assert.Equal(t, 0, transport.calls(), "no network call may be issued without credentials")
}

func TestSignerRunsFreshPerAttempt(t *testing.T) {
	transport := &scriptedTransport{script: []scriptedResponse{
		{err: errors.New("broken pipe")},
		{status: 200, body: `{}`},
	}}
	signer := &countingSigner{}
	client := newTestClient(t, transport, signer)

	_, err := client.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/order", Signed: true})
	require.NoError(t, err)
	assert.Equal(t, 2, signer.calls, "every retry must carry a fresh signature")
	assert.Equal(t, "sig", transport.requests[1].Header.Get("X-Test-Signature"))
}

func TestRawQueryTransmittedVerbatim(t *testing.T) {
	transport := &scriptedTransport{script: []scriptedResponse{{status: 200, body: `{}`}}}
	client := newTestClient(t, transport, rawQuerySigner{})

	q := url.Values{}
	q.Set("symbol", "BTCUSDT")
	_, err := client.Do(context.Background(), &Request{
		Method: http.MethodGet,
		Path:   "/account",
		Query:  q,
		Signed: true,
	})
	require.NoError(t, err)
	// The signature parameter stays last even though Encode would sort
	// it before "symbol".
	assert.Equal(t, "symbol=BTCUSDT&signature=deadbeef", transport.requests[0].URL.RawQuery)
}

type rawQuerySigner struct{}

func (rawQuerySigner) Sign(req *Request, _ []byte) error {
	req.RawQuery = req.Query.Encode() + "&signature=deadbeef"
	return nil
}

func TestBodyEncodedOnceAndSigned(t *testing.T) {
	transport := &scriptedTransport{script: []scriptedResponse{{status: 200, body: `{}`}}}
	var signedBody string
	client := newTestClient(t, transport, signerFunc(func(req *Request, body []byte) error {
		signedBody = string(body)
		return nil
	}))

	payload := map[string]string{"symbol": "BTCUSDT"}
	_, err := client.Do(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/order",
		Body:   payload,
		Signed: true,
	})
	require.NoError(t, err)

	assert.Equal(t, signedBody, transport.bodies[0], "signed bytes and transmitted bytes must match")
	assert.Equal(t, "application/json", transport.requests[0].Header.Get("Content-Type"))
}

type signerFunc func(req *Request, body []byte) error

func (f signerFunc) Sign(req *Request, body []byte) error { return f(req, body) }

func TestLimiterIsConsulted(t *testing.T) {
	transport := &scriptedTransport{script: []scriptedResponse{{status: 200, body: `{}`}}}
	limiter := ratelimit.NewSlidingWindowLimiter(ratelimit.Rate{Limit: 5, Interval: time.Second})
	client := NewClient(Config{
		BaseURL:    "https://api.example.com",
		RetryDelay: time.Millisecond,
		Limiter:    limiter,
		Logger:     logging.NewNopLogger(),
	}, nil, testMapError)
	client.SetTransport(transport)

	_, err := client.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/ping"})
	require.NoError(t, err)
	assert.Equal(t, 4, limiter.Remaining(), "the attempt must consume one slot")
	assert.Same(t, limiter, client.Limiter())
}
