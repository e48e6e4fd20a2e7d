package okx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/exchange-gateway/pkg/exchanges/interfaces"
	"github.com/veiloq/exchange-gateway/pkg/rest"
	"github.com/veiloq/exchange-gateway/pkg/secure"
)

type mockRoundTripper struct {
	mu       sync.Mutex
	body     string
	requests []*http.Request
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
		Header:     make(http.Header),
	}, nil
}

func (m *mockRoundTripper) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func newTestAdapter(t *testing.T, cfg interfaces.ExchangeConfig, body string) (*Adapter, *mockRoundTripper) {
	t.Helper()
	cfg.EnableLogging = false
	cfg.EnableRateLimit = false
	cfg.RetryDelay = time.Millisecond
	adapter := New(cfg)
	adapter.initialized = true
	transport := &mockRoundTripper{body: body}
	adapter.client.SetTransport(transport)
	return adapter, transport
}

func TestSymbolConversion(t *testing.T) {
	tests := map[string]string{
		"BTCUSDT":  "BTC-USDT",
		"ethusdt":  "ETH-USDT",
		"SOLUSDC":  "SOL-USDC",
		"ETHBTC":   "ETH-BTC",
		"BTC-USDT": "BTC-USDT",
		"WEIRD":    "WEIRD",
	}
	for compact, instID := range tests {
		assert.Equal(t, instID, toInstID(compact), compact)
	}

	assert.Equal(t, "BTCUSDT", fromInstID("BTC-USDT"))
}

func TestSignerSetsHeaders(t *testing.T) {
	s := newSigner("test-key", "test-secret", "test-pass")
	fixed := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	req := &rest.Request{Method: http.MethodGet, Path: "/api/v5/account/balance"}
	require.NoError(t, s.Sign(req, nil))

	want := secure.HMACSHA256Base64("test-secret",
		"2023-01-01T00:00:00.000Z"+"GET"+"/api/v5/account/balance")
	assert.Equal(t, "test-key", req.Headers["OK-ACCESS-KEY"])
	assert.Equal(t, "test-pass", req.Headers["OK-ACCESS-PASSPHRASE"])
	assert.Equal(t, "2023-01-01T00:00:00.000Z", req.Headers["OK-ACCESS-TIMESTAMP"])
	assert.Equal(t, want, req.Headers["OK-ACCESS-SIGN"])
}

func TestSignerIncludesQueryInPath(t *testing.T) {
	s := newSigner("key", "secret", "pass")
	fixed := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	q := url.Values{}
	q.Set("instId", "BTC-USDT")
	req := &rest.Request{Method: http.MethodGet, Path: "/api/v5/market/ticker", Query: q}
	require.NoError(t, s.Sign(req, nil))

	want := secure.HMACSHA256Base64("secret",
		"2023-01-01T00:00:00.000Z"+"GET"+"/api/v5/market/ticker?instId=BTC-USDT")
	assert.Equal(t, want, req.Headers["OK-ACCESS-SIGN"])
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind interfaces.Kind
	}{
		{"invalid api key", `{"code":"50111","msg":"Invalid OK-ACCESS-KEY"}`, interfaces.KindAuthentication},
		{"invalid sign", `{"code":"50113","msg":"Invalid Sign"}`, interfaces.KindAuthentication},
		{"stale timestamp", `{"code":"50102","msg":"Timestamp request expired"}`, interfaces.KindAuthentication},
		{"rate limit", `{"code":"50011","msg":"Too Many Requests"}`, interfaces.KindRateLimit},
		{"insufficient balance", `{"code":"51008","msg":"Order placement failed due to insufficient balance"}`, interfaces.KindInsufficientBalance},
		{"unknown instrument", `{"code":"51001","msg":"Instrument ID does not exist"}`, interfaces.KindInvalidSymbol},
		{"unknown code", `{"code":"1","msg":"Operation failed"}`, interfaces.KindExchange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError(200, []byte(tt.body))
			require.Error(t, err)
			assert.True(t, interfaces.IsKind(err, tt.kind), "got %v", err)
		})
	}

	assert.NoError(t, mapError(200, []byte(`{"code":"0","msg":"","data":[]}`)))
}

func TestGetCandlesConvertsSymbolAndBar(t *testing.T) {
	body := `{"code":"0","msg":"","data":[
		["1700003600000","42100.0","42200.0","42050.0","42150.0","5.0","210000"],
		["1700000000000","42000.0","42100.0","41900.0","42100.0","10.0","420000"]
	]}`
	adapter, transport := newTestAdapter(t, interfaces.NewExchangeConfig(), body)

	candles, err := adapter.GetCandles(context.Background(), interfaces.CandleRequest{
		Symbol:   "BTCUSDT",
		Interval: "1h",
	})
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[1].OpenTime.After(candles[0].OpenTime))
	assert.Equal(t, "BTCUSDT", candles[0].Symbol)

	sent := transport.requests[0].URL.Query()
	assert.Equal(t, "BTC-USDT", sent.Get("instId"))
	assert.Equal(t, "1H", sent.Get("bar"), "hour bars are uppercase on the wire")
}

func TestGetTickerConvertsInstID(t *testing.T) {
	body := `{"code":"0","msg":"","data":[
		{"instId":"BTC-USDT","last":"42000.0","bidPx":"41999.0","askPx":"42001.0",
		 "high24h":"42500.0","low24h":"41000.0","vol24h":"1000.0","open24h":"41500.0","ts":"1700000000000"}
	]}`
	adapter, _ := newTestAdapter(t, interfaces.NewExchangeConfig(), body)

	ticker, err := adapter.GetTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", ticker.Symbol, "canonical compact symbol, not the instId")
	assert.InDelta(t, 42000.0, ticker.LastPrice, 1e-9)
	assert.InDelta(t, 500.0, ticker.PriceChange24h, 1e-9)
}

func TestGetBalances(t *testing.T) {
	body := `{"code":"0","msg":"","data":[{"details":[
		{"ccy":"BTC","availBal":"0.9","frozenBal":"0.1"},
		{"ccy":"DUST","availBal":"0","frozenBal":"0"}
	]}]}`
	cfg := interfaces.NewExchangeConfig()
	cfg.APIKey = "key"
	cfg.APISecret = "secret"
	cfg.Passphrase = "pass"
	adapter, transport := newTestAdapter(t, cfg, body)

	balances, err := adapter.GetBalances(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "BTC", balances[0].Asset)
	assert.InDelta(t, 1.0, balances[0].Total, 1e-9)
	assert.NotEmpty(t, transport.requests[0].Header.Get("OK-ACCESS-SIGN"))
}

func TestGetBalancesRequiresInitialization(t *testing.T) {
	cfg := interfaces.NewExchangeConfig()
	cfg.APIKey = "key"
	cfg.APISecret = "secret"
	cfg.Passphrase = "pass"
	adapter, transport := newTestAdapter(t, cfg, `{}`)
	adapter.initialized = false

	_, err := adapter.GetBalances(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrNotInitialized)
	assert.Equal(t, 0, transport.calls())
}

func TestUnsupportedOperations(t *testing.T) {
	adapter, transport := newTestAdapter(t, interfaces.NewExchangeConfig(), `{}`)
	ctx := context.Background()

	_, err := adapter.PlaceOrder(ctx, interfaces.OrderRequest{Symbol: "BTCUSDT"})
	assert.True(t, interfaces.IsKind(err, interfaces.KindUnsupported))

	_, err = adapter.GetPositions(ctx, "BTCUSDT")
	assert.True(t, interfaces.IsKind(err, interfaces.KindUnsupported))

	err = adapter.SubscribeTrades(ctx, "BTCUSDT", func(interfaces.Trade) {})
	assert.True(t, interfaces.IsKind(err, interfaces.KindUnsupported))

	assert.Equal(t, 0, transport.calls(), "unsupported operations never reach the network")
}

func TestSupports(t *testing.T) {
	public := New(interfaces.NewExchangeConfig())
	assert.True(t, public.Supports(interfaces.CapabilityMarketData))
	assert.False(t, public.Supports(interfaces.CapabilityTrading))
	assert.False(t, public.Supports(interfaces.CapabilityStreaming))
	assert.False(t, public.Supports(interfaces.CapabilityAccount))

	cfg := interfaces.NewExchangeConfig()
	cfg.APIKey = "key"
	cfg.APISecret = "secret"
	cfg.Passphrase = "pass"
	signed := New(cfg)
	assert.True(t, signed.Supports(interfaces.CapabilityAccount))
	assert.False(t, signed.Supports(interfaces.CapabilityFutures))
}
