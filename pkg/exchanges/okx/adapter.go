// Package okx implements a read-only exchange adapter for the OKX v5
// API: spot market data plus account balances. Trading, futures and
// streaming are not wired up and report themselves as unsupported.
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/veiloq/exchange-gateway/pkg/exchanges/interfaces"
	"github.com/veiloq/exchange-gateway/pkg/logging"
	"github.com/veiloq/exchange-gateway/pkg/ratelimit"
	"github.com/veiloq/exchange-gateway/pkg/rest"
	"github.com/veiloq/exchange-gateway/pkg/secure"
)

const (
	baseURL = "https://www.okx.com"
)

// Adapter is the OKX implementation of the canonical trading contract.
type Adapter struct {
	config interfaces.ExchangeConfig
	client *rest.Client
	logger logging.Logger

	mu          sync.RWMutex
	initialized bool
	info        *interfaces.ExchangeInfo
}

// New constructs an OKX adapter. OKX has no separate testnet host; the
// demo environment is selected per request with a header.
func New(config interfaces.ExchangeConfig) *Adapter {
	logger := logging.NewNopLogger()
	if config.EnableLogging {
		logger = logging.NewZapLogger().WithFields(
			logging.String("exchange", "okx"),
			logging.String("market", string(config.MarketType)),
		)
	}

	var s rest.Signer
	if config.HasCredentials() && config.Passphrase != "" {
		s = newSigner(config.APIKey, config.APISecret, config.Passphrase)
		logger.Debug("credentials configured",
			logging.String("api_key", secure.MaskKey(config.APIKey)),
		)
	}

	client := rest.NewClient(rest.Config{
		BaseURL:    baseURL,
		Timeout:    config.HTTPTimeout,
		MaxRetries: config.MaxRetries,
		RetryDelay: config.RetryDelay,
		Limiter:    ratelimit.FromBudget(config.MaxRequests, config.RateInterval, config.EnableRateLimit),
		Logger:     logger,
	}, s, mapError)

	return &Adapter{
		config: config,
		client: client,
		logger: logger,
	}
}

func (a *Adapter) Name() string { return "okx" }

func (a *Adapter) MarketType() interfaces.MarketType { return interfaces.MarketTypeSpot }

func (a *Adapter) Supports(c interfaces.Capability) bool {
	switch c {
	case interfaces.CapabilityMarketData:
		return true
	case interfaces.CapabilityAccount:
		return a.config.HasCredentials() && a.config.Passphrase != ""
	}
	return false
}

// Initialize verifies connectivity and caches instrument metadata.
func (a *Adapter) Initialize(ctx context.Context) error {
	if _, err := a.client.Do(ctx, &rest.Request{Method: http.MethodGet, Path: "/api/v5/public/time"}); err != nil {
		return fmt.Errorf("okx server time: %w", err)
	}

	q := url.Values{}
	q.Set("instType", "SPOT")
	data, err := a.get(ctx, "/api/v5/public/instruments", q, false)
	if err != nil {
		return fmt.Errorf("okx instruments: %w", err)
	}
	var natives []nativeInstrument
	if err := json.Unmarshal(data, &natives); err != nil {
		return fmt.Errorf("decoding instruments: %w", err)
	}
	info, err := toInfo(natives)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.info = info
	a.initialized = true
	a.mu.Unlock()

	a.logger.Info("adapter initialized", logging.Int("symbols", len(info.Symbols)))
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	a.initialized = false
	a.mu.Unlock()
	return nil
}

func (a *Adapter) IsInitialized() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.initialized
}

func (a *Adapter) Info() *interfaces.ExchangeInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.info
}

// Market data

func (a *Adapter) GetCandles(ctx context.Context, req interfaces.CandleRequest) ([]interfaces.Candle, error) {
	bar, ok := nativeBars[req.Interval]
	if !ok {
		return nil, interfaces.NewError(interfaces.KindExchange,
			fmt.Sprintf("okx: unsupported interval %q", req.Interval))
	}

	q := url.Values{}
	q.Set("instId", toInstID(req.Symbol))
	q.Set("bar", bar)
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	// OKX pages backward in time: "after" returns rows older than the
	// given timestamp, "before" rows newer.
	if !req.EndTime.IsZero() {
		q.Set("after", strconv.FormatInt(req.EndTime.UnixMilli(), 10))
	}
	if !req.StartTime.IsZero() {
		q.Set("before", strconv.FormatInt(req.StartTime.UnixMilli(), 10))
	}

	data, err := a.get(ctx, "/api/v5/market/candles", q, false)
	if err != nil {
		return nil, err
	}
	return parseCandles(data, strings.ToUpper(req.Symbol), req.Interval)
}

func (a *Adapter) GetOrderBook(ctx context.Context, symbol string, depth int) (*interfaces.OrderBook, error) {
	q := url.Values{}
	q.Set("instId", toInstID(symbol))
	if depth > 0 {
		q.Set("sz", strconv.Itoa(depth))
	}
	data, err := a.get(ctx, "/api/v5/market/books", q, false)
	if err != nil {
		return nil, err
	}

	var books []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
		Ts   string     `json:"ts"`
	}
	if err := json.Unmarshal(data, &books); err != nil {
		return nil, fmt.Errorf("decoding books: %w", err)
	}
	if len(books) == 0 {
		return nil, interfaces.NewInvalidSymbolError(symbol)
	}

	native := books[0]
	bids, err := parseBookSide(native.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseBookSide(native.Asks)
	if err != nil {
		return nil, err
	}
	book := &interfaces.OrderBook{
		Symbol: strings.ToUpper(symbol),
		Bids:   bids,
		Asks:   asks,
	}
	if ms, err := strconv.ParseInt(native.Ts, 10, 64); err == nil {
		book.Timestamp = time.UnixMilli(ms)
	}
	return book, nil
}

func (a *Adapter) GetTrades(ctx context.Context, symbol string, limit int) ([]interfaces.Trade, error) {
	q := url.Values{}
	q.Set("instId", toInstID(symbol))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	data, err := a.get(ctx, "/api/v5/market/trades", q, false)
	if err != nil {
		return nil, err
	}

	var natives []nativeTrade
	if err := json.Unmarshal(data, &natives); err != nil {
		return nil, fmt.Errorf("decoding trades: %w", err)
	}
	trades := make([]interfaces.Trade, 0, len(natives))
	for _, n := range natives {
		t, err := n.toTrade()
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func (a *Adapter) GetTicker(ctx context.Context, symbol string) (*interfaces.Ticker, error) {
	q := url.Values{}
	q.Set("instId", toInstID(symbol))
	data, err := a.get(ctx, "/api/v5/market/ticker", q, false)
	if err != nil {
		return nil, err
	}
	var natives []nativeTicker
	if err := json.Unmarshal(data, &natives); err != nil {
		return nil, fmt.Errorf("decoding ticker: %w", err)
	}
	if len(natives) == 0 {
		return nil, interfaces.NewInvalidSymbolError(symbol)
	}
	ticker, err := natives[0].toTicker()
	if err != nil {
		return nil, err
	}
	return &ticker, nil
}

func (a *Adapter) GetAllTickers(ctx context.Context) ([]interfaces.Ticker, error) {
	q := url.Values{}
	q.Set("instType", "SPOT")
	data, err := a.get(ctx, "/api/v5/market/tickers", q, false)
	if err != nil {
		return nil, err
	}
	var natives []nativeTicker
	if err := json.Unmarshal(data, &natives); err != nil {
		return nil, fmt.Errorf("decoding tickers: %w", err)
	}
	tickers := make([]interfaces.Ticker, 0, len(natives))
	for _, n := range natives {
		t, err := n.toTicker()
		if err != nil {
			return nil, err
		}
		tickers = append(tickers, t)
	}
	return tickers, nil
}

// Trading is not wired up for OKX.

func (a *Adapter) PlaceOrder(ctx context.Context, req interfaces.OrderRequest) (*interfaces.Order, error) {
	return nil, a.unsupported("PlaceOrder")
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) (*interfaces.Order, error) {
	return nil, a.unsupported("CancelOrder")
}

func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) ([]interfaces.Order, error) {
	return nil, a.unsupported("CancelAllOrders")
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (*interfaces.Order, error) {
	return nil, a.unsupported("GetOrder")
}

func (a *Adapter) GetOpenOrders(ctx context.Context, symbol string) ([]interfaces.Order, error) {
	return nil, a.unsupported("GetOpenOrders")
}

func (a *Adapter) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]interfaces.Order, error) {
	return nil, a.unsupported("GetOrderHistory")
}

// Account

func (a *Adapter) GetBalances(ctx context.Context) ([]interfaces.Balance, error) {
	if !a.IsInitialized() {
		return nil, interfaces.ErrNotInitialized
	}
	data, err := a.get(ctx, "/api/v5/account/balance", nil, true)
	if err != nil {
		return nil, err
	}

	var accounts []struct {
		Details []nativeBalanceDetail `json:"details"`
	}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("decoding balance: %w", err)
	}

	var balances []interfaces.Balance
	for _, account := range accounts {
		for _, d := range account.Details {
			b, err := d.toBalance()
			if err != nil {
				return nil, err
			}
			if b.Total == 0 {
				continue
			}
			balances = append(balances, b)
		}
	}
	return balances, nil
}

func (a *Adapter) GetBalance(ctx context.Context, asset string) (*interfaces.Balance, error) {
	balances, err := a.GetBalances(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range balances {
		if strings.EqualFold(b.Asset, asset) {
			return &b, nil
		}
	}
	return &interfaces.Balance{Asset: strings.ToUpper(asset)}, nil
}

// Futures

func (a *Adapter) GetPositions(ctx context.Context, symbol string) ([]interfaces.Position, error) {
	return nil, a.unsupported("GetPositions")
}

func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return a.unsupported("SetLeverage")
}

func (a *Adapter) SetMarginType(ctx context.Context, symbol string, marginType interfaces.MarginType) error {
	return a.unsupported("SetMarginType")
}

// Streaming

func (a *Adapter) SubscribeTrades(ctx context.Context, symbol string, handler interfaces.TradeHandler) error {
	return a.unsupported("SubscribeTrades")
}

func (a *Adapter) SubscribeTicker(ctx context.Context, symbol string, handler interfaces.TickerHandler) error {
	return a.unsupported("SubscribeTicker")
}

func (a *Adapter) SubscribeOrderBook(ctx context.Context, symbol string, handler interfaces.OrderBookHandler) error {
	return a.unsupported("SubscribeOrderBook")
}

func (a *Adapter) SubscribeCandles(ctx context.Context, symbol, interval string, handler interfaces.CandleHandler) error {
	return a.unsupported("SubscribeCandles")
}

func (a *Adapter) Unsubscribe(symbol string, event interfaces.EventType) error {
	return a.unsupported("Unsubscribe")
}

func (a *Adapter) UnsubscribeAll() error { return nil }

func (a *Adapter) unsupported(operation string) error {
	return interfaces.NewUnsupportedError("okx", operation)
}

func (a *Adapter) get(ctx context.Context, path string, q url.Values, signed bool) (json.RawMessage, error) {
	body, err := a.client.Do(ctx, &rest.Request{
		Method: http.MethodGet,
		Path:   path,
		Query:  q,
		Signed: signed,
	})
	if err != nil {
		return nil, err
	}
	return unwrap(body)
}
