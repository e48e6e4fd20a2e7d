// Package binance implements the exchange adapter for Binance spot and
// USD-M futures REST APIs, plus market data streaming over the combined
// WebSocket endpoint.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/veiloq/exchange-gateway/pkg/exchanges/interfaces"
	"github.com/veiloq/exchange-gateway/pkg/logging"
	"github.com/veiloq/exchange-gateway/pkg/ratelimit"
	"github.com/veiloq/exchange-gateway/pkg/rest"
	"github.com/veiloq/exchange-gateway/pkg/secure"
	"github.com/veiloq/exchange-gateway/pkg/websocket"
)

const (
	spotBaseURL           = "https://api.binance.com"
	spotTestnetBaseURL    = "https://testnet.binance.vision"
	futuresBaseURL        = "https://fapi.binance.com"
	futuresTestnetBaseURL = "https://testnet.binancefuture.com"

	spotStreamURL    = "wss://stream.binance.com:9443/stream"
	futuresStreamURL = "wss://fstream.binance.com/stream"
)

// Adapter is the Binance implementation of the canonical trading
// contract.
type Adapter struct {
	config    interfaces.ExchangeConfig
	client    *rest.Client
	logger    logging.Logger
	endpoints endpoints
	streamURL string

	wsMu     sync.Mutex
	ws       websocket.WSConnector
	wsSubID  int
	wsTopics map[string]string // (symbol, event) key -> stream name

	mu          sync.RWMutex
	initialized bool
	info        *interfaces.ExchangeInfo
}

// New constructs a Binance adapter from the given configuration. The
// configuration is copied; the adapter never mutates it.
func New(config interfaces.ExchangeConfig) *Adapter {
	logger := logging.NewNopLogger()
	if config.EnableLogging {
		logger = logging.NewZapLogger().WithFields(
			logging.String("exchange", "binance"),
			logging.String("market", string(config.MarketType)),
		)
	}

	eps := spotEndpoints
	baseURL := spotBaseURL
	streamURL := spotStreamURL
	if config.MarketType == interfaces.MarketTypeFutures {
		eps = futuresEndpoints
		baseURL = futuresBaseURL
		streamURL = futuresStreamURL
		if config.Testnet {
			baseURL = futuresTestnetBaseURL
		}
	} else if config.Testnet {
		baseURL = spotTestnetBaseURL
	}

	var s rest.Signer
	if config.HasCredentials() {
		s = newSigner(config.APIKey, config.APISecret, config.RecvWindow)
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
		config:    config,
		client:    client,
		logger:    logger,
		endpoints: eps,
		streamURL: streamURL,
		wsTopics:  make(map[string]string),
	}
}

func (a *Adapter) Name() string { return "binance" }

func (a *Adapter) MarketType() interfaces.MarketType { return a.config.MarketType }

func (a *Adapter) Supports(c interfaces.Capability) bool {
	switch c {
	case interfaces.CapabilityMarketData, interfaces.CapabilityStreaming:
		return true
	case interfaces.CapabilityTrading, interfaces.CapabilityAccount:
		return a.config.HasCredentials()
	case interfaces.CapabilityFutures:
		return a.config.MarketType == interfaces.MarketTypeFutures && a.config.HasCredentials()
	}
	return false
}

// Initialize verifies connectivity and caches exchange metadata.
func (a *Adapter) Initialize(ctx context.Context) error {
	if _, err := a.client.Do(ctx, &rest.Request{Method: http.MethodGet, Path: a.endpoints.ping}); err != nil {
		return fmt.Errorf("binance ping: %w", err)
	}

	body, err := a.client.Do(ctx, &rest.Request{Method: http.MethodGet, Path: a.endpoints.exchangeInfo})
	if err != nil {
		return fmt.Errorf("binance exchange info: %w", err)
	}
	var native nativeExchangeInfo
	if err := json.Unmarshal(body, &native); err != nil {
		return fmt.Errorf("decoding exchange info: %w", err)
	}

	a.mu.Lock()
	a.info = native.toInfo(a.config.MarketType)
	a.initialized = true
	a.mu.Unlock()

	a.logger.Info("adapter initialized",
		logging.Int("symbols", len(a.Info().Symbols)),
		logging.Bool("testnet", a.config.Testnet),
	)
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	a.initialized = false
	a.mu.Unlock()
	return a.UnsubscribeAll()
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
	if !supportedIntervals[req.Interval] {
		return nil, interfaces.NewError(interfaces.KindExchange,
			fmt.Sprintf("binance: unsupported interval %q", req.Interval))
	}

	q := url.Values{}
	q.Set("symbol", req.Symbol)
	q.Set("interval", req.Interval)
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if !req.StartTime.IsZero() {
		q.Set("startTime", strconv.FormatInt(req.StartTime.UnixMilli(), 10))
	}
	if !req.EndTime.IsZero() {
		q.Set("endTime", strconv.FormatInt(req.EndTime.UnixMilli(), 10))
	}

	body, err := a.client.Do(ctx, &rest.Request{Method: http.MethodGet, Path: a.endpoints.klines, Query: q})
	if err != nil {
		return nil, err
	}
	return parseKlines(body, req.Symbol, req.Interval)
}

func (a *Adapter) GetOrderBook(ctx context.Context, symbol string, depth int) (*interfaces.OrderBook, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	if depth > 0 {
		q.Set("limit", strconv.Itoa(depth))
	}
	body, err := a.client.Do(ctx, &rest.Request{Method: http.MethodGet, Path: a.endpoints.depth, Query: q})
	if err != nil {
		return nil, err
	}
	return parseDepth(body, symbol)
}

func (a *Adapter) GetTrades(ctx context.Context, symbol string, limit int) ([]interfaces.Trade, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, err := a.client.Do(ctx, &rest.Request{Method: http.MethodGet, Path: a.endpoints.trades, Query: q})
	if err != nil {
		return nil, err
	}

	var natives []nativeTrade
	if err := json.Unmarshal(body, &natives); err != nil {
		return nil, fmt.Errorf("decoding trades: %w", err)
	}
	trades := make([]interfaces.Trade, 0, len(natives))
	for _, n := range natives {
		t, err := n.toTrade(symbol)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func (a *Adapter) GetTicker(ctx context.Context, symbol string) (*interfaces.Ticker, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	body, err := a.client.Do(ctx, &rest.Request{Method: http.MethodGet, Path: a.endpoints.ticker24h, Query: q})
	if err != nil {
		return nil, err
	}
	var native nativeTicker
	if err := json.Unmarshal(body, &native); err != nil {
		return nil, fmt.Errorf("decoding ticker: %w", err)
	}
	ticker, err := native.toTicker()
	if err != nil {
		return nil, err
	}
	return &ticker, nil
}

func (a *Adapter) GetAllTickers(ctx context.Context) ([]interfaces.Ticker, error) {
	body, err := a.client.Do(ctx, &rest.Request{Method: http.MethodGet, Path: a.endpoints.ticker24h})
	if err != nil {
		return nil, err
	}
	var natives []nativeTicker
	if err := json.Unmarshal(body, &natives); err != nil {
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

// Trading

func (a *Adapter) PlaceOrder(ctx context.Context, req interfaces.OrderRequest) (*interfaces.Order, error) {
	if err := a.requireInit(); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("symbol", req.Symbol)
	q.Set("side", string(req.Side))
	q.Set("type", string(req.Type))
	q.Set("quantity", formatFloat(req.Quantity))
	if req.Type == interfaces.OrderTypeLimit {
		q.Set("price", formatFloat(req.Price))
		tif := req.TimeInForce
		if tif == "" {
			tif = interfaces.TimeInForceGTC
		}
		q.Set("timeInForce", string(tif))
	}
	if req.StopPrice > 0 {
		q.Set("stopPrice", formatFloat(req.StopPrice))
	}
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = "gw-" + uuid.NewString()
	}
	q.Set("newClientOrderId", clientID)
	if a.config.MarketType == interfaces.MarketTypeSpot {
		q.Set("newOrderRespType", "FULL")
	}

	body, err := a.client.Do(ctx, &rest.Request{
		Method: http.MethodPost,
		Path:   a.endpoints.order,
		Query:  q,
		Signed: true,
	})
	if err != nil {
		return nil, err
	}
	return decodeOrder(body)
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) (*interfaces.Order, error) {
	if err := a.requireInit(); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("orderId", orderID)
	body, err := a.client.Do(ctx, &rest.Request{
		Method: http.MethodDelete,
		Path:   a.endpoints.order,
		Query:  q,
		Signed: true,
	})
	if err != nil {
		return nil, err
	}
	return decodeOrder(body)
}

func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) ([]interfaces.Order, error) {
	if err := a.requireInit(); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	body, err := a.client.Do(ctx, &rest.Request{
		Method: http.MethodDelete,
		Path:   a.endpoints.openOrders,
		Query:  q,
		Signed: true,
	})
	if err != nil {
		return nil, err
	}
	// The futures variant answers with a bare {code, msg} receipt rather
	// than the canceled orders.
	if a.config.MarketType == interfaces.MarketTypeFutures {
		return nil, nil
	}
	return decodeOrders(body)
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (*interfaces.Order, error) {
	if err := a.requireInit(); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("orderId", orderID)
	body, err := a.client.Do(ctx, &rest.Request{
		Method: http.MethodGet,
		Path:   a.endpoints.order,
		Query:  q,
		Signed: true,
	})
	if err != nil {
		return nil, err
	}
	return decodeOrder(body)
}

func (a *Adapter) GetOpenOrders(ctx context.Context, symbol string) ([]interfaces.Order, error) {
	if err := a.requireInit(); err != nil {
		return nil, err
	}
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	body, err := a.client.Do(ctx, &rest.Request{
		Method: http.MethodGet,
		Path:   a.endpoints.openOrders,
		Query:  q,
		Signed: true,
	})
	if err != nil {
		return nil, err
	}
	return decodeOrders(body)
}

func (a *Adapter) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]interfaces.Order, error) {
	if err := a.requireInit(); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, err := a.client.Do(ctx, &rest.Request{
		Method: http.MethodGet,
		Path:   a.endpoints.allOrders,
		Query:  q,
		Signed: true,
	})
	if err != nil {
		return nil, err
	}
	return decodeOrders(body)
}

// Account

func (a *Adapter) GetBalances(ctx context.Context) ([]interfaces.Balance, error) {
	if err := a.requireInit(); err != nil {
		return nil, err
	}
	body, err := a.client.Do(ctx, &rest.Request{
		Method: http.MethodGet,
		Path:   a.endpoints.account,
		Signed: true,
	})
	if err != nil {
		return nil, err
	}

	if a.config.MarketType == interfaces.MarketTypeFutures {
		var natives []nativeFuturesBalance
		if err := json.Unmarshal(body, &natives); err != nil {
			return nil, fmt.Errorf("decoding balances: %w", err)
		}
		balances := make([]interfaces.Balance, 0, len(natives))
		for _, n := range natives {
			b, err := n.toBalance()
			if err != nil {
				return nil, err
			}
			if b.Total == 0 {
				continue
			}
			balances = append(balances, b)
		}
		return balances, nil
	}

	var native nativeSpotAccount
	if err := json.Unmarshal(body, &native); err != nil {
		return nil, fmt.Errorf("decoding account: %w", err)
	}
	return native.toBalances()
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
	if err := a.requireFutures("GetPositions"); err != nil {
		return nil, err
	}
	if err := a.requireInit(); err != nil {
		return nil, err
	}
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	body, err := a.client.Do(ctx, &rest.Request{
		Method: http.MethodGet,
		Path:   a.endpoints.positionRisk,
		Query:  q,
		Signed: true,
	})
	if err != nil {
		return nil, err
	}

	var natives []nativePosition
	if err := json.Unmarshal(body, &natives); err != nil {
		return nil, fmt.Errorf("decoding positions: %w", err)
	}
	positions := make([]interfaces.Position, 0, len(natives))
	for _, n := range natives {
		p, err := n.toPosition()
		if err != nil {
			return nil, err
		}
		if p.Quantity == 0 {
			continue
		}
		positions = append(positions, p)
	}
	return positions, nil
}

func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := a.requireFutures("SetLeverage"); err != nil {
		return err
	}
	if err := a.requireInit(); err != nil {
		return err
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("leverage", strconv.Itoa(leverage))
	_, err := a.client.Do(ctx, &rest.Request{
		Method: http.MethodPost,
		Path:   a.endpoints.leverage,
		Query:  q,
		Signed: true,
	})
	return err
}

func (a *Adapter) SetMarginType(ctx context.Context, symbol string, marginType interfaces.MarginType) error {
	if err := a.requireFutures("SetMarginType"); err != nil {
		return err
	}
	if err := a.requireInit(); err != nil {
		return err
	}
	native := "CROSSED"
	if marginType == interfaces.MarginTypeIsolated {
		native = "ISOLATED"
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("marginType", native)
	_, err := a.client.Do(ctx, &rest.Request{
		Method: http.MethodPost,
		Path:   a.endpoints.marginType,
		Query:  q,
		Signed: true,
	})
	return err
}

// requireFutures rejects futures-only operations on spot-configured
// adapters before any network call.
func (a *Adapter) requireFutures(operation string) error {
	if a.config.MarketType != interfaces.MarketTypeFutures {
		return interfaces.NewUnsupportedError("binance",
			operation+" (requires futures market type)")
	}
	return nil
}

// requireInit gates signed operations until Initialize has succeeded.
func (a *Adapter) requireInit() error {
	if !a.IsInitialized() {
		return interfaces.ErrNotInitialized
	}
	return nil
}

func decodeOrder(body []byte) (*interfaces.Order, error) {
	var native nativeOrder
	if err := json.Unmarshal(body, &native); err != nil {
		return nil, fmt.Errorf("decoding order: %w", err)
	}
	order, err := native.toOrder()
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func decodeOrders(body []byte) ([]interfaces.Order, error) {
	var natives []nativeOrder
	if err := json.Unmarshal(body, &natives); err != nil {
		return nil, fmt.Errorf("decoding orders: %w", err)
	}
	orders := make([]interfaces.Order, 0, len(natives))
	for _, n := range natives {
		o, err := n.toOrder()
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
