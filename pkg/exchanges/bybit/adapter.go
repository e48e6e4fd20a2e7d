// Package bybit implements the exchange adapter for the Bybit v5 API.
// Spot and linear futures share the same endpoints; the category request
// parameter selects the market.
package bybit

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

	"github.com/google/uuid"

	"github.com/veiloq/exchange-gateway/pkg/exchanges/interfaces"
	"github.com/veiloq/exchange-gateway/pkg/logging"
	"github.com/veiloq/exchange-gateway/pkg/ratelimit"
	"github.com/veiloq/exchange-gateway/pkg/rest"
	"github.com/veiloq/exchange-gateway/pkg/secure"
	"github.com/veiloq/exchange-gateway/pkg/websocket"
)

const (
	baseURL        = "https://api.bybit.com"
	testnetBaseURL = "https://api-testnet.bybit.com"

	spotStreamURL          = "wss://stream.bybit.com/v5/public/spot"
	linearStreamURL        = "wss://stream.bybit.com/v5/public/linear"
	spotTestnetStreamURL   = "wss://stream-testnet.bybit.com/v5/public/spot"
	linearTestnetStreamURL = "wss://stream-testnet.bybit.com/v5/public/linear"
)

// Adapter is the Bybit implementation of the canonical trading contract.
type Adapter struct {
	config    interfaces.ExchangeConfig
	client    *rest.Client
	logger    logging.Logger
	category  string
	streamURL string

	wsMu     sync.Mutex
	ws       websocket.WSConnector
	wsTopics map[string]string // (symbol, event) key -> topic

	mu          sync.RWMutex
	initialized bool
	info        *interfaces.ExchangeInfo
}

// New constructs a Bybit adapter from the given configuration.
func New(config interfaces.ExchangeConfig) *Adapter {
	logger := logging.NewNopLogger()
	if config.EnableLogging {
		logger = logging.NewZapLogger().WithFields(
			logging.String("exchange", "bybit"),
			logging.String("market", string(config.MarketType)),
		)
	}

	category := "spot"
	streamURL := spotStreamURL
	if config.MarketType == interfaces.MarketTypeFutures {
		category = "linear"
		streamURL = linearStreamURL
		if config.Testnet {
			streamURL = linearTestnetStreamURL
		}
	} else if config.Testnet {
		streamURL = spotTestnetStreamURL
	}
	base := baseURL
	if config.Testnet {
		base = testnetBaseURL
	}

	var s rest.Signer
	if config.HasCredentials() {
		s = newSigner(config.APIKey, config.APISecret, config.RecvWindow)
		logger.Debug("credentials configured",
			logging.String("api_key", secure.MaskKey(config.APIKey)),
		)
	}

	client := rest.NewClient(rest.Config{
		BaseURL:    base,
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
		category:  category,
		streamURL: streamURL,
		wsTopics:  make(map[string]string),
	}
}

func (a *Adapter) Name() string { return "bybit" }

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

// Initialize verifies connectivity and caches instrument metadata.
func (a *Adapter) Initialize(ctx context.Context) error {
	if _, err := a.client.Do(ctx, &rest.Request{Method: http.MethodGet, Path: "/v5/market/time"}); err != nil {
		return fmt.Errorf("bybit server time: %w", err)
	}

	q := a.query()
	result, err := a.get(ctx, "/v5/market/instruments-info", q, false)
	if err != nil {
		return fmt.Errorf("bybit instruments info: %w", err)
	}
	var payload struct {
		List []nativeInstrument `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return fmt.Errorf("decoding instruments: %w", err)
	}
	info, err := toInfo(payload.List, a.config.MarketType)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.info = info
	a.initialized = true
	a.mu.Unlock()

	a.logger.Info("adapter initialized",
		logging.Int("symbols", len(info.Symbols)),
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
	native, ok := nativeIntervals[req.Interval]
	if !ok {
		return nil, interfaces.NewError(interfaces.KindExchange,
			fmt.Sprintf("bybit: unsupported interval %q", req.Interval))
	}

	q := a.query()
	q.Set("symbol", req.Symbol)
	q.Set("interval", native)
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if !req.StartTime.IsZero() {
		q.Set("start", strconv.FormatInt(req.StartTime.UnixMilli(), 10))
	}
	if !req.EndTime.IsZero() {
		q.Set("end", strconv.FormatInt(req.EndTime.UnixMilli(), 10))
	}

	result, err := a.get(ctx, "/v5/market/kline", q, false)
	if err != nil {
		return nil, err
	}
	return parseKlines(result, req.Symbol, req.Interval)
}

func (a *Adapter) GetOrderBook(ctx context.Context, symbol string, depth int) (*interfaces.OrderBook, error) {
	q := a.query()
	q.Set("symbol", symbol)
	if depth > 0 {
		q.Set("limit", strconv.Itoa(depth))
	}
	result, err := a.get(ctx, "/v5/market/orderbook", q, false)
	if err != nil {
		return nil, err
	}
	return parseDepth(result)
}

func (a *Adapter) GetTrades(ctx context.Context, symbol string, limit int) ([]interfaces.Trade, error) {
	q := a.query()
	q.Set("symbol", symbol)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	result, err := a.get(ctx, "/v5/market/recent-trade", q, false)
	if err != nil {
		return nil, err
	}

	var payload struct {
		List []nativeTrade `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("decoding trades: %w", err)
	}
	trades := make([]interfaces.Trade, 0, len(payload.List))
	for _, n := range payload.List {
		t, err := n.toTrade()
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func (a *Adapter) GetTicker(ctx context.Context, symbol string) (*interfaces.Ticker, error) {
	tickers, err := a.tickers(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(tickers) == 0 {
		return nil, interfaces.NewInvalidSymbolError(symbol)
	}
	return &tickers[0], nil
}

func (a *Adapter) GetAllTickers(ctx context.Context) ([]interfaces.Ticker, error) {
	return a.tickers(ctx, "")
}

func (a *Adapter) tickers(ctx context.Context, symbol string) ([]interfaces.Ticker, error) {
	q := a.query()
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	result, err := a.get(ctx, "/v5/market/tickers", q, false)
	if err != nil {
		return nil, err
	}

	var payload struct {
		List []nativeTicker `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("decoding tickers: %w", err)
	}
	now := time.Now()
	tickers := make([]interfaces.Ticker, 0, len(payload.List))
	for _, n := range payload.List {
		t, err := n.toTicker(now)
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
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = "gw-" + uuid.NewString()
	}

	body := map[string]string{
		"category":    a.category,
		"symbol":      req.Symbol,
		"side":        nativeSide(req.Side),
		"orderType":   nativeOrderType(req.Type),
		"qty":         formatFloat(req.Quantity),
		"orderLinkId": clientID,
	}
	if req.Type == interfaces.OrderTypeLimit || req.Type == interfaces.OrderTypeTakeProfit {
		body["price"] = formatFloat(req.Price)
		tif := req.TimeInForce
		if tif == "" {
			tif = interfaces.TimeInForceGTC
		}
		body["timeInForce"] = string(tif)
	}
	if req.StopPrice > 0 {
		body["triggerPrice"] = formatFloat(req.StopPrice)
	}

	result, err := a.post(ctx, "/v5/order/create", body)
	if err != nil {
		return nil, err
	}
	var receipt struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, fmt.Errorf("decoding order receipt: %w", err)
	}

	// The create call answers with identifiers only. Fetch the full
	// order so callers get the canonical view immediately.
	order, err := a.GetOrder(ctx, req.Symbol, receipt.OrderID)
	if err != nil {
		a.logger.Warn("order placed but fetch failed",
			logging.String("order_id", receipt.OrderID), logging.Error(err))
		return &interfaces.Order{
			OrderID:       receipt.OrderID,
			ClientOrderID: receipt.OrderLinkID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Status:        interfaces.OrderStatusNew,
			Quantity:      req.Quantity,
			Price:         req.Price,
			Remaining:     req.Quantity,
			TimeInForce:   req.TimeInForce,
		}, nil
	}
	return order, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) (*interfaces.Order, error) {
	if err := a.requireInit(); err != nil {
		return nil, err
	}
	body := map[string]string{
		"category": a.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	if _, err := a.post(ctx, "/v5/order/cancel", body); err != nil {
		return nil, err
	}
	order, err := a.GetOrder(ctx, symbol, orderID)
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) ([]interfaces.Order, error) {
	if err := a.requireInit(); err != nil {
		return nil, err
	}
	body := map[string]string{
		"category": a.category,
		"symbol":   symbol,
	}
	result, err := a.post(ctx, "/v5/order/cancel-all", body)
	if err != nil {
		return nil, err
	}
	var payload struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("decoding cancel-all receipt: %w", err)
	}
	orders := make([]interfaces.Order, 0, len(payload.List))
	for _, r := range payload.List {
		orders = append(orders, interfaces.Order{
			OrderID:       r.OrderID,
			ClientOrderID: r.OrderLinkID,
			Symbol:        symbol,
			Status:        interfaces.OrderStatusCanceled,
		})
	}
	return orders, nil
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (*interfaces.Order, error) {
	if err := a.requireInit(); err != nil {
		return nil, err
	}
	q := a.query()
	q.Set("symbol", symbol)
	q.Set("orderId", orderID)
	orders, err := a.orderList(ctx, "/v5/order/realtime", q)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		// Realtime only serves open orders. Terminal orders move to
		// history.
		q = a.query()
		q.Set("symbol", symbol)
		q.Set("orderId", orderID)
		orders, err = a.orderList(ctx, "/v5/order/history", q)
		if err != nil {
			return nil, err
		}
	}
	if len(orders) == 0 {
		return nil, interfaces.NewError(interfaces.KindExchange,
			fmt.Sprintf("bybit: order %s not found", orderID))
	}
	return &orders[0], nil
}

func (a *Adapter) GetOpenOrders(ctx context.Context, symbol string) ([]interfaces.Order, error) {
	if err := a.requireInit(); err != nil {
		return nil, err
	}
	q := a.query()
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	return a.orderList(ctx, "/v5/order/realtime", q)
}

func (a *Adapter) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]interfaces.Order, error) {
	if err := a.requireInit(); err != nil {
		return nil, err
	}
	q := a.query()
	q.Set("symbol", symbol)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return a.orderList(ctx, "/v5/order/history", q)
}

func (a *Adapter) orderList(ctx context.Context, path string, q url.Values) ([]interfaces.Order, error) {
	result, err := a.get(ctx, path, q, true)
	if err != nil {
		return nil, err
	}
	var payload struct {
		List []nativeOrder `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("decoding orders: %w", err)
	}
	orders := make([]interfaces.Order, 0, len(payload.List))
	for _, n := range payload.List {
		o, err := n.toOrder()
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// Account

func (a *Adapter) GetBalances(ctx context.Context) ([]interfaces.Balance, error) {
	if err := a.requireInit(); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("accountType", "UNIFIED")
	result, err := a.get(ctx, "/v5/account/wallet-balance", q, true)
	if err != nil {
		return nil, err
	}

	var payload struct {
		List []struct {
			Coin []nativeCoin `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("decoding wallet balance: %w", err)
	}

	var balances []interfaces.Balance
	for _, account := range payload.List {
		for _, c := range account.Coin {
			b, err := c.toBalance()
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
	if err := a.requireFutures("GetPositions"); err != nil {
		return nil, err
	}
	if err := a.requireInit(); err != nil {
		return nil, err
	}
	q := a.query()
	if symbol != "" {
		q.Set("symbol", symbol)
	} else {
		q.Set("settleCoin", "USDT")
	}
	result, err := a.get(ctx, "/v5/position/list", q, true)
	if err != nil {
		return nil, err
	}

	var payload struct {
		List []nativePosition `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("decoding positions: %w", err)
	}
	positions := make([]interfaces.Position, 0, len(payload.List))
	for _, n := range payload.List {
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
	body := map[string]string{
		"category":     a.category,
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	_, err := a.post(ctx, "/v5/position/set-leverage", body)
	return err
}

func (a *Adapter) SetMarginType(ctx context.Context, symbol string, marginType interfaces.MarginType) error {
	if err := a.requireFutures("SetMarginType"); err != nil {
		return err
	}
	if err := a.requireInit(); err != nil {
		return err
	}
	mode := "0"
	if marginType == interfaces.MarginTypeIsolated {
		mode = "1"
	}
	// The switch call requires leverage on both sides even when only the
	// margin mode changes.
	body := map[string]string{
		"category":     a.category,
		"symbol":       symbol,
		"tradeMode":    mode,
		"buyLeverage":  "1",
		"sellLeverage": "1",
	}
	_, err := a.post(ctx, "/v5/position/switch-isolated", body)
	return err
}

func (a *Adapter) requireInit() error {
	if !a.IsInitialized() {
		return interfaces.ErrNotInitialized
	}
	return nil
}

func (a *Adapter) requireFutures(operation string) error {
	if a.config.MarketType != interfaces.MarketTypeFutures {
		return interfaces.NewUnsupportedError("bybit",
			operation+" (requires futures market type)")
	}
	return nil
}

// query returns a fresh value set seeded with the adapter's category.
func (a *Adapter) query() url.Values {
	q := url.Values{}
	q.Set("category", a.category)
	return q
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

func (a *Adapter) post(ctx context.Context, path string, payload map[string]string) (json.RawMessage, error) {
	body, err := a.client.Do(ctx, &rest.Request{
		Method: http.MethodPost,
		Path:   path,
		Body:   payload,
		Signed: true,
	})
	if err != nil {
		return nil, err
	}
	return unwrap(body)
}

func nativeSide(s interfaces.Side) string {
	if s == interfaces.SideSell {
		return "Sell"
	}
	return "Buy"
}

func nativeOrderType(t interfaces.OrderType) string {
	switch t {
	case interfaces.OrderTypeLimit, interfaces.OrderTypeTakeProfit:
		return "Limit"
	default:
		return "Market"
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
