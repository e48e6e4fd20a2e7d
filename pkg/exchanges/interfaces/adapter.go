package interfaces

import "context"

// Capability names one group of operations an adapter may provide.
// Adapters report their capabilities explicitly; calling an operation
// outside the reported set returns a typed unsupported-capability error
// instead of silently doing nothing.
type Capability string

const (
	CapabilityMarketData Capability = "market_data"
	CapabilityTrading    Capability = "trading"
	CapabilityAccount    Capability = "account"
	CapabilityFutures    Capability = "futures"
	CapabilityStreaming  Capability = "streaming"
)

// Adapter is the canonical trading contract every exchange implementation
// must satisfy. It normalizes one exchange's REST (and, where available,
// WebSocket) API into the shared domain model.
//
// Implementations are responsible for:
//   - authentication and request signing for their exchange
//   - pacing calls through their own rate limiter
//   - translating intervals, statuses and string-encoded numbers
//   - mapping every native error payload into the canonical taxonomy
//
// All blocking operations take a context and respect its cancellation.
type Adapter interface {
	// Name returns the exchange identifier ("binance", "bybit", "okx").
	Name() string

	// MarketType returns the market type the adapter was configured for.
	MarketType() MarketType

	// Supports reports whether the adapter implements the capability for
	// its configured market type.
	Supports(c Capability) bool

	// Lifecycle

	// Initialize verifies connectivity and caches exchange metadata.
	// Signed operations fail with ErrNotInitialized until it succeeds;
	// public market data is usable immediately.
	Initialize(ctx context.Context) error

	// Disconnect closes sockets and clears streaming subscriptions.
	Disconnect() error

	// IsInitialized reports whether Initialize has succeeded.
	IsInitialized() bool

	// Info returns the metadata cached by Initialize.
	Info() *ExchangeInfo

	// Market data (public, unsigned)

	GetCandles(ctx context.Context, req CandleRequest) ([]Candle, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)
	GetTrades(ctx context.Context, symbol string, limit int) ([]Trade, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetAllTickers(ctx context.Context) ([]Ticker, error)

	// Trading (signed)

	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (*Order, error)
	CancelAllOrders(ctx context.Context, symbol string) ([]Order, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	GetOrderHistory(ctx context.Context, symbol string, limit int) ([]Order, error)

	// Account (signed)

	GetBalances(ctx context.Context) ([]Balance, error)
	GetBalance(ctx context.Context, asset string) (*Balance, error)

	// Futures only (signed; fails fast on spot-configured adapters)

	GetPositions(ctx context.Context, symbol string) ([]Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol string, marginType MarginType) error

	// Streaming (best effort; unsupported adapters return a typed
	// capability error, never a silent no-op)

	SubscribeTrades(ctx context.Context, symbol string, handler TradeHandler) error
	SubscribeTicker(ctx context.Context, symbol string, handler TickerHandler) error
	SubscribeOrderBook(ctx context.Context, symbol string, handler OrderBookHandler) error
	SubscribeCandles(ctx context.Context, symbol, interval string, handler CandleHandler) error
	Unsubscribe(symbol string, event EventType) error
	UnsubscribeAll() error
}
