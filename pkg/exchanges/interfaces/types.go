package interfaces

import "time"

// MarketType selects between spot and derivatives endpoints of an exchange.
// It is fixed at adapter construction time and changes base URLs, endpoint
// paths and the set of available operations.
type MarketType string

const (
	MarketTypeSpot    MarketType = "spot"
	MarketTypeFutures MarketType = "futures"
)

// Side is the direction of an order or trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the canonical order type vocabulary. Adapters translate
// these into the exchange-native strings.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopLoss   OrderType = "STOP_LOSS"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
)

// TimeInForce controls how long an order stays active.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderStatus is the canonical order lifecycle state. Every adapter maps
// its exchange's native status vocabulary onto exactly these values.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusPendingCancel   OrderStatus = "PENDING_CANCEL"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// statusRank orders the lifecycle so transitions can be validated as
// forward-only. Terminal states share the highest rank.
func (s OrderStatus) statusRank() int {
	switch s {
	case OrderStatusNew:
		return 0
	case OrderStatusPartiallyFilled:
		return 1
	case OrderStatusPendingCancel:
		return 2
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return 3
	default:
		return -1
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal forward
// transition. A status never moves backward and terminal states never
// change.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	return next.statusRank() > s.statusRank()
}

// MarginType selects between cross and isolated margin on futures markets.
type MarginType string

const (
	MarginTypeCross    MarginType = "CROSS"
	MarginTypeIsolated MarginType = "ISOLATED"
)

// EventType identifies a streaming subscription channel.
type EventType string

const (
	EventTypeTrade     EventType = "trade"
	EventTypeTicker    EventType = "ticker"
	EventTypeOrderBook EventType = "orderbook"
	EventTypeCandle    EventType = "candle"
)

// Candle is one OHLCV price bar for a symbol over one interval.
// Invariant: Low <= Open, Close <= High. Adapters return candles with
// strictly increasing timestamps.
type Candle struct {
	Symbol   string
	Interval string
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// CandleRequest defines parameters for a historical candle query.
type CandleRequest struct {
	Symbol    string
	Interval  string
	Limit     int
	StartTime time.Time
	EndTime   time.Time
}

// OrderBookLevel is one price level of an order book side.
type OrderBookLevel struct {
	Price    float64
	Quantity float64
}

// OrderBook is a depth snapshot. Bids are sorted descending by price,
// asks ascending; the layer passes the exchange's ordering through
// unchanged after normalizing field encoding.
type OrderBook struct {
	Symbol    string
	Timestamp time.Time
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
}

// Trade is one executed public trade.
type Trade struct {
	ID           string
	Symbol       string
	Timestamp    time.Time
	Price        float64
	Quantity     float64
	Side         Side
	IsBuyerMaker bool
}

// Ticker is a 24h rolling market statistics snapshot for one symbol.
type Ticker struct {
	Symbol                string
	Timestamp             time.Time
	LastPrice             float64
	BidPrice              float64
	AskPrice              float64
	High24h               float64
	Low24h                float64
	Volume24h             float64
	PriceChange24h        float64
	PriceChangePercent24h float64
}

// OrderRequest carries the caller's intent for a new order. Price is
// required for limit orders, StopPrice for stop orders. When
// ClientOrderID is empty the adapter generates one.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64
	Price         float64
	StopPrice     float64
	TimeInForce   TimeInForce
	ClientOrderID string
}

// Order is the canonical view of an exchange-side order. Invariant:
// Filled + Remaining == Quantity at all times.
type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Status        OrderStatus
	Quantity      float64
	Price         float64
	StopPrice     float64
	Filled        float64
	Remaining     float64
	AveragePrice  float64
	Commission    float64
	TimeInForce   TimeInForce
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Balance is the holding of one asset. Invariant: Total == Free + Locked.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
	Total  float64
}

// Position is an open futures position.
type Position struct {
	Symbol           string
	Side             Side
	Quantity         float64
	EntryPrice       float64
	MarkPrice        float64
	LiquidationPrice float64
	Leverage         int
	UnrealizedPnl    float64
	Margin           float64
	MarginType       MarginType
}

// SymbolInfo describes one tradable symbol's constraints.
type SymbolInfo struct {
	Symbol       string
	BaseAsset    string
	QuoteAsset   string
	MinQuantity  float64
	MaxQuantity  float64
	MinNotional  float64
	PricePrec    int
	QuantityPrec int
}

// ExchangeInfo is the static metadata an adapter caches at initialization.
type ExchangeInfo struct {
	Name        string
	MarketTypes []MarketType
	Symbols     []SymbolInfo
	MakerFee    float64
	TakerFee    float64
}

// BestPrice is the result of a cross-exchange price comparison.
type BestPrice struct {
	Exchange string
	Symbol   string
	Side     Side
	Price    float64
}

// Handler types for streaming subscriptions. Each callback receives one
// canonical update per exchange message.
type (
	TradeHandler     func(Trade)
	TickerHandler    func(Ticker)
	OrderBookHandler func(OrderBook)
	CandleHandler    func(Candle)
)
