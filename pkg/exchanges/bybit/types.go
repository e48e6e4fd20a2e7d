package bybit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/veiloq/exchange-gateway/pkg/exchanges/interfaces"
)

// envelope is the uniform v5 response wrapper. Bybit answers HTTP 200
// for almost everything and reports failures through retCode.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// mapError classifies both transport-level failures and in-envelope
// retCode failures into the canonical taxonomy.
func mapError(status int, body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if status >= 200 && status < 300 {
			return nil
		}
		return statusError(status, string(body))
	}
	if env.RetCode == 0 {
		if status >= 200 && status < 300 {
			return nil
		}
		return statusError(status, env.RetMsg)
	}

	native := strconv.Itoa(env.RetCode)
	e := &interfaces.Error{Message: env.RetMsg, NativeCode: native, HTTPStatus: status}
	switch env.RetCode {
	case 10003, 10004, 33004:
		e.Kind = interfaces.KindAuthentication
	case 10006, 10018:
		e.Kind = interfaces.KindRateLimit
	case 110007, 170131:
		e.Kind = interfaces.KindInsufficientBalance
	case 10001:
		e.Kind = interfaces.KindInvalidSymbol
	default:
		e.Kind = interfaces.KindExchange
	}
	return e
}

func statusError(status int, message string) error {
	e := &interfaces.Error{Message: message, HTTPStatus: status}
	switch {
	case status == 401 || status == 403:
		e.Kind = interfaces.KindAuthentication
	case status == 429:
		e.Kind = interfaces.KindRateLimit
	default:
		e.Kind = interfaces.KindExchange
	}
	return e
}

// unwrap decodes the envelope and returns the inner result payload.
// mapError already rejected non-zero retCodes, so a second check here
// only guards direct callers.
func unwrap(body []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return env.Result, nil
}

// nativeIntervals translates canonical interval names into Bybit's
// minute-count vocabulary.
var nativeIntervals = map[string]string{
	"1m": "1", "3m": "3", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "6h": "360", "12h": "720",
	"1d": "D", "1w": "W", "1M": "M",
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing decimal %q: %w", s, err)
	}
	return v, nil
}

// parseKlines decodes result.list, an array of string arrays
// ["startTime","open","high","low","close","volume","turnover"].
// Bybit serves rows newest first; the canonical contract is ascending.
func parseKlines(result json.RawMessage, symbol, interval string) ([]interfaces.Candle, error) {
	var payload struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("decoding klines: %w", err)
	}

	candles := make([]interfaces.Candle, 0, len(payload.List))
	for i := len(payload.List) - 1; i >= 0; i-- {
		row := payload.List[i]
		if len(row) < 6 {
			return nil, fmt.Errorf("kline row has %d fields, want at least 6", len(row))
		}
		openTime, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing kline open time: %w", err)
		}
		values := make([]float64, 5)
		for j, s := range row[1:6] {
			v, err := parseFloat(s)
			if err != nil {
				return nil, err
			}
			values[j] = v
		}
		candles = append(candles, interfaces.Candle{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: time.UnixMilli(openTime),
			Open:     values[0],
			High:     values[1],
			Low:      values[2],
			Close:    values[3],
			Volume:   values[4],
		})
	}
	return candles, nil
}

func parseBookSide(levels [][]string) ([]interfaces.OrderBookLevel, error) {
	side := make([]interfaces.OrderBookLevel, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			return nil, fmt.Errorf("book level has %d fields, want 2", len(level))
		}
		price, err := parseFloat(level[0])
		if err != nil {
			return nil, err
		}
		qty, err := parseFloat(level[1])
		if err != nil {
			return nil, err
		}
		side = append(side, interfaces.OrderBookLevel{Price: price, Quantity: qty})
	}
	return side, nil
}

func parseDepth(result json.RawMessage) (*interfaces.OrderBook, error) {
	var native struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		Ts     int64      `json:"ts"`
	}
	if err := json.Unmarshal(result, &native); err != nil {
		return nil, fmt.Errorf("decoding orderbook: %w", err)
	}
	bids, err := parseBookSide(native.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseBookSide(native.Asks)
	if err != nil {
		return nil, err
	}
	return &interfaces.OrderBook{
		Symbol:    native.Symbol,
		Timestamp: time.UnixMilli(native.Ts),
		Bids:      bids,
		Asks:      asks,
	}, nil
}

type nativeTrade struct {
	ExecID string `json:"execId"`
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Size   string `json:"size"`
	Side   string `json:"side"`
	Time   string `json:"time"`
}

func (t nativeTrade) toTrade() (interfaces.Trade, error) {
	price, err := parseFloat(t.Price)
	if err != nil {
		return interfaces.Trade{}, err
	}
	qty, err := parseFloat(t.Size)
	if err != nil {
		return interfaces.Trade{}, err
	}
	ts, err := strconv.ParseInt(t.Time, 10, 64)
	if err != nil {
		return interfaces.Trade{}, fmt.Errorf("parsing trade time: %w", err)
	}
	side := interfaces.SideBuy
	if t.Side == "Sell" {
		side = interfaces.SideSell
	}
	return interfaces.Trade{
		ID:           t.ExecID,
		Symbol:       t.Symbol,
		Timestamp:    time.UnixMilli(ts),
		Price:        price,
		Quantity:     qty,
		Side:         side,
		IsBuyerMaker: side == interfaces.SideSell,
	}, nil
}

type nativeTicker struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	Bid1Price    string `json:"bid1Price"`
	Ask1Price    string `json:"ask1Price"`
	HighPrice24h string `json:"highPrice24h"`
	LowPrice24h  string `json:"lowPrice24h"`
	Volume24h    string `json:"volume24h"`
	PrevPrice24h string `json:"prevPrice24h"`
	Price24hPcnt string `json:"price24hPcnt"`
}

func (t nativeTicker) toTicker(now time.Time) (interfaces.Ticker, error) {
	fields := []string{
		t.LastPrice, t.Bid1Price, t.Ask1Price, t.HighPrice24h,
		t.LowPrice24h, t.Volume24h, t.PrevPrice24h, t.Price24hPcnt,
	}
	parsed := make([]float64, len(fields))
	for i, s := range fields {
		v, err := parseFloat(s)
		if err != nil {
			return interfaces.Ticker{}, err
		}
		parsed[i] = v
	}
	return interfaces.Ticker{
		Symbol:                t.Symbol,
		Timestamp:             now,
		LastPrice:             parsed[0],
		BidPrice:              parsed[1],
		AskPrice:              parsed[2],
		High24h:               parsed[3],
		Low24h:                parsed[4],
		Volume24h:             parsed[5],
		PriceChange24h:        parsed[0] - parsed[6],
		PriceChangePercent24h: parsed[7] * 100,
	}, nil
}

// statusTable maps Bybit's order status vocabulary onto the canonical
// lifecycle. Untriggered and Triggered describe conditional orders that
// have not reached the book yet.
var statusTable = map[string]interfaces.OrderStatus{
	"New":                     interfaces.OrderStatusNew,
	"Created":                 interfaces.OrderStatusNew,
	"Untriggered":             interfaces.OrderStatusNew,
	"Triggered":               interfaces.OrderStatusNew,
	"PartiallyFilled":         interfaces.OrderStatusPartiallyFilled,
	"Filled":                  interfaces.OrderStatusFilled,
	"Cancelled":               interfaces.OrderStatusCanceled,
	"PartiallyFilledCanceled": interfaces.OrderStatusCanceled,
	"Deactivated":             interfaces.OrderStatusCanceled,
	"PendingCancel":           interfaces.OrderStatusPendingCancel,
	"Rejected":                interfaces.OrderStatusRejected,
	"Expired":                 interfaces.OrderStatusExpired,
}

type nativeOrder struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	OrderStatus  string `json:"orderStatus"`
	Qty          string `json:"qty"`
	Price        string `json:"price"`
	TriggerPrice string `json:"triggerPrice"`
	CumExecQty   string `json:"cumExecQty"`
	LeavesQty    string `json:"leavesQty"`
	AvgPrice     string `json:"avgPrice"`
	CumExecFee   string `json:"cumExecFee"`
	TimeInForce  string `json:"timeInForce"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
}

func (o nativeOrder) toOrder() (interfaces.Order, error) {
	status, ok := statusTable[o.OrderStatus]
	if !ok {
		return interfaces.Order{}, fmt.Errorf("unknown order status %q", o.OrderStatus)
	}

	qty, err := parseFloat(o.Qty)
	if err != nil {
		return interfaces.Order{}, err
	}
	price, err := parseFloat(o.Price)
	if err != nil {
		return interfaces.Order{}, err
	}
	stopPrice, err := parseFloat(o.TriggerPrice)
	if err != nil {
		return interfaces.Order{}, err
	}
	filled, err := parseFloat(o.CumExecQty)
	if err != nil {
		return interfaces.Order{}, err
	}
	avgPrice, err := parseFloat(o.AvgPrice)
	if err != nil {
		return interfaces.Order{}, err
	}
	fee, err := parseFloat(o.CumExecFee)
	if err != nil {
		return interfaces.Order{}, err
	}

	side := interfaces.SideBuy
	if o.Side == "Sell" {
		side = interfaces.SideSell
	}
	orderType := interfaces.OrderTypeLimit
	if o.OrderType == "Market" {
		orderType = interfaces.OrderTypeMarket
	}

	order := interfaces.Order{
		OrderID:       o.OrderID,
		ClientOrderID: o.OrderLinkID,
		Symbol:        o.Symbol,
		Side:          side,
		Type:          orderType,
		Status:        status,
		Quantity:      qty,
		Price:         price,
		StopPrice:     stopPrice,
		Filled:        filled,
		Remaining:     qty - filled,
		AveragePrice:  avgPrice,
		Commission:    fee,
		TimeInForce:   interfaces.TimeInForce(o.TimeInForce),
	}
	if ms, err := strconv.ParseInt(o.CreatedTime, 10, 64); err == nil {
		order.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(o.UpdatedTime, 10, 64); err == nil {
		order.UpdatedAt = time.UnixMilli(ms)
	}
	return order, nil
}

type nativeCoin struct {
	Coin          string `json:"coin"`
	WalletBalance string `json:"walletBalance"`
	Locked        string `json:"locked"`
}

func (c nativeCoin) toBalance() (interfaces.Balance, error) {
	total, err := parseFloat(c.WalletBalance)
	if err != nil {
		return interfaces.Balance{}, err
	}
	locked, err := parseFloat(c.Locked)
	if err != nil {
		return interfaces.Balance{}, err
	}
	return interfaces.Balance{
		Asset:  c.Coin,
		Free:   total - locked,
		Locked: locked,
		Total:  total,
	}, nil
}

type nativePosition struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	LiqPrice      string `json:"liqPrice"`
	Leverage      string `json:"leverage"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	PositionIM    string `json:"positionIM"`
	TradeMode     int    `json:"tradeMode"`
}

func (p nativePosition) toPosition() (interfaces.Position, error) {
	size, err := parseFloat(p.Size)
	if err != nil {
		return interfaces.Position{}, err
	}
	entry, err := parseFloat(p.AvgPrice)
	if err != nil {
		return interfaces.Position{}, err
	}
	mark, err := parseFloat(p.MarkPrice)
	if err != nil {
		return interfaces.Position{}, err
	}
	liq, err := parseFloat(p.LiqPrice)
	if err != nil {
		return interfaces.Position{}, err
	}
	leverage, err := parseFloat(p.Leverage)
	if err != nil {
		return interfaces.Position{}, err
	}
	pnl, err := parseFloat(p.UnrealisedPnl)
	if err != nil {
		return interfaces.Position{}, err
	}
	margin, err := parseFloat(p.PositionIM)
	if err != nil {
		return interfaces.Position{}, err
	}

	side := interfaces.SideBuy
	if p.Side == "Sell" {
		side = interfaces.SideSell
	}
	marginType := interfaces.MarginTypeCross
	if p.TradeMode == 1 {
		marginType = interfaces.MarginTypeIsolated
	}
	return interfaces.Position{
		Symbol:           p.Symbol,
		Side:             side,
		Quantity:         size,
		EntryPrice:       entry,
		MarkPrice:        mark,
		LiquidationPrice: liq,
		Leverage:         int(leverage),
		UnrealizedPnl:    pnl,
		Margin:           margin,
		MarginType:       marginType,
	}, nil
}

type nativeInstrument struct {
	Symbol        string `json:"symbol"`
	BaseCoin      string `json:"baseCoin"`
	QuoteCoin     string `json:"quoteCoin"`
	Status        string `json:"status"`
	LotSizeFilter struct {
		MinOrderQty string `json:"minOrderQty"`
		MaxOrderQty string `json:"maxOrderQty"`
		QtyStep     string `json:"qtyStep"`
		MinOrderAmt string `json:"minOrderAmt"`
	} `json:"lotSizeFilter"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
}

func toInfo(instruments []nativeInstrument, marketType interfaces.MarketType) (*interfaces.ExchangeInfo, error) {
	symbols := make([]interfaces.SymbolInfo, 0, len(instruments))
	for _, inst := range instruments {
		if inst.Status != "Trading" {
			continue
		}
		minQty, err := parseFloat(inst.LotSizeFilter.MinOrderQty)
		if err != nil {
			return nil, err
		}
		maxQty, err := parseFloat(inst.LotSizeFilter.MaxOrderQty)
		if err != nil {
			return nil, err
		}
		minNotional, err := parseFloat(inst.LotSizeFilter.MinOrderAmt)
		if err != nil {
			return nil, err
		}
		symbols = append(symbols, interfaces.SymbolInfo{
			Symbol:       inst.Symbol,
			BaseAsset:    inst.BaseCoin,
			QuoteAsset:   inst.QuoteCoin,
			MinQuantity:  minQty,
			MaxQuantity:  maxQty,
			MinNotional:  minNotional,
			PricePrec:    decimalsOf(inst.PriceFilter.TickSize),
			QuantityPrec: decimalsOf(inst.LotSizeFilter.QtyStep),
		})
	}
	return &interfaces.ExchangeInfo{
		Name:        "bybit",
		MarketTypes: []interfaces.MarketType{marketType},
		Symbols:     symbols,
		MakerFee:    0.001,
		TakerFee:    0.001,
	}, nil
}

// decimalsOf derives a precision from a step size like "0.001".
func decimalsOf(step string) int {
	for i := 0; i < len(step); i++ {
		if step[i] == '.' {
			return len(step) - i - 1
		}
	}
	return 0
}
