package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/veiloq/exchange-gateway/pkg/exchanges/interfaces"
)

// endpoints is the endpoint set selected at construction time. Spot and
// futures use different hosts and path prefixes for logically identical
// operations.
type endpoints struct {
	ping         string
	exchangeInfo string
	klines       string
	depth        string
	trades       string
	ticker24h    string
	order        string
	openOrders   string
	allOrders    string
	account      string
	positionRisk string
	leverage     string
	marginType   string
}

var spotEndpoints = endpoints{
	ping:         "/api/v3/ping",
	exchangeInfo: "/api/v3/exchangeInfo",
	klines:       "/api/v3/klines",
	depth:        "/api/v3/depth",
	trades:       "/api/v3/trades",
	ticker24h:    "/api/v3/ticker/24hr",
	order:        "/api/v3/order",
	openOrders:   "/api/v3/openOrders",
	allOrders:    "/api/v3/allOrders",
	account:      "/api/v3/account",
}

var futuresEndpoints = endpoints{
	ping:         "/fapi/v1/ping",
	exchangeInfo: "/fapi/v1/exchangeInfo",
	klines:       "/fapi/v1/klines",
	depth:        "/fapi/v1/depth",
	trades:       "/fapi/v1/trades",
	ticker24h:    "/fapi/v1/ticker/24hr",
	order:        "/fapi/v1/order",
	openOrders:   "/fapi/v1/openOrders",
	allOrders:    "/fapi/v1/allOrders",
	account:      "/fapi/v2/balance",
	positionRisk: "/fapi/v2/positionRisk",
	leverage:     "/fapi/v1/leverage",
	marginType:   "/fapi/v1/marginType",
}

// supportedIntervals is Binance's kline interval vocabulary, which the
// canonical interval strings match directly.
var supportedIntervals = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true, "1M": true,
}

// mapError translates Binance's native error payload into the canonical
// taxonomy. Binance reports errors as non-2xx with {"code", "msg"}.
func mapError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var native struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &native)
	msg := native.Msg
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}
	code := strconv.Itoa(native.Code)

	var kind interfaces.Kind
	switch {
	case status == 429 || status == 418 || native.Code == -1003:
		kind = interfaces.KindRateLimit
	case native.Code == -1021 || native.Code == -1022 ||
		native.Code == -2014 || native.Code == -2015 ||
		status == 401 || status == 403:
		kind = interfaces.KindAuthentication
	case native.Code == -2010 || native.Code == -2019:
		kind = interfaces.KindInsufficientBalance
	case native.Code == -1121:
		kind = interfaces.KindInvalidSymbol
	default:
		kind = interfaces.KindExchange
	}

	return &interfaces.Error{
		Kind:       kind,
		Message:    msg,
		NativeCode: code,
		HTTPStatus: status,
	}
}

// parseFloat parses Binance's string-encoded decimal fields.
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

// parseKlines decodes the kline array-of-arrays payload:
// [openTime, "open", "high", "low", "close", "volume", closeTime, ...].
func parseKlines(body []byte, symbol, interval string) ([]interfaces.Candle, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decoding klines: %w", err)
	}

	candles := make([]interfaces.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("kline row has %d fields", len(row))
		}
		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("decoding kline open time: %w", err)
		}
		fields := make([]float64, 5)
		for i := 0; i < 5; i++ {
			var s string
			if err := json.Unmarshal(row[i+1], &s); err != nil {
				return nil, fmt.Errorf("decoding kline field %d: %w", i+1, err)
			}
			v, err := parseFloat(s)
			if err != nil {
				return nil, err
			}
			fields[i] = v
		}
		candles = append(candles, interfaces.Candle{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: time.UnixMilli(openTime),
			Open:     fields[0],
			High:     fields[1],
			Low:      fields[2],
			Close:    fields[3],
			Volume:   fields[4],
		})
	}
	return candles, nil
}

func parseBookSide(levels [][]string) ([]interfaces.OrderBookLevel, error) {
	out := make([]interfaces.OrderBookLevel, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			return nil, fmt.Errorf("depth level has %d fields", len(level))
		}
		price, err := parseFloat(level[0])
		if err != nil {
			return nil, err
		}
		qty, err := parseFloat(level[1])
		if err != nil {
			return nil, err
		}
		out = append(out, interfaces.OrderBookLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

type nativeDepth struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func parseDepth(body []byte, symbol string) (*interfaces.OrderBook, error) {
	var native nativeDepth
	if err := json.Unmarshal(body, &native); err != nil {
		return nil, fmt.Errorf("decoding depth: %w", err)
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
		Symbol:    symbol,
		Timestamp: time.Now(),
		Bids:      bids,
		Asks:      asks,
	}, nil
}

type nativeTrade struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

func (t nativeTrade) toTrade(symbol string) (interfaces.Trade, error) {
	price, err := parseFloat(t.Price)
	if err != nil {
		return interfaces.Trade{}, err
	}
	qty, err := parseFloat(t.Qty)
	if err != nil {
		return interfaces.Trade{}, err
	}
	// When the buyer is the maker the aggressor sold into the book.
	side := interfaces.SideBuy
	if t.IsBuyerMaker {
		side = interfaces.SideSell
	}
	return interfaces.Trade{
		ID:           strconv.FormatInt(t.ID, 10),
		Symbol:       symbol,
		Timestamp:    time.UnixMilli(t.Time),
		Price:        price,
		Quantity:     qty,
		Side:         side,
		IsBuyerMaker: t.IsBuyerMaker,
	}, nil
}

type nativeTicker struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	BidPrice           string `json:"bidPrice"`
	AskPrice           string `json:"askPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	CloseTime          int64  `json:"closeTime"`
}

func (t nativeTicker) toTicker() (interfaces.Ticker, error) {
	fields := []string{
		t.LastPrice, t.BidPrice, t.AskPrice, t.HighPrice, t.LowPrice,
		t.Volume, t.PriceChange, t.PriceChangePercent,
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
		Timestamp:             time.UnixMilli(t.CloseTime),
		LastPrice:             parsed[0],
		BidPrice:              parsed[1],
		AskPrice:              parsed[2],
		High24h:               parsed[3],
		Low24h:                parsed[4],
		Volume24h:             parsed[5],
		PriceChange24h:        parsed[6],
		PriceChangePercent24h: parsed[7],
	}, nil
}

// nativeOrder covers both the spot and the futures order payloads; the
// two differ only in which optional fields are present.
type nativeOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"timeInForce"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	CumQuote      string `json:"cummulativeQuoteQty"`
	AvgPrice      string `json:"avgPrice"`
	Time          int64  `json:"time"`
	TransactTime  int64  `json:"transactTime"`
	UpdateTime    int64  `json:"updateTime"`
	Fills         []struct {
		Price      string `json:"price"`
		Qty        string `json:"qty"`
		Commission string `json:"commission"`
	} `json:"fills"`
}

// statusTable maps Binance's order status vocabulary, which the
// canonical one was modeled on, so the translation is the identity for
// every status Binance emits.
var statusTable = map[string]interfaces.OrderStatus{
	"NEW":              interfaces.OrderStatusNew,
	"PARTIALLY_FILLED": interfaces.OrderStatusPartiallyFilled,
	"FILLED":           interfaces.OrderStatusFilled,
	"CANCELED":         interfaces.OrderStatusCanceled,
	"PENDING_CANCEL":   interfaces.OrderStatusPendingCancel,
	"REJECTED":         interfaces.OrderStatusRejected,
	"EXPIRED":          interfaces.OrderStatusExpired,
	"EXPIRED_IN_MATCH": interfaces.OrderStatusExpired,
}

func (o nativeOrder) toOrder() (interfaces.Order, error) {
	status, ok := statusTable[o.Status]
	if !ok {
		return interfaces.Order{}, fmt.Errorf("unknown order status %q", o.Status)
	}

	qty, err := parseFloat(o.OrigQty)
	if err != nil {
		return interfaces.Order{}, err
	}
	filled, err := parseFloat(o.ExecutedQty)
	if err != nil {
		return interfaces.Order{}, err
	}
	price, err := parseFloat(o.Price)
	if err != nil {
		return interfaces.Order{}, err
	}
	stopPrice, err := parseFloat(o.StopPrice)
	if err != nil {
		return interfaces.Order{}, err
	}

	// Average price comes directly on futures payloads; on spot it is
	// derived from the cumulative quote volume or the fill list.
	avgPrice, err := parseFloat(o.AvgPrice)
	if err != nil {
		return interfaces.Order{}, err
	}
	if avgPrice == 0 && filled > 0 {
		cumQuote, err := parseFloat(o.CumQuote)
		if err != nil {
			return interfaces.Order{}, err
		}
		if cumQuote > 0 {
			avgPrice = cumQuote / filled
		}
	}

	var commission float64
	for _, fill := range o.Fills {
		c, err := parseFloat(fill.Commission)
		if err != nil {
			return interfaces.Order{}, err
		}
		commission += c
	}

	created := o.Time
	if created == 0 {
		created = o.TransactTime
	}
	updated := o.UpdateTime
	if updated == 0 {
		updated = created
	}

	return interfaces.Order{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          interfaces.Side(o.Side),
		Type:          interfaces.OrderType(o.Type),
		Status:        status,
		Quantity:      qty,
		Price:         price,
		StopPrice:     stopPrice,
		Filled:        filled,
		Remaining:     qty - filled,
		AveragePrice:  avgPrice,
		Commission:    commission,
		TimeInForce:   interfaces.TimeInForce(o.TimeInForce),
		CreatedAt:     time.UnixMilli(created),
		UpdatedAt:     time.UnixMilli(updated),
	}, nil
}

type nativeSpotAccount struct {
	MakerCommission int64 `json:"makerCommission"`
	TakerCommission int64 `json:"takerCommission"`
	Balances        []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func (a nativeSpotAccount) toBalances() ([]interfaces.Balance, error) {
	balances := make([]interfaces.Balance, 0, len(a.Balances))
	for _, b := range a.Balances {
		free, err := parseFloat(b.Free)
		if err != nil {
			return nil, err
		}
		locked, err := parseFloat(b.Locked)
		if err != nil {
			return nil, err
		}
		if free == 0 && locked == 0 {
			continue
		}
		balances = append(balances, interfaces.Balance{
			Asset:  b.Asset,
			Free:   free,
			Locked: locked,
			Total:  free + locked,
		})
	}
	return balances, nil
}

type nativeFuturesBalance struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

func (b nativeFuturesBalance) toBalance() (interfaces.Balance, error) {
	total, err := parseFloat(b.Balance)
	if err != nil {
		return interfaces.Balance{}, err
	}
	free, err := parseFloat(b.AvailableBalance)
	if err != nil {
		return interfaces.Balance{}, err
	}
	return interfaces.Balance{
		Asset:  b.Asset,
		Free:   free,
		Locked: total - free,
		Total:  total,
	}, nil
}

type nativePosition struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	LiquidationPrice string `json:"liquidationPrice"`
	Leverage         string `json:"leverage"`
	UnrealizedProfit string `json:"unRealizedProfit"`
	IsolatedMargin   string `json:"isolatedMargin"`
	MarginType       string `json:"marginType"`
}

func (p nativePosition) toPosition() (interfaces.Position, error) {
	amt, err := parseFloat(p.PositionAmt)
	if err != nil {
		return interfaces.Position{}, err
	}
	entry, err := parseFloat(p.EntryPrice)
	if err != nil {
		return interfaces.Position{}, err
	}
	mark, err := parseFloat(p.MarkPrice)
	if err != nil {
		return interfaces.Position{}, err
	}
	liq, err := parseFloat(p.LiquidationPrice)
	if err != nil {
		return interfaces.Position{}, err
	}
	pnl, err := parseFloat(p.UnrealizedProfit)
	if err != nil {
		return interfaces.Position{}, err
	}
	margin, err := parseFloat(p.IsolatedMargin)
	if err != nil {
		return interfaces.Position{}, err
	}
	leverage, _ := strconv.Atoi(p.Leverage)

	side := interfaces.SideBuy
	qty := amt
	if amt < 0 {
		side = interfaces.SideSell
		qty = -amt
	}
	marginType := interfaces.MarginTypeCross
	if strings.EqualFold(p.MarginType, "isolated") {
		marginType = interfaces.MarginTypeIsolated
	}

	return interfaces.Position{
		Symbol:           p.Symbol,
		Side:             side,
		Quantity:         qty,
		EntryPrice:       entry,
		MarkPrice:        mark,
		LiquidationPrice: liq,
		Leverage:         leverage,
		UnrealizedPnl:    pnl,
		Margin:           margin,
		MarginType:       marginType,
	}, nil
}

type nativeExchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Filters    []struct {
			FilterType  string `json:"filterType"`
			MinQty      string `json:"minQty"`
			MaxQty      string `json:"maxQty"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (e nativeExchangeInfo) toInfo(marketType interfaces.MarketType) *interfaces.ExchangeInfo {
	info := &interfaces.ExchangeInfo{
		Name:        "binance",
		MarketTypes: []interfaces.MarketType{marketType},
	}
	for _, s := range e.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		symbol := interfaces.SymbolInfo{
			Symbol:     s.Symbol,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				symbol.MinQuantity, _ = strconv.ParseFloat(f.MinQty, 64)
				symbol.MaxQuantity, _ = strconv.ParseFloat(f.MaxQty, 64)
			case "MIN_NOTIONAL", "NOTIONAL":
				symbol.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
			}
		}
		info.Symbols = append(info.Symbols, symbol)
	}
	return info
}
