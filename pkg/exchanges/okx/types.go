package okx

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/veiloq/exchange-gateway/pkg/exchanges/interfaces"
)

// envelope is the uniform OKX response wrapper. Failures arrive as a
// non-zero string code, usually still under HTTP 200.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func mapError(status int, body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if status >= 200 && status < 300 {
			return nil
		}
		return statusError(status, string(body))
	}
	if env.Code == "" || env.Code == "0" {
		if status >= 200 && status < 300 {
			return nil
		}
		return statusError(status, env.Msg)
	}

	e := &interfaces.Error{Message: env.Msg, NativeCode: env.Code, HTTPStatus: status}
	switch env.Code {
	case "50102", "50111", "50113":
		e.Kind = interfaces.KindAuthentication
	case "50011":
		e.Kind = interfaces.KindRateLimit
	case "51008", "59200":
		e.Kind = interfaces.KindInsufficientBalance
	case "51001":
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

func unwrap(body []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return env.Data, nil
}

// quoteAssets are the quote currencies recognized when splitting a
// compact symbol into an OKX instrument ID. Longer quotes are listed
// first so USDT wins over USD.
var quoteAssets = []string{"USDT", "USDC", "USD", "BTC", "ETH", "EUR"}

// toInstID converts a canonical compact symbol like BTCUSDT into OKX's
// dash form BTC-USDT. Symbols already containing a dash pass through.
func toInstID(symbol string) string {
	s := strings.ToUpper(symbol)
	if strings.Contains(s, "-") {
		return s
	}
	for _, quote := range quoteAssets {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "-" + quote
		}
	}
	return s
}

// fromInstID converts BTC-USDT back to the canonical compact BTCUSDT.
func fromInstID(instID string) string {
	return strings.ReplaceAll(instID, "-", "")
}

// nativeBars translates canonical interval names into OKX bar names,
// which capitalize everything above the minute scale.
var nativeBars = map[string]string{
	"1m": "1m", "3m": "3m", "5m": "5m", "15m": "15m", "30m": "30m",
	"1h": "1H", "2h": "2H", "4h": "4H", "6h": "6H", "12h": "12H",
	"1d": "1D", "1w": "1W", "1M": "1M",
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

// parseCandles decodes the candle rows
// ["ts","open","high","low","close","vol",...], served newest first.
func parseCandles(data json.RawMessage, symbol, interval string) ([]interfaces.Candle, error) {
	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decoding candles: %w", err)
	}

	candles := make([]interfaces.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 6 {
			return nil, fmt.Errorf("candle row has %d fields, want at least 6", len(row))
		}
		openTime, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing candle timestamp: %w", err)
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

// parseBookSide decodes one side of a books response. OKX levels carry
// four fields; only price and size matter here.
func parseBookSide(levels [][]string) ([]interfaces.OrderBookLevel, error) {
	side := make([]interfaces.OrderBookLevel, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			return nil, fmt.Errorf("book level has %d fields, want at least 2", len(level))
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

type nativeTrade struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	Ts      string `json:"ts"`
}

func (t nativeTrade) toTrade() (interfaces.Trade, error) {
	price, err := parseFloat(t.Px)
	if err != nil {
		return interfaces.Trade{}, err
	}
	qty, err := parseFloat(t.Sz)
	if err != nil {
		return interfaces.Trade{}, err
	}
	ts, err := strconv.ParseInt(t.Ts, 10, 64)
	if err != nil {
		return interfaces.Trade{}, fmt.Errorf("parsing trade time: %w", err)
	}
	side := interfaces.SideBuy
	if t.Side == "sell" {
		side = interfaces.SideSell
	}
	return interfaces.Trade{
		ID:           t.TradeID,
		Symbol:       fromInstID(t.InstID),
		Timestamp:    time.UnixMilli(ts),
		Price:        price,
		Quantity:     qty,
		Side:         side,
		IsBuyerMaker: side == interfaces.SideSell,
	}, nil
}

type nativeTicker struct {
	InstID  string `json:"instId"`
	Last    string `json:"last"`
	BidPx   string `json:"bidPx"`
	AskPx   string `json:"askPx"`
	High24h string `json:"high24h"`
	Low24h  string `json:"low24h"`
	Vol24h  string `json:"vol24h"`
	Open24h string `json:"open24h"`
	Ts      string `json:"ts"`
}

func (t nativeTicker) toTicker() (interfaces.Ticker, error) {
	fields := []string{t.Last, t.BidPx, t.AskPx, t.High24h, t.Low24h, t.Vol24h, t.Open24h}
	parsed := make([]float64, len(fields))
	for i, s := range fields {
		v, err := parseFloat(s)
		if err != nil {
			return interfaces.Ticker{}, err
		}
		parsed[i] = v
	}
	ts, err := strconv.ParseInt(t.Ts, 10, 64)
	if err != nil {
		return interfaces.Ticker{}, fmt.Errorf("parsing ticker time: %w", err)
	}

	change := parsed[0] - parsed[6]
	percent := 0.0
	if parsed[6] != 0 {
		percent = change / parsed[6] * 100
	}
	return interfaces.Ticker{
		Symbol:                fromInstID(t.InstID),
		Timestamp:             time.UnixMilli(ts),
		LastPrice:             parsed[0],
		BidPrice:              parsed[1],
		AskPrice:              parsed[2],
		High24h:               parsed[3],
		Low24h:                parsed[4],
		Volume24h:             parsed[5],
		PriceChange24h:        change,
		PriceChangePercent24h: percent,
	}, nil
}

type nativeBalanceDetail struct {
	Ccy       string `json:"ccy"`
	AvailBal  string `json:"availBal"`
	FrozenBal string `json:"frozenBal"`
}

func (d nativeBalanceDetail) toBalance() (interfaces.Balance, error) {
	free, err := parseFloat(d.AvailBal)
	if err != nil {
		return interfaces.Balance{}, err
	}
	locked, err := parseFloat(d.FrozenBal)
	if err != nil {
		return interfaces.Balance{}, err
	}
	return interfaces.Balance{
		Asset:  d.Ccy,
		Free:   free,
		Locked: locked,
		Total:  free + locked,
	}, nil
}

type nativeInstrument struct {
	InstID   string `json:"instId"`
	BaseCcy  string `json:"baseCcy"`
	QuoteCcy string `json:"quoteCcy"`
	State    string `json:"state"`
	MinSz    string `json:"minSz"`
	MaxLmtSz string `json:"maxLmtSz"`
	TickSz   string `json:"tickSz"`
	LotSz    string `json:"lotSz"`
}

func toInfo(instruments []nativeInstrument) (*interfaces.ExchangeInfo, error) {
	symbols := make([]interfaces.SymbolInfo, 0, len(instruments))
	for _, inst := range instruments {
		if inst.State != "live" {
			continue
		}
		minQty, err := parseFloat(inst.MinSz)
		if err != nil {
			return nil, err
		}
		maxQty, err := parseFloat(inst.MaxLmtSz)
		if err != nil {
			return nil, err
		}
		symbols = append(symbols, interfaces.SymbolInfo{
			Symbol:       fromInstID(inst.InstID),
			BaseAsset:    inst.BaseCcy,
			QuoteAsset:   inst.QuoteCcy,
			MinQuantity:  minQty,
			MaxQuantity:  maxQty,
			PricePrec:    decimalsOf(inst.TickSz),
			QuantityPrec: decimalsOf(inst.LotSz),
		})
	}
	return &interfaces.ExchangeInfo{
		Name:        "okx",
		MarketTypes: []interfaces.MarketType{interfaces.MarketTypeSpot},
		Symbols:     symbols,
		MakerFee:    0.0008,
		TakerFee:    0.001,
	}, nil
}

func decimalsOf(step string) int {
	for i := 0; i < len(step); i++ {
		if step[i] == '.' {
			return len(step) - i - 1
		}
	}
	return 0
}
