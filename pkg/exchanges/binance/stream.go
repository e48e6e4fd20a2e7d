package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/veiloq/exchange-gateway/pkg/exchanges/interfaces"
	"github.com/veiloq/exchange-gateway/pkg/logging"
	"github.com/veiloq/exchange-gateway/pkg/websocket"
)

// wsCommand is the frame Binance expects for stream management.
type wsCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// streamEnvelope wraps every combined-stream message.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func streamName(symbol string, event interfaces.EventType, interval string) string {
	s := strings.ToLower(symbol)
	switch event {
	case interfaces.EventTypeTrade:
		return s + "@trade"
	case interfaces.EventTypeTicker:
		return s + "@ticker"
	case interfaces.EventTypeOrderBook:
		return s + "@depth20@100ms"
	case interfaces.EventTypeCandle:
		return s + "@kline_" + interval
	}
	return ""
}

func subKey(symbol string, event interfaces.EventType) string {
	return strings.ToUpper(symbol) + "/" + string(event)
}

// ensureWS lazily connects the streaming socket. All subscriptions share
// one combined-stream connection.
func (a *Adapter) ensureWS(ctx context.Context) (websocket.WSConnector, error) {
	a.wsMu.Lock()
	defer a.wsMu.Unlock()

	if a.ws == nil {
		a.ws = websocket.NewConnector(websocket.Config{
			URL:               a.streamURL,
			HeartbeatInterval: 20 * time.Second,
			ReconnectInterval: 5 * time.Second,
			MaxRetries:        3,
			Topic:             websocket.TopicField("stream"),
			Logger:            a.logger,
		})
	}
	if !a.ws.IsConnected() {
		if err := a.ws.Connect(ctx); err != nil {
			return nil, interfaces.NewNetworkError(err)
		}
	}
	return a.ws, nil
}

func (a *Adapter) subscribe(ctx context.Context, symbol string, event interfaces.EventType, interval string, handler websocket.MessageHandler) error {
	stream := streamName(symbol, event, interval)
	if stream == "" {
		return fmt.Errorf("unknown event type %q", event)
	}

	ws, err := a.ensureWS(ctx)
	if err != nil {
		return err
	}
	if err := ws.Subscribe(stream, handler); err != nil {
		return err
	}

	a.wsMu.Lock()
	a.wsSubID++
	id := a.wsSubID
	a.wsTopics[subKey(symbol, event)] = stream
	a.wsMu.Unlock()

	if err := ws.Send(wsCommand{Method: "SUBSCRIBE", Params: []string{stream}, ID: id}); err != nil {
		return fmt.Errorf("sending subscribe frame: %w", err)
	}
	a.logger.Info("subscribed", logging.String("stream", stream))
	return nil
}

func (a *Adapter) SubscribeTrades(ctx context.Context, symbol string, handler interfaces.TradeHandler) error {
	return a.subscribe(ctx, symbol, interfaces.EventTypeTrade, "", func(message []byte) {
		var envelope streamEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			return
		}
		var event struct {
			TradeID      int64  `json:"t"`
			Price        string `json:"p"`
			Quantity     string `json:"q"`
			TradeTime    int64  `json:"T"`
			IsBuyerMaker bool   `json:"m"`
			Symbol       string `json:"s"`
		}
		if err := json.Unmarshal(envelope.Data, &event); err != nil {
			a.logger.Warn("dropping malformed trade event", logging.Error(err))
			return
		}
		native := nativeTrade{
			ID:           event.TradeID,
			Price:        event.Price,
			Qty:          event.Quantity,
			Time:         event.TradeTime,
			IsBuyerMaker: event.IsBuyerMaker,
		}
		trade, err := native.toTrade(event.Symbol)
		if err != nil {
			a.logger.Warn("dropping malformed trade event", logging.Error(err))
			return
		}
		handler(trade)
	})
}

func (a *Adapter) SubscribeTicker(ctx context.Context, symbol string, handler interfaces.TickerHandler) error {
	return a.subscribe(ctx, symbol, interfaces.EventTypeTicker, "", func(message []byte) {
		var envelope streamEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			return
		}
		var event struct {
			Symbol             string `json:"s"`
			EventTime          int64  `json:"E"`
			LastPrice          string `json:"c"`
			BidPrice           string `json:"b"`
			AskPrice           string `json:"a"`
			HighPrice          string `json:"h"`
			LowPrice           string `json:"l"`
			Volume             string `json:"v"`
			PriceChange        string `json:"p"`
			PriceChangePercent string `json:"P"`
		}
		if err := json.Unmarshal(envelope.Data, &event); err != nil {
			a.logger.Warn("dropping malformed ticker event", logging.Error(err))
			return
		}
		native := nativeTicker{
			Symbol:             event.Symbol,
			LastPrice:          event.LastPrice,
			BidPrice:           event.BidPrice,
			AskPrice:           event.AskPrice,
			HighPrice:          event.HighPrice,
			LowPrice:           event.LowPrice,
			Volume:             event.Volume,
			PriceChange:        event.PriceChange,
			PriceChangePercent: event.PriceChangePercent,
			CloseTime:          event.EventTime,
		}
		ticker, err := native.toTicker()
		if err != nil {
			a.logger.Warn("dropping malformed ticker event", logging.Error(err))
			return
		}
		handler(ticker)
	})
}

func (a *Adapter) SubscribeOrderBook(ctx context.Context, symbol string, handler interfaces.OrderBookHandler) error {
	return a.subscribe(ctx, symbol, interfaces.EventTypeOrderBook, "", func(message []byte) {
		var envelope streamEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			return
		}
		book, err := parseDepth(envelope.Data, strings.ToUpper(symbol))
		if err != nil {
			a.logger.Warn("dropping malformed depth event", logging.Error(err))
			return
		}
		handler(*book)
	})
}

func (a *Adapter) SubscribeCandles(ctx context.Context, symbol, interval string, handler interfaces.CandleHandler) error {
	if !supportedIntervals[interval] {
		return interfaces.NewError(interfaces.KindExchange,
			fmt.Sprintf("binance: unsupported interval %q", interval))
	}
	return a.subscribe(ctx, symbol, interfaces.EventTypeCandle, interval, func(message []byte) {
		var envelope streamEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			return
		}
		var event struct {
			Symbol string `json:"s"`
			Kline  struct {
				OpenTime int64  `json:"t"`
				Interval string `json:"i"`
				Open     string `json:"o"`
				High     string `json:"h"`
				Low      string `json:"l"`
				Close    string `json:"c"`
				Volume   string `json:"v"`
			} `json:"k"`
		}
		if err := json.Unmarshal(envelope.Data, &event); err != nil {
			a.logger.Warn("dropping malformed kline event", logging.Error(err))
			return
		}

		k := event.Kline
		values := make([]float64, 5)
		for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
			v, err := parseFloat(s)
			if err != nil {
				a.logger.Warn("dropping malformed kline event", logging.Error(err))
				return
			}
			values[i] = v
		}
		handler(interfaces.Candle{
			Symbol:   event.Symbol,
			Interval: k.Interval,
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     values[0],
			High:     values[1],
			Low:      values[2],
			Close:    values[3],
			Volume:   values[4],
		})
	})
}

func (a *Adapter) Unsubscribe(symbol string, event interfaces.EventType) error {
	a.wsMu.Lock()
	key := subKey(symbol, event)
	stream, ok := a.wsTopics[key]
	if !ok {
		a.wsMu.Unlock()
		return fmt.Errorf("no subscription for %s", key)
	}
	delete(a.wsTopics, key)
	a.wsSubID++
	id := a.wsSubID
	ws := a.ws
	a.wsMu.Unlock()

	if err := ws.Unsubscribe(stream); err != nil {
		return err
	}
	return ws.Send(wsCommand{Method: "UNSUBSCRIBE", Params: []string{stream}, ID: id})
}

// UnsubscribeAll terminates every streaming channel and releases the
// socket.
func (a *Adapter) UnsubscribeAll() error {
	a.wsMu.Lock()
	defer a.wsMu.Unlock()

	a.wsTopics = make(map[string]string)
	if a.ws == nil {
		return nil
	}
	err := a.ws.Close()
	a.ws = nil
	return err
}
