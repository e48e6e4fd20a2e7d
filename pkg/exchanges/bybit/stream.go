package bybit

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

// wsCommand is the frame the v5 public stream expects for channel
// management.
type wsCommand struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// pushEnvelope wraps every v5 stream message.
type pushEnvelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

func topicName(symbol string, event interfaces.EventType, interval string) string {
	s := strings.ToUpper(symbol)
	switch event {
	case interfaces.EventTypeTrade:
		return "publicTrade." + s
	case interfaces.EventTypeTicker:
		return "tickers." + s
	case interfaces.EventTypeOrderBook:
		return "orderbook.50." + s
	case interfaces.EventTypeCandle:
		return "kline." + interval + "." + s
	}
	return ""
}

func subKey(symbol string, event interfaces.EventType) string {
	return strings.ToUpper(symbol) + "/" + string(event)
}

func (a *Adapter) ensureWS(ctx context.Context) (websocket.WSConnector, error) {
	a.wsMu.Lock()
	defer a.wsMu.Unlock()

	if a.ws == nil {
		a.ws = websocket.NewConnector(websocket.Config{
			URL:               a.streamURL,
			HeartbeatInterval: 20 * time.Second,
			ReconnectInterval: 5 * time.Second,
			MaxRetries:        3,
			Topic:             websocket.TopicField("topic"),
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
	topic := topicName(symbol, event, interval)
	if topic == "" {
		return fmt.Errorf("unknown event type %q", event)
	}

	ws, err := a.ensureWS(ctx)
	if err != nil {
		return err
	}
	if err := ws.Subscribe(topic, handler); err != nil {
		return err
	}

	a.wsMu.Lock()
	a.wsTopics[subKey(symbol, event)] = topic
	a.wsMu.Unlock()

	if err := ws.Send(wsCommand{Op: "subscribe", Args: []string{topic}}); err != nil {
		return fmt.Errorf("sending subscribe frame: %w", err)
	}
	a.logger.Info("subscribed", logging.String("topic", topic))
	return nil
}

func (a *Adapter) SubscribeTrades(ctx context.Context, symbol string, handler interfaces.TradeHandler) error {
	return a.subscribe(ctx, symbol, interfaces.EventTypeTrade, "", func(message []byte) {
		var envelope pushEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			return
		}
		var events []struct {
			TradeTime int64  `json:"T"`
			Symbol    string `json:"s"`
			Side      string `json:"S"`
			Size      string `json:"v"`
			Price     string `json:"p"`
			TradeID   string `json:"i"`
		}
		if err := json.Unmarshal(envelope.Data, &events); err != nil {
			a.logger.Warn("dropping malformed trade event", logging.Error(err))
			return
		}
		for _, event := range events {
			price, err := parseFloat(event.Price)
			if err != nil {
				a.logger.Warn("dropping malformed trade event", logging.Error(err))
				continue
			}
			qty, err := parseFloat(event.Size)
			if err != nil {
				a.logger.Warn("dropping malformed trade event", logging.Error(err))
				continue
			}
			side := interfaces.SideBuy
			if event.Side == "Sell" {
				side = interfaces.SideSell
			}
			handler(interfaces.Trade{
				ID:           event.TradeID,
				Symbol:       event.Symbol,
				Timestamp:    time.UnixMilli(event.TradeTime),
				Price:        price,
				Quantity:     qty,
				Side:         side,
				IsBuyerMaker: side == interfaces.SideSell,
			})
		}
	})
}

func (a *Adapter) SubscribeTicker(ctx context.Context, symbol string, handler interfaces.TickerHandler) error {
	return a.subscribe(ctx, symbol, interfaces.EventTypeTicker, "", func(message []byte) {
		var envelope pushEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			return
		}
		var native nativeTicker
		if err := json.Unmarshal(envelope.Data, &native); err != nil {
			a.logger.Warn("dropping malformed ticker event", logging.Error(err))
			return
		}
		ticker, err := native.toTicker(time.UnixMilli(envelope.Ts))
		if err != nil {
			a.logger.Warn("dropping malformed ticker event", logging.Error(err))
			return
		}
		handler(ticker)
	})
}

func (a *Adapter) SubscribeOrderBook(ctx context.Context, symbol string, handler interfaces.OrderBookHandler) error {
	return a.subscribe(ctx, symbol, interfaces.EventTypeOrderBook, "", func(message []byte) {
		var envelope pushEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			return
		}
		book, err := parseDepth(envelope.Data)
		if err != nil {
			a.logger.Warn("dropping malformed orderbook event", logging.Error(err))
			return
		}
		book.Timestamp = time.UnixMilli(envelope.Ts)
		handler(*book)
	})
}

func (a *Adapter) SubscribeCandles(ctx context.Context, symbol, interval string, handler interfaces.CandleHandler) error {
	native, ok := nativeIntervals[interval]
	if !ok {
		return interfaces.NewError(interfaces.KindExchange,
			fmt.Sprintf("bybit: unsupported interval %q", interval))
	}
	return a.subscribe(ctx, symbol, interfaces.EventTypeCandle, native, func(message []byte) {
		var envelope pushEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			return
		}
		var events []struct {
			Start  int64  `json:"start"`
			Open   string `json:"open"`
			High   string `json:"high"`
			Low    string `json:"low"`
			Close  string `json:"close"`
			Volume string `json:"volume"`
		}
		if err := json.Unmarshal(envelope.Data, &events); err != nil {
			a.logger.Warn("dropping malformed kline event", logging.Error(err))
			return
		}
		for _, event := range events {
			values := make([]float64, 5)
			bad := false
			for i, s := range []string{event.Open, event.High, event.Low, event.Close, event.Volume} {
				v, err := parseFloat(s)
				if err != nil {
					a.logger.Warn("dropping malformed kline event", logging.Error(err))
					bad = true
					break
				}
				values[i] = v
			}
			if bad {
				continue
			}
			handler(interfaces.Candle{
				Symbol:   strings.ToUpper(symbol),
				Interval: interval,
				OpenTime: time.UnixMilli(event.Start),
				Open:     values[0],
				High:     values[1],
				Low:      values[2],
				Close:    values[3],
				Volume:   values[4],
			})
		}
	})
}

func (a *Adapter) Unsubscribe(symbol string, event interfaces.EventType) error {
	a.wsMu.Lock()
	key := subKey(symbol, event)
	topic, ok := a.wsTopics[key]
	if !ok {
		a.wsMu.Unlock()
		return fmt.Errorf("no subscription for %s", key)
	}
	delete(a.wsTopics, key)
	ws := a.ws
	a.wsMu.Unlock()

	if err := ws.Unsubscribe(topic); err != nil {
		return err
	}
	return ws.Send(wsCommand{Op: "unsubscribe", Args: []string{topic}})
}

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
