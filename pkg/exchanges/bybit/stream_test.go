package bybit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/exchange-gateway/pkg/exchanges/interfaces"
	"github.com/veiloq/exchange-gateway/pkg/websocket"
)

func newStreamAdapter(t *testing.T) (*Adapter, *websocket.MockConnector) {
	t.Helper()
	cfg := interfaces.NewExchangeConfig()
	cfg.EnableLogging = false
	adapter := New(cfg)
	mock := websocket.NewMockConnector()
	adapter.ws = mock
	return adapter, mock
}

func TestTopicNames(t *testing.T) {
	assert.Equal(t, "publicTrade.BTCUSDT", topicName("btcusdt", interfaces.EventTypeTrade, ""))
	assert.Equal(t, "tickers.BTCUSDT", topicName("BTCUSDT", interfaces.EventTypeTicker, ""))
	assert.Equal(t, "orderbook.50.BTCUSDT", topicName("BTCUSDT", interfaces.EventTypeOrderBook, ""))
	assert.Equal(t, "kline.60.BTCUSDT", topicName("BTCUSDT", interfaces.EventTypeCandle, "60"))
	assert.Empty(t, topicName("BTCUSDT", interfaces.EventType("bogus"), ""))
}

func TestSubscribeTradesDispatchesBatch(t *testing.T) {
	adapter, mock := newStreamAdapter(t)

	var got []interfaces.Trade
	require.NoError(t, adapter.SubscribeTrades(context.Background(), "BTCUSDT", func(trade interfaces.Trade) {
		got = append(got, trade)
	}))

	sent := mock.Sent()
	require.Len(t, sent, 1)
	cmd, ok := sent[0].(wsCommand)
	require.True(t, ok)
	assert.Equal(t, "subscribe", cmd.Op)
	assert.Equal(t, []string{"publicTrade.BTCUSDT"}, cmd.Args)

	// One push frame may batch several trades.
	mock.Inject("publicTrade.BTCUSDT", []byte(`{
		"topic": "publicTrade.BTCUSDT",
		"type": "snapshot",
		"ts": 1700000000100,
		"data": [
			{"T": 1700000000000, "s": "BTCUSDT", "S": "Buy", "v": "0.25", "p": "42000.5", "i": "trade-1"},
			{"T": 1700000000050, "s": "BTCUSDT", "S": "Sell", "v": "0.10", "p": "42000.0", "i": "trade-2"}
		]
	}`))

	require.Len(t, got, 2)
	assert.Equal(t, "trade-1", got[0].ID)
	assert.Equal(t, interfaces.SideBuy, got[0].Side)
	assert.False(t, got[0].IsBuyerMaker)
	assert.InDelta(t, 42000.5, got[0].Price, 1e-9)
	assert.Equal(t, time.UnixMilli(1700000000000), got[0].Timestamp)
	assert.Equal(t, interfaces.SideSell, got[1].Side)
	assert.True(t, got[1].IsBuyerMaker)
}

func TestSubscribeTickerUsesEnvelopeTimestamp(t *testing.T) {
	adapter, mock := newStreamAdapter(t)

	var got interfaces.Ticker
	require.NoError(t, adapter.SubscribeTicker(context.Background(), "BTCUSDT", func(ticker interfaces.Ticker) {
		got = ticker
	}))

	mock.Inject("tickers.BTCUSDT", []byte(`{
		"topic": "tickers.BTCUSDT",
		"ts": 1700000000000,
		"data": {"symbol": "BTCUSDT", "lastPrice": "42000", "bid1Price": "41999",
		         "ask1Price": "42001", "highPrice24h": "42500", "lowPrice24h": "41000",
		         "volume24h": "1000", "prevPrice24h": "41500", "price24hPcnt": "0.0120"}
	}`))

	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, time.UnixMilli(1700000000000), got.Timestamp)
	assert.InDelta(t, 500.0, got.PriceChange24h, 1e-9)
	assert.InDelta(t, 1.2, got.PriceChangePercent24h, 1e-9)
}

func TestSubscribeOrderBookDispatchesDepth(t *testing.T) {
	adapter, mock := newStreamAdapter(t)

	var got interfaces.OrderBook
	require.NoError(t, adapter.SubscribeOrderBook(context.Background(), "BTCUSDT", func(book interfaces.OrderBook) {
		got = book
	}))

	mock.Inject("orderbook.50.BTCUSDT", []byte(`{
		"topic": "orderbook.50.BTCUSDT",
		"ts": 1700000000000,
		"data": {"s": "BTCUSDT", "b": [["41999", "1.5"]], "a": [["42001", "2.0"]]}
	}`))

	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, time.UnixMilli(1700000000000), got.Timestamp)
	require.Len(t, got.Bids, 1)
	assert.InDelta(t, 1.5, got.Bids[0].Quantity, 1e-9)
}

func TestSubscribeCandlesTranslatesInterval(t *testing.T) {
	adapter, mock := newStreamAdapter(t)

	var got interfaces.Candle
	require.NoError(t, adapter.SubscribeCandles(context.Background(), "BTCUSDT", "1h", func(candle interfaces.Candle) {
		got = candle
	}))

	sent := mock.Sent()
	require.Len(t, sent, 1)
	cmd, ok := sent[0].(wsCommand)
	require.True(t, ok)
	assert.Equal(t, []string{"kline.60.BTCUSDT"}, cmd.Args, "native interval name on the wire")

	mock.Inject("kline.60.BTCUSDT", []byte(`{
		"topic": "kline.60.BTCUSDT",
		"ts": 1700003600000,
		"data": [{"start": 1700000000000, "open": "42000", "high": "42100",
		          "low": "41900", "close": "42050", "volume": "10"}]
	}`))

	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, "1h", got.Interval, "callbacks carry the canonical interval")
	assert.InDelta(t, 42050.0, got.Close, 1e-9)
}

func TestSubscribeCandlesRejectsUnknownInterval(t *testing.T) {
	adapter, mock := newStreamAdapter(t)

	err := adapter.SubscribeCandles(context.Background(), "BTCUSDT", "7m", func(interfaces.Candle) {})
	require.Error(t, err)
	assert.Empty(t, mock.Sent())
}

func TestUnsubscribeSendsFrame(t *testing.T) {
	adapter, mock := newStreamAdapter(t)

	require.NoError(t, adapter.SubscribeTrades(context.Background(), "BTCUSDT", func(interfaces.Trade) {}))
	require.NoError(t, adapter.Unsubscribe("BTCUSDT", interfaces.EventTypeTrade))

	sent := mock.Sent()
	require.Len(t, sent, 2)
	cmd, ok := sent[1].(wsCommand)
	require.True(t, ok)
	assert.Equal(t, "unsubscribe", cmd.Op)
	assert.Equal(t, []string{"publicTrade.BTCUSDT"}, cmd.Args)

	assert.Error(t, adapter.Unsubscribe("BTCUSDT", interfaces.EventTypeTrade))
}

func TestUnsubscribeAllClosesSocket(t *testing.T) {
	adapter, mock := newStreamAdapter(t)

	require.NoError(t, adapter.SubscribeTicker(context.Background(), "BTCUSDT", func(interfaces.Ticker) {}))
	require.NoError(t, adapter.UnsubscribeAll())
	assert.False(t, mock.IsConnected())
	assert.Nil(t, adapter.ws)
}
