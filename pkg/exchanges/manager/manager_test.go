package manager

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/exchange-gateway/pkg/exchanges/interfaces"
)

// mockAdapter satisfies interfaces.Adapter with overridable behavior for
// the operations the manager exercises. Everything else is a stub.
type mockAdapter struct {
	name       string
	marketType interfaces.MarketType

	initializeFn  func(ctx context.Context) error
	disconnectFn  func() error
	getTickerFn   func(ctx context.Context, symbol string) (*interfaces.Ticker, error)
	getBalancesFn func(ctx context.Context) ([]interfaces.Balance, error)
	getBookFn     func(ctx context.Context, symbol string, depth int) (*interfaces.OrderBook, error)
}

func (m *mockAdapter) Name() string                          { return m.name }
func (m *mockAdapter) MarketType() interfaces.MarketType     { return m.marketType }
func (m *mockAdapter) Supports(c interfaces.Capability) bool { return true }
func (m *mockAdapter) IsInitialized() bool                   { return true }
func (m *mockAdapter) Info() *interfaces.ExchangeInfo        { return nil }

func (m *mockAdapter) Initialize(ctx context.Context) error {
	if m.initializeFn != nil {
		return m.initializeFn(ctx)
	}
	return nil
}

func (m *mockAdapter) Disconnect() error {
	if m.disconnectFn != nil {
		return m.disconnectFn()
	}
	return nil
}

func (m *mockAdapter) GetTicker(ctx context.Context, symbol string) (*interfaces.Ticker, error) {
	if m.getTickerFn != nil {
		return m.getTickerFn(ctx, symbol)
	}
	return nil, errors.New("no ticker")
}

func (m *mockAdapter) GetBalances(ctx context.Context) ([]interfaces.Balance, error) {
	if m.getBalancesFn != nil {
		return m.getBalancesFn(ctx)
	}
	return nil, errors.New("no balances")
}

func (m *mockAdapter) GetOrderBook(ctx context.Context, symbol string, depth int) (*interfaces.OrderBook, error) {
	if m.getBookFn != nil {
		return m.getBookFn(ctx, symbol, depth)
	}
	return nil, errors.New("no order book")
}

func (m *mockAdapter) GetCandles(ctx context.Context, req interfaces.CandleRequest) ([]interfaces.Candle, error) {
	return nil, nil
}
func (m *mockAdapter) GetTrades(ctx context.Context, symbol string, limit int) ([]interfaces.Trade, error) {
	return nil, nil
}
func (m *mockAdapter) GetAllTickers(ctx context.Context) ([]interfaces.Ticker, error) {
	return nil, nil
}
func (m *mockAdapter) PlaceOrder(ctx context.Context, req interfaces.OrderRequest) (*interfaces.Order, error) {
	return nil, nil
}
func (m *mockAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (*interfaces.Order, error) {
	return nil, nil
}
func (m *mockAdapter) CancelAllOrders(ctx context.Context, symbol string) ([]interfaces.Order, error) {
	return nil, nil
}
func (m *mockAdapter) GetOrder(ctx context.Context, symbol, orderID string) (*interfaces.Order, error) {
	return nil, nil
}
func (m *mockAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]interfaces.Order, error) {
	return nil, nil
}
func (m *mockAdapter) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]interfaces.Order, error) {
	return nil, nil
}
func (m *mockAdapter) GetBalance(ctx context.Context, asset string) (*interfaces.Balance, error) {
	return nil, nil
}
func (m *mockAdapter) GetPositions(ctx context.Context, symbol string) ([]interfaces.Position, error) {
	return nil, nil
}
func (m *mockAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (m *mockAdapter) SetMarginType(ctx context.Context, symbol string, marginType interfaces.MarginType) error {
	return nil
}
func (m *mockAdapter) SubscribeTrades(ctx context.Context, symbol string, handler interfaces.TradeHandler) error {
	return nil
}
func (m *mockAdapter) SubscribeTicker(ctx context.Context, symbol string, handler interfaces.TickerHandler) error {
	return nil
}
func (m *mockAdapter) SubscribeOrderBook(ctx context.Context, symbol string, handler interfaces.OrderBookHandler) error {
	return nil
}
func (m *mockAdapter) SubscribeCandles(ctx context.Context, symbol, interval string, handler interfaces.CandleHandler) error {
	return nil
}
func (m *mockAdapter) Unsubscribe(symbol string, event interfaces.EventType) error { return nil }
func (m *mockAdapter) UnsubscribeAll() error                                       { return nil }

func quoting(name string, bid, ask float64) *mockAdapter {
	return &mockAdapter{
		name:       name,
		marketType: interfaces.MarketTypeSpot,
		getTickerFn: func(ctx context.Context, symbol string) (*interfaces.Ticker, error) {
			return &interfaces.Ticker{Symbol: symbol, BidPrice: bid, AskPrice: ask}, nil
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	m := New()
	spot := &mockAdapter{name: "binance", marketType: interfaces.MarketTypeSpot}
	futures := &mockAdapter{name: "binance", marketType: interfaces.MarketTypeFutures}
	m.Register(spot)
	m.Register(futures)

	got, err := m.Get("binance", interfaces.MarketTypeSpot)
	require.NoError(t, err)
	assert.Same(t, spot, got)

	got, err = m.Get("binance", interfaces.MarketTypeFutures)
	require.NoError(t, err)
	assert.Same(t, futures, got)

	_, err = m.Get("kraken", interfaces.MarketTypeSpot)
	assert.ErrorIs(t, err, interfaces.ErrNotRegistered)
}

func TestRegisterReplaces(t *testing.T) {
	m := New()
	first := &mockAdapter{name: "bybit", marketType: interfaces.MarketTypeSpot}
	second := &mockAdapter{name: "bybit", marketType: interfaces.MarketTypeSpot}
	m.Register(first)
	m.Register(second)

	assert.Len(t, m.All(), 1)
	got, err := m.Get("bybit", interfaces.MarketTypeSpot)
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestAllIsSorted(t *testing.T) {
	m := New()
	m.Register(&mockAdapter{name: "okx", marketType: interfaces.MarketTypeSpot})
	m.Register(&mockAdapter{name: "binance", marketType: interfaces.MarketTypeSpot})
	m.Register(&mockAdapter{name: "binance", marketType: interfaces.MarketTypeFutures})

	var labels []string
	for _, adapter := range m.All() {
		labels = append(labels, adapterLabel(adapter))
	}
	assert.Equal(t, []string{"binance/futures", "binance/spot", "okx/spot"}, labels)
}

func TestInitializeAllContainsFailures(t *testing.T) {
	m := New()
	m.Register(&mockAdapter{name: "binance", marketType: interfaces.MarketTypeSpot})
	m.Register(&mockAdapter{
		name:         "bybit",
		marketType:   interfaces.MarketTypeSpot,
		initializeFn: func(ctx context.Context) error { return errors.New("connection refused") },
	})

	require.NoError(t, m.InitializeAll(context.Background()))

	_, err := m.Get("binance", interfaces.MarketTypeSpot)
	assert.NoError(t, err)
	_, err = m.Get("bybit", interfaces.MarketTypeSpot)
	assert.ErrorIs(t, err, interfaces.ErrNotRegistered, "failed adapter is removed")
}

func TestInitializeAllFailsWhenAllFail(t *testing.T) {
	m := New()
	m.Register(&mockAdapter{
		name:         "binance",
		marketType:   interfaces.MarketTypeSpot,
		initializeFn: func(ctx context.Context) error { return errors.New("down") },
	})
	assert.Error(t, m.InitializeAll(context.Background()))
}

func TestInitializeAllFailsWhenEmpty(t *testing.T) {
	assert.Error(t, New().InitializeAll(context.Background()))
}

func TestDisconnectAllClearsRegistry(t *testing.T) {
	m := New()
	disconnected := false
	m.Register(&mockAdapter{
		name:         "binance",
		marketType:   interfaces.MarketTypeSpot,
		disconnectFn: func() error { disconnected = true; return nil },
	})

	require.NoError(t, m.DisconnectAll())
	assert.True(t, disconnected)
	assert.Empty(t, m.All())
}

func TestDisconnectAllReportsLastError(t *testing.T) {
	m := New()
	boom := errors.New("socket already closed")
	m.Register(&mockAdapter{name: "binance", marketType: interfaces.MarketTypeSpot})
	m.Register(&mockAdapter{
		name:         "bybit",
		marketType:   interfaces.MarketTypeSpot,
		disconnectFn: func() error { return boom },
	})

	assert.ErrorIs(t, m.DisconnectAll(), boom)
	assert.Empty(t, m.All())
}

func TestComparePriceOmitsFailures(t *testing.T) {
	m := New()
	m.Register(quoting("binance", 99.0, 100.0))
	m.Register(&mockAdapter{
		name:       "bybit",
		marketType: interfaces.MarketTypeSpot,
		getTickerFn: func(ctx context.Context, symbol string) (*interfaces.Ticker, error) {
			return nil, interfaces.NewInvalidSymbolError(symbol)
		},
	})

	tickers := m.ComparePrice(context.Background(), "BTCUSDT")
	require.Len(t, tickers, 1)
	assert.InDelta(t, 100.0, tickers["binance/spot"].AskPrice, 1e-9)
}

func TestComparePriceHonorsExchangeFilter(t *testing.T) {
	m := New()
	m.Register(quoting("binance", 99.0, 100.0))
	m.Register(quoting("bybit", 98.0, 99.5))
	m.Register(quoting("okx", 97.0, 99.0))

	tickers := m.ComparePrice(context.Background(), "BTCUSDT", "binance", "bybit")
	require.Len(t, tickers, 2)
	assert.Contains(t, tickers, "binance/spot")
	assert.Contains(t, tickers, "bybit/spot")

	assert.Empty(t, m.ComparePrice(context.Background(), "BTCUSDT", "kraken"))
}

func TestFindBestPriceHonorsExchangeFilter(t *testing.T) {
	m := New()
	m.Register(quoting("binance", 99.0, 100.0))
	m.Register(quoting("okx", 97.0, 99.0))

	best := m.FindBestPrice(context.Background(), "BTCUSDT", interfaces.SideBuy, "binance")
	require.NotNil(t, best)
	assert.Equal(t, "binance/spot", best.Exchange, "the cheaper okx ask is filtered out")
	assert.InDelta(t, 100.0, best.Price, 1e-9)
}

func TestFindBestPrice(t *testing.T) {
	m := New()
	m.Register(quoting("alpha", 100.0, 100.0))
	m.Register(quoting("beta", 98.0, 98.0))
	m.Register(quoting("gamma", 101.0, 101.0))

	buy := m.FindBestPrice(context.Background(), "BTCUSDT", interfaces.SideBuy)
	require.NotNil(t, buy)
	assert.Equal(t, "beta/spot", buy.Exchange, "buy takes the lowest ask")
	assert.InDelta(t, 98.0, buy.Price, 1e-9)
	assert.Equal(t, interfaces.SideBuy, buy.Side)

	sell := m.FindBestPrice(context.Background(), "BTCUSDT", interfaces.SideSell)
	require.NotNil(t, sell)
	assert.Equal(t, "gamma/spot", sell.Exchange, "sell takes the highest bid")
	assert.InDelta(t, 101.0, sell.Price, 1e-9)
}

func TestFindBestPriceSkipsZeroQuotes(t *testing.T) {
	m := New()
	m.Register(quoting("alpha", 0, 0))
	m.Register(quoting("beta", 97.0, 99.0))

	best := m.FindBestPrice(context.Background(), "BTCUSDT", interfaces.SideBuy)
	require.NotNil(t, best)
	assert.Equal(t, "beta/spot", best.Exchange)
}

func TestFindBestPriceNilWhenNoQuotes(t *testing.T) {
	m := New()
	m.Register(&mockAdapter{name: "binance", marketType: interfaces.MarketTypeSpot})

	assert.Nil(t, m.FindBestPrice(context.Background(), "BTCUSDT", interfaces.SideBuy))
}

func TestGetAllBalancesOmitsFailures(t *testing.T) {
	m := New()
	m.Register(&mockAdapter{
		name:       "binance",
		marketType: interfaces.MarketTypeSpot,
		getBalancesFn: func(ctx context.Context) ([]interfaces.Balance, error) {
			return []interfaces.Balance{{Asset: "BTC", Free: 1, Total: 1}}, nil
		},
	})
	m.Register(&mockAdapter{name: "okx", marketType: interfaces.MarketTypeSpot})

	balances := m.GetAllBalances(context.Background())
	require.Len(t, balances, 1)
	assert.Equal(t, "BTC", balances["binance/spot"][0].Asset)
}

func TestGetAggregatedOrderBooks(t *testing.T) {
	m := New()
	m.Register(&mockAdapter{
		name:       "binance",
		marketType: interfaces.MarketTypeSpot,
		getBookFn: func(ctx context.Context, symbol string, depth int) (*interfaces.OrderBook, error) {
			return &interfaces.OrderBook{
				Symbol: symbol,
				Bids:   []interfaces.OrderBookLevel{{Price: 99, Quantity: 1}},
				Asks:   []interfaces.OrderBookLevel{{Price: 100, Quantity: 1}},
			}, nil
		},
	})
	m.Register(&mockAdapter{name: "bybit", marketType: interfaces.MarketTypeSpot})

	books := m.GetAggregatedOrderBooks(context.Background(), "BTCUSDT", 10)
	require.Len(t, books, 1)
	assert.InDelta(t, 99.0, books["binance/spot"].Bids[0].Price, 1e-9)
}
