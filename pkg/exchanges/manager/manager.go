// Package manager owns the adapter registry and the cross-exchange
// aggregate operations. Aggregates fan out concurrently, wait for every
// adapter to settle and contain failures per adapter; one slow or broken
// exchange never aborts the whole call.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/veiloq/exchange-gateway/pkg/exchanges/interfaces"
	"github.com/veiloq/exchange-gateway/pkg/logging"
)

// registryKey identifies one adapter instance. The same exchange may be
// registered twice, once per market type.
type registryKey struct {
	name       string
	marketType interfaces.MarketType
}

// Manager is the registry of initialized exchange adapters plus the
// fan-out aggregate operations built on top of it.
type Manager struct {
	logger logging.Logger

	mu       sync.RWMutex
	adapters map[registryKey]interfaces.Adapter
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger replaces the default no-op logger.
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New constructs an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		logger:   logging.NewNopLogger(),
		adapters: make(map[registryKey]interfaces.Adapter),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds an adapter to the registry, replacing any previous
// adapter for the same (name, market type) pair.
func (m *Manager) Register(adapter interfaces.Adapter) {
	key := registryKey{name: adapter.Name(), marketType: adapter.MarketType()}
	m.mu.Lock()
	m.adapters[key] = adapter
	m.mu.Unlock()
	m.logger.Info("adapter registered",
		logging.String("exchange", key.name),
		logging.String("market", string(key.marketType)),
	)
}

// Get returns the adapter registered under (name, marketType).
func (m *Manager) Get(name string, marketType interfaces.MarketType) (interfaces.Adapter, error) {
	m.mu.RLock()
	adapter, ok := m.adapters[registryKey{name: name, marketType: marketType}]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", interfaces.ErrNotRegistered, name, marketType)
	}
	return adapter, nil
}

// All returns every registered adapter in a stable order.
func (m *Manager) All() []interfaces.Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]registryKey, 0, len(m.adapters))
	for key := range m.adapters {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}
		return keys[i].marketType < keys[j].marketType
	})

	adapters := make([]interfaces.Adapter, 0, len(keys))
	for _, key := range keys {
		adapters = append(adapters, m.adapters[key])
	}
	return adapters
}

// InitializeAll initializes every registered adapter concurrently. An
// adapter whose initialization fails is logged and removed from the
// registry; the others stay registered and queryable. The returned error
// is nil as long as at least one adapter initialized.
func (m *Manager) InitializeAll(ctx context.Context) error {
	adapters := m.All()
	if len(adapters) == 0 {
		return fmt.Errorf("no adapters registered")
	}

	type result struct {
		adapter interfaces.Adapter
		err     error
	}
	results := make([]result, len(adapters))

	var wg sync.WaitGroup
	for i, adapter := range adapters {
		wg.Add(1)
		go func(i int, adapter interfaces.Adapter) {
			defer wg.Done()
			results[i] = result{adapter: adapter, err: adapter.Initialize(ctx)}
		}(i, adapter)
	}
	wg.Wait()

	initialized := 0
	for _, r := range results {
		if r.err != nil {
			m.logger.Error("adapter initialization failed",
				logging.String("exchange", r.adapter.Name()),
				logging.String("market", string(r.adapter.MarketType())),
				logging.Error(r.err),
			)
			m.mu.Lock()
			delete(m.adapters, registryKey{name: r.adapter.Name(), marketType: r.adapter.MarketType()})
			m.mu.Unlock()
			continue
		}
		initialized++
	}
	if initialized == 0 {
		return fmt.Errorf("all %d adapters failed to initialize", len(adapters))
	}
	m.logger.Info("manager initialized",
		logging.Int("adapters", initialized),
		logging.Int("failed", len(adapters)-initialized),
	)
	return nil
}

// DisconnectAll disconnects every registered adapter and clears the
// registry. The last disconnect error wins.
func (m *Manager) DisconnectAll() error {
	adapters := m.All()

	var last error
	for _, adapter := range adapters {
		if err := adapter.Disconnect(); err != nil {
			m.logger.Error("adapter disconnect failed",
				logging.String("exchange", adapter.Name()),
				logging.Error(err),
			)
			last = err
		}
	}

	m.mu.Lock()
	m.adapters = make(map[registryKey]interfaces.Adapter)
	m.mu.Unlock()
	return last
}

// adapterLabel labels aggregate results by exchange and market type so
// spot and futures registrations of the same exchange stay distinct.
func adapterLabel(adapter interfaces.Adapter) string {
	return adapter.Name() + "/" + string(adapter.MarketType())
}

// selected restricts the registered adapters to the named exchanges.
// With no names it returns all of them. Unknown names select nothing.
func (m *Manager) selected(names []string) []interfaces.Adapter {
	adapters := m.All()
	if len(names) == 0 {
		return adapters
	}
	want := make(map[string]bool, len(names))
	for _, name := range names {
		want[name] = true
	}
	kept := make([]interfaces.Adapter, 0, len(adapters))
	for _, adapter := range adapters {
		if want[adapter.Name()] {
			kept = append(kept, adapter)
		}
	}
	return kept
}

// GetAllBalances fans out GetBalances across every registered adapter.
// Failing adapters are logged and omitted from the result.
func (m *Manager) GetAllBalances(ctx context.Context) map[string][]interfaces.Balance {
	adapters := m.All()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	balances := make(map[string][]interfaces.Balance)
	for _, adapter := range adapters {
		wg.Add(1)
		go func(adapter interfaces.Adapter) {
			defer wg.Done()
			got, err := adapter.GetBalances(ctx)
			if err != nil {
				m.logger.Warn("balance fetch failed",
					logging.String("exchange", adapterLabel(adapter)),
					logging.Error(err),
				)
				return
			}
			mu.Lock()
			balances[adapterLabel(adapter)] = got
			mu.Unlock()
		}(adapter)
	}
	wg.Wait()
	return balances
}

// ComparePrice fans out GetTicker for the symbol and returns one ticker
// per exchange that answered successfully. Passing exchange names
// restricts the fan-out to those exchanges.
func (m *Manager) ComparePrice(ctx context.Context, symbol string, exchanges ...string) map[string]interfaces.Ticker {
	adapters := m.selected(exchanges)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	tickers := make(map[string]interfaces.Ticker)
	for _, adapter := range adapters {
		wg.Add(1)
		go func(adapter interfaces.Adapter) {
			defer wg.Done()
			ticker, err := adapter.GetTicker(ctx, symbol)
			if err != nil {
				m.logger.Warn("ticker fetch failed",
					logging.String("exchange", adapterLabel(adapter)),
					logging.String("symbol", symbol),
					logging.Error(err),
				)
				return
			}
			mu.Lock()
			tickers[adapterLabel(adapter)] = *ticker
			mu.Unlock()
		}(adapter)
	}
	wg.Wait()
	return tickers
}

// FindBestPrice selects the minimum ask for a buy and the maximum bid
// for a sell across the exchanges that answered, optionally restricted
// to the named ones. It returns nil when no adapter produced a usable
// quote.
func (m *Manager) FindBestPrice(ctx context.Context, symbol string, side interfaces.Side, exchanges ...string) *interfaces.BestPrice {
	tickers := m.ComparePrice(ctx, symbol, exchanges...)

	var best *interfaces.BestPrice
	for exchange, ticker := range tickers {
		price := ticker.AskPrice
		if side == interfaces.SideSell {
			price = ticker.BidPrice
		}
		if price <= 0 {
			continue
		}
		better := best == nil ||
			(side == interfaces.SideBuy && price < best.Price) ||
			(side == interfaces.SideSell && price > best.Price)
		if better {
			best = &interfaces.BestPrice{
				Exchange: exchange,
				Symbol:   symbol,
				Side:     side,
				Price:    price,
			}
		}
	}
	return best
}

// GetAggregatedOrderBooks fans out GetOrderBook and returns the
// per-exchange books labeled but unmerged; price-level merging is the
// caller's concern.
func (m *Manager) GetAggregatedOrderBooks(ctx context.Context, symbol string, depth int) map[string]interfaces.OrderBook {
	adapters := m.All()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	books := make(map[string]interfaces.OrderBook)
	for _, adapter := range adapters {
		wg.Add(1)
		go func(adapter interfaces.Adapter) {
			defer wg.Done()
			book, err := adapter.GetOrderBook(ctx, symbol, depth)
			if err != nil {
				m.logger.Warn("order book fetch failed",
					logging.String("exchange", adapterLabel(adapter)),
					logging.String("symbol", symbol),
					logging.Error(err),
				)
				return
			}
			mu.Lock()
			books[adapterLabel(adapter)] = *book
			mu.Unlock()
		}(adapter)
	}
	wg.Wait()
	return books
}
