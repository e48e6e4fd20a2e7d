package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veiloq/exchange-gateway/pkg/config"
	"github.com/veiloq/exchange-gateway/pkg/exchanges/binance"
	"github.com/veiloq/exchange-gateway/pkg/exchanges/bybit"
	"github.com/veiloq/exchange-gateway/pkg/exchanges/interfaces"
	"github.com/veiloq/exchange-gateway/pkg/exchanges/manager"
	"github.com/veiloq/exchange-gateway/pkg/exchanges/okx"
	"github.com/veiloq/exchange-gateway/pkg/logging"
)

// constructors maps the names accepted in the config file to adapter
// factories.
var constructors = map[string]func(interfaces.ExchangeConfig) interfaces.Adapter{
	"binance": func(cfg interfaces.ExchangeConfig) interfaces.Adapter { return binance.New(cfg) },
	"bybit":   func(cfg interfaces.ExchangeConfig) interfaces.Adapter { return bybit.New(cfg) },
	"okx":     func(cfg interfaces.ExchangeConfig) interfaces.Adapter { return okx.New(cfg) },
}

func buildManager(logger logging.Logger, configPath, envPath string) (*manager.Manager, error) {
	mgr := manager.New(manager.WithLogger(logger))

	if configPath == "" {
		// Public market data needs no credentials.
		for _, construct := range constructors {
			mgr.Register(construct(interfaces.NewExchangeConfig()))
		}
		return mgr, nil
	}

	cfg, err := config.Load(configPath, envPath)
	if err != nil {
		return nil, err
	}
	for _, name := range cfg.Names() {
		construct, ok := constructors[name]
		if !ok {
			return nil, fmt.Errorf("unknown exchange %q in %s", name, configPath)
		}
		exchangeCfg, err := cfg.ExchangeConfig(name)
		if err != nil {
			return nil, err
		}
		mgr.Register(construct(exchangeCfg))
	}
	return mgr, nil
}

func main() {
	configPath := flag.String("config", "", "path to the gateway YAML config")
	envPath := flag.String("env", ".env", "path to the credential overrides file")
	flag.Parse()

	logger := logging.NewLogger()
	logger.SetLevel(logging.INFO)

	mgr, err := buildManager(logger, *configPath, *envPath)
	if err != nil {
		logger.Error("configuration failed", logging.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("initializing adapters")
	if err := mgr.InitializeAll(ctx); err != nil {
		logger.Error("initialization failed", logging.Error(err))
		os.Exit(1)
	}
	defer mgr.DisconnectAll()

	// Compare BTCUSDT across every exchange that answered.
	symbol := "BTCUSDT"
	for exchange, ticker := range mgr.ComparePrice(ctx, symbol) {
		logger.Info("ticker",
			logging.String("exchange", exchange),
			logging.Float64("last", ticker.LastPrice),
			logging.Float64("bid", ticker.BidPrice),
			logging.Float64("ask", ticker.AskPrice),
		)
	}

	if best := mgr.FindBestPrice(ctx, symbol, interfaces.SideBuy); best != nil {
		fmt.Printf("best place to buy %s: %s at %.2f\n", symbol, best.Exchange, best.Price)
	}

	// Fetch an hour of 1m candles from one adapter directly.
	adapter, err := mgr.Get("binance", interfaces.MarketTypeSpot)
	if err != nil {
		logger.Error("adapter lookup failed", logging.Error(err))
		os.Exit(1)
	}
	candles, err := adapter.GetCandles(ctx, interfaces.CandleRequest{
		Symbol:    symbol,
		Interval:  "1m",
		StartTime: time.Now().Add(-1 * time.Hour),
		Limit:     60,
	})
	if err != nil {
		logger.Error("candle fetch failed", logging.Error(err))
	} else if len(candles) > 0 {
		last := candles[len(candles)-1]
		logger.Info("latest candle",
			logging.String("symbol", last.Symbol),
			logging.Float64("close", last.Close),
			logging.Float64("volume", last.Volume),
		)
	}

	// Stream live trades until interrupted.
	if err := adapter.SubscribeTrades(ctx, symbol, func(trade interfaces.Trade) {
		logger.Info("trade",
			logging.String("symbol", trade.Symbol),
			logging.Float64("price", trade.Price),
			logging.Float64("qty", trade.Quantity),
			logging.String("side", string(trade.Side)),
		)
	}); err != nil {
		logger.Error("subscribe failed", logging.Error(err))
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")
}
