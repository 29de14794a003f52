// Perpbot — an automated perpetual-futures trading engine for USDT-M
// markets.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	supervisor/supervisor.go — scan → gate → launch loop, slot budget, cooldowns, account sync
//	strategy/trader.go       — per-symbol state machine shared by both disciplines
//	strategy/grid.go         — symmetric limit entries with TP/SL pairs per fill
//	strategy/volatility.go   — dual market legs with the TP-then-rewrite exit protocol
//	exchange/adapter.go      — order-flow facade: id normalisation, event routing, test-mode switch
//	exchange/client.go       — signed REST client with rate limiting and a circuit breaker
//	exchange/ws.go           — market-data and user-data websocket feeds with auto-reconnect
//	exchange/sim.go          — paper-trading simulator driven by live prices
//	market/scanner.go        — ranks tradable symbols by 24h change and intraday range
//	ledger/ledger.go         — balance, equity curve, drawdown, trade statistics
//	api/server.go            — dashboard REST + websocket stream
//
// How it trades:
//
//	The supervisor periodically scans for the most volatile USDT perpetuals
//	and assigns each a trader running one of two disciplines. Grid traders
//	rest limit entries above and below the current price and exit each fill
//	at a fixed take profit or stop loss. Volatility traders open both a long
//	and a short leg at market; whichever leg takes profit first pays for
//	closing the other at break even.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"perpbot/internal/api"
	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/ledger"
	"perpbot/internal/market"
	"perpbot/internal/risk"
	"perpbot/internal/supervisor"
)

func main() {
	// Optional .env for local credentials; real deployments set PERP_* directly.
	_ = godotenv.Load()

	cfgPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()
	if p := os.Getenv("PERP_CONFIG"); p != "" {
		*cfgPath = p
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Exchange plumbing
	client := exchange.NewClient(cfg.API, logger)
	marketFeed := exchange.NewMarketFeed(cfg.API.BaseWsURL, logger)

	var userFeed *exchange.UserFeed
	var sim *exchange.Simulator
	if cfg.Mode == config.ModeLive {
		userFeed = exchange.NewUserFeed(cfg.API.BaseWsURL, client, logger)
	} else {
		sim = exchange.NewSimulator(cfg.Trading.StartingBalanceUSDT,
			cfg.Trading.FeeRate, cfg.Trading.SlippageRate, logger)
		logger.Warn("TEST MODE — orders are simulated against live prices")
	}
	adapter := exchange.NewAdapter(cfg.Mode, client, marketFeed, userFeed, sim, logger)
	go adapter.Run(ctx)

	// Core state
	led := ledger.New(cfg.Trading.StartingBalanceUSDT)
	gate := risk.NewGate(logger)
	scanner := market.NewScanner(client, cfg.Scanner, cfg.Trading.MaxTraders, logger)
	sup := supervisor.New(cfg, adapter, scanner, led, gate, logger)

	// Dashboard
	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		ticker := market.NewTicker()
		apiServer = api.NewServer(cfg.Dashboard, led, sup, ticker, adapter.PriceUpdates(), logger)
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	logger.Info("perpbot started",
		"mode", cfg.Mode,
		"max_traders", cfg.Trading.MaxTraders,
		"leverage", cfg.Trading.Leverage,
		"scan_interval", cfg.Scanner.Interval,
	)

	// Run the supervisor until a shutdown signal arrives
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	cancel()
	<-done
	logger.Info("shutdown complete")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
