// Polyscalp — an automated scalping bot for short-duration binary
// prediction markets (Polymarket BTC 15-minute up/down).
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires scanner → evaluator → executor, manages market lifecycle
//	engine/executor.go   — turns signals into venue orders, settles fills, tracks position ledger
//	strategy/evaluator   — pure priority-rule evaluator: entries, DCA rungs, TPs, unwinds, exits
//	market/scanner.go    — polls Gamma API for upcoming BTC up/down markets
//	market/tracker.go    — local top-of-book mirror fed by WebSocket snapshots + price changes
//	spot/tracker.go      — BTC reference price from Binance/Coinbase trade streams
//	exchange/client.go   — REST client for the CLOB API (place/cancel orders, fetch book)
//	exchange/auth.go     — L1 (EIP-712) and L2 (HMAC) authentication
//	exchange/ws.go       — WebSocket feeds (market data + user fills/orders) with auto-reconnect
//	risk/manager.go      — daily loss latch, re-add cooldowns, session stats
//	store/store.go       — in-memory per-market runtime state (positions, cycles, resting TPs)
//
// How it makes money:
//
//	Each 15-minute market resolves to 0 or 1. The bot buys the cheap side
//	when the ask dips to the entry trigger, averages down on further drops,
//	and rests a take-profit near 0.90. Late in the market's life it takes
//	smaller opportunistic scalps, and hard deadlines force everything flat
//	before resolution risk takes over.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"polyscalp/internal/api"
	"polyscalp/internal/config"
	"polyscalp/internal/engine"
)

func main() {
	// Optional .env for local development; real deployments set env vars
	// directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SCALP_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
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

	// Create and start engine
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Start dashboard API server if enabled
	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(eng, *cfg, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if !cfg.TradingEnabled {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("polyscalp started",
		"markets_max", cfg.Risk.MaxConcurrentMarkets,
		"clip_size", cfg.Strategy.ClipSize,
		"daily_loss_limit", cfg.Risk.DailyLossLimit,
		"trading_enabled", cfg.TradingEnabled,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop dashboard first
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	eng.Stop()
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
