// perpflow — real-time orderflow telemetry and paper execution for
// Binance USDT-M perpetual futures.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts engine + API, waits for SIGINT/SIGTERM
//	engine/engine.go        — coordinator: one stream connection, per-symbol actors, REST pollers
//	engine/actor.go         — per-symbol pipeline: book, tape, microstructure, sessions
//	book/book.go            — local depth mirror with sequence validation and integrity grading
//	tape/tape.go            — rolling trade-flow windows, CVD, delta z-scores, burst detection
//	micro/                  — liquidity, passive-flow, derivatives, toxicity, regime, VWAP, HTF
//	orchestrator/           — gate pipeline and position life cycle for the local decision mode
//	sim/sim.go              — deterministic paper matching engine (fixed-point, replayable)
//	session/session.go      — dry-run session lifecycle and event intake validation
//	api/                    — HTTP + WebSocket control surface with two-lane backpressure
//	store/store.go          — JSON session persistence plus JSONL market archives
//
// What it does:
//
//	The service mirrors the exchange's order book and trade tape for each
//	configured symbol, derives microstructure telemetry at a fixed cadence,
//	and streams unified frames to WebSocket clients. Operators can start
//	paper-trading sessions that execute a rule-based (or externally
//	AI-assisted) strategy against the live book with no real orders.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"perpflow/internal/api"
	"perpflow/internal/config"
	"perpflow/internal/engine"
	"perpflow/internal/policy"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PERPFLOW_CONFIG"); p != "" {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	var src policy.Source
	if cfg.Decision.Mode == "ai" && cfg.Decision.Endpoint != "" {
		src = policy.NewHTTPSource(cfg.Decision.Endpoint)
	}

	eng, err := engine.New(cfg, src, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(cfg, eng.Coordinator(), logger)
	eng.AttachHub(apiServer.Hub())

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("perpflow started",
		"symbols", cfg.Symbols,
		"addr", cfg.Server.Addr,
		"snapshot_hz", cfg.Server.SnapshotHz,
		"decision_mode", cfg.Decision.Mode,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the API first so clients see a clean close, then the engine.
	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
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
