// signald — a crypto market-data polling and signal-generation service.
//
// Architecture:
//
//	main.go               — entry point: flags, config, engine lifecycle, SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires feeds → collectors → scheduler → signal pipeline
//	scheduler/            — tiered task scheduler (15m / 60m / daily) with per-task failure budgets
//	collector/            — upstream fetch + row validation + idempotent store writes
//	feed/                 — CoinGecko-style OHLC client and FRED-style macro client
//	store/store.go        — SQLite time-series store (WAL, composite-key dedup)
//	strategy/             — pluggable strategies: volatility breakout, momentum, macro regime
//	signal/aggregator.go  — per-asset merge with weighted conflict resolution
//	alert/                — alert files with retention + webhook fan-out
//	state/state.go        — atomic JSON snapshot of scheduler progress and counters
package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"crypto-signals/internal/config"
	"crypto-signals/internal/engine"
)

func main() {
	var (
		cfgPath   = flag.String("config", "configs/config.yaml", "path to the YAML config file")
		statePath = flag.String("state", "", "override the state snapshot path")
		signals   = flag.Bool("signals", true, "enable the signal-generation pipeline")
		alerts    = flag.Bool("alerts", true, "enable alert file generation")
		webhooks  = flag.Bool("webhooks", true, "enable webhook dispatch")
		status    = flag.Bool("status", false, "print state counters and store health, then exit")
	)
	flag.Parse()

	// .env is optional; real env vars win either way.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if *statePath != "" {
		cfg.State.Path = *statePath
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

	if *status {
		st, err := engine.CollectStatus(cfg)
		if err != nil {
			logger.Error("status collection failed", "error", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(st, "", "  ")
		os.Stdout.Write(append(out, '\n'))
		return
	}

	eng, err := engine.New(cfg, engine.Options{
		Signals:  *signals,
		Alerts:   *alerts,
		Webhooks: *webhooks,
	}, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	eng.Start()
	logger.Info("signal service started",
		"high_frequency_assets", len(cfg.Assets.HighFrequency),
		"hourly_assets", len(cfg.Assets.Hourly),
		"macro_indicators", len(cfg.Assets.MacroIndicators),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
	eng.Stop()

	if sig == syscall.SIGINT {
		os.Exit(130)
	}
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
