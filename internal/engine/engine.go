// Package engine is the central orchestrator of the signal service.
//
// It wires together all subsystems:
//
//  1. Feed clients fetch OHLC candles and macro observations upstream.
//  2. Collectors validate rows and write them to the SQLite store.
//  3. The scheduler dispatches collection tasks on tiered cadences and
//     triggers the signal pipeline on its own interval.
//  4. The pipeline runs strategies over a windowed market bundle,
//     aggregates their signals, writes alert files, and fans alerts
//     out to webhook sinks.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"crypto-signals/internal/alert"
	"crypto-signals/internal/collector"
	"crypto-signals/internal/config"
	"crypto-signals/internal/feed"
	"crypto-signals/internal/scheduler"
	"crypto-signals/internal/signal"
	"crypto-signals/internal/state"
	"crypto-signals/internal/store"
	"crypto-signals/internal/strategy"
	"crypto-signals/pkg/types"
)

// Options are the CLI toggles layered on top of the config file. A
// feature runs only when both its config flag and its CLI flag are on.
type Options struct {
	Signals  bool
	Alerts   bool
	Webhooks bool
}

// Engine owns every component and all background goroutines. It also
// implements scheduler.Pipeline, gluing runner → aggregator → alert
// builder → dispatcher into the single pass the scheduler triggers.
type Engine struct {
	cfg        *config.Config
	store      *store.Store
	stateFile  *state.File
	sched      *scheduler.Scheduler
	runner     *strategy.Runner
	aggregator *signal.Aggregator
	builder    *alert.Builder
	dispatcher *alert.Dispatcher
	clock      scheduler.Clock
	logger     *slog.Logger

	alertsEnabled   bool
	webhooksEnabled bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components and restores persisted
// state. A corrupt state snapshot is logged and ignored.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Engine, error) {
	cfg.Signals.Enabled = cfg.Signals.Enabled && opts.Signals

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	stateFile, err := state.NewFile(cfg.State.Path)
	if err != nil {
		st.Close()
		return nil, err
	}

	clock := scheduler.SystemClock()
	limiter := feed.NewRateLimiter()
	market := feed.NewMarketClient(cfg.Feeds, limiter, logger)
	macro := feed.NewMacroClient(cfg.Feeds, limiter, logger)

	crypto := collector.NewCrypto(market, st, logger)
	macroCollector := collector.NewMacro(macro, st, clock.Now, logger)
	registry := scheduler.BuildRegistry(cfg.Assets, crypto, macroCollector)

	e := &Engine{
		cfg:             cfg,
		store:           st,
		stateFile:       stateFile,
		builder:         alert.NewBuilder(cfg.Alerts, clock.Now, logger),
		dispatcher:      alert.NewDispatcher(cfg.Webhooks, clock.Now, logger),
		clock:           clock,
		logger:          logger.With("component", "engine"),
		alertsEnabled:   cfg.Alerts.Enabled && opts.Alerts,
		webhooksEnabled: cfg.Webhooks.Enabled && opts.Webhooks,
	}

	if cfg.Signals.Enabled {
		loaded, err := strategy.LoadAll(cfg.Signals.StrategiesDir, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		e.runner = strategy.NewRunner(st, loaded, cfg.Assets.MacroIndicators,
			cfg.Signals.WindowDays, cfg.Signals.Timeout, clock.Now, logger)
		e.aggregator = signal.NewAggregator(strategy.Weights(loaded), cfg.Aggregator, logger)
	}

	sched, err := scheduler.New(cfg, registry, e, stateFile, clock, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	e.sched = sched

	snap, err := stateFile.Load()
	if err != nil {
		logger.Warn("state snapshot unreadable, starting from defaults", "error", err)
	} else if snap != nil {
		sched.Restore(snap)
		e.dispatcher.RestoreLastSuccess(snap.WebhookSinks)
		logger.Info("state restored", "tasks", len(snap.Tasks), "last_save", snap.LastSave)
	}

	return e, nil
}

// Start launches the scheduler worker.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sched.Run(ctx)
	}()

	e.logger.Info("engine started",
		"signals", e.cfg.Signals.Enabled,
		"alerts", e.alertsEnabled,
		"webhooks", e.webhooksEnabled)
}

// Stop cancels the scheduler, waits for the in-flight tick bounded by
// the shutdown timeout, and closes resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.Scheduler.ShutdownTimeout):
		e.logger.Error("shutdown timeout exceeded, abandoning in-flight work")
	}

	if err := e.store.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// Generate is the signal pipeline pass: run every strategy, aggregate,
// write qualifying alerts, dispatch webhooks. It satisfies
// scheduler.Pipeline.
func (e *Engine) Generate(ctx context.Context) (scheduler.Generated, error) {
	if e.runner == nil {
		return scheduler.Generated{}, nil
	}

	byStrategy, err := e.runner.Run(ctx)
	if err != nil {
		return scheduler.Generated{}, err
	}
	res := e.aggregator.Aggregate(byStrategy)

	gen := scheduler.Generated{Signals: len(res.Aggregated)}
	for _, signals := range res.PerStrategy {
		gen.Signals += len(signals)
	}

	if e.alertsEnabled {
		all := append([]types.Signal(nil), res.Aggregated...)
		for _, signals := range res.PerStrategy {
			all = append(all, signals...)
		}
		for _, record := range e.builder.Build(all) {
			if _, err := e.builder.Write(record); err != nil {
				e.logger.Error("alert write failed", "asset", record.AssetID, "error", err)
				continue
			}
			gen.Alerts++
		}
		if _, err := e.builder.Sweep(); err != nil {
			e.logger.Warn("alert retention sweep failed", "error", err)
		}
	}

	if e.webhooksEnabled {
		gen.WebhooksSent += e.dispatcher.DispatchAggregate(ctx, res.Aggregated)
		gen.WebhooksSent += e.dispatcher.DispatchPerStrategy(ctx, res.PerStrategy)
	}

	return gen, nil
}

// SinkStamps exposes the dispatcher's last-success timestamps for the
// state snapshot. It satisfies scheduler.Pipeline.
func (e *Engine) SinkStamps() map[string]time.Time {
	return e.dispatcher.LastSuccess()
}

// Status is the operator-facing dump behind the -status flag.
type Status struct {
	Snapshot *state.Snapshot      `json:"snapshot"`
	Store    store.HealthSnapshot `json:"store"`
}

// CollectStatus reads the persisted snapshot and store health without
// starting the scheduler.
func CollectStatus(cfg *config.Config) (*Status, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	health, err := st.Health(context.Background())
	if err != nil {
		return nil, err
	}

	stateFile, err := state.NewFile(cfg.State.Path)
	if err != nil {
		return nil, err
	}
	snap, err := stateFile.Load()
	if err != nil {
		return nil, err
	}
	if snap == nil {
		snap = state.NewSnapshot()
	}
	return &Status{Snapshot: snap, Store: health}, nil
}
