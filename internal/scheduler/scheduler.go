// Package scheduler drives the whole service: a single worker wakes on
// a fixed tick, dispatches due collection tasks tier by tier, runs the
// signal pipeline on its own cadence, and persists a state snapshot
// after every tick.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"crypto-signals/internal/config"
	"crypto-signals/internal/state"
	"crypto-signals/pkg/types"
)

// maxRetryNap caps how long a same-tick retry sleeps on a Retry-After
// hint, so one rate-limited task cannot stall the tick.
const maxRetryNap = 30 * time.Second

// Pipeline is the signal-generation pass the scheduler triggers on its
// own cadence: runner, aggregator, alert builder, and dispatcher glued
// together by the engine.
type Pipeline interface {
	Generate(ctx context.Context) (Generated, error)
	SinkStamps() map[string]time.Time
}

// Generated counts one pipeline pass's output.
type Generated struct {
	Signals      int
	Alerts       int
	WebhooksSent int
}

// Scheduler owns the task table and all persisted counters. Only the
// scheduler worker mutates them.
type Scheduler struct {
	registry  *Registry
	pipeline  Pipeline
	stateFile *state.File
	clock     Clock
	logger    *slog.Logger

	tickInterval   time.Duration
	maxRetries     int
	concurrency    int
	macroMinutes   int
	signalsEnabled bool
	signalInterval time.Duration

	// injectable for tests; time.Sleep in production
	sleep func(time.Duration)

	mu            sync.Mutex
	stats         map[string]state.TierStats
	totalAPICalls int
	signalsCount  int
	alertsCount   int
	webhooksCount int
	lastSignalRun *time.Time
}

func New(cfg *config.Config, registry *Registry, pipeline Pipeline, stateFile *state.File, clock Clock, logger *slog.Logger) (*Scheduler, error) {
	macroMinutes, err := config.ParseTimeOfDay(cfg.Scheduler.MacroCollectionTime)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		registry:       registry,
		pipeline:       pipeline,
		stateFile:      stateFile,
		clock:          clock,
		logger:         logger.With("component", "scheduler"),
		tickInterval:   cfg.Scheduler.TickInterval,
		maxRetries:     cfg.Scheduler.MaxRetriesPerTask,
		concurrency:    cfg.Scheduler.UpstreamConcurrency,
		macroMinutes:   macroMinutes,
		signalsEnabled: cfg.Signals.Enabled,
		signalInterval: cfg.Signals.Interval,
		sleep:          time.Sleep,
		stats:          make(map[string]state.TierStats),
	}, nil
}

// Restore overlays a persisted snapshot onto the task table and the
// counters. A nil snapshot is a fresh start.
func (s *Scheduler) Restore(snap *state.Snapshot) {
	if snap == nil {
		return
	}
	s.registry.Overlay(snap.Tasks)
	s.mu.Lock()
	defer s.mu.Unlock()
	for tier, st := range snap.CollectionStats {
		s.stats[tier] = st
	}
	s.totalAPICalls = snap.TotalAPICalls
	s.signalsCount = snap.SignalsGenerated
	s.alertsCount = snap.AlertsGenerated
	s.webhooksCount = snap.WebhookAlertsSent
	s.lastSignalRun = snap.LastSignalRun
}

// Run ticks until the context is cancelled. The first tick fires
// immediately; a final snapshot is persisted on the way out.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			if err := s.persist(); err != nil {
				s.logger.Error("final state save failed", "error", err)
			}
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full scheduling pass: due-task selection, tiered
// execution, the signal pipeline when its cadence has elapsed, and a
// snapshot save.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now().UTC()

	dispatched := 0
	for _, tier := range Tiers() {
		due := s.dueTasks(tier, now)
		if len(due) == 0 {
			continue
		}
		s.runTier(ctx, tier, due, now)
		dispatched += len(due)
	}

	if s.signalDue(now) {
		s.runPipeline(ctx, now)
	}

	if err := s.persist(); err != nil {
		s.logger.Error("state save failed, will retry next tick", "error", err)
	}

	s.mu.Lock()
	s.logger.Info("tick complete",
		"dispatched", dispatched,
		"api_calls", s.totalAPICalls,
		"signals", s.signalsCount,
		"alerts", s.alertsCount,
		"webhooks_sent", s.webhooksCount)
	s.mu.Unlock()
}

// dueTasks selects the tier's enabled tasks whose cadence has elapsed.
// MACRO tasks additionally wait for the configured time of day and run
// at most once per UTC calendar day.
func (s *Scheduler) dueTasks(tier types.Tier, now time.Time) []*Task {
	var due []*Task
	for _, t := range s.registry.ByTier(tier) {
		if !t.Enabled {
			continue
		}
		if tier == types.TierMacro {
			if minutesOfDay(now) < s.macroMinutes {
				continue
			}
			if t.LastRun == nil || !sameUTCDate(*t.LastRun, now) {
				due = append(due, t)
			}
			continue
		}
		if t.LastRun == nil || now.Sub(*t.LastRun) >= tier.Cadence() {
			due = append(due, t)
		}
	}
	return due
}

// runTier executes one tier's due tasks through a bounded worker pool.
// Each task is owned by exactly one worker, so task fields need no
// locking; only the shared counters do.
func (s *Scheduler) runTier(ctx context.Context, tier types.Tier, due []*Task, now time.Time) {
	workers := s.concurrency
	if workers <= 0 {
		workers = 1
	}
	if workers > len(due) {
		workers = len(due)
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, t := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(t *Task) {
			defer wg.Done()
			defer func() { <-sem }()
			s.executeTask(ctx, t, now)
		}(t)
	}
	wg.Wait()
}

// executeTask runs one collection with the same-tick retry policy and
// applies the outcome to the task.
func (s *Scheduler) executeTask(ctx context.Context, t *Task, now time.Time) {
	res := t.Collector.Collect(ctx, t.SubjectID, t.Days)
	s.countAPICall()

	retries := 0
	for !res.Success && res.ErrorKind.RetryRecommended() && retries < s.maxRetries {
		if ctx.Err() != nil {
			break
		}
		if res.RetryAfter > 0 {
			nap := res.RetryAfter
			if nap > maxRetryNap {
				nap = maxRetryNap
			}
			s.logger.Info("honoring retry-after before retry", "task", t.ID, "nap", nap)
			s.sleep(nap)
		}
		retries++
		res = t.Collector.Collect(ctx, t.SubjectID, t.Days)
		s.countAPICall()
	}

	t.LastRun = &now
	if res.Success {
		t.ConsecutiveFailures = 0
		s.countOutcome(t.Tier, true)
		s.logger.Debug("task succeeded",
			"task", t.ID, "records", res.RecordsCollected, "retries", retries)
		return
	}

	t.ConsecutiveFailures++
	if t.ConsecutiveFailures >= 3 {
		t.Enabled = false
		s.logger.Error("task disabled after repeated failures",
			"task", t.ID, "failures", t.ConsecutiveFailures)
	}
	s.countOutcome(t.Tier, false)
	s.logger.Warn("task failed",
		"task", t.ID, "kind", res.ErrorKind, "detail", res.ErrorDetail,
		"consecutive_failures", t.ConsecutiveFailures)
}

// signalDue reports whether the pipeline cadence has elapsed.
func (s *Scheduler) signalDue(now time.Time) bool {
	if !s.signalsEnabled || s.pipeline == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSignalRun == nil || now.Sub(*s.lastSignalRun) >= s.signalInterval
}

// runPipeline triggers one signal-generation pass. Pipeline failures
// are logged and counted into nothing: the next cadence retries.
func (s *Scheduler) runPipeline(ctx context.Context, now time.Time) {
	gen, err := s.pipeline.Generate(ctx)
	if err != nil {
		s.logger.Error("signal generation failed", "error", err)
		return
	}

	s.mu.Lock()
	s.signalsCount += gen.Signals
	s.alertsCount += gen.Alerts
	s.webhooksCount += gen.WebhooksSent
	s.lastSignalRun = &now
	s.mu.Unlock()

	s.logger.Info("signal generation complete",
		"signals", gen.Signals, "alerts", gen.Alerts, "webhooks_sent", gen.WebhooksSent)
}

// persist writes the current snapshot. Counters and the task table are
// quiescent here: persist runs after all tier workers have joined.
func (s *Scheduler) persist() error {
	s.mu.Lock()
	snap := &state.Snapshot{
		Tasks:             s.registry.Export(),
		CollectionStats:   make(map[string]state.TierStats, len(s.stats)),
		TotalAPICalls:     s.totalAPICalls,
		SignalsGenerated:  s.signalsCount,
		AlertsGenerated:   s.alertsCount,
		WebhookAlertsSent: s.webhooksCount,
		LastSignalRun:     s.lastSignalRun,
	}
	for tier, st := range s.stats {
		snap.CollectionStats[tier] = st
	}
	s.mu.Unlock()

	if s.pipeline != nil {
		snap.WebhookSinks = s.pipeline.SinkStamps()
	}
	return s.stateFile.Save(snap)
}

func (s *Scheduler) countAPICall() {
	s.mu.Lock()
	s.totalAPICalls++
	s.mu.Unlock()
}

func (s *Scheduler) countOutcome(tier types.Tier, success bool) {
	s.mu.Lock()
	st := s.stats[string(tier)]
	if success {
		st.Success++
	} else {
		st.Failure++
	}
	s.stats[string(tier)] = st
	s.mu.Unlock()
}

func minutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func sameUTCDate(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
