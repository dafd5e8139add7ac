package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"crypto-signals/pkg/types"
)

// BundleReader is the slice of the store the runner needs.
type BundleReader interface {
	ReadMarketBundle(ctx context.Context, assetIDs, indicatorIDs []string, days int, asOf time.Time) (types.MarketBundle, error)
}

// Runner executes all loaded strategies against one market bundle per
// invocation. It holds no mutable state across runs: every Run loads a
// fresh bundle and hands each strategy its own view.
type Runner struct {
	store      BundleReader
	strategies []Loaded
	indicators []string
	windowDays int
	timeout    time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewRunner wires a runner. indicators lists the macro series to load
// into every bundle; timeout bounds each strategy's analyze+generate.
func NewRunner(store BundleReader, strategies []Loaded, indicators []string, windowDays int, timeout time.Duration, now func() time.Time, logger *slog.Logger) *Runner {
	return &Runner{
		store:      store,
		strategies: strategies,
		indicators: indicators,
		windowDays: windowDays,
		timeout:    timeout,
		now:        now,
		logger:     logger.With("component", "strategy_runner"),
	}
}

// Strategies exposes the loaded strategy set (read-only).
func (r *Runner) Strategies() []Loaded {
	return r.strategies
}

// Run loads one bundle for the union of declared assets and executes
// every strategy against it in isolation. A strategy that errors,
// panics, or exceeds the timeout contributes an empty signal list; the
// rest still run. The returned map always has one entry per strategy.
func (r *Runner) Run(ctx context.Context) (map[string][]types.Signal, error) {
	assets := r.assetUnion()
	asOf := r.now().UTC()

	bundle, err := r.store.ReadMarketBundle(ctx, assets, r.indicators, r.windowDays, asOf)
	if err != nil {
		return nil, fmt.Errorf("load market bundle: %w", err)
	}

	out := make(map[string][]types.Signal, len(r.strategies))
	for _, l := range r.strategies {
		signals := r.runOne(ctx, l, bundle)
		out[l.Name] = signals
		r.logger.Info("strategy run complete", "strategy", l.Name, "signals", len(signals))
	}
	return out, nil
}

// runOne executes a single strategy with panic trapping and a timeout.
func (r *Runner) runOne(ctx context.Context, l Loaded, bundle types.MarketBundle) []types.Signal {
	type result struct {
		signals []types.Signal
		err     error
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- result{err: fmt.Errorf("panic: %v", rec)}
			}
		}()

		analysis, err := l.Strategy.Analyze(bundle)
		if err != nil {
			ch <- result{err: fmt.Errorf("analyze: %w", err)}
			return
		}
		signals, err := l.Strategy.GenerateSignals(analysis)
		if err != nil {
			ch <- result{err: fmt.Errorf("generate signals: %w", err)}
			return
		}
		ch <- result{signals: signals}
	}()

	select {
	case <-runCtx.Done():
		r.logger.Error("strategy timed out", "strategy", l.Name, "timeout", r.timeout)
		return nil
	case res := <-ch:
		if res.err != nil {
			r.logger.Error("strategy failed, contributing no signals", "strategy", l.Name, "error", res.err)
			return nil
		}
		return r.validSignals(l.Name, res.signals)
	}
}

// validSignals stamps the strategy name and drops signals violating
// the signal invariants.
func (r *Runner) validSignals(name string, signals []types.Signal) []types.Signal {
	out := make([]types.Signal, 0, len(signals))
	for _, s := range signals {
		s.Strategy = name
		if err := s.Validate(); err != nil {
			r.logger.Warn("dropping invalid signal", "strategy", name, "error", err)
			continue
		}
		out = append(out, s)
	}
	return out
}

// assetUnion returns the sorted union of every strategy's declared
// assets.
func (r *Runner) assetUnion() []string {
	seen := make(map[string]struct{})
	for _, l := range r.strategies {
		for _, a := range l.Strategy.DeclaredAssets() {
			seen[a] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
