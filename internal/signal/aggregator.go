// Package signal merges per-strategy signals into at most one
// consolidated signal per asset.
package signal

import (
	"log/slog"
	"math"
	"sort"

	"crypto-signals/internal/config"
	"crypto-signals/pkg/types"
)

// AggregateStrategy is the strategy name stamped on consolidated
// signals so downstream consumers can tell them from per-strategy ones.
const AggregateStrategy = "aggregate"

// Resolution tags for conflicting signal groups. An unknown tag falls
// back to weighted average.
const (
	ResolutionWeightedAverage   = "weighted_average"
	ResolutionMajority          = "majority"
	ResolutionHighestConfidence = "highest_confidence"
)

// Aggregator combines the runner's per-strategy output. Weights come
// from the loaded strategy definitions and sum to 1 across all
// strategies; within each asset group they are renormalized over the
// strategies that actually contributed.
type Aggregator struct {
	weights         map[string]float64
	resolution      string
	minConfidence   float64
	maxPositionSize float64
	logger          *slog.Logger
}

// Result carries both the consolidated signals and the surviving
// per-strategy signals for the per-strategy webhook fan-out.
type Result struct {
	Aggregated  []types.Signal
	PerStrategy map[string][]types.Signal
}

func NewAggregator(weights map[string]float64, cfg config.AggregatorConfig, logger *slog.Logger) *Aggregator {
	resolution := cfg.Resolution
	switch resolution {
	case ResolutionWeightedAverage, ResolutionMajority, ResolutionHighestConfidence:
	default:
		if resolution != "" {
			logger.Warn("unknown resolution, using weighted average", "resolution", resolution)
		}
		resolution = ResolutionWeightedAverage
	}
	return &Aggregator{
		weights:         weights,
		resolution:      resolution,
		minConfidence:   cfg.MinConfidence,
		maxPositionSize: cfg.MaxPositionSize,
		logger:          logger.With("component", "aggregator"),
	}
}

// Aggregate groups the runner output by asset and emits at most one
// consolidated signal per asset. Signals below the confidence floor
// are dropped before grouping and do not appear in the per-strategy
// output either.
func (a *Aggregator) Aggregate(byStrategy map[string][]types.Signal) Result {
	kept := make(map[string][]types.Signal, len(byStrategy))
	byAsset := make(map[string][]types.Signal)
	for name, signals := range byStrategy {
		for _, s := range signals {
			if s.Confidence < a.minConfidence {
				a.logger.Debug("dropping low-confidence signal",
					"strategy", name, "asset", s.AssetID, "confidence", s.Confidence)
				continue
			}
			kept[name] = append(kept[name], s)
			byAsset[s.AssetID] = append(byAsset[s.AssetID], s)
		}
	}

	assets := make([]string, 0, len(byAsset))
	for asset := range byAsset {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	aggregated := make([]types.Signal, 0, len(assets))
	for _, asset := range assets {
		if s, ok := a.combine(asset, byAsset[asset]); ok {
			aggregated = append(aggregated, s)
		}
	}
	return Result{Aggregated: aggregated, PerStrategy: kept}
}

// combine merges one asset's signal group into a single signal.
func (a *Aggregator) combine(asset string, group []types.Signal) (types.Signal, bool) {
	if len(group) == 0 {
		return types.Signal{}, false
	}

	weights := a.groupWeights(group)

	out := types.Signal{
		AssetID:  asset,
		Strategy: AggregateStrategy,
		Analysis: map[string]any{"strategies": contributorNames(group)},
	}
	for _, s := range group {
		w := weights[s.Strategy]
		out.Price += w * s.Price
		out.PositionSize += w * s.PositionSize
		if s.Timestamp > out.Timestamp {
			out.Timestamp = s.Timestamp
		}
		if s.Strength.Rank() > out.Strength.Rank() {
			out.Strength = s.Strength
		}
	}
	if out.PositionSize > a.maxPositionSize {
		out.PositionSize = a.maxPositionSize
	}

	if dir, agree := agreedDirection(group); agree {
		out.Direction = dir
		for _, s := range group {
			out.Confidence += weights[s.Strategy] * s.Confidence
		}
	} else {
		out.Direction, out.Confidence = a.resolve(group, weights)
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}

	a.logger.Info("aggregated signal",
		"asset", asset, "direction", out.Direction,
		"confidence", out.Confidence, "contributors", len(group))
	return out, true
}

// resolve applies the configured conflict resolution to a group whose
// non-HOLD members disagree on direction.
func (a *Aggregator) resolve(group []types.Signal, weights map[string]float64) (types.Direction, float64) {
	switch a.resolution {
	case ResolutionMajority:
		return resolveMajority(group, weights)
	case ResolutionHighestConfidence:
		return resolveHighestConfidence(group)
	default:
		return a.resolveWeightedAverage(group, weights)
	}
}

// resolveWeightedAverage sums signed confidences; a net reading inside
// the confidence floor resolves to HOLD.
func (a *Aggregator) resolveWeightedAverage(group []types.Signal, weights map[string]float64) (types.Direction, float64) {
	var signed float64
	for _, s := range group {
		signed += weights[s.Strategy] * s.Confidence * s.Direction.Sign()
	}
	if math.Abs(signed) < a.minConfidence {
		return types.Hold, math.Abs(signed)
	}
	if signed > 0 {
		return types.Long, signed
	}
	return types.Short, -signed
}

// resolveMajority takes the direction with the most weight behind it;
// confidence is the winning side's weighted confidence.
func resolveMajority(group []types.Signal, weights map[string]float64) (types.Direction, float64) {
	tally := make(map[types.Direction]float64)
	conf := make(map[types.Direction]float64)
	for _, s := range group {
		w := weights[s.Strategy]
		tally[s.Direction] += w
		conf[s.Direction] += w * s.Confidence
	}

	winner, best := types.Hold, -1.0
	for _, d := range []types.Direction{types.Long, types.Short, types.Hold} {
		if tally[d] > best {
			winner, best = d, tally[d]
		}
	}
	return winner, conf[winner]
}

// resolveHighestConfidence takes the single strongest voice.
func resolveHighestConfidence(group []types.Signal) (types.Direction, float64) {
	best := group[0]
	for _, s := range group[1:] {
		if s.Confidence > best.Confidence {
			best = s
		}
	}
	return best.Direction, best.Confidence
}

// groupWeights restricts the configured weights to the group's
// contributors and renormalizes them to sum to 1. Strategies missing
// from the weight table get an equal share of whatever is unclaimed.
func (a *Aggregator) groupWeights(group []types.Signal) map[string]float64 {
	out := make(map[string]float64, len(group))
	var sum float64
	for _, s := range group {
		w, ok := a.weights[s.Strategy]
		if !ok || w <= 0 {
			w = 1.0 / float64(len(group))
		}
		out[s.Strategy] = w
		sum += w
	}
	if sum > 0 {
		for name := range out {
			out[name] /= sum
		}
	}
	return out
}

// agreedDirection reports whether all non-HOLD signals point the same
// way, and which way that is. An all-HOLD group agrees on HOLD.
func agreedDirection(group []types.Signal) (types.Direction, bool) {
	dir := types.Hold
	for _, s := range group {
		if s.Direction == types.Hold {
			continue
		}
		if dir == types.Hold {
			dir = s.Direction
			continue
		}
		if s.Direction != dir {
			return types.Hold, false
		}
	}
	return dir, true
}

func contributorNames(group []types.Signal) []string {
	names := make([]string, 0, len(group))
	for _, s := range group {
		names = append(names, s.Strategy)
	}
	sort.Strings(names)
	return names
}
