package strategy

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"crypto-signals/pkg/types"
)

// MacroRegime is a risk-on/risk-off overlay driven by a single macro
// indicator (VIXCLS by default). It z-scores the indicator's latest
// observation against its own window; a stretched reading emits SHORT
// (risk-off) or LONG (risk-on) signals across the declared assets, and
// anything in between emits HOLD so the aggregator can dampen the
// directional strategies.
type MacroRegime struct {
	assets           []string
	indicator        string
	zThreshold       float64
	basePositionSize float64
}

type regimeAnalysis struct {
	zScore   float64
	value    float64
	prices   map[string]float64
	observed bool
	asOf     int64
}

func (m *MacroRegime) Configure(params map[string]any) error {
	m.assets = stringSlice(params, "assets")
	if len(m.assets) == 0 {
		return fmt.Errorf("macro_regime: params.assets is required")
	}
	m.indicator = stringParam(params, "indicator", "VIXCLS")
	m.zThreshold = floatParam(params, "z_threshold", 1.0)
	m.basePositionSize = floatParam(params, "base_position_size", 0.05)
	return nil
}

func (m *MacroRegime) DeclaredAssets() []string {
	return m.assets
}

func (m *MacroRegime) Analyze(bundle types.MarketBundle) (any, error) {
	analysis := regimeAnalysis{
		prices: make(map[string]float64),
		asOf:   bundle.AsOf.UnixMilli(),
	}

	var values []float64
	for _, row := range bundle.Macro[m.indicator] {
		if row.Value != nil {
			values = append(values, *row.Value)
		}
	}
	if len(values) >= 5 {
		mean := stat.Mean(values, nil)
		std := stat.StdDev(values, nil)
		latest := values[len(values)-1]
		if std > 0 {
			analysis.zScore = (latest - mean) / std
			analysis.value = latest
			analysis.observed = true
		}
	}

	for _, asset := range m.assets {
		if closes := bundle.Closes(asset); len(closes) > 0 {
			analysis.prices[asset] = closes[len(closes)-1]
		}
	}
	return analysis, nil
}

func (m *MacroRegime) GenerateSignals(analysis any) ([]types.Signal, error) {
	a, ok := analysis.(regimeAnalysis)
	if !ok {
		return nil, fmt.Errorf("macro_regime: unexpected analysis type %T", analysis)
	}
	if !a.observed {
		return nil, nil
	}

	direction := types.Hold
	switch {
	case a.zScore >= m.zThreshold:
		direction = types.Short // stress regime
	case a.zScore <= -m.zThreshold:
		direction = types.Long // calm regime
	}

	confidence := math.Min(1, math.Abs(a.zScore)/3)
	if direction == types.Hold {
		confidence = math.Min(confidence, 0.3)
	}

	strength := types.Weak
	if math.Abs(a.zScore) >= 2 {
		strength = types.Moderate
	}

	var signals []types.Signal
	for _, asset := range m.assets {
		price, ok := a.prices[asset]
		if !ok {
			continue
		}
		signals = append(signals, types.Signal{
			AssetID:      asset,
			Direction:    direction,
			Timestamp:    a.asOf,
			Price:        price,
			Strength:     strength,
			Confidence:   confidence,
			PositionSize: m.basePositionSize,
			Analysis: map[string]any{
				"indicator": m.indicator,
				"value":     a.value,
				"z_score":   a.zScore,
			},
		})
	}
	return signals, nil
}
