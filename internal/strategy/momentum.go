package strategy

import (
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"

	"crypto-signals/pkg/types"
)

// Momentum combines an RSI filter with a fast/slow SMA crossover on
// daily closes. A golden cross (fast above slow) with RSI below the
// overbought line goes LONG; a death cross with RSI above the oversold
// line goes SHORT.
type Momentum struct {
	assets           []string
	rsiPeriod        int
	fastPeriod       int
	slowPeriod       int
	overbought       float64
	oversold         float64
	basePositionSize float64
}

type momentumMetrics struct {
	price    float64
	rsi      float64
	smaFast  float64
	smaSlow  float64
	crossUp  bool
	crossDwn bool
}

type momentumAnalysis struct {
	perAsset map[string]momentumMetrics
	asOf     int64
}

func (m *Momentum) Configure(params map[string]any) error {
	m.assets = stringSlice(params, "assets")
	if len(m.assets) == 0 {
		return fmt.Errorf("momentum: params.assets is required")
	}
	m.rsiPeriod = intParam(params, "rsi_period", 14)
	m.fastPeriod = intParam(params, "fast_period", 9)
	m.slowPeriod = intParam(params, "slow_period", 21)
	if m.fastPeriod >= m.slowPeriod {
		return fmt.Errorf("momentum: fast_period must be < slow_period")
	}
	m.overbought = floatParam(params, "overbought", 70)
	m.oversold = floatParam(params, "oversold", 30)
	m.basePositionSize = floatParam(params, "base_position_size", 0.1)
	return nil
}

func (m *Momentum) DeclaredAssets() []string {
	return m.assets
}

func (m *Momentum) Analyze(bundle types.MarketBundle) (any, error) {
	analysis := momentumAnalysis{
		perAsset: make(map[string]momentumMetrics),
		asOf:     bundle.AsOf.UnixMilli(),
	}

	for _, asset := range m.assets {
		closes := dailyCloses(bundle.OHLC[asset])
		if len(closes) <= m.slowPeriod || len(closes) <= m.rsiPeriod {
			continue
		}

		rsi := talib.Rsi(closes, m.rsiPeriod)
		fast := talib.Sma(closes, m.fastPeriod)
		slow := talib.Sma(closes, m.slowPeriod)

		n := len(closes) - 1
		metrics := momentumMetrics{
			price:   closes[n],
			rsi:     rsi[n],
			smaFast: fast[n],
			smaSlow: slow[n],
		}
		if n >= 1 && slow[n-1] != 0 {
			metrics.crossUp = fast[n] > slow[n] && fast[n-1] <= slow[n-1]
			metrics.crossDwn = fast[n] < slow[n] && fast[n-1] >= slow[n-1]
		}
		analysis.perAsset[asset] = metrics
	}
	return analysis, nil
}

func (m *Momentum) GenerateSignals(analysis any) ([]types.Signal, error) {
	a, ok := analysis.(momentumAnalysis)
	if !ok {
		return nil, fmt.Errorf("momentum: unexpected analysis type %T", analysis)
	}

	var signals []types.Signal
	for _, asset := range m.assets {
		metrics, ok := a.perAsset[asset]
		if !ok {
			continue
		}

		var direction types.Direction
		switch {
		case metrics.crossUp && metrics.rsi < m.overbought:
			direction = types.Long
		case metrics.crossDwn && metrics.rsi > m.oversold:
			direction = types.Short
		default:
			continue
		}

		// Confidence grows with SMA separation and RSI headroom.
		separation := math.Abs(metrics.smaFast-metrics.smaSlow) / metrics.smaSlow
		headroom := rsiHeadroom(direction, metrics.rsi, m.overbought, m.oversold)
		confidence := math.Min(1, 0.5+5*separation+0.3*headroom)

		strength := types.Weak
		switch {
		case confidence >= 0.8:
			strength = types.Strong
		case confidence >= 0.6:
			strength = types.Moderate
		}

		signals = append(signals, types.Signal{
			AssetID:      asset,
			Direction:    direction,
			Timestamp:    a.asOf,
			Price:        metrics.price,
			Strength:     strength,
			Confidence:   confidence,
			PositionSize: m.basePositionSize * confidence,
			Analysis: map[string]any{
				"rsi":      metrics.rsi,
				"sma_fast": metrics.smaFast,
				"sma_slow": metrics.smaSlow,
			},
		})
	}
	return signals, nil
}

// rsiHeadroom maps RSI distance from the adverse extreme onto [0,1].
func rsiHeadroom(direction types.Direction, rsi, overbought, oversold float64) float64 {
	var room float64
	if direction == types.Long {
		room = (overbought - rsi) / overbought
	} else {
		room = (rsi - oversold) / (100 - oversold)
	}
	return math.Max(0, math.Min(1, room))
}
