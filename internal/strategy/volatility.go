package strategy

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"crypto-signals/pkg/types"
)

// VolatilityBreakout signals when an asset's current realized
// volatility sits in the upper tail of its own lookback distribution.
//
// Realized volatility is the rolling standard deviation of daily log
// returns over RollingWindow observations. The percentile rank of the
// latest value against the full window's rolling-vol distribution
// (closed left, open right, UTC daily closes) drives both the trigger
// and the "volatility_percentile" analysis field the alert builder
// thresholds on. Direction follows the sign of the move that produced
// the breakout.
type VolatilityBreakout struct {
	assets              []string
	rollingWindow       int
	percentileThreshold float64
	basePositionSize    float64
}

type volMetrics struct {
	price      float64
	vol        float64
	percentile float64
	lastReturn float64
}

type volAnalysis struct {
	perAsset map[string]volMetrics
	asOf     int64
}

func (v *VolatilityBreakout) Configure(params map[string]any) error {
	v.assets = stringSlice(params, "assets")
	if len(v.assets) == 0 {
		return fmt.Errorf("volatility_breakout: params.assets is required")
	}
	v.rollingWindow = intParam(params, "rolling_window", 14)
	if v.rollingWindow < 2 {
		return fmt.Errorf("volatility_breakout: rolling_window must be >= 2")
	}
	v.percentileThreshold = floatParam(params, "percentile_threshold", 90)
	v.basePositionSize = floatParam(params, "base_position_size", 0.1)
	return nil
}

func (v *VolatilityBreakout) DeclaredAssets() []string {
	return v.assets
}

func (v *VolatilityBreakout) Analyze(bundle types.MarketBundle) (any, error) {
	analysis := volAnalysis{
		perAsset: make(map[string]volMetrics),
		asOf:     bundle.AsOf.UnixMilli(),
	}

	for _, asset := range v.assets {
		closes := dailyCloses(bundle.OHLC[asset])
		// Need enough history for at least two rolling windows, or the
		// percentile rank is meaningless.
		if len(closes) < 2*v.rollingWindow {
			continue
		}

		returns := logReturns(closes)
		vols := rollingStd(returns, v.rollingWindow)
		if len(vols) == 0 {
			continue
		}

		current := vols[len(vols)-1]
		sorted := append([]float64(nil), vols...)
		sort.Float64s(sorted)
		percentile := stat.CDF(current, stat.Empirical, sorted, nil) * 100

		analysis.perAsset[asset] = volMetrics{
			price:      closes[len(closes)-1],
			vol:        current,
			percentile: percentile,
			lastReturn: returns[len(returns)-1],
		}
	}
	return analysis, nil
}

func (v *VolatilityBreakout) GenerateSignals(analysis any) ([]types.Signal, error) {
	a, ok := analysis.(volAnalysis)
	if !ok {
		return nil, fmt.Errorf("volatility_breakout: unexpected analysis type %T", analysis)
	}

	var signals []types.Signal
	for _, asset := range v.assets {
		m, ok := a.perAsset[asset]
		if !ok || m.percentile < v.percentileThreshold {
			continue
		}

		direction := types.Long
		if m.lastReturn < 0 {
			direction = types.Short
		}

		confidence := math.Min(1, m.percentile/100)
		strength := types.Weak
		switch {
		case m.percentile >= 98:
			strength = types.Strong
		case m.percentile >= 95:
			strength = types.Moderate
		}

		// Stops scale with the measured volatility.
		band := math.Max(m.vol, 0.005)
		var stop, take float64
		if direction == types.Long {
			stop = m.price * (1 - 2*band)
			take = m.price * (1 + 3*band)
		} else {
			stop = m.price * (1 + 2*band)
			take = m.price * (1 - 3*band)
		}

		signals = append(signals, types.Signal{
			AssetID:      asset,
			Direction:    direction,
			Timestamp:    a.asOf,
			Price:        m.price,
			Strength:     strength,
			Confidence:   confidence,
			PositionSize: v.basePositionSize * confidence,
			StopLoss:     &stop,
			TakeProfit:   &take,
			Analysis: map[string]any{
				"volatility":            m.vol,
				"volatility_percentile": m.percentile,
				"last_return":           m.lastReturn,
			},
		})
	}
	return signals, nil
}

// dailyCloses reduces intraday candles to one close per UTC date
// (the last candle of each date), preserving order.
func dailyCloses(rows []types.OHLCRow) []float64 {
	var closes []float64
	var dates []string
	for _, r := range rows {
		if n := len(dates); n > 0 && dates[n-1] == r.Date {
			closes[n-1] = r.Close
			continue
		}
		dates = append(dates, r.Date)
		closes = append(closes, r.Close)
	}
	return closes
}

// logReturns computes ln(c_i / c_{i-1}); zero or negative prices yield
// a zero return rather than NaN.
func logReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i] <= 0 || closes[i-1] <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(closes[i]/closes[i-1]))
	}
	return out
}

// rollingStd computes the window-length standard deviation at each
// position where a full window is available.
func rollingStd(xs []float64, window int) []float64 {
	if len(xs) < window {
		return nil
	}
	out := make([]float64, 0, len(xs)-window+1)
	for i := window; i <= len(xs); i++ {
		out = append(out, stat.StdDev(xs[i-window:i], nil))
	}
	return out
}

// stringSlice coerces a viper params entry into []string.
func stringSlice(params map[string]any, key string) []string {
	raw, ok := params[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func intParam(params map[string]any, key string, def int) int {
	raw, ok := params[key]
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func floatParam(params map[string]any, key string, def float64) float64 {
	raw, ok := params[key]
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

func stringParam(params map[string]any, key, def string) string {
	if raw, ok := params[key]; ok {
		if s, ok := raw.(string); ok && s != "" {
			return s
		}
	}
	return def
}
