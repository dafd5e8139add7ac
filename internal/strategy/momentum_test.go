package strategy

import (
	"testing"
	"time"

	"crypto-signals/pkg/types"
)

func configuredMomentum(t *testing.T, params map[string]any) *Momentum {
	t.Helper()
	m := &Momentum{}
	if err := m.Configure(params); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return m
}

func TestMomentumConfigureValidation(t *testing.T) {
	t.Parallel()
	m := &Momentum{}
	if err := m.Configure(map[string]any{}); err == nil {
		t.Error("expected error without assets")
	}
	err := m.Configure(map[string]any{
		"assets":      []any{"bitcoin"},
		"fast_period": 21,
		"slow_period": 9,
	})
	if err == nil {
		t.Error("expected error when fast_period >= slow_period")
	}
}

func TestMomentumGoldenCrossGoesLong(t *testing.T) {
	t.Parallel()
	m := configuredMomentum(t, map[string]any{"assets": []any{"bitcoin"}})

	analysis := momentumAnalysis{
		asOf: time.Now().UnixMilli(),
		perAsset: map[string]momentumMetrics{
			"bitcoin": {price: 100, rsi: 55, smaFast: 101, smaSlow: 100, crossUp: true},
		},
	}
	signals, err := m.GenerateSignals(analysis)
	if err != nil {
		t.Fatal(err)
	}
	if len(signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(signals))
	}
	s := signals[0]
	if s.Direction != types.Long {
		t.Errorf("direction = %s, want LONG", s.Direction)
	}
	if s.Confidence <= 0 || s.Confidence > 1 {
		t.Errorf("confidence %f outside (0,1]", s.Confidence)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("signal invalid: %v", err)
	}
}

func TestMomentumOverboughtSuppressesLong(t *testing.T) {
	t.Parallel()
	m := configuredMomentum(t, map[string]any{"assets": []any{"bitcoin"}})

	analysis := momentumAnalysis{perAsset: map[string]momentumMetrics{
		"bitcoin": {price: 100, rsi: 85, smaFast: 101, smaSlow: 100, crossUp: true},
	}}
	signals, err := m.GenerateSignals(analysis)
	if err != nil {
		t.Fatal(err)
	}
	if len(signals) != 0 {
		t.Errorf("RSI above overbought must suppress the long, got %d signals", len(signals))
	}
}

func TestMomentumDeathCrossGoesShort(t *testing.T) {
	t.Parallel()
	m := configuredMomentum(t, map[string]any{"assets": []any{"bitcoin"}})

	analysis := momentumAnalysis{perAsset: map[string]momentumMetrics{
		"bitcoin": {price: 100, rsi: 45, smaFast: 99, smaSlow: 100, crossDwn: true},
	}}
	signals, err := m.GenerateSignals(analysis)
	if err != nil {
		t.Fatal(err)
	}
	if len(signals) != 1 || signals[0].Direction != types.Short {
		t.Fatalf("expected one SHORT signal, got %+v", signals)
	}
}

func TestMomentumNoCrossNoSignal(t *testing.T) {
	t.Parallel()
	m := configuredMomentum(t, map[string]any{"assets": []any{"bitcoin"}})

	analysis := momentumAnalysis{perAsset: map[string]momentumMetrics{
		"bitcoin": {price: 100, rsi: 50, smaFast: 102, smaSlow: 100},
	}}
	signals, err := m.GenerateSignals(analysis)
	if err != nil {
		t.Fatal(err)
	}
	if len(signals) != 0 {
		t.Errorf("no crossover should mean no signal, got %d", len(signals))
	}
}

func TestMomentumAnalyzeComputesIndicators(t *testing.T) {
	t.Parallel()
	m := configuredMomentum(t, map[string]any{
		"assets":      []any{"bitcoin"},
		"rsi_period":  5,
		"fast_period": 3,
		"slow_period": 6,
	})

	// Steadily rising series long enough for the slow SMA.
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	bundle := types.MarketBundle{
		OHLC: map[string][]types.OHLCRow{"bitcoin": dailyRows("bitcoin", closes)},
		AsOf: time.Date(2023, 11, 15, 0, 0, 0, 0, time.UTC),
	}

	analysis, err := m.Analyze(bundle)
	if err != nil {
		t.Fatal(err)
	}
	metrics, ok := analysis.(momentumAnalysis).perAsset["bitcoin"]
	if !ok {
		t.Fatal("expected metrics for bitcoin")
	}
	if metrics.price != closes[len(closes)-1] {
		t.Errorf("price = %f, want last close %f", metrics.price, closes[len(closes)-1])
	}
	// A monotone uptrend pins RSI near 100 and fast SMA above slow.
	if metrics.rsi <= 50 {
		t.Errorf("rsi = %f, want > 50 on an uptrend", metrics.rsi)
	}
	if metrics.smaFast <= metrics.smaSlow {
		t.Errorf("fast SMA %f should exceed slow SMA %f on an uptrend", metrics.smaFast, metrics.smaSlow)
	}
	if metrics.crossUp || metrics.crossDwn {
		t.Error("a sustained trend has no crossover at the last bar")
	}
}

func TestMomentumAnalyzeSkipsShortHistory(t *testing.T) {
	t.Parallel()
	m := configuredMomentum(t, map[string]any{"assets": []any{"bitcoin"}})

	bundle := types.MarketBundle{
		OHLC: map[string][]types.OHLCRow{"bitcoin": dailyRows("bitcoin", []float64{100, 101})},
	}
	analysis, err := m.Analyze(bundle)
	if err != nil {
		t.Fatal(err)
	}
	if len(analysis.(momentumAnalysis).perAsset) != 0 {
		t.Error("short history should produce no metrics")
	}
}

func TestRsiHeadroom(t *testing.T) {
	t.Parallel()

	if got := rsiHeadroom(types.Long, 70, 70, 30); got != 0 {
		t.Errorf("headroom at the overbought line = %f, want 0", got)
	}
	if got := rsiHeadroom(types.Long, 0, 70, 30); got != 1 {
		t.Errorf("headroom at RSI 0 = %f, want 1", got)
	}
	if got := rsiHeadroom(types.Short, 30, 70, 30); got != 0 {
		t.Errorf("short headroom at the oversold line = %f, want 0", got)
	}
	if got := rsiHeadroom(types.Short, 100, 70, 30); got != 1 {
		t.Errorf("short headroom at RSI 100 = %f, want 1", got)
	}
}
