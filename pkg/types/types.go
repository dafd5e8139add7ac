// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the service — OHLC and macro
// rows, scheduling tiers, trading signals, and alert records. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Tier is a scheduling category. Each tier has a fixed cadence that
// bounds how often its tasks hit the upstream providers.
type Tier string

const (
	TierHighFrequency Tier = "HIGH_FREQUENCY" // 15-minute crypto OHLC
	TierHourly        Tier = "HOURLY"         // hourly crypto OHLC
	TierMacro         Tier = "MACRO"          // daily macro indicators
)

// Cadence returns the minimum interval between two executions of a task
// in this tier.
func (t Tier) Cadence() time.Duration {
	switch t {
	case TierHighFrequency:
		return 15 * time.Minute
	case TierHourly:
		return 60 * time.Minute
	case TierMacro:
		return 24 * time.Hour
	default:
		return 60 * time.Minute
	}
}

// Direction is the directional recommendation of a trading signal.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
	Hold  Direction = "HOLD"
)

// Sign maps a direction onto {-1, 0, +1} for signed-confidence math.
func (d Direction) Sign() float64 {
	switch d {
	case Long:
		return 1
	case Short:
		return -1
	default:
		return 0
	}
}

// Strength tags how decisive a signal is.
type Strength string

const (
	Weak     Strength = "WEAK"
	Moderate Strength = "MODERATE"
	Strong   Strength = "STRONG"
)

// Rank orders strengths for max-of and minimum-filter comparisons.
func (s Strength) Rank() int {
	switch s {
	case Strong:
		return 3
	case Moderate:
		return 2
	case Weak:
		return 1
	default:
		return 0
	}
}

// ParseStrength maps a config string onto a Strength, defaulting to WEAK.
func ParseStrength(s string) Strength {
	switch Strength(s) {
	case Strong:
		return Strong
	case Moderate:
		return Moderate
	default:
		return Weak
	}
}

// PositionDirection is the alert-level projection of a signal direction
// combined with the metric's percentile rank.
type PositionDirection string

const (
	StrongBuy  PositionDirection = "STRONG_BUY"
	Buy        PositionDirection = "BUY"
	WeakBuy    PositionDirection = "WEAK_BUY"
	HoldFlat   PositionDirection = "HOLD"
	WeakSell   PositionDirection = "WEAK_SELL"
	Sell       PositionDirection = "SELL"
	StrongSell PositionDirection = "STRONG_SELL"
)

// ————————————————————————————————————————————————————————————————————————
// Time-series rows
// ————————————————————————————————————————————————————————————————————————

// OHLCRow is one candle for one asset, keyed by (AssetID, Timestamp).
// Timestamp is unix milliseconds UTC; Date is the derived YYYY-MM-DD
// string stored to support date-keyed joins with macro rows.
type OHLCRow struct {
	AssetID   string  `json:"asset_id"`
	Timestamp int64   `json:"timestamp"`
	Date      string  `json:"date"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// DateFromMillis renders a unix-millisecond timestamp as a UTC
// YYYY-MM-DD string.
func DateFromMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02")
}

// Validate checks the row-level invariants. Rows failing validation are
// dropped by collectors and never reach the store.
func (r OHLCRow) Validate() error {
	if r.AssetID == "" {
		return fmt.Errorf("ohlc row: empty asset id")
	}
	if r.Timestamp <= 0 {
		return fmt.Errorf("ohlc row %s: non-positive timestamp %d", r.AssetID, r.Timestamp)
	}
	if r.Low > r.High {
		return fmt.Errorf("ohlc row %s@%d: low %f > high %f", r.AssetID, r.Timestamp, r.Low, r.High)
	}
	if r.Open < r.Low || r.Open > r.High {
		return fmt.Errorf("ohlc row %s@%d: open %f outside [%f, %f]", r.AssetID, r.Timestamp, r.Open, r.Low, r.High)
	}
	if r.Close < r.Low || r.Close > r.High {
		return fmt.Errorf("ohlc row %s@%d: close %f outside [%f, %f]", r.AssetID, r.Timestamp, r.Close, r.Low, r.High)
	}
	if r.Volume < 0 {
		return fmt.Errorf("ohlc row %s@%d: negative volume %f", r.AssetID, r.Timestamp, r.Volume)
	}
	return nil
}

// MacroRow is one macro-indicator observation, keyed by (IndicatorID,
// Date). A nil Value preserves a missing upstream observation — it is
// never coerced to zero.
type MacroRow struct {
	IndicatorID     string   `json:"indicator_id"`
	Date            string   `json:"date"`
	Value           *float64 `json:"value"`
	IsInterpolated  bool     `json:"is_interpolated"`
	IsForwardFilled bool     `json:"is_forward_filled"`
}

// Validate checks key fields and date shape.
func (r MacroRow) Validate() error {
	if r.IndicatorID == "" {
		return fmt.Errorf("macro row: empty indicator id")
	}
	if _, err := time.Parse("2006-01-02", r.Date); err != nil {
		return fmt.Errorf("macro row %s: bad date %q", r.IndicatorID, r.Date)
	}
	return nil
}

// MarketBundle is the read-only windowed view the store hands to the
// strategy runner. Rows are deduplicated and sorted ascending by
// timestamp; every asset shares the same AsOf window boundary.
type MarketBundle struct {
	OHLC       map[string][]OHLCRow
	Macro      map[string][]MacroRow
	WindowDays int
	AsOf       time.Time
}

// Closes extracts the close-price series for one asset, oldest first.
func (b MarketBundle) Closes(assetID string) []float64 {
	rows := b.OHLC[assetID]
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = r.Close
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Signal is a per-asset directional recommendation produced by a
// strategy, or by the aggregator when Strategy == "aggregate".
// Analysis carries strategy-specific diagnostics; the alert builder
// looks for a "volatility_percentile" key there.
type Signal struct {
	AssetID      string         `json:"asset"`
	Direction    Direction      `json:"direction"`
	Timestamp    int64          `json:"timestamp"`
	Price        float64        `json:"price"`
	Strategy     string         `json:"strategy"`
	Strength     Strength       `json:"strength"`
	Confidence   float64        `json:"confidence"`
	PositionSize float64        `json:"position_size"`
	StopLoss     *float64       `json:"stop_loss,omitempty"`
	TakeProfit   *float64       `json:"take_profit,omitempty"`
	MaxRisk      *float64       `json:"max_risk,omitempty"`
	Analysis     map[string]any `json:"analysis,omitempty"`
}

// Validate enforces the signal invariants: confidence in [0,1],
// positive position size, and stop/take levels on the correct side of
// the reference price for the direction.
func (s Signal) Validate() error {
	if s.AssetID == "" {
		return fmt.Errorf("signal: empty asset id")
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal %s: confidence %f outside [0,1]", s.AssetID, s.Confidence)
	}
	if s.PositionSize <= 0 {
		return fmt.Errorf("signal %s: non-positive position size %f", s.AssetID, s.PositionSize)
	}
	if s.StopLoss != nil && s.TakeProfit != nil {
		switch s.Direction {
		case Long:
			if *s.StopLoss >= s.Price || *s.TakeProfit <= s.Price {
				return fmt.Errorf("signal %s: LONG stop/take must straddle price %f", s.AssetID, s.Price)
			}
		case Short:
			if *s.StopLoss <= s.Price || *s.TakeProfit >= s.Price {
				return fmt.Errorf("signal %s: SHORT stop/take must straddle price %f", s.AssetID, s.Price)
			}
		}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Alerts
// ————————————————————————————————————————————————————————————————————————

// AlertRecord is the immutable projection of a qualifying signal,
// written one-per-file under the alert directory and optionally
// forwarded to webhook sinks.
type AlertRecord struct {
	ID                string            `json:"id"`
	Timestamp         int64             `json:"timestamp"`
	AssetID           string            `json:"asset"`
	CurrentPrice      float64           `json:"current_price"`
	MetricValue       float64           `json:"metric_value"`
	Threshold         float64           `json:"threshold"`
	PercentileRank    float64           `json:"percentile_rank"`
	PositionDirection PositionDirection `json:"position_direction"`
	SignalDirection   Direction         `json:"signal_direction"`
	Kind              string            `json:"alert_type"`
	ThresholdExceeded bool              `json:"threshold_exceeded"`
	Strategies        []string          `json:"strategy_list,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Collector results
// ————————————————————————————————————————————————————————————————————————

// CollectorResult is the terse outcome record a collector hands back to
// the scheduler. RetryAfter is only meaningful when ErrorKind is
// ErrRateLimit and the upstream supplied a Retry-After hint.
type CollectorResult struct {
	Success          bool
	RecordsCollected int
	ErrorKind        ErrorKind
	ErrorDetail      string
	RetryAfter       time.Duration
}
