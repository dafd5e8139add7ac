// Package alert turns qualifying signals into durable alert records
// and forwards them to webhook sinks.
package alert

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"crypto-signals/internal/config"
	"crypto-signals/pkg/types"
)

// KindVolatility tags alerts triggered by a volatility-percentile
// breakout. The kind prefixes the alert filename.
const KindVolatility = "volatility"

// metricKey is the analysis field the builder thresholds on.
const metricKey = "volatility_percentile"

// Builder filters signals against the enabled-asset whitelist and the
// percentile threshold, and writes one JSON document per alert under
// the alert directory.
type Builder struct {
	dir           string
	enabledAssets map[string]struct{}
	threshold     float64
	retention     time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

func NewBuilder(cfg config.AlertsConfig, now func() time.Time, logger *slog.Logger) *Builder {
	assets := make(map[string]struct{}, len(cfg.EnabledAssets))
	for _, a := range cfg.EnabledAssets {
		assets[a] = struct{}{}
	}
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	if cfg.RetentionDays <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Builder{
		dir:           cfg.Dir,
		enabledAssets: assets,
		threshold:     cfg.PercentileThreshold,
		retention:     retention,
		now:           now,
		logger:        logger.With("component", "alert_builder"),
	}
}

// Build converts the qualifying subset of signals into alert records.
// A signal qualifies when its asset is whitelisted and its analysis
// carries a volatility percentile at or above the threshold. Nothing
// is written to disk here.
func (b *Builder) Build(signals []types.Signal) []types.AlertRecord {
	var records []types.AlertRecord
	for _, s := range signals {
		if _, ok := b.enabledAssets[s.AssetID]; !ok {
			continue
		}
		percentile, ok := metricValue(s)
		if !ok {
			continue
		}
		if percentile < b.threshold {
			b.logger.Debug("signal under alert threshold",
				"asset", s.AssetID, "percentile", percentile, "threshold", b.threshold)
			continue
		}

		records = append(records, types.AlertRecord{
			ID:                uuid.NewString(),
			Timestamp:         b.now().UTC().UnixMilli(),
			AssetID:           s.AssetID,
			CurrentPrice:      s.Price,
			MetricValue:       percentile,
			Threshold:         b.threshold,
			PercentileRank:    percentile,
			PositionDirection: positionDirection(s.Direction, percentile),
			SignalDirection:   s.Direction,
			Kind:              KindVolatility,
			ThresholdExceeded: true,
			Strategies:        contributingStrategies(s),
		})
	}
	return records
}

// Write persists one alert record as its own JSON file and returns the
// path. Filenames embed the UTC build time to the second.
func (b *Builder) Write(record types.AlertRecord) (string, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", fmt.Errorf("create alert dir: %w", err)
	}

	stamp := time.UnixMilli(record.Timestamp).UTC().Format("20060102_150405")
	name := fmt.Sprintf("%s_alert_%s_%s.json", record.Kind, record.AssetID, stamp)
	path := filepath.Join(b.dir, name)

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal alert: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write alert: %w", err)
	}

	b.logger.Info("alert written",
		"asset", record.AssetID, "position", record.PositionDirection, "file", name)
	return path, nil
}

// Sweep deletes alert files older than the retention horizon and
// returns how many were removed. Unreadable entries are skipped.
func (b *Builder) Sweep() (int, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read alert dir: %w", err)
	}

	cutoff := b.now().Add(-b.retention)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(b.dir, e.Name())); err != nil {
			b.logger.Warn("retention sweep failed to remove file", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		b.logger.Info("retention sweep removed old alerts", "count", removed)
	}
	return removed, nil
}

// positionDirection maps (signal direction, percentile rank) onto the
// alert-level recommendation. Short entries demand a higher bar.
func positionDirection(d types.Direction, percentile float64) types.PositionDirection {
	switch d {
	case types.Long:
		switch {
		case percentile >= 95:
			return types.StrongBuy
		case percentile >= 90:
			return types.Buy
		default:
			return types.WeakBuy
		}
	case types.Short:
		switch {
		case percentile >= 98:
			return types.StrongSell
		case percentile >= 95:
			return types.Sell
		default:
			return types.WeakSell
		}
	default:
		return types.HoldFlat
	}
}

// metricValue pulls the volatility percentile out of a signal's
// analysis payload, tolerating json-decoded and native numerics.
func metricValue(s types.Signal) (float64, bool) {
	raw, ok := s.Analysis[metricKey]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// contributingStrategies lists the strategy names behind a signal: the
// aggregate contributors when present, otherwise the signal's own
// strategy.
func contributingStrategies(s types.Signal) []string {
	if raw, ok := s.Analysis["strategies"]; ok {
		switch v := raw.(type) {
		case []string:
			return v
		case []any:
			out := make([]string, 0, len(v))
			for _, e := range v {
				if name, ok := e.(string); ok {
					out = append(out, name)
				}
			}
			return out
		}
	}
	if s.Strategy != "" {
		return []string{s.Strategy}
	}
	return nil
}
