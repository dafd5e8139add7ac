// Package collector adapts the upstream feeds to the store.
//
// A collector performs at most one logical upstream fetch per
// invocation, translates the response into canonical rows, drops rows
// that fail the row-level invariants, and hands the survivors to the
// store. It returns a terse CollectorResult with the failure category;
// retry policy belongs to the scheduler, not here.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"crypto-signals/internal/feed"
	"crypto-signals/pkg/types"
)

// OHLCWriter is the slice of the store the crypto collector needs.
type OHLCWriter interface {
	InsertOHLC(ctx context.Context, rows []types.OHLCRow) (int, error)
}

// MacroWriter is the slice of the store the macro collector needs.
type MacroWriter interface {
	InsertMacro(ctx context.Context, rows []types.MacroRow) (int, error)
}

// Crypto collects OHLC candles plus volumes for one asset at a time.
type Crypto struct {
	provider feed.MarketDataProvider
	store    OHLCWriter
	logger   *slog.Logger
}

// NewCrypto wires a crypto collector.
func NewCrypto(provider feed.MarketDataProvider, store OHLCWriter, logger *slog.Logger) *Crypto {
	return &Crypto{
		provider: provider,
		store:    store,
		logger:   logger.With("component", "crypto_collector"),
	}
}

// Collect fetches up to days of candles for assetID and stores them.
func (c *Crypto) Collect(ctx context.Context, assetID string, days int) (res types.CollectorResult) {
	defer trapPanics(c.logger, &res)

	candles, err := c.provider.FetchOHLC(ctx, assetID, days)
	if err != nil {
		return resultFromError(err)
	}
	if len(candles) == 0 {
		return types.CollectorResult{
			ErrorKind:   types.ErrValidation,
			ErrorDetail: fmt.Sprintf("empty ohlc response for %s", assetID),
		}
	}

	// Volume is optional upstream; a failed volume fetch degrades to
	// zero volumes rather than failing the collection.
	volumes, err := c.provider.FetchVolumes(ctx, assetID, days)
	if err != nil {
		c.logger.Warn("volume fetch failed, defaulting to 0", "asset", assetID, "error", err)
		volumes = nil
	}

	rows := make([]types.OHLCRow, 0, len(candles))
	dropped := 0
	for _, p := range candles {
		row := types.OHLCRow{
			AssetID:   assetID,
			Timestamp: p.Timestamp,
			Date:      types.DateFromMillis(p.Timestamp),
			Open:      p.Open,
			High:      p.High,
			Low:       p.Low,
			Close:     p.Close,
			Volume:    nearestVolume(volumes, p.Timestamp),
		}
		if err := row.Validate(); err != nil {
			dropped++
			c.logger.Warn("dropping invalid row", "asset", assetID, "error", err)
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return types.CollectorResult{
			ErrorKind:   types.ErrValidation,
			ErrorDetail: fmt.Sprintf("all %d rows for %s failed validation", dropped, assetID),
		}
	}

	inserted, err := c.store.InsertOHLC(ctx, rows)
	if err != nil {
		return types.CollectorResult{ErrorKind: types.ErrStorage, ErrorDetail: err.Error()}
	}

	c.logger.Debug("collection complete",
		"asset", assetID, "fetched", len(candles), "dropped", dropped, "inserted", inserted)
	return types.CollectorResult{Success: true, RecordsCollected: inserted}
}

// nearestVolume finds the volume observation closest in time to ts,
// within a one-hour tolerance. Candle and volume series come from
// different endpoints and rarely share exact timestamps.
func nearestVolume(volumes []feed.VolumePoint, ts int64) float64 {
	if len(volumes) == 0 {
		return 0
	}
	i := sort.Search(len(volumes), func(i int) bool {
		return volumes[i].Timestamp >= ts
	})

	best, bestDiff := 0.0, int64(time.Hour/time.Millisecond)+1
	for _, j := range []int{i - 1, i} {
		if j < 0 || j >= len(volumes) {
			continue
		}
		diff := volumes[j].Timestamp - ts
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff {
			best, bestDiff = volumes[j].Volume, diff
		}
	}
	return best
}

// Macro collects daily observations for one indicator at a time,
// filling weekend and holiday gaps so downstream joins stay dense.
type Macro struct {
	provider feed.MacroProvider
	store    MacroWriter
	now      func() time.Time
	logger   *slog.Logger
}

// NewMacro wires a macro collector. now supplies the window end so
// tests can pin it.
func NewMacro(provider feed.MacroProvider, store MacroWriter, now func() time.Time, logger *slog.Logger) *Macro {
	return &Macro{
		provider: provider,
		store:    store,
		now:      now,
		logger:   logger.With("component", "macro_collector"),
	}
}

// Collect fetches up to days of observations for indicatorID and
// stores them.
func (m *Macro) Collect(ctx context.Context, indicatorID string, days int) (res types.CollectorResult) {
	defer trapPanics(m.logger, &res)

	end := m.now().UTC()
	start := end.AddDate(0, 0, -days)

	obs, err := m.provider.FetchObservations(ctx, indicatorID, start, end)
	if err != nil {
		return resultFromError(err)
	}
	if len(obs) == 0 {
		return types.CollectorResult{
			ErrorKind:   types.ErrValidation,
			ErrorDetail: fmt.Sprintf("empty observation response for %s", indicatorID),
		}
	}

	rows := make([]types.MacroRow, 0, len(obs))
	dropped := 0
	for _, o := range obs {
		row := types.MacroRow{IndicatorID: indicatorID, Date: o.Date, Value: o.Value}
		if err := row.Validate(); err != nil {
			dropped++
			m.logger.Warn("dropping invalid observation", "indicator", indicatorID, "error", err)
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return types.CollectorResult{
			ErrorKind:   types.ErrValidation,
			ErrorDetail: fmt.Sprintf("all %d observations for %s failed validation", dropped, indicatorID),
		}
	}

	FillGaps(rows)

	inserted, err := m.store.InsertMacro(ctx, rows)
	if err != nil {
		return types.CollectorResult{ErrorKind: types.ErrStorage, ErrorDetail: err.Error()}
	}

	m.logger.Debug("collection complete",
		"indicator", indicatorID, "fetched", len(obs), "dropped", dropped, "inserted", inserted)
	return types.CollectorResult{Success: true, RecordsCollected: inserted}
}

// FillGaps synthesizes values for missing observations in place.
// A single missing value between two known neighbors is linearly
// interpolated; longer runs (and trailing gaps) are forward-filled
// from the last known value. Leading gaps stay missing.
func FillGaps(rows []types.MacroRow) {
	lastKnown := -1
	for i := 0; i < len(rows); i++ {
		if rows[i].Value != nil {
			lastKnown = i
			continue
		}
		if lastKnown < 0 {
			continue
		}

		// Find the end of this missing run.
		next := i + 1
		for next < len(rows) && rows[next].Value == nil {
			next++
		}

		if next-i == 1 && next < len(rows) {
			v := (*rows[lastKnown].Value + *rows[next].Value) / 2
			rows[i].Value = &v
			rows[i].IsInterpolated = true
		} else {
			for j := i; j < next; j++ {
				v := *rows[lastKnown].Value
				rows[j].Value = &v
				rows[j].IsForwardFilled = true
			}
		}
		i = next - 1
	}
}

// resultFromError maps a feed error onto a collector result, carrying
// the Retry-After hint for rate limits.
func resultFromError(err error) types.CollectorResult {
	var ferr *feed.Error
	if errors.As(err, &ferr) {
		return types.CollectorResult{
			ErrorKind:   ferr.Kind,
			ErrorDetail: ferr.Detail,
			RetryAfter:  ferr.RetryAfter,
		}
	}
	return types.CollectorResult{ErrorKind: types.ErrUnexpected, ErrorDetail: err.Error()}
}

// trapPanics converts a programmer error in the collection path into an
// unexpected-kind result so it can never crash the scheduler.
func trapPanics(logger *slog.Logger, res *types.CollectorResult) {
	if r := recover(); r != nil {
		logger.Error("collector panic", "panic", r)
		*res = types.CollectorResult{
			ErrorKind:   types.ErrUnexpected,
			ErrorDetail: fmt.Sprintf("panic: %v", r),
		}
	}
}
