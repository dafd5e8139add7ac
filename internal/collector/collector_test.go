package collector

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"crypto-signals/internal/feed"
	"crypto-signals/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeMarketProvider returns canned candles/volumes or a canned error.
type fakeMarketProvider struct {
	candles []feed.OHLCPoint
	volumes []feed.VolumePoint
	err     error
	volErr  error
	calls   int
}

func (f *fakeMarketProvider) FetchOHLC(ctx context.Context, assetID string, days int) ([]feed.OHLCPoint, error) {
	f.calls++
	return f.candles, f.err
}

func (f *fakeMarketProvider) FetchVolumes(ctx context.Context, assetID string, days int) ([]feed.VolumePoint, error) {
	return f.volumes, f.volErr
}

// fakeOHLCStore records inserts and can simulate failure.
type fakeOHLCStore struct {
	rows []types.OHLCRow
	err  error
}

func (f *fakeOHLCStore) InsertOHLC(ctx context.Context, rows []types.OHLCRow) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.rows = append(f.rows, rows...)
	return len(rows), nil
}

func TestCryptoCollectHappyPath(t *testing.T) {
	t.Parallel()

	provider := &fakeMarketProvider{
		candles: []feed.OHLCPoint{
			{Timestamp: 1700000000000, Open: 100, High: 101, Low: 99, Close: 100.5},
		},
		volumes: []feed.VolumePoint{
			{Timestamp: 1700000060000, Volume: 555}, // one minute off the candle
		},
	}
	store := &fakeOHLCStore{}

	res := NewCrypto(provider, store, testLogger()).Collect(context.Background(), "bitcoin", 7)

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.RecordsCollected != 1 {
		t.Errorf("records = %d, want 1", res.RecordsCollected)
	}
	if len(store.rows) != 1 {
		t.Fatalf("stored rows = %d", len(store.rows))
	}
	got := store.rows[0]
	if got.AssetID != "bitcoin" || got.Date != "2023-11-14" {
		t.Errorf("row fields wrong: %+v", got)
	}
	if got.Volume != 555 {
		t.Errorf("volume = %f, want nearest match 555", got.Volume)
	}
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want exactly 1 (no internal retry)", provider.calls)
	}
}

func TestCryptoCollectDropsInvalidRows(t *testing.T) {
	t.Parallel()

	provider := &fakeMarketProvider{
		candles: []feed.OHLCPoint{
			{Timestamp: 1700000000000, Open: 100, High: 101, Low: 99, Close: 100.5},
			{Timestamp: 1700000900000, Open: 100, High: 99, Low: 101, Close: 100}, // low > high
		},
	}
	store := &fakeOHLCStore{}

	res := NewCrypto(provider, store, testLogger()).Collect(context.Background(), "bitcoin", 7)

	if !res.Success || res.RecordsCollected != 1 {
		t.Fatalf("expected 1 surviving row, got %+v", res)
	}
	for _, r := range store.rows {
		if r.Low > r.High {
			t.Errorf("invalid row reached the store: %+v", r)
		}
	}
}

func TestCryptoCollectAllInvalidIsValidationError(t *testing.T) {
	t.Parallel()

	provider := &fakeMarketProvider{
		candles: []feed.OHLCPoint{
			{Timestamp: 1700000000000, Open: 100, High: 99, Low: 101, Close: 100},
		},
	}
	store := &fakeOHLCStore{}

	res := NewCrypto(provider, store, testLogger()).Collect(context.Background(), "bitcoin", 7)
	if res.Success || res.ErrorKind != types.ErrValidation {
		t.Errorf("expected validation error, got %+v", res)
	}
	if len(store.rows) != 0 {
		t.Error("nothing should reach the store")
	}
}

func TestCryptoCollectPropagatesRateLimit(t *testing.T) {
	t.Parallel()

	provider := &fakeMarketProvider{
		err: &feed.Error{Kind: types.ErrRateLimit, RetryAfter: 60 * time.Second, Detail: "throttled"},
	}
	res := NewCrypto(provider, &fakeOHLCStore{}, testLogger()).Collect(context.Background(), "bitcoin", 7)

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorKind != types.ErrRateLimit {
		t.Errorf("kind = %s, want rate_limit", res.ErrorKind)
	}
	if res.RetryAfter != 60*time.Second {
		t.Errorf("retry after = %v, want 60s", res.RetryAfter)
	}
}

func TestCryptoCollectStorageError(t *testing.T) {
	t.Parallel()

	provider := &fakeMarketProvider{
		candles: []feed.OHLCPoint{{Timestamp: 1700000000000, Open: 100, High: 101, Low: 99, Close: 100.5}},
	}
	store := &fakeOHLCStore{err: context.DeadlineExceeded}

	res := NewCrypto(provider, store, testLogger()).Collect(context.Background(), "bitcoin", 7)
	if res.ErrorKind != types.ErrStorage {
		t.Errorf("kind = %s, want storage", res.ErrorKind)
	}
}

func TestCryptoCollectVolumeFailureDegrades(t *testing.T) {
	t.Parallel()

	provider := &fakeMarketProvider{
		candles: []feed.OHLCPoint{{Timestamp: 1700000000000, Open: 100, High: 101, Low: 99, Close: 100.5}},
		volErr:  &feed.Error{Kind: types.ErrServer, Detail: "boom"},
	}
	store := &fakeOHLCStore{}

	res := NewCrypto(provider, store, testLogger()).Collect(context.Background(), "bitcoin", 7)
	if !res.Success {
		t.Fatalf("volume failure must not fail collection: %+v", res)
	}
	if store.rows[0].Volume != 0 {
		t.Errorf("volume should default to 0, got %f", store.rows[0].Volume)
	}
}

// fakeMacroProvider returns canned observations.
type fakeMacroProvider struct {
	obs []feed.Observation
	err error
}

func (f *fakeMacroProvider) FetchObservations(ctx context.Context, seriesID string, start, end time.Time) ([]feed.Observation, error) {
	return f.obs, f.err
}

type fakeMacroStore struct {
	rows []types.MacroRow
}

func (f *fakeMacroStore) InsertMacro(ctx context.Context, rows []types.MacroRow) (int, error) {
	f.rows = append(f.rows, rows...)
	return len(rows), nil
}

func fixedNow() time.Time {
	return time.Date(2023, 11, 15, 23, 0, 0, 0, time.UTC)
}

func fp(v float64) *float64 { return &v }

func TestMacroCollectHappyPath(t *testing.T) {
	t.Parallel()

	provider := &fakeMacroProvider{
		obs: []feed.Observation{
			{Date: "2023-11-13", Value: fp(14.2)},
			{Date: "2023-11-14", Value: fp(14.5)},
		},
	}
	store := &fakeMacroStore{}

	res := NewMacro(provider, store, fixedNow, testLogger()).Collect(context.Background(), "VIXCLS", 30)
	if !res.Success || res.RecordsCollected != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestMacroCollectDropsBadDates(t *testing.T) {
	t.Parallel()

	provider := &fakeMacroProvider{
		obs: []feed.Observation{
			{Date: "2023-11-13", Value: fp(14.2)},
			{Date: "not-a-date", Value: fp(1)},
		},
	}
	store := &fakeMacroStore{}

	res := NewMacro(provider, store, fixedNow, testLogger()).Collect(context.Background(), "VIXCLS", 30)
	if !res.Success || res.RecordsCollected != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestFillGapsInterpolatesSingleGap(t *testing.T) {
	t.Parallel()

	rows := []types.MacroRow{
		{IndicatorID: "VIXCLS", Date: "2023-11-13", Value: fp(10)},
		{IndicatorID: "VIXCLS", Date: "2023-11-14"},
		{IndicatorID: "VIXCLS", Date: "2023-11-15", Value: fp(20)},
	}
	FillGaps(rows)

	if rows[1].Value == nil || *rows[1].Value != 15 {
		t.Errorf("expected interpolated 15, got %+v", rows[1])
	}
	if !rows[1].IsInterpolated || rows[1].IsForwardFilled {
		t.Errorf("flags wrong: %+v", rows[1])
	}
}

func TestFillGapsForwardFillsRuns(t *testing.T) {
	t.Parallel()

	rows := []types.MacroRow{
		{IndicatorID: "VIXCLS", Date: "2023-11-10", Value: fp(10)},
		{IndicatorID: "VIXCLS", Date: "2023-11-11"},
		{IndicatorID: "VIXCLS", Date: "2023-11-12"},
		{IndicatorID: "VIXCLS", Date: "2023-11-13", Value: fp(20)},
		{IndicatorID: "VIXCLS", Date: "2023-11-14"}, // trailing gap
	}
	FillGaps(rows)

	for _, i := range []int{1, 2} {
		if rows[i].Value == nil || *rows[i].Value != 10 || !rows[i].IsForwardFilled {
			t.Errorf("row %d should be forward-filled 10: %+v", i, rows[i])
		}
	}
	if rows[4].Value == nil || *rows[4].Value != 20 || !rows[4].IsForwardFilled {
		t.Errorf("trailing gap should forward-fill 20: %+v", rows[4])
	}
}

func TestFillGapsLeavesLeadingGap(t *testing.T) {
	t.Parallel()

	rows := []types.MacroRow{
		{IndicatorID: "VIXCLS", Date: "2023-11-13"},
		{IndicatorID: "VIXCLS", Date: "2023-11-14", Value: fp(20)},
	}
	FillGaps(rows)

	if rows[0].Value != nil {
		t.Error("leading gap has no left neighbor and must stay missing")
	}
}

func TestNearestVolume(t *testing.T) {
	t.Parallel()

	volumes := []feed.VolumePoint{
		{Timestamp: 1000, Volume: 1},
		{Timestamp: 2000, Volume: 2},
		{Timestamp: 3000, Volume: 3},
	}

	if v := nearestVolume(volumes, 1900); v != 2 {
		t.Errorf("nearest to 1900 = %f, want 2", v)
	}
	if v := nearestVolume(volumes, 1000); v != 1 {
		t.Errorf("exact match = %f, want 1", v)
	}
	if v := nearestVolume(nil, 1000); v != 0 {
		t.Errorf("no volumes should default to 0, got %f", v)
	}
	// Beyond the one-hour tolerance.
	if v := nearestVolume(volumes, 3000+2*int64(time.Hour/time.Millisecond)); v != 0 {
		t.Errorf("out-of-tolerance = %f, want 0", v)
	}
}
