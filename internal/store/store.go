// Package store provides the SQLite-backed time-series store for OHLC
// and macro rows.
//
// The store is append-only: inserts use INSERT OR IGNORE keyed on
// (asset_id, ts) / (indicator_id, date) so replayed collections are
// idempotent, and nothing ever updates or deletes a row. Reads are
// windowed scans sorted ascending by timestamp. The database runs in
// WAL mode so windowed reads never block collector writes for more
// than one batch.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"crypto-signals/pkg/types"
)

// Store owns the SQLite handle. Safe for concurrent use; SQLite
// serializes writers and WAL keeps readers off the write lock.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS ohlc (
	asset_id TEXT NOT NULL,
	ts       INTEGER NOT NULL,
	date     TEXT NOT NULL,
	open     REAL NOT NULL,
	high     REAL NOT NULL,
	low      REAL NOT NULL,
	close    REAL NOT NULL,
	volume   REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (asset_id, ts)
);
CREATE INDEX IF NOT EXISTS idx_ohlc_asset_date ON ohlc (asset_id, date);

CREATE TABLE IF NOT EXISTS macro (
	indicator_id      TEXT NOT NULL,
	date              TEXT NOT NULL,
	value             REAL,
	is_interpolated   INTEGER NOT NULL DEFAULT 0,
	is_forward_filled INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (indicator_id, date)
);
`

// Open opens (creating if needed) the database at path and ensures the
// schema exists. Pass "file::memory:?cache=shared" style paths in tests.
func Open(path string) (*Store, error) {
	if !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+"_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc.org/sqlite handles are not safe for unlimited parallel
	// writers; one connection keeps writes serialized at the pool level.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertOHLC writes rows, silently skipping duplicates. Returns the
// count of newly inserted rows.
func (s *Store) InsertOHLC(ctx context.Context, rows []types.OHLCRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO ohlc (asset_id, ts, date, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range rows {
		res, err := stmt.ExecContext(ctx, r.AssetID, r.Timestamp, r.Date, r.Open, r.High, r.Low, r.Close, r.Volume)
		if err != nil {
			return inserted, fmt.Errorf("insert ohlc %s@%d: %w", r.AssetID, r.Timestamp, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// InsertMacro writes macro rows, silently skipping duplicates. Returns
// the count of newly inserted rows. Nil values are stored as SQL NULL.
func (s *Store) InsertMacro(ctx context.Context, rows []types.MacroRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO macro (indicator_id, date, value, is_interpolated, is_forward_filled)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range rows {
		var val any
		if r.Value != nil {
			val = *r.Value
		}
		res, err := stmt.ExecContext(ctx, r.IndicatorID, r.Date, val, r.IsInterpolated, r.IsForwardFilled)
		if err != nil {
			return inserted, fmt.Errorf("insert macro %s@%s: %w", r.IndicatorID, r.Date, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// LatestTimestamp returns the max stored timestamp for an asset, or nil
// if the asset has no rows.
func (s *Store) LatestTimestamp(ctx context.Context, assetID string) (*int64, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM ohlc WHERE asset_id = ?`, assetID).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("latest timestamp: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	return &ts.Int64, nil
}

// LatestDate returns the max stored date for an indicator, or nil if
// the indicator has no rows.
func (s *Store) LatestDate(ctx context.Context, indicatorID string) (*string, error) {
	var date sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(date) FROM macro WHERE indicator_id = ?`, indicatorID).Scan(&date)
	if err != nil {
		return nil, fmt.Errorf("latest date: %w", err)
	}
	if !date.Valid {
		return nil, nil
	}
	return &date.String, nil
}

// ReadOHLCWindow returns rows for one asset with timestamp >= asOf - days,
// sorted ascending.
func (s *Store) ReadOHLCWindow(ctx context.Context, assetID string, days int, asOf time.Time) ([]types.OHLCRow, error) {
	cutoff := asOf.Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset_id, ts, date, open, high, low, close, volume
		FROM ohlc
		WHERE asset_id = ? AND ts >= ?
		ORDER BY ts ASC`, assetID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("read ohlc window: %w", err)
	}
	defer rows.Close()

	var out []types.OHLCRow
	for rows.Next() {
		var r types.OHLCRow
		if err := rows.Scan(&r.AssetID, &r.Timestamp, &r.Date, &r.Open, &r.High, &r.Low, &r.Close, &r.Volume); err != nil {
			return nil, fmt.Errorf("scan ohlc row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// readMacroWindow returns macro rows for one indicator within the window.
func (s *Store) readMacroWindow(ctx context.Context, indicatorID string, days int, asOf time.Time) ([]types.MacroRow, error) {
	cutoff := asOf.Add(-time.Duration(days) * 24 * time.Hour).UTC().Format("2006-01-02")
	rows, err := s.db.QueryContext(ctx, `
		SELECT indicator_id, date, value, is_interpolated, is_forward_filled
		FROM macro
		WHERE indicator_id = ? AND date >= ?
		ORDER BY date ASC`, indicatorID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("read macro window: %w", err)
	}
	defer rows.Close()

	var out []types.MacroRow
	for rows.Next() {
		var r types.MacroRow
		var val sql.NullFloat64
		if err := rows.Scan(&r.IndicatorID, &r.Date, &val, &r.IsInterpolated, &r.IsForwardFilled); err != nil {
			return nil, fmt.Errorf("scan macro row: %w", err)
		}
		if val.Valid {
			v := val.Float64
			r.Value = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReadMarketBundle loads the windowed view for the strategy runner.
// Every asset and indicator shares the same asOf boundary so the
// strategies see one consistent window.
func (s *Store) ReadMarketBundle(ctx context.Context, assetIDs, indicatorIDs []string, days int, asOf time.Time) (types.MarketBundle, error) {
	bundle := types.MarketBundle{
		OHLC:       make(map[string][]types.OHLCRow, len(assetIDs)),
		Macro:      make(map[string][]types.MacroRow, len(indicatorIDs)),
		WindowDays: days,
		AsOf:       asOf,
	}

	for _, id := range assetIDs {
		rows, err := s.ReadOHLCWindow(ctx, id, days, asOf)
		if err != nil {
			return bundle, err
		}
		bundle.OHLC[id] = rows
	}
	for _, id := range indicatorIDs {
		rows, err := s.readMacroWindow(ctx, id, days, asOf)
		if err != nil {
			return bundle, err
		}
		bundle.Macro[id] = rows
	}
	return bundle, nil
}

// SeriesHealth summarizes one stored series.
type SeriesHealth struct {
	Rows       int    `json:"rows"`
	LatestDate string `json:"latest_date"`
}

// HealthSnapshot reports per-series row counts and latest dates plus
// the on-disk footprint.
type HealthSnapshot struct {
	Assets     map[string]SeriesHealth `json:"assets"`
	Indicators map[string]SeriesHealth `json:"indicators"`
	SizeBytes  int64                   `json:"size_bytes"`
}

// Health aggregates the store's health counters.
func (s *Store) Health(ctx context.Context) (HealthSnapshot, error) {
	snap := HealthSnapshot{
		Assets:     make(map[string]SeriesHealth),
		Indicators: make(map[string]SeriesHealth),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT asset_id, COUNT(*), MAX(date) FROM ohlc GROUP BY asset_id`)
	if err != nil {
		return snap, fmt.Errorf("ohlc health: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var h SeriesHealth
		var latest sql.NullString
		if err := rows.Scan(&id, &h.Rows, &latest); err != nil {
			return snap, err
		}
		h.LatestDate = latest.String
		snap.Assets[id] = h
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	mrows, err := s.db.QueryContext(ctx,
		`SELECT indicator_id, COUNT(*), MAX(date) FROM macro GROUP BY indicator_id`)
	if err != nil {
		return snap, fmt.Errorf("macro health: %w", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var id string
		var h SeriesHealth
		var latest sql.NullString
		if err := mrows.Scan(&id, &h.Rows, &latest); err != nil {
			return snap, err
		}
		h.LatestDate = latest.String
		snap.Indicators[id] = h
	}
	if err := mrows.Err(); err != nil {
		return snap, err
	}

	if !strings.HasPrefix(s.path, "file:") {
		if fi, err := os.Stat(s.path); err == nil {
			snap.SizeBytes = fi.Size()
		}
	}
	return snap, nil
}
