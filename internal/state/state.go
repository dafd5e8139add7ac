// Package state provides crash-safe persistence for scheduler progress.
//
// The whole scheduler state is one JSON document written after every
// tick. Writes use atomic file replacement (write to .tmp, then rename)
// to prevent corruption from partial writes or crashes mid-save, so a
// reader never sees a partial tick. On startup the scheduler overlays
// the snapshot onto its freshly-built task table; a corrupt or missing
// snapshot yields a defaults-only start.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TaskState is the persisted slice of one task descriptor: only the
// fields that must survive a restart.
type TaskState struct {
	LastCollection      *time.Time `json:"last_collection"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Enabled             bool       `json:"enabled"`
}

// TierStats counts per-tier collection outcomes.
type TierStats struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// Snapshot is the single persisted document. Unknown fields on read are
// ignored; missing fields take zero-value defaults.
type Snapshot struct {
	Tasks             map[string]TaskState `json:"tasks"`
	CollectionStats   map[string]TierStats `json:"collection_stats"`
	TotalAPICalls     int                  `json:"total_api_calls"`
	SignalsGenerated  int                  `json:"signals_generated"`
	AlertsGenerated   int                  `json:"alerts_generated"`
	WebhookAlertsSent int                  `json:"webhook_alerts_sent"`
	LastSignalRun     *time.Time           `json:"last_signal_generation"`
	WebhookSinks      map[string]time.Time `json:"webhook_sinks,omitempty"`
	LastSave          time.Time            `json:"last_save"`
}

// NewSnapshot returns an empty snapshot with initialized maps.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Tasks:           make(map[string]TaskState),
		CollectionStats: make(map[string]TierStats),
		WebhookSinks:    make(map[string]time.Time),
	}
}

// File persists snapshots to a single JSON file. All operations are
// mutex-protected to prevent concurrent file corruption.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile creates a state file handle, ensuring the parent dir exists.
func NewFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &File{path: path}, nil
}

// Save atomically persists the snapshot, stamping LastSave.
func (f *File) Save(snap *Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap.LastSave = time.Now().UTC()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, f.path)
}

// Load restores the snapshot from disk. Returns nil, nil if no state
// file exists yet (fresh start). A corrupt file is an error; callers
// log a warning and start from defaults.
func (f *File) Load() (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	snap := NewSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if snap.Tasks == nil {
		snap.Tasks = make(map[string]TaskState)
	}
	if snap.CollectionStats == nil {
		snap.CollectionStats = make(map[string]TierStats)
	}
	if snap.WebhookSinks == nil {
		snap.WebhookSinks = make(map[string]time.Time)
	}
	return snap, nil
}
