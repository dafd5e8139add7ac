package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")

	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}

	lastRun := time.Date(2023, 11, 14, 22, 0, 0, 0, time.UTC)
	snap := NewSnapshot()
	snap.Tasks["crypto_bitcoin"] = TaskState{
		LastCollection:      &lastRun,
		ConsecutiveFailures: 2,
		Enabled:             true,
	}
	snap.CollectionStats["HIGH_FREQUENCY"] = TierStats{Success: 10, Failure: 1}
	snap.TotalAPICalls = 42
	snap.SignalsGenerated = 7
	snap.AlertsGenerated = 3
	snap.WebhookAlertsSent = 2
	snap.WebhookSinks["aggregate"] = lastRun

	if err := f.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := f.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil {
		t.Fatal("expected snapshot, got nil")
	}

	task := got.Tasks["crypto_bitcoin"]
	if task.LastCollection == nil || !task.LastCollection.Equal(lastRun) {
		t.Errorf("last collection = %v, want %v", task.LastCollection, lastRun)
	}
	if task.ConsecutiveFailures != 2 || !task.Enabled {
		t.Errorf("task state wrong: %+v", task)
	}
	if got.CollectionStats["HIGH_FREQUENCY"].Success != 10 {
		t.Errorf("tier stats wrong: %+v", got.CollectionStats)
	}
	if got.TotalAPICalls != 42 || got.SignalsGenerated != 7 || got.AlertsGenerated != 3 || got.WebhookAlertsSent != 2 {
		t.Errorf("counters wrong: %+v", got)
	}
	if !got.WebhookSinks["aggregate"].Equal(lastRun) {
		t.Errorf("sink timestamp wrong: %v", got.WebhookSinks["aggregate"])
	}
	if got.LastSave.IsZero() {
		t.Error("LastSave should be stamped on save")
	}
}

func TestLoadMissingFileReturnsNil(t *testing.T) {
	t.Parallel()
	f, err := NewFile(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}

	snap, err := f.Load()
	if err != nil {
		t.Errorf("missing file should not error, got %v", err)
	}
	if snap != nil {
		t.Error("missing file should yield nil snapshot")
	}
}

func TestLoadCorruptFileErrors(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	f, err := NewFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Load(); err == nil {
		t.Error("corrupt file should error so the caller can warn")
	}
}

func TestLoadIgnoresUnknownFields(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	doc := `{"tasks":{},"total_api_calls":5,"some_future_field":{"a":1}}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	f, _ := NewFile(path)
	snap, err := f.Load()
	if err != nil {
		t.Fatalf("unknown fields must be ignored: %v", err)
	}
	if snap.TotalAPICalls != 5 {
		t.Errorf("total_api_calls = %d, want 5", snap.TotalAPICalls)
	}
	if snap.CollectionStats == nil || snap.WebhookSinks == nil {
		t.Error("missing maps should be initialized")
	}
}

func TestSaveIsAtomic(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	f, _ := NewFile(path)

	if err := f.Save(NewSnapshot()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("tmp file should not linger after save")
	}
}
