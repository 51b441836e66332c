package heartbeat

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInspectStateMissingReturnsNotFound(t *testing.T) {
	result := InspectState(filepath.Join(t.TempDir(), "missing.json"))
	if result.Found {
		t.Fatalf("expected not found")
	}
	if result.Error != "heartbeat_state_missing" {
		t.Fatalf("unexpected error code: %q", result.Error)
	}
}

func TestInspectStateUnparseable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{not-json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	result := InspectState(path)
	if result.Found {
		t.Fatalf("expected not found for unparseable state")
	}
}

func TestPersistDisabledSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Enabled: false, Interval: 5 * time.Second, StatePath: filepath.Join(dir, "runtime-heartbeat", "state.json")}
	if err := PersistDisabledSnapshot(cfg, 1_000); err != nil {
		t.Fatalf("persist: %v", err)
	}
	result := InspectState(cfg.StatePath)
	if !result.Found || result.Snapshot.RunState != RunDisabled {
		t.Fatalf("expected disabled snapshot, got %+v", result)
	}
}

func TestExecuteCycleAggregatesQueueDepth(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "gateway", "state.json")
	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, _ := json.Marshal(map[string]any{"health": map[string]any{"queue_depth": 3}})
	if err := os.WriteFile(statePath, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	otherPath := filepath.Join(dir, "slack", "state.json")
	if err := os.MkdirAll(filepath.Dir(otherPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data2, _ := json.Marshal(map[string]any{"queue_depth": 2})
	if err := os.WriteFile(otherPath, data2, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := Config{
		Enabled:         true,
		Interval:        time.Second,
		StatePath:       filepath.Join(dir, "runtime-heartbeat", "state.json"),
		QueueStatePaths: []string{statePath, otherPath},
	}
	snapshot, report := ExecuteCycle(cfg, 1, 5_000)
	if snapshot.QueueDepth != 5 {
		t.Fatalf("expected queue depth 5, got %d", snapshot.QueueDepth)
	}
	if report.QueueDepth != 5 {
		t.Fatalf("report queue depth mismatch: %d", report.QueueDepth)
	}
	found := false
	for _, code := range snapshot.ReasonCodes {
		if code == "queue_backlog_detected" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected queue_backlog_detected reason code, got %v", snapshot.ReasonCodes)
	}
}

func TestExecuteCycleCleanWhenNothingPending(t *testing.T) {
	cfg := Config{Enabled: true, Interval: time.Second, StatePath: filepath.Join(t.TempDir(), "state.json")}
	snapshot, _ := ExecuteCycle(cfg, 1, 1_000)
	if len(snapshot.ReasonCodes) != 1 || snapshot.ReasonCodes[0] != "heartbeat_cycle_clean" {
		t.Fatalf("expected single heartbeat_cycle_clean reason code, got %v", snapshot.ReasonCodes)
	}
}

func TestExecuteCyclePendingEventsOnlyCountsJSON(t *testing.T) {
	dir := t.TempDir()
	eventsDir := filepath.Join(dir, "events")
	if err := os.MkdirAll(eventsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	os.WriteFile(filepath.Join(eventsDir, "a.json"), []byte("{}"), 0o644)
	os.WriteFile(filepath.Join(eventsDir, "state.json"), []byte("{}"), 0o644)
	os.WriteFile(filepath.Join(eventsDir, "notes.txt"), []byte("x"), 0o644)

	cfg := Config{Enabled: true, Interval: time.Second, StatePath: filepath.Join(dir, "state.json"), EventsDir: eventsDir}
	snapshot, _ := ExecuteCycle(cfg, 1, 1_000)
	if snapshot.PendingEvents != 2 {
		t.Fatalf("expected 2 pending .json files, got %d", snapshot.PendingEvents)
	}
}

func TestCleanupTempFilesRemovesStaleOnly(t *testing.T) {
	dir := t.TempDir()
	stalePath := filepath.Join(dir, "stale.tmp")
	freshPath := filepath.Join(dir, "fresh.tmp")
	os.WriteFile(stalePath, []byte("x"), 0o644)
	os.WriteFile(freshPath, []byte("x"), 0o644)

	past := time.Now().Add(-time.Hour)
	os.Chtimes(stalePath, past, past)

	removed := cleanupTempFiles([]string{dir}, 10*time.Minute, time.Now())
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := os.Stat(freshPath); err != nil {
		t.Fatalf("fresh file should remain: %v", err)
	}
	if _, err := os.Stat(stalePath); !os.IsNotExist(err) {
		t.Fatalf("stale file should be removed")
	}
}

func TestPersistSnapshotAppendsCycleReport(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Enabled: true, Interval: time.Second, StatePath: filepath.Join(dir, "runtime-heartbeat", "state.json")}
	snapshot, report := ExecuteCycle(cfg, 1, 1_000)
	if err := PersistSnapshot(cfg, snapshot, report); err != nil {
		t.Fatalf("persist: %v", err)
	}
	eventsPath := filepath.Join(dir, "runtime-heartbeat-events.jsonl")
	data, err := os.ReadFile(eventsPath)
	if err != nil {
		t.Fatalf("read cycle reports: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty cycle report log")
	}
}
