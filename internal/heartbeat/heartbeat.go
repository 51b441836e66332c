// Package heartbeat implements the periodic self-probe described in
// spec.md §4.7: each tick aggregates queue depth across configured
// state files, counts pending event/job files, sweeps stale temp
// files, and persists an atomic snapshot plus a JSONL cycle-report
// trail. Grounded on tau-runtime's heartbeat_runtime.rs, which itself
// is a plain ticker-driven loop with no domain library of its own —
// this implementation mirrors that with a stdlib time.Ticker.
package heartbeat

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const schemaVersion = 1

// RunState is the heartbeat's lifecycle state.
type RunState string

const (
	RunDisabled RunState = "disabled"
	RunRunning  RunState = "running"
)

// Config configures the heartbeat scheduler.
type Config struct {
	Enabled              bool
	Interval             time.Duration
	StatePath            string
	QueueStatePaths      []string
	EventsDir            string
	JobsDir              string
	MaintenanceTempDirs  []string
	MaintenanceTempMaxAge time.Duration
}

// DefaultConfig mirrors the original's 5-second, disabled-by-default profile.
func DefaultConfig() Config {
	return Config{
		Enabled:  false,
		Interval: 5 * time.Second,
		StatePath: filepath.Join(".tau", "runtime-heartbeat", "state.json"),
	}
}

// Snapshot is the on-disk heartbeat state, §3 HeartbeatSnapshot.
type Snapshot struct {
	SchemaVersion    int            `json:"schema_version"`
	UpdatedUnixMs    int64          `json:"updated_unix_ms"`
	Enabled          bool           `json:"enabled"`
	RunState         RunState       `json:"run_state"`
	ReasonCode       string         `json:"reason_code"`
	IntervalMs       int64          `json:"interval_ms"`
	TickCount        uint64         `json:"tick_count"`
	LastTickUnixMs   int64          `json:"last_tick_unix_ms"`
	QueueDepth       int64          `json:"queue_depth"`
	PendingEvents    int            `json:"pending_events"`
	PendingJobs      int            `json:"pending_jobs"`
	TempFilesCleaned int            `json:"temp_files_cleaned"`
	ReasonCodes      []string       `json:"reason_codes"`
	Diagnostics      map[string]any `json:"diagnostics,omitempty"`
	StatePath        string         `json:"state_path"`
}

// CycleReport is one JSONL line appended after each tick.
type CycleReport struct {
	TimestampUnixMs  int64    `json:"timestamp_unix_ms"`
	TickCount        uint64   `json:"tick_count"`
	QueueDepth       int64    `json:"queue_depth"`
	PendingEvents    int      `json:"pending_events"`
	PendingJobs      int      `json:"pending_jobs"`
	TempFilesCleaned int      `json:"temp_files_cleaned"`
	ReasonCodes      []string `json:"reason_codes"`
}

// InspectResult is the outcome of InspectState.
type InspectResult struct {
	Snapshot *Snapshot
	Found    bool
	Error    string
}

// InspectState reads and parses the snapshot file, classifying
// missing/unreadable/unparseable states with distinct reason codes
// rather than treating every failure the same way.
func InspectState(statePath string) InspectResult {
	data, err := os.ReadFile(statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return InspectResult{Found: false, Error: "heartbeat_state_missing"}
		}
		return InspectResult{Found: false, Error: fmt.Sprintf("heartbeat_state_unreadable: %v", err)}
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return InspectResult{Found: false, Error: fmt.Sprintf("heartbeat_state_unparseable: %v", err)}
	}
	return InspectResult{Snapshot: &snapshot, Found: true}
}

// PersistDisabledSnapshot writes a single run_state=disabled snapshot,
// the behavior a disabled heartbeat always exhibits exactly once.
func PersistDisabledSnapshot(cfg Config, nowUnixMs int64) error {
	snapshot := &Snapshot{
		SchemaVersion: schemaVersion,
		UpdatedUnixMs: nowUnixMs,
		Enabled:       false,
		RunState:      RunDisabled,
		ReasonCode:    "heartbeat_disabled",
		IntervalMs:    cfg.Interval.Milliseconds(),
		StatePath:     cfg.StatePath,
	}
	return persistSnapshotAtomic(cfg.StatePath, snapshot)
}

// ExecuteCycle runs one heartbeat tick: aggregate queue depth, count
// pending files, sweep stale temp files, and return the resulting
// snapshot plus cycle report. It does not persist; callers do that so
// tests can inspect results before they hit disk.
func ExecuteCycle(cfg Config, tickCount uint64, nowUnixMs int64) (*Snapshot, *CycleReport) {
	queueDepth := collectQueueDepth(cfg.QueueStatePaths)
	pendingEvents := collectPendingCount(cfg.EventsDir)
	pendingJobs := collectPendingCount(cfg.JobsDir)
	tempFilesCleaned := cleanupTempFiles(cfg.MaintenanceTempDirs, cfg.MaintenanceTempMaxAge, time.UnixMilli(nowUnixMs))

	var reasonCodes []string
	if queueDepth > 0 {
		reasonCodes = append(reasonCodes, "queue_backlog_detected")
	}
	if pendingEvents > 0 {
		reasonCodes = append(reasonCodes, "events_pending")
	}
	if tempFilesCleaned > 0 {
		reasonCodes = append(reasonCodes, "stale_temp_files_cleaned")
	}
	if len(reasonCodes) == 0 {
		reasonCodes = append(reasonCodes, "heartbeat_cycle_clean")
	}

	snapshot := &Snapshot{
		SchemaVersion:    schemaVersion,
		UpdatedUnixMs:    nowUnixMs,
		Enabled:          true,
		RunState:         RunRunning,
		ReasonCode:       reasonCodes[0],
		IntervalMs:       cfg.Interval.Milliseconds(),
		TickCount:        tickCount,
		LastTickUnixMs:   nowUnixMs,
		QueueDepth:       queueDepth,
		PendingEvents:    pendingEvents,
		PendingJobs:      pendingJobs,
		TempFilesCleaned: tempFilesCleaned,
		ReasonCodes:      reasonCodes,
		StatePath:        cfg.StatePath,
	}
	report := &CycleReport{
		TimestampUnixMs:  nowUnixMs,
		TickCount:        tickCount,
		QueueDepth:       queueDepth,
		PendingEvents:    pendingEvents,
		PendingJobs:      pendingJobs,
		TempFilesCleaned: tempFilesCleaned,
		ReasonCodes:      reasonCodes,
	}
	return snapshot, report
}

// PersistSnapshot writes the snapshot atomically and appends the
// cycle report to runtime-heartbeat-events.jsonl in the parent of the
// state file's directory.
func PersistSnapshot(cfg Config, snapshot *Snapshot, report *CycleReport) error {
	if err := persistSnapshotAtomic(cfg.StatePath, snapshot); err != nil {
		return err
	}
	return appendCycleReport(cfg.StatePath, report)
}

// collectQueueDepth reads health.queue_depth, or a top-level
// queue_depth, from each configured state file and sums them.
// Unreadable or malformed files contribute 0 rather than failing the
// whole tick.
func collectQueueDepth(paths []string) int64 {
	var total int64
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		if raw, ok := doc["queue_depth"]; ok {
			var v int64
			if json.Unmarshal(raw, &v) == nil {
				total += v
				continue
			}
		}
		if raw, ok := doc["health"]; ok {
			var health map[string]json.RawMessage
			if json.Unmarshal(raw, &health) == nil {
				if qd, ok := health["queue_depth"]; ok {
					var v int64
					if json.Unmarshal(qd, &v) == nil {
						total += v
					}
				}
			}
		}
	}
	return total
}

// collectPendingCount counts ".json" files directly inside dir.
// Non-.json files are intentionally excluded: the Event Scheduler
// exclusively owns its events directory, so stray files there are an
// operator error, not real backlog (spec.md §9 open question).
func collectPendingCount(dir string) int {
	if dir == "" {
		return 0
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			count++
		}
	}
	return count
}

// cleanupTempFiles removes files in each dir older than maxAge
// relative to now, recursing one level of subdirectories.
func cleanupTempFiles(dirs []string, maxAge time.Duration, now time.Time) int {
	if maxAge <= 0 {
		return 0
	}
	removed := 0
	for _, dir := range dirs {
		removed += cleanupStaleFilesInDir(dir, maxAge, now)
	}
	return removed
}

func cleanupStaleFilesInDir(dir string, maxAge time.Duration, now time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			removed += cleanupStaleFilesInDir(path, maxAge, now)
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > maxAge {
			if os.Remove(path) == nil {
				removed++
			}
		}
	}
	return removed
}

func persistSnapshotAtomic(path string, snapshot *Snapshot) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create heartbeat state dir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(dir, "heartbeat-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func appendCycleReport(statePath string, report *CycleReport) error {
	path := filepath.Join(filepath.Dir(statePath), "..", "runtime-heartbeat-events.jsonl")
	path = filepath.Clean(path)
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open cycle report log %s: %w", path, err)
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append cycle report %s: %w", path, err)
	}
	return file.Sync()
}
