// Package events implements the durable, file-backed event scheduler:
// one-shot, timed, and cron-periodic prompt runs with debounce, stale
// rejection, and cooperative single-threaded dispatch.
package events

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const runnerStateSchemaVersion = 1

// ScheduleType identifies the variant of an Event's schedule.
type ScheduleType string

const (
	ScheduleImmediate ScheduleType = "immediate"
	ScheduleAt        ScheduleType = "at"
	SchedulePeriodic  ScheduleType = "periodic"
)

// Schedule is the tagged-union schedule variant for an Event.
type Schedule struct {
	Type ScheduleType `json:"type"`

	AtUnixMs uint64 `json:"at_unix_ms,omitempty"`

	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// Event is a persisted request to run the agent: scheduled now, at a
// future time, or periodically. One JSON file per event under events/.
type Event struct {
	ID              string   `json:"id"`
	Channel         string   `json:"channel"`
	Prompt          string   `json:"prompt"`
	Schedule        Schedule `json:"schedule"`
	Enabled         bool     `json:"enabled"`
	CreatedUnixMs   *uint64  `json:"created_unix_ms,omitempty"`
}

func (e *Event) createdOrNow(now uint64) uint64 {
	if e.CreatedUnixMs != nil {
		return *e.CreatedUnixMs
	}
	return now
}

// RunnerState is rewritten atomically after each poll cycle.
type RunnerState struct {
	SchemaVersion         int               `json:"schema_version"`
	PeriodicLastRunUnixMs map[string]uint64 `json:"periodic_last_run_unix_ms"`
	DebounceLastSeenUnixMs map[string]uint64 `json:"debounce_last_seen_unix_ms"`

	// FirstPollUnixMs resolves the spec's open question about
	// double-firing sub-minute periodic events on a cold runner-state
	// file: periodic events with no recorded last-run default to this
	// marker (set on the very first poll_once call) instead of
	// now-60s, so a freshly created periodic event does not fire
	// immediately just because the lookback window is wider than its
	// own cron interval.
	FirstPollUnixMs uint64 `json:"first_poll_unix_ms,omitempty"`
}

func newRunnerState() *RunnerState {
	return &RunnerState{
		SchemaVersion:          runnerStateSchemaVersion,
		PeriodicLastRunUnixMs:  map[string]uint64{},
		DebounceLastSeenUnixMs: map[string]uint64{},
	}
}

// PollReport summarizes the outcome of one poll_once cycle.
type PollReport struct {
	Discovered      int `json:"discovered"`
	Queued          int `json:"queued"`
	Executed        int `json:"executed"`
	StaleSkipped    int `json:"stale_skipped"`
	MalformedSkipped int `json:"malformed_skipped"`
	Failed          int `json:"failed"`
}

type dueDecision int

const (
	dueNotDue dueDecision = iota
	dueRun
	dueSkipStaleRemove
)

// Executor runs one due event's prompt and reports success or failure.
// It is the orchestrator's hook into the scheduler; the scheduler does
// not know about agents, sessions, or channels directly.
type Executor interface {
	Execute(event *Event, nowUnixMs uint64) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(event *Event, nowUnixMs uint64) error

func (f ExecutorFunc) Execute(event *Event, nowUnixMs uint64) error { return f(event, nowUnixMs) }

// Config configures a Scheduler instance.
type Config struct {
	EventsDir                     string
	StatePath                     string
	QueueLimit                    int
	StaleImmediateMaxAgeSeconds   uint64
}

// Scheduler is a cooperative, single-threaded event poller. poll_once is
// never re-entered; concurrent schedulers are safe as long as each owns
// its own StatePath exclusively.
type Scheduler struct {
	cfg      Config
	state    *RunnerState
	executor Executor
}

// New creates a Scheduler, loading (or initializing) the runner state
// file and ensuring the events directory exists.
func New(cfg Config, executor Executor) (*Scheduler, error) {
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 16
	}
	if err := os.MkdirAll(cfg.EventsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir %s: %w", cfg.EventsDir, err)
	}
	state, err := loadRunnerState(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	return &Scheduler{cfg: cfg, state: state, executor: executor}, nil
}

type eventRecord struct {
	path string
	def  *Event
}

// PollOnce enumerates events/*.json, classifies each via DueDecision,
// enqueues up to QueueLimit due events (sorted by ID for deterministic
// ordering), executes each, and persists updated state.
func (s *Scheduler) PollOnce(nowUnixMs uint64) (PollReport, error) {
	var report PollReport

	if s.state.FirstPollUnixMs == 0 {
		s.state.FirstPollUnixMs = nowUnixMs
	}

	records, malformed, err := loadEventRecords(s.cfg.EventsDir)
	if err != nil {
		return report, err
	}
	report.Discovered = len(records)
	report.MalformedSkipped = malformed

	var queued []eventRecord
scanLoop:
	for _, record := range records {
		decision, err := dueDecisionFor(record.def, s.state, nowUnixMs, s.cfg.StaleImmediateMaxAgeSeconds)
		if err != nil {
			// A validation error (bad cron/tz) is treated like a
			// malformed file: skip without deleting, operator-visible.
			report.MalformedSkipped++
			continue
		}
		switch decision {
		case dueRun:
			queued = append(queued, record)
			if len(queued) >= max(s.cfg.QueueLimit, 1) {
				break scanLoop
			}
		case dueSkipStaleRemove:
			report.StaleSkipped++
			_ = os.Remove(record.path)
		case dueNotDue:
		}
	}

	report.Queued = len(queued)

	for _, record := range queued {
		execErr := s.executor.Execute(record.def, nowUnixMs)
		if execErr == nil {
			report.Executed++
			switch record.def.Schedule.Type {
			case ScheduleImmediate, ScheduleAt:
				_ = os.Remove(record.path)
			case SchedulePeriodic:
				s.state.PeriodicLastRunUnixMs[record.def.ID] = nowUnixMs
			}
		} else {
			report.Failed++
		}
	}

	if err := saveRunnerState(s.cfg.StatePath, s.state); err != nil {
		return report, err
	}
	return report, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// dueDecisionFor is the pure due-decision function from spec.md §4.1.
func dueDecisionFor(event *Event, state *RunnerState, nowUnixMs, staleMaxAgeSeconds uint64) (dueDecision, error) {
	if !event.Enabled {
		return dueNotDue, nil
	}

	switch event.Schedule.Type {
	case ScheduleImmediate:
		if staleMaxAgeSeconds == 0 {
			return dueRun, nil
		}
		created := event.createdOrNow(nowUnixMs)
		maxAgeMs := staleMaxAgeSeconds * 1000
		if nowUnixMs-created > maxAgeMs {
			return dueSkipStaleRemove, nil
		}
		return dueRun, nil

	case ScheduleAt:
		if nowUnixMs >= event.Schedule.AtUnixMs {
			return dueRun, nil
		}
		return dueNotDue, nil

	case SchedulePeriodic:
		lastRun, ok := state.PeriodicLastRunUnixMs[event.ID]
		if !ok {
			lastRun = firstRunLookback(state, nowUnixMs)
		}
		nextDue, err := nextPeriodicDueUnixMs(event.Schedule.Cron, event.Schedule.Timezone, lastRun)
		if err != nil {
			return dueNotDue, err
		}
		if nextDue <= nowUnixMs {
			return dueRun, nil
		}
		return dueNotDue, nil

	default:
		return dueNotDue, fmt.Errorf("unknown schedule type %q", event.Schedule.Type)
	}
}

// firstRunLookback implements the Open Question decision recorded in
// DESIGN.md: on a cold state file (no prior periodic run recorded
// anywhere), fall back to the poller's FirstPollUnixMs marker rather
// than now-60s, avoiding a spurious double-fire for sub-minute cron
// resolutions. Once any poll has happened, subsequent never-run events
// still use the original 60s lookback so a periodic event added
// mid-session fires promptly.
func firstRunLookback(state *RunnerState, nowUnixMs uint64) uint64 {
	if state.FirstPollUnixMs != 0 && state.FirstPollUnixMs == nowUnixMs {
		return nowUnixMs
	}
	if nowUnixMs < 60_000 {
		return 0
	}
	return nowUnixMs - 60_000
}

// nextPeriodicDueUnixMs computes the next cron occurrence strictly
// after fromUnixMs, evaluated in the named timezone.
func nextPeriodicDueUnixMs(cronExpr, timezone string, fromUnixMs uint64) (uint64, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return 0, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	from := time.UnixMilli(int64(fromUnixMs)).In(loc)
	next, err := gronx.NextTickAfter(cronExpr, from, false)
	if err != nil {
		return 0, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return uint64(next.UnixMilli()), nil
}

func loadEventRecords(eventsDir string) ([]eventRecord, int, error) {
	entries, err := os.ReadDir(eventsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("read events dir %s: %w", eventsDir, err)
	}

	var records []eventRecord
	malformed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(eventsDir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			malformed++
			continue
		}
		var def Event
		if err := json.Unmarshal(raw, &def); err != nil {
			malformed++
			continue
		}
		if def.CreatedUnixMs == nil {
			var created uint64
			if info, err := entry.Info(); err == nil {
				created = uint64(info.ModTime().UnixMilli())
			} else {
				created = uint64(time.Now().UnixMilli())
			}
			def.CreatedUnixMs = &created
		}
		records = append(records, eventRecord{path: path, def: &def})
	}

	sort.Slice(records, func(i, j int) bool { return records[i].def.ID < records[j].def.ID })
	return records, malformed, nil
}

func loadRunnerState(path string) (*RunnerState, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newRunnerState(), nil
		}
		return nil, fmt.Errorf("read runner state %s: %w", path, err)
	}
	var state RunnerState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("parse runner state %s: %w", path, err)
	}
	if state.PeriodicLastRunUnixMs == nil {
		state.PeriodicLastRunUnixMs = map[string]uint64{}
	}
	if state.DebounceLastSeenUnixMs == nil {
		state.DebounceLastSeenUnixMs = map[string]uint64{}
	}
	if state.SchemaVersion == 0 {
		state.SchemaVersion = runnerStateSchemaVersion
	}
	if state.SchemaVersion != runnerStateSchemaVersion {
		return nil, fmt.Errorf("unsupported event runner state schema: expected %d, found %d", runnerStateSchemaVersion, state.SchemaVersion)
	}
	return &state, nil
}

func saveRunnerState(path string, state *RunnerState) error {
	return writeJSONAtomic(path, state)
}

// writeJSONAtomic marshals v and writes it via temp-file+rename, the
// atomic-replace idiom this repo uses for every state file (events
// state, channel log index, session snapshots, heartbeat snapshots).
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return writeBytesAtomic(path, data)
}

func writeBytesAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	tmpFile, err := os.CreateTemp(dir, "state-*.tmp")
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

func shortHash(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:6])
}

func sanitizeForPath(raw string) string {
	var b strings.Builder
	for _, ch := range raw {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_', ch == '.':
			b.WriteRune(ch)
		default:
			b.WriteRune('_')
		}
	}
	trimmed := strings.Trim(b.String(), "_")
	if trimmed == "" {
		return "event"
	}
	return trimmed
}
