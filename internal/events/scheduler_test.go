package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeEventFile(t *testing.T, path string, event *Event) {
	t.Helper()
	if err := writeJSONAtomic(path, event); err != nil {
		t.Fatalf("write event file: %v", err)
	}
}

func uint64Ptr(v uint64) *uint64 { return &v }

func noopExecutor(calls *int) ExecutorFunc {
	return func(event *Event, nowUnixMs uint64) error {
		*calls++
		return nil
	}
}

func TestScheduledImmediateEvent(t *testing.T) {
	dir := t.TempDir()
	eventsDir := filepath.Join(dir, "events")
	statePath := filepath.Join(eventsDir, "state.json")

	now := uint64(time.Now().UnixMilli())
	writeEventFile(t, filepath.Join(eventsDir, "run-now.json"), &Event{
		ID:            "run-now",
		Channel:       "slack/C123",
		Prompt:        "say hello",
		Schedule:      Schedule{Type: ScheduleImmediate},
		Enabled:       true,
		CreatedUnixMs: uint64Ptr(now),
	})

	var calls int
	sched, err := New(Config{EventsDir: eventsDir, StatePath: statePath, QueueLimit: 16}, noopExecutor(&calls))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	report, err := sched.PollOnce(now)
	if err != nil {
		t.Fatalf("poll once: %v", err)
	}
	if report.Discovered != 1 || report.Queued != 1 || report.Executed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if calls != 1 {
		t.Fatalf("expected executor called once, got %d", calls)
	}
	if _, err := os.Stat(filepath.Join(eventsDir, "run-now.json")); !os.IsNotExist(err) {
		t.Fatalf("expected event file removed after success")
	}
}

func TestStaleImmediatePurge(t *testing.T) {
	dir := t.TempDir()
	eventsDir := filepath.Join(dir, "events")
	statePath := filepath.Join(eventsDir, "state.json")

	now := uint64(time.Now().UnixMilli())
	writeEventFile(t, filepath.Join(eventsDir, "stale.json"), &Event{
		ID:            "stale-immediate",
		Channel:       "slack/C1",
		Prompt:        "stale",
		Schedule:      Schedule{Type: ScheduleImmediate},
		Enabled:       true,
		CreatedUnixMs: uint64Ptr(now - 10_000),
	})

	var calls int
	sched, err := New(Config{EventsDir: eventsDir, StatePath: statePath, StaleImmediateMaxAgeSeconds: 1}, noopExecutor(&calls))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	report, err := sched.PollOnce(now)
	if err != nil {
		t.Fatalf("poll once: %v", err)
	}
	if report.Executed != 0 || report.StaleSkipped != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if calls != 0 {
		t.Fatalf("executor should not run for stale event")
	}
	if _, err := os.Stat(filepath.Join(eventsDir, "stale.json")); !os.IsNotExist(err) {
		t.Fatalf("expected stale event file removed")
	}
}

func TestWebhookDebounce(t *testing.T) {
	dir := t.TempDir()
	eventsDir := filepath.Join(dir, "events")
	statePath := filepath.Join(eventsDir, "state.json")
	if err := os.MkdirAll(eventsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	now := uint64(time.Now().UnixMilli())
	cfg := WebhookIngestConfig{
		EventsDir:             eventsDir,
		StatePath:             statePath,
		ChannelRef:            "slack/C123",
		Payload:               `{"signal":"high"}`,
		PromptPrefix:          "Handle incoming webhook",
		DebounceKey:           "hook-A",
		DebounceWindowSeconds: 60,
	}

	if err := IngestWebhookImmediate(cfg, now); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	first, err := os.ReadDir(eventsDir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}

	if err := IngestWebhookImmediate(cfg, now); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	second, err := os.ReadDir(eventsDir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("expected debounce to produce no new file: first=%d second=%d", len(first), len(second))
	}
	state, err := loadRunnerState(statePath)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.DebounceLastSeenUnixMs["hook-A"] != now {
		t.Fatalf("expected debounce_last_seen_unix_ms[hook-A] = %d, got %d", now, state.DebounceLastSeenUnixMs["hook-A"])
	}
}

func TestRestartRecoveryKeepsPeriodicRemovesOneShot(t *testing.T) {
	dir := t.TempDir()
	eventsDir := filepath.Join(dir, "events")
	statePath := filepath.Join(eventsDir, "state.json")

	now := uint64(time.Now().UnixMilli())
	writeEventFile(t, filepath.Join(eventsDir, "oneshot.json"), &Event{
		ID:            "oneshot",
		Channel:       "github/issue-7",
		Prompt:        "at event",
		Schedule:      Schedule{Type: ScheduleAt, AtUnixMs: now - 1000},
		Enabled:       true,
		CreatedUnixMs: uint64Ptr(now - 2000),
	})
	writeEventFile(t, filepath.Join(eventsDir, "periodic.json"), &Event{
		ID:            "periodic",
		Channel:       "github/issue-7",
		Prompt:        "periodic event",
		Schedule:      Schedule{Type: SchedulePeriodic, Cron: "* * * * *", Timezone: "UTC"},
		Enabled:       true,
		CreatedUnixMs: uint64Ptr(now - 2000),
	})

	var calls int
	sched, err := New(Config{EventsDir: eventsDir, StatePath: statePath}, noopExecutor(&calls))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	first, err := sched.PollOnce(now)
	if err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if first.Executed < 1 {
		t.Fatalf("expected at least one execution, got %+v", first)
	}

	schedAfterRestart, err := New(Config{EventsDir: eventsDir, StatePath: statePath}, noopExecutor(&calls))
	if err != nil {
		t.Fatalf("restart scheduler: %v", err)
	}
	second, err := schedAfterRestart.PollOnce(now + 70_000)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if second.Executed < 1 {
		t.Fatalf("expected periodic to fire again after restart, got %+v", second)
	}
	if _, err := os.Stat(filepath.Join(eventsDir, "oneshot.json")); !os.IsNotExist(err) {
		t.Fatalf("one-shot event should be removed")
	}
	if _, err := os.Stat(filepath.Join(eventsDir, "periodic.json")); err != nil {
		t.Fatalf("periodic event file should persist: %v", err)
	}
}

func TestMalformedEventFileIsSkippedNotDeleted(t *testing.T) {
	dir := t.TempDir()
	eventsDir := filepath.Join(dir, "events")
	statePath := filepath.Join(eventsDir, "state.json")
	if err := os.MkdirAll(eventsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(eventsDir, "broken.json"), []byte("{not-json"), 0o644); err != nil {
		t.Fatalf("write malformed: %v", err)
	}

	var calls int
	sched, err := New(Config{EventsDir: eventsDir, StatePath: statePath}, noopExecutor(&calls))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	report, err := sched.PollOnce(uint64(time.Now().UnixMilli()))
	if err != nil {
		t.Fatalf("poll once: %v", err)
	}
	if report.MalformedSkipped != 1 {
		t.Fatalf("expected malformed_skipped=1, got %+v", report)
	}
	if _, err := os.Stat(filepath.Join(eventsDir, "broken.json")); err != nil {
		t.Fatalf("malformed file should not be deleted: %v", err)
	}
}

func TestDueDecisionMonotoneInNow(t *testing.T) {
	state := newRunnerState()
	event := &Event{
		ID:            "at-1",
		Enabled:       true,
		Schedule:      Schedule{Type: ScheduleAt, AtUnixMs: 10_000},
		CreatedUnixMs: uint64Ptr(0),
	}
	decision, err := dueDecisionFor(event, state, 10_000, 0)
	if err != nil {
		t.Fatalf("due decision: %v", err)
	}
	if decision != dueRun {
		t.Fatalf("expected Run at the at_unix_ms boundary")
	}
	decision, err = dueDecisionFor(event, state, 20_000, 0)
	if err != nil {
		t.Fatalf("due decision: %v", err)
	}
	if decision != dueRun {
		t.Fatalf("expected Run to remain stable as now advances")
	}
}
