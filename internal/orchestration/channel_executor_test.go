package orchestration

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/njfio/sentium/internal/channelstore"
	"github.com/njfio/sentium/internal/events"
	"github.com/njfio/sentium/internal/router"
	"github.com/njfio/sentium/internal/routebinding"
)

func TestChannelExecutorPersistsLogEntriesAndSessionReply(t *testing.T) {
	root := t.TempDir()
	executor := NewChannelExecutor(root, routebinding.BindingFile{SchemaVersion: 1}, router.DefaultRouteTable(), defaultTestPlanFirstConfig())

	event := &events.Event{
		ID:      "evt-1",
		Channel: "slack/C123",
		Prompt:  "summarize the incident report",
	}

	if err := executor.Execute(event, 1_700_000_000_000); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	store, err := channelstore.Open(root, "slack", "C123")
	if err != nil {
		t.Fatalf("Open channel store: %v", err)
	}

	logData, err := os.ReadFile(store.LogPath())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(logData)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log entries, got %d: %s", len(lines), logData)
	}
	var first, second channelstore.LogEntry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first entry: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal second entry: %v", err)
	}
	if first.Direction != "inbound" || second.Direction != "outbound" {
		t.Fatalf("expected inbound then outbound, got %s then %s", first.Direction, second.Direction)
	}

	contextData, err := os.ReadFile(store.ContextPath())
	if err != nil {
		t.Fatalf("read context: %v", err)
	}
	contextLines := strings.Split(strings.TrimSpace(string(contextData)), "\n")
	if len(contextLines) < 3 {
		t.Fatalf("expected at least system+user+assistant entries in context.jsonl, got %d", len(contextLines))
	}
	if !strings.Contains(string(contextData), `"role":"assistant"`) {
		t.Fatalf("expected an assistant entry in context.jsonl, got %s", contextData)
	}
}

func TestSynthesizeReplyProducesNumberedPlanForPlannerPhase(t *testing.T) {
	prompt := "ORCHESTRATOR_PLANNER_PHASE\nCreate a numbered implementation plan.\n\nUser request:\nfix the bug\n\ntrailer"
	reply := synthesizeReply(prompt)
	steps := router.ParseNumberedPlanSteps(reply)
	if len(steps) != 2 {
		t.Fatalf("expected 2 parsed plan steps, got %d: %q", len(steps), reply)
	}
}

func TestChannelExecutorRejectsMalformedChannelReference(t *testing.T) {
	root := t.TempDir()
	executor := NewChannelExecutor(root, routebinding.BindingFile{SchemaVersion: 1}, router.DefaultRouteTable(), defaultTestPlanFirstConfig())

	event := &events.Event{ID: "evt-bad", Channel: "not-a-valid-ref", Prompt: "hi"}
	if err := executor.Execute(event, 0); err == nil {
		t.Fatalf("expected an error for a malformed channel reference")
	}
}

func defaultTestPlanFirstConfig() router.PlanFirstConfig {
	return router.PlanFirstConfig{
		MaxPlanSteps:                   8,
		MaxDelegatedSteps:              8,
		MaxExecutorResponseChars:       8000,
		MaxDelegatedStepResponseChars:  4000,
		MaxDelegatedTotalResponseChars: 16000,
	}
}

func dirExists(t *testing.T, path string) bool {
	t.Helper()
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func TestChannelExecutorCreatesSessionsDirectory(t *testing.T) {
	root := t.TempDir()
	executor := NewChannelExecutor(root, routebinding.BindingFile{SchemaVersion: 1}, router.DefaultRouteTable(), defaultTestPlanFirstConfig())
	if err := executor.Execute(&events.Event{ID: "evt-2", Channel: "discord/general", Prompt: "hello"}, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !dirExists(t, filepath.Join(root, "sessions")) {
		t.Fatalf("expected sessions directory to be created")
	}
}
