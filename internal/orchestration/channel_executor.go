// Package orchestration wires the Event Scheduler, Route-Binding
// Resolver, Channel Store, and Session Store together: a due Event
// from the scheduler resolves its route, opens the channel's
// append-only log and the bound session's lineage, runs the
// plan-first orchestrator protocol, and persists the inbound/outbound
// log entries and the resulting session turn, per spec.md §2's data
// flow (events -> router -> channel store -> session store).
package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/njfio/sentium/internal/channelstore"
	"github.com/njfio/sentium/internal/events"
	"github.com/njfio/sentium/internal/router"
	"github.com/njfio/sentium/internal/routebinding"
	"github.com/njfio/sentium/internal/sessionlineage"
)

// ChannelExecutor implements events.Executor: it is the real executor
// the scheduler drives, as opposed to a demo stand-in that only logs.
type ChannelExecutor struct {
	Root       string
	Bindings   routebinding.BindingFile
	RouteTable router.RouteTable
	PlanFirst  router.PlanFirstConfig
}

// NewChannelExecutor builds a ChannelExecutor rooted at root, resolving
// every due event against bindings/table and running the plan-first
// protocol bounded by planFirst (RouteTable/RouteTraceLogPath are
// overwritten per call from table/root).
func NewChannelExecutor(root string, bindings routebinding.BindingFile, table router.RouteTable, planFirst router.PlanFirstConfig) *ChannelExecutor {
	return &ChannelExecutor{Root: root, Bindings: bindings, RouteTable: table, PlanFirst: planFirst}
}

// Execute satisfies events.Executor. It resolves event.Channel's route,
// records the inbound turn in the channel log and session lineage, runs
// RunPlanFirstPrompt against a deterministic local runtime, and
// persists the resulting assistant reply back to both stores.
func (e *ChannelExecutor) Execute(event *events.Event, nowUnixMs uint64) error {
	ref, err := channelstore.ParseChannelRef(event.Channel)
	if err != nil {
		return fmt.Errorf("invalid channel reference %q: %w", event.Channel, err)
	}

	inbound := routebinding.InboundEvent{
		Transport:      ref.Transport,
		EventKind:      routebinding.EventMessage,
		ConversationID: ref.ChannelID,
		ActorID:        "scheduler",
		Text:           event.Prompt,
		Metadata:       map[string]json.RawMessage{},
	}
	decision := routebinding.ResolveRoute(e.Bindings, e.RouteTable, inbound)

	store, err := channelstore.Open(e.Root, ref.Transport, ref.ChannelID)
	if err != nil {
		return err
	}

	inboundPayload, err := json.Marshal(map[string]string{"event_id": event.ID, "prompt": event.Prompt})
	if err != nil {
		return err
	}
	if err := store.AppendLogEntry(channelstore.LogEntry{
		TimestampUnixMs: int64(nowUnixMs),
		Direction:       "inbound",
		EventKey:        event.ID,
		Source:          "event-scheduler",
		Payload:         inboundPayload,
	}); err != nil {
		return err
	}

	sessionPath := filepath.Join(e.Root, "sessions", decision.SessionKey+".json")
	session, err := sessionlineage.Load(sessionPath)
	if err != nil {
		return err
	}
	profile := router.ResolveRoleProfile(e.RouteTable, decision.SelectedRole)
	if _, err := session.EnsureInitialized(profile.SystemPrompt); err != nil {
		return err
	}

	userEntryID, err := session.Append(session.ActiveHead(), sessionlineage.Message{Role: "user", Content: event.Prompt})
	if err != nil {
		return err
	}
	if err := session.SetHead(userEntryID); err != nil {
		return err
	}

	runtime := &localRuntime{}
	cfg := e.PlanFirst
	cfg.RouteTable = e.RouteTable
	if cfg.RouteTraceLogPath == "" {
		cfg.RouteTraceLogPath = filepath.Join(e.Root, "events", "route-trace.jsonl")
	}
	if err := router.RunPlanFirstPrompt(context.Background(), runtime, event.Prompt, cfg); err != nil {
		return err
	}
	reply, _ := runtime.LatestAssistantText()

	assistantEntryID, err := session.Append(userEntryID, sessionlineage.Message{Role: "assistant", Content: reply})
	if err != nil {
		return err
	}
	if err := session.SetHead(assistantEntryID); err != nil {
		return err
	}

	messages, err := session.LineageMessages(assistantEntryID)
	if err != nil {
		return err
	}
	rawMessages := make([]json.RawMessage, 0, len(messages))
	for _, m := range messages {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		rawMessages = append(rawMessages, data)
	}
	if err := store.SyncContextFromMessages(rawMessages); err != nil {
		return err
	}

	outboundPayload, err := json.Marshal(map[string]string{"reply": reply, "role": decision.SelectedRole})
	if err != nil {
		return err
	}
	return store.AppendLogEntry(channelstore.LogEntry{
		TimestampUnixMs: int64(nowUnixMs),
		Direction:       "outbound",
		EventKey:        event.ID,
		Source:          "plan-first-orchestrator",
		Payload:         outboundPayload,
	})
}

// localRuntime is a deterministic, dependency-free router.Runtime: it
// synthesizes a numbered plan from the planner prompt and a
// consolidated reply from the execution/review prompt, so
// RunPlanFirstPrompt's protocol runs end-to-end against real storage
// in environments with no model provider configured (the CLI poll
// path). A Runtime wrapping a live provider can replace it without
// touching the executor above.
type localRuntime struct {
	lastText string
}

func (r *localRuntime) RunPromptWithCancellation(ctx context.Context, prompt string, turnTimeout time.Duration, opts router.RenderOptions) (router.RunStatus, error) {
	select {
	case <-ctx.Done():
		return router.RunCancelled, ctx.Err()
	default:
	}
	r.lastText = synthesizeReply(prompt)
	return router.RunCompleted, nil
}

func (r *localRuntime) LatestAssistantText() (string, bool) {
	return r.lastText, strings.TrimSpace(r.lastText) != ""
}

func (r *localRuntime) ReportPromptStatus(status router.RunStatus) {}

func synthesizeReply(prompt string) string {
	request := extractUserRequest(prompt)
	if strings.HasPrefix(prompt, "ORCHESTRATOR_PLANNER_PHASE") {
		return fmt.Sprintf("1. Review the request: %s\n2. Respond to the request", request)
	}
	return fmt.Sprintf("Handled: %s", request)
}

func extractUserRequest(prompt string) string {
	const marker = "User request:\n"
	idx := strings.Index(prompt, marker)
	if idx < 0 {
		return strings.TrimSpace(prompt)
	}
	rest := prompt[idx+len(marker):]
	if end := strings.Index(rest, "\n\n"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
