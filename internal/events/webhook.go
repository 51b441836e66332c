package events

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WebhookIngestConfig configures IngestWebhookImmediate.
type WebhookIngestConfig struct {
	EventsDir             string
	StatePath             string
	ChannelRef            string
	Payload               string
	PromptPrefix          string
	DebounceKey           string
	DebounceWindowSeconds uint64
}

// IngestWebhookImmediate writes a new immediate event atomically,
// honoring debounce: if DebounceKey is set and was last seen within
// DebounceWindowSeconds, the ingest is silently dropped.
func IngestWebhookImmediate(cfg WebhookIngestConfig, nowUnixMs uint64) error {
	if err := os.MkdirAll(cfg.EventsDir, 0o755); err != nil {
		return fmt.Errorf("create events dir %s: %w", cfg.EventsDir, err)
	}
	state, err := loadRunnerState(cfg.StatePath)
	if err != nil {
		return err
	}

	if cfg.DebounceKey != "" {
		windowMs := cfg.DebounceWindowSeconds * 1000
		if lastSeen, ok := state.DebounceLastSeenUnixMs[cfg.DebounceKey]; ok {
			if nowUnixMs-lastSeen < windowMs {
				return nil
			}
		}
		state.DebounceLastSeenUnixMs[cfg.DebounceKey] = nowUnixMs
	}

	payload := strings.TrimSpace(cfg.Payload)
	if payload == "" {
		return fmt.Errorf("webhook payload is empty")
	}

	eventID := fmt.Sprintf("webhook-%d-%s", nowUnixMs, shortHash([]byte(payload)))
	created := nowUnixMs
	event := &Event{
		ID:      eventID,
		Channel: cfg.ChannelRef,
		Prompt:  fmt.Sprintf("%s\n\nWebhook payload:\n%s", cfg.PromptPrefix, payload),
		Schedule: Schedule{
			Type: ScheduleImmediate,
		},
		Enabled:       true,
		CreatedUnixMs: &created,
	}

	eventPath := filepath.Join(cfg.EventsDir, sanitizeForPath(eventID)+".json")
	if err := writeJSONAtomic(eventPath, event); err != nil {
		return fmt.Errorf("write event %s: %w", eventPath, err)
	}

	return saveRunnerState(cfg.StatePath, state)
}
