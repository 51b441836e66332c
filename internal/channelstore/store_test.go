package channelstore

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestParseChannelRef(t *testing.T) {
	ref, err := ParseChannelRef("discord/123456")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ref.Transport != "discord" || ref.ChannelID != "123456" {
		t.Fatalf("unexpected ref: %+v", ref)
	}
	if _, err := ParseChannelRef("no-slash"); err == nil {
		t.Fatalf("expected error for missing slash")
	}
	if _, err := ParseChannelRef("discord/"); err == nil {
		t.Fatalf("expected error for empty channel id")
	}
}

func TestAppendLogEntryAndSyncContext(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root, "slack", "C123")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := store.AppendLogEntry(LogEntry{
		TimestampUnixMs: 1,
		Direction:       "inbound",
		Source:          "slack",
		Payload:         json.RawMessage(`{"text":"hi"}`),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendLogEntry(LogEntry{
		TimestampUnixMs: 2,
		Direction:       "outbound",
		Source:          "agent",
		Payload:         json.RawMessage(`{"text":"hello back"}`),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := filepath.Glob(store.LogPath()); err != nil {
		t.Fatalf("glob log path: %v", err)
	}

	msgs := []json.RawMessage{json.RawMessage(`{"role":"user","content":"hi"}`)}
	if err := store.SyncContextFromMessages(msgs); err != nil {
		t.Fatalf("sync context: %v", err)
	}
}

func TestWriteTextArtifactRoundTripChecksum(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root, "discord", "c1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	body := "hello artifact body"
	record, err := store.WriteTextArtifact("run-1", "log", "channel", 7, "txt", body)
	if err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	result, err := store.LoadArtifactRecordsTolerant()
	if err != nil {
		t.Fatalf("load tolerant: %v", err)
	}
	if len(result.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(result.Records))
	}
	if result.Records[0].ChecksumSHA256 != record.ChecksumSHA256 {
		t.Fatalf("checksum mismatch")
	}
	if result.Records[0].ExpiresUnixMs == nil {
		t.Fatalf("expected expiry to be set for retention_days=7")
	}
}

func TestListActiveArtifactsExcludesExpired(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root, "discord", "c1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	now := int64(1_000_000)
	expired, err := store.WriteTextArtifact("run-1", "log", "channel", 0, "txt", "expired")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	past := now - 1
	expired.ExpiresUnixMs = &past
	// overwrite index with a manually-expired record to simulate age
	if err := writeBytesAtomic(store.ArtifactIndexPath(), mustMarshalLines(t, expired)); err != nil {
		t.Fatalf("rewrite index: %v", err)
	}

	active, err := store.ListActiveArtifacts(now)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active artifacts, got %d", len(active))
	}
}

func TestLoadArtifactRecordsTolerantCountsInvalidLines(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root, "discord", "c1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := writeBytesAtomic(store.ArtifactIndexPath(), []byte("{not-json}\n{\"id\":\"a\"}\n")); err != nil {
		t.Fatalf("write index: %v", err)
	}
	result, err := store.LoadArtifactRecordsTolerant()
	if err != nil {
		t.Fatalf("load tolerant: %v", err)
	}
	if result.InvalidLines != 1 {
		t.Fatalf("expected 1 invalid line, got %d", result.InvalidLines)
	}
	if len(result.Records) != 1 {
		t.Fatalf("expected 1 valid record, got %d", len(result.Records))
	}
}

func mustMarshalLines(t *testing.T, records ...ArtifactRecord) []byte {
	t.Helper()
	var out []byte
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		out = append(out, data...)
		out = append(out, '\n')
	}
	return out
}
