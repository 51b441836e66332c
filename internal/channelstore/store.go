// Package channelstore implements the per-(transport, channel) durable
// audit log, session pointer, and artifact index described in
// spec.md §4.2: an append-only log.jsonl, a replaceable context.jsonl
// lineage mirror, and a retention-aware artifact index.
package channelstore

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChannelRef names a conversation surface: a (transport, channel_id) tuple.
type ChannelRef struct {
	Transport string
	ChannelID string
}

func (r ChannelRef) String() string { return r.Transport + "/" + r.ChannelID }

// ParseChannelRef parses "transport/channel_id" into a ChannelRef.
func ParseChannelRef(raw string) (ChannelRef, error) {
	idx := strings.IndexByte(raw, '/')
	if idx <= 0 || idx == len(raw)-1 {
		return ChannelRef{}, fmt.Errorf("invalid channel reference %q: expected transport/channel_id", raw)
	}
	return ChannelRef{Transport: raw[:idx], ChannelID: raw[idx+1:]}, nil
}

// LogEntry is one line of a channel's append-only log.jsonl.
type LogEntry struct {
	TimestampUnixMs int64           `json:"timestamp_unix_ms"`
	Direction       string          `json:"direction"` // "inbound" | "outbound"
	EventKey        string          `json:"event_key,omitempty"`
	Source          string          `json:"source"`
	Payload         json.RawMessage `json:"payload"`
}

// ArtifactRecord describes one immutable artifact written to a
// channel's artifacts directory.
type ArtifactRecord struct {
	ID             string `json:"id"`
	RunID          string `json:"run_id"`
	ArtifactType   string `json:"artifact_type"`
	Visibility     string `json:"visibility"`
	Bytes          int64  `json:"bytes"`
	CreatedUnixMs  int64  `json:"created_unix_ms"`
	ExpiresUnixMs  *int64 `json:"expires_unix_ms,omitempty"`
	ChecksumSHA256 string `json:"checksum_sha256"`
	RelativePath   string `json:"relative_path"`
}

// PurgeReport summarizes purge_expired_artifacts.
type PurgeReport struct {
	ExpiredRemoved            int `json:"expired_removed"`
	InvalidRemoved            int `json:"invalid_removed"`
	AttachmentExpiredRemoved  int `json:"attachment_expired_removed"`
	AttachmentInvalidRemoved  int `json:"attachment_invalid_removed"`
}

// TolerantLoadResult is the result of load_artifact_records_tolerant.
type TolerantLoadResult struct {
	Records      []ArtifactRecord
	InvalidLines int
}

// Store is an opened channel directory: channel-store/channels/<transport>/<channel_id>/.
type Store struct {
	root  string
	ref   ChannelRef
	dir   string
}

// Open ensures the directory hierarchy for (transport, channelID) exists
// under root and returns a handle to it.
func Open(root, transport, channelID string) (*Store, error) {
	dir := filepath.Join(root, "channels", transport, channelID)
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0o755); err != nil {
		return nil, fmt.Errorf("create channel dir %s: %w", dir, err)
	}
	return &Store{root: root, ref: ChannelRef{Transport: transport, ChannelID: channelID}, dir: dir}, nil
}

func (s *Store) LogPath() string       { return filepath.Join(s.dir, "log.jsonl") }
func (s *Store) ContextPath() string   { return filepath.Join(s.dir, "context.jsonl") }
func (s *Store) SessionPath() string   { return filepath.Join(s.dir, "session.json") }
func (s *Store) ArtifactsDir() string  { return filepath.Join(s.dir, "artifacts") }
func (s *Store) ArtifactIndexPath() string { return filepath.Join(s.dir, "artifacts", "index.jsonl") }

// AppendLogEntry atomically appends one JSON object per line to
// log.jsonl. Ordering is insertion-only; no in-place edits.
func (s *Store) AppendLogEntry(entry LogEntry) error {
	return appendJSONLine(s.LogPath(), entry)
}

// SyncContextFromMessages replaces context.jsonl atomically with the
// provided message lineage, one JSON object per line.
func (s *Store) SyncContextFromMessages(messages []json.RawMessage) error {
	var b strings.Builder
	for _, msg := range messages {
		b.Write(msg)
		b.WriteByte('\n')
	}
	return writeBytesAtomic(s.ContextPath(), []byte(b.String()))
}

// WriteTextArtifact writes <artifacts>/<id>.<ext>, appends a record to
// index.jsonl, and returns the record.
func (s *Store) WriteTextArtifact(runID, artifactType, visibility string, retentionDays int, ext, body string) (ArtifactRecord, error) {
	id := uuid.NewString()
	filename := id + "." + strings.TrimPrefix(ext, ".")
	relPath := filepath.Join("artifacts", filename)
	fullPath := filepath.Join(s.dir, relPath)

	if err := os.WriteFile(fullPath, []byte(body), 0o644); err != nil {
		return ArtifactRecord{}, fmt.Errorf("write artifact %s: %w", fullPath, err)
	}

	sum := sha256.Sum256([]byte(body))
	now := time.Now().UnixMilli()
	record := ArtifactRecord{
		ID:             id,
		RunID:          runID,
		ArtifactType:   artifactType,
		Visibility:     visibility,
		Bytes:          int64(len(body)),
		CreatedUnixMs:  now,
		ChecksumSHA256: hex.EncodeToString(sum[:]),
		RelativePath:   relPath,
	}
	if retentionDays > 0 {
		expires := now + int64(retentionDays)*24*60*60*1000
		record.ExpiresUnixMs = &expires
	}

	if err := appendJSONLine(s.ArtifactIndexPath(), record); err != nil {
		return ArtifactRecord{}, err
	}
	return record, nil
}

// ListActiveArtifacts returns records whose ExpiresUnixMs is nil or > nowMs.
func (s *Store) ListActiveArtifacts(nowMs int64) ([]ArtifactRecord, error) {
	result, err := s.LoadArtifactRecordsTolerant()
	if err != nil {
		return nil, err
	}
	var active []ArtifactRecord
	for _, r := range result.Records {
		if r.ExpiresUnixMs == nil || *r.ExpiresUnixMs > nowMs {
			active = append(active, r)
		}
	}
	return active, nil
}

// LoadArtifactRecordsTolerant reads index.jsonl, counting invalid lines
// instead of erroring on them.
func (s *Store) LoadArtifactRecordsTolerant() (TolerantLoadResult, error) {
	path := s.ArtifactIndexPath()
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return TolerantLoadResult{}, nil
		}
		return TolerantLoadResult{}, fmt.Errorf("open artifact index %s: %w", path, err)
	}
	defer file.Close()

	var result TolerantLoadResult
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record ArtifactRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			result.InvalidLines++
			continue
		}
		result.Records = append(result.Records, record)
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("scan artifact index %s: %w", path, err)
	}
	return result, nil
}

// PurgeExpiredArtifacts rewrites the index atomically, dropping expired
// records (and their backing files) and records whose backing file is
// missing.
func (s *Store) PurgeExpiredArtifacts(nowMs int64) (PurgeReport, error) {
	var report PurgeReport
	loaded, err := s.LoadArtifactRecordsTolerant()
	if err != nil {
		return report, err
	}
	report.InvalidRemoved = loaded.InvalidLines

	var kept []ArtifactRecord
	for _, record := range loaded.Records {
		fullPath := filepath.Join(s.dir, record.RelativePath)
		if _, err := os.Stat(fullPath); err != nil {
			report.InvalidRemoved++
			continue
		}
		if record.ExpiresUnixMs != nil && *record.ExpiresUnixMs <= nowMs {
			_ = os.Remove(fullPath)
			report.ExpiredRemoved++
			continue
		}
		kept = append(kept, record)
	}

	var b strings.Builder
	for _, record := range kept {
		data, err := json.Marshal(record)
		if err != nil {
			return report, err
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	if err := writeBytesAtomic(s.ArtifactIndexPath(), []byte(b.String())); err != nil {
		return report, err
	}
	return report, nil
}

func appendJSONLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return file.Sync()
}

func writeBytesAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	tmpFile, err := os.CreateTemp(dir, "channelstore-*.tmp")
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
