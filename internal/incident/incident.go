// Package incident records an append-only timeline of runtime denials and
// failures — policy rejections, rate-limit throttles, sandbox failures —
// so an operator can inspect "what went wrong and how often" without
// grepping scattered logs.
package incident

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Record is one incident timeline entry.
type Record struct {
	TimestampUnixMs int64          `json:"timestamp_unix_ms"`
	Source          string         `json:"source"`
	ReasonCode      string         `json:"reason_code"`
	Principal       string         `json:"principal,omitempty"`
	SessionKey      string         `json:"session_key,omitempty"`
	Detail          string         `json:"detail,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Timeline appends to and queries a single JSONL incident log file.
type Timeline struct {
	path string
}

// Open returns a Timeline backed by path, creating its parent directory.
func Open(path string) (*Timeline, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create incident log dir: %w", err)
	}
	return &Timeline{path: path}, nil
}

// Append writes one incident record to the log.
func (t *Timeline) Append(record Record) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal incident record: %w", err)
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open incident log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append incident record: %w", err)
	}
	return nil
}

// LoadResult is a tolerant read of the incident log: malformed lines are
// counted, not fatal, matching the Channel Store's artifact-index idiom.
type LoadResult struct {
	Records      []Record
	InvalidLines int
}

// Load reads every record in the timeline. A missing file is an empty,
// non-error result.
func (t *Timeline) Load() (LoadResult, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return LoadResult{}, nil
		}
		return LoadResult{}, fmt.Errorf("open incident log: %w", err)
	}
	defer f.Close()

	var result LoadResult
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			result.InvalidLines++
			continue
		}
		result.Records = append(result.Records, record)
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("scan incident log: %w", err)
	}
	return result, nil
}

// Histogram counts records by reason_code, descending by count then
// ascending by reason_code for determinism.
type HistogramEntry struct {
	ReasonCode string
	Count      int
}

// ReasonCodeHistogram summarizes how often each reason_code occurred.
func ReasonCodeHistogram(records []Record) []HistogramEntry {
	counts := make(map[string]int)
	for _, r := range records {
		counts[r.ReasonCode]++
	}
	entries := make([]HistogramEntry, 0, len(counts))
	for code, count := range counts {
		entries = append(entries, HistogramEntry{ReasonCode: code, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].ReasonCode < entries[j].ReasonCode
	})
	return entries
}

// FilterBySource returns only the records matching source.
func FilterBySource(records []Record, source string) []Record {
	var filtered []Record
	for _, r := range records {
		if r.Source == source {
			filtered = append(filtered, r)
		}
	}
	return filtered
}
