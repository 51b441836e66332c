package incident

import (
	"path/filepath"
	"testing"
)

func TestAppendAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	timeline, err := Open(filepath.Join(dir, "incidents.jsonl"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := timeline.Append(Record{TimestampUnixMs: 1, Source: "toolpolicy", ReasonCode: "tool_rate_limited"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := timeline.Append(Record{TimestampUnixMs: 2, Source: "toolpolicy", ReasonCode: "path_escape"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	result, err := timeline.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(result.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(result.Records))
	}
}

func TestLoadMissingFileReturnsEmptyNotError(t *testing.T) {
	timeline, err := Open(filepath.Join(t.TempDir(), "sub", "incidents.jsonl"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	result, err := timeline.Load()
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if len(result.Records) != 0 {
		t.Fatalf("expected no records, got %v", result.Records)
	}
}

func TestReasonCodeHistogramOrdersByCountThenCode(t *testing.T) {
	records := []Record{
		{ReasonCode: "tool_rate_limited"},
		{ReasonCode: "tool_rate_limited"},
		{ReasonCode: "path_escape"},
		{ReasonCode: "sandbox_required_unavailable"},
	}
	histogram := ReasonCodeHistogram(records)
	if histogram[0].ReasonCode != "tool_rate_limited" || histogram[0].Count != 2 {
		t.Fatalf("expected tool_rate_limited first with count 2, got %+v", histogram[0])
	}
	if histogram[1].ReasonCode != "path_escape" {
		t.Fatalf("expected path_escape before sandbox_required_unavailable on tie, got %+v", histogram[1])
	}
}

func TestFilterBySource(t *testing.T) {
	records := []Record{
		{Source: "toolpolicy", ReasonCode: "a"},
		{Source: "rbac", ReasonCode: "b"},
	}
	filtered := FilterBySource(records, "rbac")
	if len(filtered) != 1 || filtered[0].ReasonCode != "b" {
		t.Fatalf("unexpected filter result: %+v", filtered)
	}
}
