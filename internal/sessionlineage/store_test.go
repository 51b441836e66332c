package sessionlineage

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestEnsureInitializedAndAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")

	store, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	root, err := store.EnsureInitialized("you are a helpful agent")
	if err != nil {
		t.Fatalf("ensure initialized: %v", err)
	}
	if root == "" {
		t.Fatalf("expected non-empty root id")
	}

	child, err := store.Append(root, Message{Role: "user", Content: "hello"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.SetHead(child); err != nil {
		t.Fatalf("set head: %v", err)
	}

	msgs, err := store.LineageMessages(store.ActiveHead())
	if err != nil {
		t.Fatalf("lineage messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Content != "hello" {
		t.Fatalf("unexpected lineage: %+v", msgs)
	}
}

func TestBranchingKeepsBothPaths(t *testing.T) {
	dir := t.TempDir()
	store, err := Load(filepath.Join(dir, "session.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	root, _ := store.EnsureInitialized("sys")
	branchA, err := store.Append(root, Message{Role: "user", Content: "path A"})
	if err != nil {
		t.Fatalf("append a: %v", err)
	}
	branchB, err := store.Append(root, Message{Role: "user", Content: "path B"})
	if err != nil {
		t.Fatalf("append b: %v", err)
	}

	msgsA, err := store.LineageMessages(branchA)
	if err != nil {
		t.Fatalf("lineage a: %v", err)
	}
	msgsB, err := store.LineageMessages(branchB)
	if err != nil {
		t.Fatalf("lineage b: %v", err)
	}
	if msgsA[len(msgsA)-1].Content != "path A" || msgsB[len(msgsB)-1].Content != "path B" {
		t.Fatalf("branches diverged incorrectly: %+v %+v", msgsA, msgsB)
	}
}

func TestExportLineageJSONL(t *testing.T) {
	dir := t.TempDir()
	store, err := Load(filepath.Join(dir, "session.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	root, _ := store.EnsureInitialized("sys")
	child, _ := store.Append(root, Message{Role: "user", Content: "hi"})

	jsonl, err := store.ExportLineageJSONL(child)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := strings.Split(strings.TrimRight(jsonl, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), jsonl)
	}
}

func TestStaleLockIsReclaimed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	store, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	store.SetLockPolicy(200, 10)

	lockPath := path + ".lock"
	stale := time.Now().Add(-time.Hour).UnixMilli()
	if err := os.WriteFile(lockPath, []byte("999999 "+strconv.FormatInt(stale, 10)), 0o644); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	if _, err := store.EnsureInitialized("sys"); err != nil {
		t.Fatalf("expected stale lock reclaim to succeed, got: %v", err)
	}
}

func TestLockUnavailableWhenHeldAndFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	store, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	store.SetLockPolicy(50, 60_000)

	lockPath := path + ".lock"
	if err := os.WriteFile(lockPath, []byte("999999 "+strconv.FormatInt(time.Now().UnixMilli(), 10)), 0o644); err != nil {
		t.Fatalf("seed fresh lock: %v", err)
	}

	if _, err := store.EnsureInitialized("sys"); err == nil {
		t.Fatalf("expected lock unavailable error")
	}
}
