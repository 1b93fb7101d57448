package summarystore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPutIsContentAddressed(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	id1, err := s.Put("the document body", "a short summary")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	id2, err := s.Put("the document body", "a different summary text")
	if err != nil {
		t.Fatalf("put again: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected identical document to reuse summary id, got %q and %q", id1, id2)
	}

	summary, err := s.Summary(id1)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary != "a short summary" {
		t.Fatalf("expected first summary to win, got %q", summary)
	}
}

func TestReadSourceLineRange(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	doc := "line1\nline2\nline3\nline4"
	id, err := s.Put(doc, "summary")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	full, err := s.ReadSource(id, 0, 0)
	if err != nil || full != doc {
		t.Fatalf("expected full doc, got %q, err %v", full, err)
	}

	slice, err := s.ReadSource(id, 2, 3)
	if err != nil {
		t.Fatalf("read source: %v", err)
	}
	if slice != "line2\nline3" {
		t.Fatalf("want %q, got %q", "line2\nline3", slice)
	}
}

func TestWriteSourceCopiesOriginal(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, err := s.Put("original content", "summary")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "nested", "out.txt")
	if err := s.WriteSource(id, dest); err != nil {
		t.Fatalf("write source: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(got) != "original content" {
		t.Fatalf("want %q, got %q", "original content", string(got))
	}
}

func TestOpenTreatsCorruptHashMapAsEmptyWithWarning(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "summary_hash_map.json"), []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Warning() == nil {
		t.Fatalf("expected a warning about the corrupt hash map")
	}
	if len(s.hashMap) != 0 {
		t.Fatalf("expected empty hash map after corruption recovery")
	}

	// Store should still be usable after recovery.
	if _, err := s.Put("doc", "summary"); err != nil {
		t.Fatalf("put after recovery: %v", err)
	}
}

func TestReopenReusesExistingHashMap(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, err := s1.Put("persisted document", "persisted summary")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	id2, err := s2.Put("persisted document", "ignored on dedup")
	if err != nil {
		t.Fatalf("put on reopened store: %v", err)
	}
	if id != id2 {
		t.Fatalf("expected reopened store to recognize existing document, got %q vs %q", id, id2)
	}
}
