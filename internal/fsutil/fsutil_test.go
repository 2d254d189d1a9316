package fsutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"planbox/internal/fsutil"
)

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yml")
	if err := fsutil.AtomicWrite(path, []byte("content")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "content" {
		t.Fatalf("read back: %q %v", data, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("stray files left behind: %v", entries)
	}
}

func TestUniquePathNumbersCollisions(t *testing.T) {
	dir := t.TempDir()

	first, err := fsutil.UniquePath(dir, "bundle.json")
	if err != nil {
		t.Fatalf("unique: %v", err)
	}
	if filepath.Base(first) != "bundle.json" {
		t.Fatalf("first = %s", first)
	}
	if err := os.WriteFile(first, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	second, err := fsutil.UniquePath(dir, "bundle.json")
	if err != nil {
		t.Fatalf("unique: %v", err)
	}
	if filepath.Base(second) != "bundle.1.json" {
		t.Fatalf("second = %s", second)
	}
	if err := os.WriteFile(second, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	third, err := fsutil.UniquePath(dir, "bundle.json")
	if err != nil {
		t.Fatalf("unique: %v", err)
	}
	if filepath.Base(third) != "bundle.2.json" {
		t.Fatalf("third = %s", third)
	}
}
