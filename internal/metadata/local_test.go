package metadata

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLocalStore(t *testing.T, dir string) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(dir, false)
	if err != nil {
		t.Fatalf("NewLocalStore(%q): %v", dir, err)
	}
	return s
}

func TestLocalStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) UploadStore {
		s := newTestLocalStore(t, t.TempDir())
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestLocalStoreReplay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := newTestLocalStore(t, dir)
	mustPutUpload(t, s, testUpload("photos", "a2V5", "key"))
	mustPutUpload(t, s, testUpload("photos", "Z29uZQ", "gone"))
	for _, n := range []int{1, 2} {
		if err := s.PutPart(ctx, testPart("photos", "a2V5", n)); err != nil {
			t.Fatalf("PutPart: %v", err)
		}
	}
	if err := s.DeleteUpload(ctx, "photos", "Z29uZQ"); err != nil {
		t.Fatalf("DeleteUpload: %v", err)
	}

	// Reopen without Close so the raw log is replayed.
	s2 := newTestLocalStore(t, dir)
	defer s2.Close()

	uploads, err := s2.ListUploads(ctx, "")
	if err != nil {
		t.Fatalf("ListUploads: %v", err)
	}
	if len(uploads) != 1 || uploads[0].Key != "key" {
		t.Fatalf("uploads = %+v", uploads)
	}
	parts, err := s2.ListParts(ctx, "photos", "a2V5")
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(parts) != 2 {
		t.Errorf("len(parts) = %d, want 2", len(parts))
	}
}

func TestLocalStoreCompaction(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := newTestLocalStore(t, dir)
	for i := 0; i < 5; i++ {
		mustPutUpload(t, s, testUpload("photos", "a2V5", "key"))
	}
	mustPutUpload(t, s, testUpload("photos", "Z29uZQ", "gone"))
	if err := s.DeleteUpload(ctx, "photos", "Z29uZQ"); err != nil {
		t.Fatalf("DeleteUpload: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, uploadsFile))
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Errorf("compacted log has %d lines, want 1:\n%s", len(lines), data)
	}
}
