package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestMemoryBackendContract(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) StorageBackend {
		b, err := NewMemoryBackend("", 0)
		if err != nil {
			t.Fatalf("NewMemoryBackend: %v", err)
		}
		return b
	})
}

func TestMemorySnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.db")
	b, err := NewMemoryBackend(path, 0)
	if err != nil {
		t.Fatalf("NewMemoryBackend: %v", err)
	}
	mustMakeFolder(t, b, "Home/S3Buckets/b1")
	mustMakeFolder(t, b, "Home/S3Buckets/empty")
	mustPut(t, b, "Home/S3Buckets/b1/tok", "persisted", "text/plain")
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	restored, err := NewMemoryBackend(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer restored.Close()
	if got := mustRead(t, restored, "Home/S3Buckets/b1/tok"); got != "persisted" {
		t.Errorf("restored data = %q", got)
	}
	ok, err := restored.FolderExists(context.Background(), "Home/S3Buckets/empty")
	if err != nil || !ok {
		t.Errorf("empty folder not restored: %v, %v", ok, err)
	}
	st, err := restored.StatFile(context.Background(), "Home/S3Buckets/b1/tok")
	if err != nil || st.ContentType != "text/plain" || st.LastModified.IsZero() {
		t.Errorf("restored stat = %+v, %v", st, err)
	}
}
