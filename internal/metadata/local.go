package metadata

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	uploadsFile = "uploads.jsonl"
	partsFile   = "parts.jsonl"
)

// jsonlEntry is one line of an append-only log. A later line for the same
// identity replaces an earlier one; Deleted tombstones it.
type jsonlEntry struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Deleted bool            `json:"_deleted,omitempty"`
}

// LocalStore persists uploads as JSON-lines logs in a directory. State is
// held in a MemoryStore and rebuilt from the logs at startup.
type LocalStore struct {
	mu      sync.Mutex
	rootDir string
	mem     *MemoryStore
}

// NewLocalStore replays the logs under rootDir and, when compact is set,
// rewrites them without superseded lines.
func NewLocalStore(rootDir string, compact bool) (*LocalStore, error) {
	if rootDir == "" {
		rootDir = "./data/metadata"
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}
	s := &LocalStore{rootDir: rootDir, mem: NewMemoryStore()}
	if err := s.loadAll(); err != nil {
		return nil, fmt.Errorf("loading metadata: %w", err)
	}
	if compact {
		if err := s.compact(); err != nil {
			return nil, fmt.Errorf("compacting metadata: %w", err)
		}
	}
	return s, nil
}

func (s *LocalStore) loadAll() error {
	ctx := context.Background()
	err := s.loadJSONLFile(filepath.Join(s.rootDir, uploadsFile), func(e jsonlEntry) error {
		var u UploadRecord
		if err := json.Unmarshal(e.Data, &u); err != nil {
			return nil
		}
		if e.Deleted {
			return s.mem.DeleteUpload(ctx, u.Bucket, u.UploadID)
		}
		return s.mem.PutUpload(ctx, &u)
	})
	if err != nil {
		return err
	}
	return s.loadJSONLFile(filepath.Join(s.rootDir, partsFile), func(e jsonlEntry) error {
		var p PartRecord
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil
		}
		if e.Deleted {
			s.mem.dropParts(p.Bucket, p.UploadID)
			return nil
		}
		// Parts of an upload that no longer exists are dropped by PutPart.
		_ = s.mem.PutPart(ctx, &p)
		return nil
	})
}

func (s *LocalStore) loadJSONLFile(path string, handler func(jsonlEntry) error) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry jsonlEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// A torn final line from a crash.
			continue
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *LocalStore) appendEntry(filename, typ string, v any, deleted bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line, err := json.Marshal(jsonlEntry{Type: typ, Data: data, Deleted: deleted})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.rootDir, filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// compact rewrites both logs from current state.
func (s *LocalStore) compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := context.Background()

	uploads, _ := s.mem.ListUploads(ctx, "")
	if err := s.writeCompactFile(uploadsFile, func(w *bufio.Writer) error {
		for _, u := range uploads {
			if err := writeJSONLLine(w, "upload", u); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	return s.writeCompactFile(partsFile, func(w *bufio.Writer) error {
		for _, u := range uploads {
			parts, _ := s.mem.ListParts(ctx, u.Bucket, u.UploadID)
			for _, p := range parts {
				if err := writeJSONLLine(w, "part", p); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *LocalStore) writeCompactFile(filename string, write func(*bufio.Writer) error) error {
	path := filepath.Join(s.rootDir, filename)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := write(w); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeJSONLLine(w *bufio.Writer, typ string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line, err := json.Marshal(jsonlEntry{Type: typ, Data: data})
	if err != nil {
		return err
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

func (s *LocalStore) PutUpload(ctx context.Context, u *UploadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendEntry(uploadsFile, "upload", u, false); err != nil {
		return fmt.Errorf("appending upload: %w", err)
	}
	return s.mem.PutUpload(ctx, u)
}

func (s *LocalStore) GetUpload(ctx context.Context, bucket, uploadID string) (*UploadRecord, error) {
	return s.mem.GetUpload(ctx, bucket, uploadID)
}

func (s *LocalStore) DeleteUpload(ctx context.Context, bucket, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tomb := UploadRecord{Bucket: bucket, UploadID: uploadID}
	if err := s.appendEntry(uploadsFile, "upload", tomb, true); err != nil {
		return fmt.Errorf("appending upload tombstone: %w", err)
	}
	if err := s.appendEntry(partsFile, "part", PartRecord{Bucket: bucket, UploadID: uploadID}, true); err != nil {
		return fmt.Errorf("appending parts tombstone: %w", err)
	}
	return s.mem.DeleteUpload(ctx, bucket, uploadID)
}

func (s *LocalStore) PutPart(ctx context.Context, p *PartRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.mem.GetUpload(ctx, p.Bucket, p.UploadID); err != nil {
		return err
	}
	if err := s.appendEntry(partsFile, "part", p, false); err != nil {
		return fmt.Errorf("appending part: %w", err)
	}
	return s.mem.PutPart(ctx, p)
}

func (s *LocalStore) ListParts(ctx context.Context, bucket, uploadID string) ([]PartRecord, error) {
	return s.mem.ListParts(ctx, bucket, uploadID)
}

func (s *LocalStore) ListUploads(ctx context.Context, bucket string) ([]UploadRecord, error) {
	return s.mem.ListUploads(ctx, bucket)
}

func (s *LocalStore) Ping(ctx context.Context) error {
	_, err := os.Stat(s.rootDir)
	return err
}

// Close compacts the logs.
func (s *LocalStore) Close() error {
	return s.compact()
}

var _ UploadStore = (*LocalStore)(nil)
