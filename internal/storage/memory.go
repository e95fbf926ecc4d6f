package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

type memFile struct {
	data        []byte
	contentType string
	modified    time.Time
}

// MemoryBackend keeps the whole tree in maps. With a snapshot path it
// restores from and periodically writes a SQLite snapshot so data survives
// restarts.
type MemoryBackend struct {
	mu      sync.RWMutex
	folders map[string]time.Time
	files   map[string]memFile

	snapshotPath     string
	snapshotInterval time.Duration
	stopCh           chan struct{}
	wg               sync.WaitGroup
}

// NewMemoryBackend creates an empty backend. A non-empty snapshotPath loads
// an existing snapshot and, with a positive interval, starts the snapshot loop.
func NewMemoryBackend(snapshotPath string, snapshotInterval time.Duration) (*MemoryBackend, error) {
	b := &MemoryBackend{
		folders:          make(map[string]time.Time),
		files:            make(map[string]memFile),
		snapshotPath:     snapshotPath,
		snapshotInterval: snapshotInterval,
		stopCh:           make(chan struct{}),
	}
	if snapshotPath != "" {
		if err := b.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("loading snapshot: %w", err)
		}
		if snapshotInterval > 0 {
			b.wg.Add(1)
			go b.snapshotLoop()
		}
	}
	return b, nil
}

func (b *MemoryBackend) MakeFolder(ctx context.Context, p string) error {
	clean, err := CleanPath(p)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	for cur := clean; cur != ""; cur, _ = splitPath(cur) {
		if _, isFile := b.files[cur]; isFile {
			return fmt.Errorf("storage: %q is a file", cur)
		}
		if _, ok := b.folders[cur]; !ok {
			b.folders[cur] = now
		}
	}
	return nil
}

func (b *MemoryBackend) FolderExists(ctx context.Context, p string) (bool, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.folders[clean]
	return ok, nil
}

func (b *MemoryBackend) List(ctx context.Context, p string) (*Listing, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.folders[clean]; !ok {
		return nil, fmt.Errorf("folder %q: %w", p, ErrNotFound)
	}
	prefix := clean + "/"
	l := &Listing{}
	for fp, created := range b.folders {
		if name, ok := childName(fp, prefix); ok {
			l.Folders = append(l.Folders, FolderInfo{Name: name, Created: created})
		}
	}
	for fp, f := range b.files {
		if name, ok := childName(fp, prefix); ok {
			l.Files = append(l.Files, FileInfo{
				Name:         name,
				Size:         int64(len(f.data)),
				ContentType:  f.contentType,
				LastModified: f.modified,
			})
		}
	}
	sortListing(l)
	return l, nil
}

// childName returns the last segment of p when p is a direct child of prefix.
func childName(p, prefix string) (string, bool) {
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	rest := p[len(prefix):]
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

func (b *MemoryBackend) PutFile(ctx context.Context, p string, r io.Reader, size int64, contentType string) (*FileInfo, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(ctxReader{ctx: ctx, r: r})
	if err != nil {
		return nil, fmt.Errorf("reading data for %q: %w", p, err)
	}

	parent, name := splitPath(clean)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.folders[parent]; parent != "" && !ok {
		return nil, fmt.Errorf("parent folder of %q: %w", p, ErrNotFound)
	}
	if _, ok := b.folders[clean]; ok {
		return nil, fmt.Errorf("storage: %q is a folder", p)
	}
	f := memFile{data: data, contentType: contentTypeOrDefault(contentType), modified: time.Now().UTC()}
	b.files[clean] = f
	return &FileInfo{Name: name, Size: int64(len(data)), ContentType: f.contentType, LastModified: f.modified}, nil
}

func (b *MemoryBackend) GetFile(ctx context.Context, p string) (io.ReadCloser, *FileInfo, error) {
	fi, data, err := b.lookup(p)
	if err != nil {
		return nil, nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), fi, nil
}

func (b *MemoryBackend) StatFile(ctx context.Context, p string) (*FileInfo, error) {
	fi, _, err := b.lookup(p)
	return fi, err
}

func (b *MemoryBackend) lookup(p string) (*FileInfo, []byte, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, ok := b.files[clean]
	if !ok {
		return nil, nil, fmt.Errorf("file %q: %w", p, ErrNotFound)
	}
	_, name := splitPath(clean)
	// Stored slices are never mutated, so sharing them with readers is safe.
	return &FileInfo{Name: name, Size: int64(len(f.data)), ContentType: f.contentType, LastModified: f.modified}, f.data, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, p string) error {
	clean, err := CleanPath(p)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.files, clean)
	if _, ok := b.folders[clean]; !ok {
		return nil
	}
	delete(b.folders, clean)
	prefix := clean + "/"
	for fp := range b.folders {
		if strings.HasPrefix(fp, prefix) {
			delete(b.folders, fp)
		}
	}
	for fp := range b.files {
		if strings.HasPrefix(fp, prefix) {
			delete(b.files, fp)
		}
	}
	return nil
}

func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	return nil
}

// Close stops the snapshot loop and writes a final snapshot.
func (b *MemoryBackend) Close() error {
	close(b.stopCh)
	b.wg.Wait()
	if b.snapshotPath != "" {
		if err := b.writeSnapshot(); err != nil {
			return fmt.Errorf("writing final snapshot: %w", err)
		}
	}
	return nil
}

func (b *MemoryBackend) snapshotLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if err := b.writeSnapshot(); err != nil {
				slog.Error("Memory backend snapshot failed", "path", b.snapshotPath, "error", err)
			}
		}
	}
}

const timeFormat = time.RFC3339Nano

// loadSnapshot restores state from the snapshot file, if there is one.
func (b *MemoryBackend) loadSnapshot() error {
	if _, err := os.Stat(b.snapshotPath); os.IsNotExist(err) {
		return nil
	}
	db, err := sql.Open("sqlite", b.snapshotPath)
	if err != nil {
		return fmt.Errorf("opening snapshot database: %w", err)
	}
	defer db.Close()

	var tables int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('folder_snapshots', 'file_snapshots')`).Scan(&tables)
	if err != nil {
		return fmt.Errorf("checking snapshot tables: %w", err)
	}
	if tables < 2 {
		return nil
	}

	rows, err := db.Query("SELECT path, created_at FROM folder_snapshots")
	if err != nil {
		return fmt.Errorf("querying folder snapshots: %w", err)
	}
	for rows.Next() {
		var p, created string
		if err := rows.Scan(&p, &created); err != nil {
			rows.Close()
			return fmt.Errorf("scanning folder snapshot row: %w", err)
		}
		t, _ := time.Parse(timeFormat, created)
		b.folders[p] = t
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating folder snapshot rows: %w", err)
	}

	rows, err = db.Query("SELECT path, data, content_type, modified_at FROM file_snapshots")
	if err != nil {
		return fmt.Errorf("querying file snapshots: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p, ct, modified string
		var data []byte
		if err := rows.Scan(&p, &data, &ct, &modified); err != nil {
			return fmt.Errorf("scanning file snapshot row: %w", err)
		}
		t, _ := time.Parse(timeFormat, modified)
		b.files[p] = memFile{data: data, contentType: ct, modified: t}
	}
	return rows.Err()
}

// writeSnapshot writes the current state to a temp database and renames it
// over the snapshot path.
func (b *MemoryBackend) writeSnapshot() error {
	b.mu.RLock()
	folders := make(map[string]time.Time, len(b.folders))
	for k, v := range b.folders {
		folders[k] = v
	}
	files := make(map[string]memFile, len(b.files))
	for k, v := range b.files {
		files[k] = v
	}
	b.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(b.snapshotPath), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	tmpPath := b.snapshotPath + ".tmp"
	os.Remove(tmpPath)

	db, err := sql.Open("sqlite", tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp snapshot database: %w", err)
	}
	fail := func(err error) error {
		db.Close()
		os.Remove(tmpPath)
		return err
	}

	schema := `
		PRAGMA synchronous = FULL;

		CREATE TABLE folder_snapshots (
			path       TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		);

		CREATE TABLE file_snapshots (
			path         TEXT PRIMARY KEY,
			data         BLOB NOT NULL,
			content_type TEXT NOT NULL,
			modified_at  TEXT NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return fail(fmt.Errorf("creating snapshot schema: %w", err))
	}

	tx, err := db.Begin()
	if err != nil {
		return fail(fmt.Errorf("beginning snapshot transaction: %w", err))
	}
	for _, p := range sortedKeys(folders) {
		if _, err := tx.Exec("INSERT INTO folder_snapshots (path, created_at) VALUES (?, ?)",
			p, folders[p].Format(timeFormat)); err != nil {
			tx.Rollback()
			return fail(fmt.Errorf("inserting folder %q: %w", p, err))
		}
	}
	for _, p := range sortedKeys(files) {
		f := files[p]
		if _, err := tx.Exec("INSERT INTO file_snapshots (path, data, content_type, modified_at) VALUES (?, ?, ?, ?)",
			p, f.data, f.contentType, f.modified.Format(timeFormat)); err != nil {
			tx.Rollback()
			return fail(fmt.Errorf("inserting file %q: %w", p, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fail(fmt.Errorf("committing snapshot transaction: %w", err))
	}
	if err := db.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp snapshot database: %w", err)
	}
	if err := os.Rename(tmpPath, b.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming snapshot file: %w", err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
