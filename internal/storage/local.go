package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/s3gate/s3gate/internal/uid"
)

// metaDir holds per-file sidecar metadata inside every folder.
const metaDir = ".meta"

type localMeta struct {
	ContentType string `json:"content_type"`
}

// LocalBackend stores folders as directories and files as regular files
// under RootDir. Writes go through RootDir/.tmp and are renamed into place.
type LocalBackend struct {
	RootDir string
}

// NewLocalBackend creates the root and temp directories if needed.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(filepath.Join(rootDir, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root %q: %w", rootDir, err)
	}
	return &LocalBackend{RootDir: rootDir}, nil
}

// CleanTempFiles removes writes that were interrupted by a crash.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, e := range entries {
		os.RemoveAll(filepath.Join(tmpDir, e.Name()))
	}
	return nil
}

func (b *LocalBackend) fsPath(p string) (string, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.RootDir, filepath.FromSlash(clean)), nil
}

func metaPath(file string) string {
	dir, name := filepath.Split(file)
	return filepath.Join(dir, metaDir, name+".json")
}

func (b *LocalBackend) MakeFolder(ctx context.Context, p string) error {
	dir, err := b.fsPath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating folder %q: %w", p, err)
	}
	return nil
}

func (b *LocalBackend) FolderExists(ctx context.Context, p string) (bool, error) {
	dir, err := b.fsPath(p)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat folder %q: %w", p, err)
	}
	return info.IsDir(), nil
}

func (b *LocalBackend) List(ctx context.Context, p string) (*Listing, error) {
	dir, err := b.fsPath(p)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return nil, fmt.Errorf("folder %q: %w", p, ErrNotFound)
		}
		return nil, fmt.Errorf("reading folder %q: %w", p, err)
	}

	l := &Listing{}
	for _, e := range entries {
		if e.Name()[0] == '.' {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		if e.IsDir() {
			l.Folders = append(l.Folders, FolderInfo{Name: e.Name(), Created: info.ModTime().UTC()})
			continue
		}
		l.Files = append(l.Files, b.fileInfo(filepath.Join(dir, e.Name()), info))
	}
	sortListing(l)
	return l, nil
}

func (b *LocalBackend) fileInfo(file string, info fs.FileInfo) FileInfo {
	fi := FileInfo{
		Name:         info.Name(),
		Size:         info.Size(),
		ContentType:  DefaultContentType,
		LastModified: info.ModTime().UTC(),
	}
	if data, err := os.ReadFile(metaPath(file)); err == nil {
		var m localMeta
		if json.Unmarshal(data, &m) == nil && m.ContentType != "" {
			fi.ContentType = m.ContentType
		}
	}
	return fi
}

// PutFile writes with the temp file, fsync, rename pattern, then records the
// content type in the folder's sidecar directory.
func (b *LocalBackend) PutFile(ctx context.Context, p string, r io.Reader, size int64, contentType string) (*FileInfo, error) {
	dst, err := b.fsPath(p)
	if err != nil {
		return nil, err
	}
	parent := filepath.Dir(dst)
	if info, err := os.Stat(parent); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("parent folder of %q: %w", p, ErrNotFound)
	}
	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		return nil, fmt.Errorf("storage: %q is a folder", p)
	}

	if err := b.writeAtomic(dst, ctxReader{ctx: ctx, r: r}); err != nil {
		return nil, fmt.Errorf("writing %q: %w", p, err)
	}

	meta, _ := json.Marshal(localMeta{ContentType: contentTypeOrDefault(contentType)})
	if err := os.MkdirAll(filepath.Join(parent, metaDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}
	if err := b.writeAtomic(metaPath(dst), bytes.NewReader(meta)); err != nil {
		return nil, fmt.Errorf("writing metadata for %q: %w", p, err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", p, err)
	}
	fi := b.fileInfo(dst, info)
	return &fi, nil
}

func (b *LocalBackend) writeAtomic(dst string, r io.Reader) error {
	tmpPath := filepath.Join(b.RootDir, ".tmp", "tmp-"+uid.New())
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

func (b *LocalBackend) GetFile(ctx context.Context, p string) (io.ReadCloser, *FileInfo, error) {
	file, err := b.fsPath(p)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return nil, nil, fmt.Errorf("file %q: %w", p, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("opening %q: %w", p, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat %q: %w", p, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fmt.Errorf("file %q: %w", p, ErrNotFound)
	}
	fi := b.fileInfo(file, info)
	return f, &fi, nil
}

func (b *LocalBackend) StatFile(ctx context.Context, p string) (*FileInfo, error) {
	file, err := b.fsPath(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(file)
	if err != nil || info.IsDir() {
		if err == nil || errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return nil, fmt.Errorf("file %q: %w", p, ErrNotFound)
		}
		return nil, fmt.Errorf("stat %q: %w", p, err)
	}
	fi := b.fileInfo(file, info)
	return &fi, nil
}

func (b *LocalBackend) Delete(ctx context.Context, p string) error {
	target, err := b.fsPath(p)
	if err != nil {
		return err
	}
	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return nil
		}
		return fmt.Errorf("stat %q: %w", p, err)
	}
	if info.IsDir() {
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("removing folder %q: %w", p, err)
		}
		return nil
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %q: %w", p, err)
	}
	os.Remove(metaPath(target))
	os.Remove(filepath.Join(filepath.Dir(target), metaDir)) // only succeeds when empty
	return nil
}

func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(b.RootDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("storage root %q is not a directory", b.RootDir)
	}
	// Touch the temp directory to prove the root is writable.
	probe := filepath.Join(b.RootDir, ".tmp", "health-"+time.Now().UTC().Format("20060102T150405.000000000"))
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return fmt.Errorf("storage root not writable: %w", err)
	}
	return os.Remove(probe)
}
