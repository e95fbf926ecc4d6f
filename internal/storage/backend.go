// Package storage implements the path-addressed blob stores that back the
// gateway's session handle.
//
// A backend holds a tree of folders and files. Paths are slash-separated and
// relative ("Home/S3Buckets/photos/ZmlsZQ"). Every segment must be non-empty
// and must not start with '.', which keeps backend bookkeeping entries out of
// the user-visible namespace.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a file or folder does not exist.
var ErrNotFound = errors.New("storage: not found")

// DefaultContentType is recorded for files stored without a content type.
const DefaultContentType = "application/octet-stream"

// FileInfo describes a stored file.
type FileInfo struct {
	Name         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// FolderInfo describes a folder. Created is the zero time when the backend
// does not track it.
type FolderInfo struct {
	Name    string
	Created time.Time
}

// Listing is the set of immediate children of a folder, each sorted by name.
type Listing struct {
	Folders []FolderInfo
	Files   []FileInfo
}

// StorageBackend is a folder/file store. All methods must be safe for
// concurrent use.
type StorageBackend interface {
	// MakeFolder creates the folder at p and any missing parents.
	MakeFolder(ctx context.Context, p string) error

	// FolderExists reports whether a folder exists at p.
	FolderExists(ctx context.Context, p string) (bool, error)

	// List returns the immediate children of the folder at p, or ErrNotFound.
	List(ctx context.Context, p string) (*Listing, error)

	// PutFile atomically stores r at p. The parent folder must exist.
	PutFile(ctx context.Context, p string, r io.Reader, size int64, contentType string) (*FileInfo, error)

	// GetFile opens the file at p. The caller closes the reader.
	GetFile(ctx context.Context, p string) (io.ReadCloser, *FileInfo, error)

	// StatFile returns the file's metadata or ErrNotFound.
	StatFile(ctx context.Context, p string) (*FileInfo, error)

	// Delete removes the file or folder (recursively) at p. Deleting a
	// missing path succeeds.
	Delete(ctx context.Context, p string) error

	// HealthCheck verifies that the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// CleanPath validates p and returns it without leading or trailing slashes.
func CleanPath(p string) (string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", fmt.Errorf("storage: empty path")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || strings.HasPrefix(seg, ".") || strings.ContainsAny(seg, "\\\x00") {
			return "", fmt.Errorf("storage: invalid path %q", p)
		}
	}
	return p, nil
}

// Join joins path segments with '/'.
func Join(elem ...string) string {
	return strings.TrimPrefix(path.Join(elem...), "/")
}

func splitPath(p string) (parent, name string) {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

func contentTypeOrDefault(ct string) string {
	if ct == "" {
		return DefaultContentType
	}
	return ct
}

func sortListing(l *Listing) {
	sort.Slice(l.Folders, func(i, j int) bool { return l.Folders[i].Name < l.Folders[j].Name })
	sort.Slice(l.Files, func(i, j int) bool { return l.Files[i].Name < l.Files[j].Name })
}

// ctxReader stops a copy as soon as ctx is done, so a queued write honours
// its deadline even when the source is slow.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
