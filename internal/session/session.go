// Package session owns the gateway's single handle on the storage backend.
//
// A Session keeps a directory cursor and a buffer of pending writes, mirroring
// a backend that accepts one write session at a time. Cursor methods
// (LoadDirectory, CreateFolders, QueuePrivate, ProcessAllQueues,
// DeleteTargets) are not safe for concurrent use and must only run inside
// tasks of the gateway's sequential queue. The path-addressed read methods
// never touch the cursor and may be called from any goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/s3gate/s3gate/internal/keycodec"
	"github.com/s3gate/s3gate/internal/metrics"
	"github.com/s3gate/s3gate/internal/storage"
	"github.com/s3gate/s3gate/internal/tracing"
)

// HomeFolder is the root folder every session path lives under.
const HomeFolder = "Home"

// ErrNotFound is returned when a folder or file does not exist. It is the
// storage sentinel, so errors.Is matches either name.
var ErrNotFound = storage.ErrNotFound

var tracer = otel.Tracer("github.com/s3gate/s3gate/internal/session")

// RetryPolicy bounds how LoadDirectory retries transient backend failures.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	// MaxDelay caps exponential backoff. Ignored for fixed delays.
	MaxDelay    time.Duration
	Exponential bool
}

// DefaultRetryPolicy is ten attempts one second apart.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 10, Delay: time.Second}

// backoff returns the wait before retry number attempt (1-based).
func (p RetryPolicy) backoff(attempt int, err error) time.Duration {
	if !p.Exponential {
		return p.Delay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 20 * p.Delay
	}
	d, berr := retry.NewExponentialJitterBackoff(maxDelay).BackoffDelay(attempt, err)
	if berr != nil || d < p.Delay {
		return p.Delay
	}
	return d
}

// DirectoryError reports that the cursor could not be moved after every
// retry was spent.
type DirectoryError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("session: loading directory %q failed after %d attempts: %v", e.Path, e.Attempts, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

// PendingFile is a write staged by QueuePrivate.
type PendingFile struct {
	Name        string
	Body        io.Reader
	Size        int64
	ContentType string
}

// Options configures Open.
type Options struct {
	BaseFolder string
	Retry      RetryPolicy
}

// Session is the explicitly constructed backend handle.
type Session struct {
	backend storage.StorageBackend
	base    string
	retry   RetryPolicy
	sleep   func(ctx context.Context, d time.Duration) error

	cwd     string
	entries *storage.Listing
	pending []PendingFile
}

// Open ensures Home/<BaseFolder> exists and positions the cursor there.
func Open(ctx context.Context, backend storage.StorageBackend, opts Options) (*Session, error) {
	if opts.BaseFolder == "" {
		return nil, errors.New("session: base folder is required")
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy
	}
	base := storage.Join(HomeFolder, opts.BaseFolder)
	if _, err := storage.CleanPath(base); err != nil {
		return nil, fmt.Errorf("session: base folder %q: %w", opts.BaseFolder, err)
	}
	if err := backend.MakeFolder(ctx, base); err != nil {
		return nil, fmt.Errorf("session: creating base folder: %w", err)
	}
	s := &Session{
		backend: backend,
		base:    base,
		retry:   opts.Retry,
		sleep:   sleepCtx,
		cwd:     base,
	}
	slog.Info("Storage session opened", "base", base)
	return s, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Base returns Home/<baseFolder>.
func (s *Session) Base() string { return s.base }

// BucketPath returns the folder holding a bucket's objects.
func (s *Session) BucketPath(bucket string) string { return storage.Join(s.base, bucket) }

// ObjectPath returns the file path of key inside bucket.
func (s *Session) ObjectPath(bucket, key string) string {
	return storage.Join(s.base, bucket, keycodec.Encode(key))
}

// Cwd returns the cursor's folder.
func (s *Session) Cwd() string { return s.cwd }

// LoadDirectory moves the cursor to path. A missing folder fails at once with
// ErrNotFound; other failures are retried under the session's RetryPolicy.
func (s *Session) LoadDirectory(ctx context.Context, path string) error {
	ctx, span := tracer.Start(ctx, "session.LoadDirectory")
	span.SetAttributes(attribute.String("path", path))
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		l, err := s.backend.List(ctx, path)
		if err == nil {
			s.cwd, s.entries = path, l
			span.SetAttributes(attribute.Int("attempts", attempt))
			return nil
		}
		if errors.Is(err, storage.ErrNotFound) {
			tracing.RecordError(span, err)
			return fmt.Errorf("session: directory %q: %w", path, err)
		}
		lastErr = err
		if attempt == s.retry.MaxAttempts {
			break
		}
		metrics.DirectoryLoadRetriesTotal.Inc()
		delay := s.retry.backoff(attempt, err)
		slog.Warn("Directory load failed, retrying", "path", path, "attempt", attempt, "delay", delay, "error", err)
		if err := s.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	derr := &DirectoryError{Path: path, Attempts: s.retry.MaxAttempts, Err: lastErr}
	tracing.RecordError(span, derr)
	return derr
}

// CreateFolders creates each name as a child of the cursor folder.
func (s *Session) CreateFolders(ctx context.Context, names ...string) error {
	ctx, span := tracer.Start(ctx, "session.CreateFolders")
	defer span.End()
	for _, name := range names {
		if err := checkName(name); err != nil {
			tracing.RecordError(span, err)
			return err
		}
		if s.hasFolder(name) {
			continue
		}
		if err := s.backend.MakeFolder(ctx, storage.Join(s.cwd, name)); err != nil {
			tracing.RecordError(span, err)
			return fmt.Errorf("session: creating folder %q in %q: %w", name, s.cwd, err)
		}
	}
	s.entries = nil
	return nil
}

func (s *Session) hasFolder(name string) bool {
	if s.entries == nil {
		return false
	}
	for _, f := range s.entries.Folders {
		if f.Name == name {
			return true
		}
	}
	return false
}

// QueuePrivate stages a file for upload into the cursor folder.
func (s *Session) QueuePrivate(f PendingFile) error {
	if err := checkName(f.Name); err != nil {
		return err
	}
	s.pending = append(s.pending, f)
	return nil
}

// Pending reports how many files are staged.
func (s *Session) Pending() int { return len(s.pending) }

// ProcessAllQueues uploads the staged files into the cursor folder in the
// order they were staged. The buffer is cleared whether or not it succeeds.
func (s *Session) ProcessAllQueues(ctx context.Context) ([]storage.FileInfo, error) {
	ctx, span := tracer.Start(ctx, "session.ProcessAllQueues")
	span.SetAttributes(attribute.String("path", s.cwd), attribute.Int("files", len(s.pending)))
	defer span.End()

	pending := s.pending
	s.pending = nil
	out := make([]storage.FileInfo, 0, len(pending))
	for _, f := range pending {
		fi, err := s.backend.PutFile(ctx, storage.Join(s.cwd, f.Name), f.Body, f.Size, f.ContentType)
		if err != nil {
			tracing.RecordError(span, err)
			return out, fmt.Errorf("session: uploading %q to %q: %w", f.Name, s.cwd, err)
		}
		out = append(out, *fi)
	}
	s.entries = nil
	return out, nil
}

// DeleteTargets removes each path (file or folder).
func (s *Session) DeleteTargets(ctx context.Context, paths ...string) error {
	ctx, span := tracer.Start(ctx, "session.DeleteTargets")
	defer span.End()
	var errs []error
	for _, p := range paths {
		if err := s.backend.Delete(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("session: deleting %q: %w", p, err))
		}
	}
	s.entries = nil
	err := errors.Join(errs...)
	tracing.RecordError(span, err)
	return err
}

// ListFolder returns the children of the folder at path.
func (s *Session) ListFolder(ctx context.Context, path string) (*storage.Listing, error) {
	return s.backend.List(ctx, path)
}

// FolderExists reports whether path is a folder.
func (s *Session) FolderExists(ctx context.Context, path string) (bool, error) {
	return s.backend.FolderExists(ctx, path)
}

// FileMetaData returns the metadata of the file at path.
func (s *Session) FileMetaData(ctx context.Context, path string) (*storage.FileInfo, error) {
	return s.backend.StatFile(ctx, path)
}

// DownloadFile opens the file at path.
func (s *Session) DownloadFile(ctx context.Context, path string) (io.ReadCloser, *storage.FileInfo, error) {
	return s.backend.GetFile(ctx, path)
}

// HealthCheck probes the backend.
func (s *Session) HealthCheck(ctx context.Context) error {
	return s.backend.HealthCheck(ctx)
}

func checkName(name string) error {
	if strings.Contains(name, "/") {
		return fmt.Errorf("session: name %q contains a separator", name)
	}
	if _, err := storage.CleanPath(name); err != nil {
		return fmt.Errorf("session: invalid name %q: %w", name, err)
	}
	return nil
}
