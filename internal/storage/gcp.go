package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSAPI is the subset of the Cloud Storage client the gateway backend uses.
type GCSAPI interface {
	// NewWriter returns a writer for the object. The object becomes visible
	// when the writer is closed.
	NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, object string) error
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// List returns objects under prefix. With a delimiter, deeper names are
	// rolled up into entries that only carry Prefix.
	List(ctx context.Context, bucket, prefix, delimiter string) ([]GCSAttrs, error)
}

// GCSAttrs holds the object attributes the backend reads.
type GCSAttrs struct {
	Name        string
	Prefix      string
	Size        int64
	ContentType string
	Updated     time.Time
}

type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Name: attrs.Name, Size: attrs.Size, ContentType: attrs.ContentType, Updated: attrs.Updated}, nil
}

func (c *realGCSClient) List(ctx context.Context, bucket, prefix, delimiter string) ([]GCSAttrs, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix, Delimiter: delimiter})
	var out []GCSAttrs
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, GCSAttrs{
			Name:        attrs.Name,
			Prefix:      attrs.Prefix,
			Size:        attrs.Size,
			ContentType: attrs.ContentType,
			Updated:     attrs.Updated,
		})
	}
	return out, nil
}

// GCPGatewayBackend stores the tree in a single upstream GCS bucket, using
// the same key layout as AWSGatewayBackend: files at {prefix}{path} and
// zero-byte folder markers at {prefix}{path}/.
type GCPGatewayBackend struct {
	Bucket  string
	Project string
	Prefix  string
	client  GCSAPI
}

// NewGCPGatewayBackend creates a client with Application Default Credentials
// and checks that the bucket can be listed.
func NewGCPGatewayBackend(ctx context.Context, bucket, project, prefix string) (*GCPGatewayBackend, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	b := NewGCPGatewayBackendWithClient(bucket, project, prefix, &realGCSClient{client: client})
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", bucket, err)
	}
	slog.Info("GCP gateway backend initialized", "bucket", bucket, "project", project, "prefix", prefix)
	return b, nil
}

// NewGCPGatewayBackendWithClient wraps an existing client.
func NewGCPGatewayBackendWithClient(bucket, project, prefix string, client GCSAPI) *GCPGatewayBackend {
	return &GCPGatewayBackend{Bucket: bucket, Project: project, Prefix: prefix, client: client}
}

func (b *GCPGatewayBackend) key(p string) string { return b.Prefix + p }

func (b *GCPGatewayBackend) write(ctx context.Context, object, contentType string, r io.Reader) error {
	w := b.client.NewWriter(ctx, b.Bucket, object, contentType)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (b *GCPGatewayBackend) MakeFolder(ctx context.Context, p string) error {
	clean, err := CleanPath(p)
	if err != nil {
		return err
	}
	for cur := clean; cur != ""; cur, _ = splitPath(cur) {
		if err := b.write(ctx, b.key(cur)+"/", "", strings.NewReader("")); err != nil {
			return fmt.Errorf("creating folder marker %q: %w", cur, err)
		}
	}
	return nil
}

func (b *GCPGatewayBackend) FolderExists(ctx context.Context, p string) (bool, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	_, err = b.client.Attrs(ctx, b.Bucket, b.key(clean)+"/")
	if err == nil {
		return true, nil
	}
	if !isGCSNotFound(err) {
		return false, fmt.Errorf("checking folder %q: %w", p, err)
	}
	entries, err := b.client.List(ctx, b.Bucket, b.key(clean)+"/", "/")
	if err != nil {
		return false, fmt.Errorf("listing folder %q: %w", p, err)
	}
	return len(entries) > 0, nil
}

func (b *GCPGatewayBackend) List(ctx context.Context, p string) (*Listing, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	ok, err := b.FolderExists(ctx, clean)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("folder %q: %w", p, ErrNotFound)
	}

	prefix := b.key(clean) + "/"
	entries, err := b.client.List(ctx, b.Bucket, prefix, "/")
	if err != nil {
		return nil, fmt.Errorf("listing folder %q: %w", p, err)
	}
	l := &Listing{}
	for _, e := range entries {
		if e.Prefix != "" {
			if name := strings.TrimSuffix(strings.TrimPrefix(e.Prefix, prefix), "/"); name != "" {
				l.Folders = append(l.Folders, FolderInfo{Name: name})
			}
			continue
		}
		name := strings.TrimPrefix(e.Name, prefix)
		if name == "" {
			continue
		}
		l.Files = append(l.Files, FileInfo{
			Name:         name,
			Size:         e.Size,
			ContentType:  contentTypeOrDefault(e.ContentType),
			LastModified: e.Updated.UTC(),
		})
	}
	sortListing(l)
	return l, nil
}

func (b *GCPGatewayBackend) PutFile(ctx context.Context, p string, r io.Reader, size int64, contentType string) (*FileInfo, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	parent, _ := splitPath(clean)
	if parent != "" {
		ok, err := b.FolderExists(ctx, parent)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("parent folder of %q: %w", p, ErrNotFound)
		}
	}
	if err := b.write(ctx, b.key(clean), contentTypeOrDefault(contentType), ctxReader{ctx: ctx, r: r}); err != nil {
		return nil, fmt.Errorf("uploading %q to GCS: %w", p, err)
	}
	return b.StatFile(ctx, clean)
}

func (b *GCPGatewayBackend) GetFile(ctx context.Context, p string) (io.ReadCloser, *FileInfo, error) {
	fi, err := b.StatFile(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	clean, _ := CleanPath(p)
	rc, err := b.client.NewReader(ctx, b.Bucket, b.key(clean))
	if err != nil {
		if isGCSNotFound(err) {
			return nil, nil, fmt.Errorf("file %q: %w", p, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("getting %q from GCS: %w", p, err)
	}
	return rc, fi, nil
}

func (b *GCPGatewayBackend) StatFile(ctx context.Context, p string) (*FileInfo, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	attrs, err := b.client.Attrs(ctx, b.Bucket, b.key(clean))
	if err != nil {
		if isGCSNotFound(err) {
			return nil, fmt.Errorf("file %q: %w", p, ErrNotFound)
		}
		return nil, fmt.Errorf("stat %q in GCS: %w", p, err)
	}
	_, name := splitPath(clean)
	return &FileInfo{
		Name:         name,
		Size:         attrs.Size,
		ContentType:  contentTypeOrDefault(attrs.ContentType),
		LastModified: attrs.Updated.UTC(),
	}, nil
}

// Delete removes the object at p and every object under p/. GCS reports
// missing objects as errors, which are ignored.
func (b *GCPGatewayBackend) Delete(ctx context.Context, p string) error {
	clean, err := CleanPath(p)
	if err != nil {
		return err
	}
	if err := b.client.Delete(ctx, b.Bucket, b.key(clean)); err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting %q from GCS: %w", p, err)
	}
	entries, err := b.client.List(ctx, b.Bucket, b.key(clean)+"/", "")
	if err != nil {
		return fmt.Errorf("listing %q for delete: %w", p, err)
	}
	for _, e := range entries {
		if err := b.client.Delete(ctx, b.Bucket, e.Name); err != nil && !isGCSNotFound(err) {
			return fmt.Errorf("deleting %q from GCS: %w", e.Name, err)
		}
	}
	return nil
}

func (b *GCPGatewayBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.List(ctx, b.Bucket, b.Prefix+"\x00probe", "/")
	return err
}

func isGCSNotFound(err error) bool {
	return errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist)
}

var _ StorageBackend = (*GCPGatewayBackend)(nil)
