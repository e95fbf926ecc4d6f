package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureBlobAPI is the subset of the Azure Blob client the gateway backend
// uses.
type AzureBlobAPI interface {
	// UploadBlob writes a block blob, overwriting any existing one.
	UploadBlob(ctx context.Context, containerName, blobName string, r io.Reader, contentType string) error
	DownloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, error)
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	GetBlobProperties(ctx context.Context, containerName, blobName string) (*AzureBlobItem, error)
	// ListBlobs lists blobs under prefix. With a delimiter, deeper names are
	// rolled up into entries that only carry Prefix.
	ListBlobs(ctx context.Context, containerName, prefix, delimiter string) ([]AzureBlobItem, error)
	ContainerExists(ctx context.Context, containerName string) error
}

// AzureBlobItem is a blob or, in hierarchical listings, a virtual directory.
type AzureBlobItem struct {
	Name         string
	Prefix       string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// AzureGatewayBackend stores the tree in a single upstream container. Files
// live at {prefix}{path} and folders are zero-byte {prefix}{path}/ blobs.
type AzureGatewayBackend struct {
	Container  string
	AccountURL string
	Prefix     string
	client     AzureBlobAPI
}

// AzureOptions selects how the backend authenticates.
type AzureOptions struct {
	ConnectionString   string
	UseManagedIdentity bool
}

// NewAzureGatewayBackend creates the SDK client and checks that the
// container exists.
func NewAzureGatewayBackend(ctx context.Context, containerName, accountURL, prefix string, opts AzureOptions) (*AzureGatewayBackend, error) {
	client, err := newRealAzureClient(accountURL, opts.ConnectionString, opts.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}
	b := NewAzureGatewayBackendWithClient(containerName, accountURL, prefix, client)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream Azure container %q: %w", containerName, err)
	}
	slog.Info("Azure gateway backend initialized", "container", containerName, "account", accountURL, "prefix", prefix)
	return b, nil
}

// NewAzureGatewayBackendWithClient wraps an existing client.
func NewAzureGatewayBackendWithClient(containerName, accountURL, prefix string, client AzureBlobAPI) *AzureGatewayBackend {
	return &AzureGatewayBackend{Container: containerName, AccountURL: accountURL, Prefix: prefix, client: client}
}

func (b *AzureGatewayBackend) blobName(p string) string { return b.Prefix + p }

func (b *AzureGatewayBackend) MakeFolder(ctx context.Context, p string) error {
	clean, err := CleanPath(p)
	if err != nil {
		return err
	}
	for cur := clean; cur != ""; cur, _ = splitPath(cur) {
		if err := b.client.UploadBlob(ctx, b.Container, b.blobName(cur)+"/", strings.NewReader(""), ""); err != nil {
			return fmt.Errorf("creating folder marker %q: %w", cur, err)
		}
	}
	return nil
}

func (b *AzureGatewayBackend) FolderExists(ctx context.Context, p string) (bool, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	_, err = b.client.GetBlobProperties(ctx, b.Container, b.blobName(clean)+"/")
	if err == nil {
		return true, nil
	}
	if !isAzureNotFound(err) {
		return false, fmt.Errorf("checking folder %q: %w", p, err)
	}
	items, err := b.client.ListBlobs(ctx, b.Container, b.blobName(clean)+"/", "/")
	if err != nil {
		return false, fmt.Errorf("listing folder %q: %w", p, err)
	}
	return len(items) > 0, nil
}

func (b *AzureGatewayBackend) List(ctx context.Context, p string) (*Listing, error) {
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

	prefix := b.blobName(clean) + "/"
	items, err := b.client.ListBlobs(ctx, b.Container, prefix, "/")
	if err != nil {
		return nil, fmt.Errorf("listing folder %q: %w", p, err)
	}
	l := &Listing{}
	for _, it := range items {
		if it.Prefix != "" {
			if name := strings.TrimSuffix(strings.TrimPrefix(it.Prefix, prefix), "/"); name != "" {
				l.Folders = append(l.Folders, FolderInfo{Name: name})
			}
			continue
		}
		name := strings.TrimPrefix(it.Name, prefix)
		if name == "" {
			continue
		}
		l.Files = append(l.Files, FileInfo{
			Name:         name,
			Size:         it.Size,
			ContentType:  contentTypeOrDefault(it.ContentType),
			LastModified: it.LastModified.UTC(),
		})
	}
	sortListing(l)
	return l, nil
}

func (b *AzureGatewayBackend) PutFile(ctx context.Context, p string, r io.Reader, size int64, contentType string) (*FileInfo, error) {
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
	if err := b.client.UploadBlob(ctx, b.Container, b.blobName(clean), ctxReader{ctx: ctx, r: r}, contentTypeOrDefault(contentType)); err != nil {
		return nil, fmt.Errorf("uploading %q to Azure: %w", p, err)
	}
	return b.StatFile(ctx, clean)
}

func (b *AzureGatewayBackend) GetFile(ctx context.Context, p string) (io.ReadCloser, *FileInfo, error) {
	fi, err := b.StatFile(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	clean, _ := CleanPath(p)
	rc, err := b.client.DownloadBlob(ctx, b.Container, b.blobName(clean))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, nil, fmt.Errorf("file %q: %w", p, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("downloading %q from Azure: %w", p, err)
	}
	return rc, fi, nil
}

func (b *AzureGatewayBackend) StatFile(ctx context.Context, p string) (*FileInfo, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	props, err := b.client.GetBlobProperties(ctx, b.Container, b.blobName(clean))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("file %q: %w", p, ErrNotFound)
		}
		return nil, fmt.Errorf("stat %q in Azure: %w", p, err)
	}
	_, name := splitPath(clean)
	return &FileInfo{
		Name:         name,
		Size:         props.Size,
		ContentType:  contentTypeOrDefault(props.ContentType),
		LastModified: props.LastModified.UTC(),
	}, nil
}

// Delete removes the blob at p and every blob under p/.
func (b *AzureGatewayBackend) Delete(ctx context.Context, p string) error {
	clean, err := CleanPath(p)
	if err != nil {
		return err
	}
	if err := b.client.DeleteBlob(ctx, b.Container, b.blobName(clean)); err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting %q from Azure: %w", p, err)
	}
	items, err := b.client.ListBlobs(ctx, b.Container, b.blobName(clean)+"/", "")
	if err != nil {
		return fmt.Errorf("listing %q for delete: %w", p, err)
	}
	for _, it := range items {
		if err := b.client.DeleteBlob(ctx, b.Container, it.Name); err != nil && !isAzureNotFound(err) {
			return fmt.Errorf("deleting %q from Azure: %w", it.Name, err)
		}
	}
	return nil
}

func (b *AzureGatewayBackend) HealthCheck(ctx context.Context) error {
	return b.client.ContainerExists(ctx, b.Container)
}

func isAzureNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

var _ StorageBackend = (*AzureGatewayBackend)(nil)
