package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// realAzureClient wraps the official Azure SDK client to satisfy AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

// newRealAzureClient creates a real Azure Blob client. A connection string
// wins; otherwise managed identity or DefaultAzureCredential is used.
func newRealAzureClient(accountURL, connectionString string, useManagedIdentity bool) (*realAzureClient, error) {
	if connectionString != "" {
		client, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client from connection string: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	if useManagedIdentity {
		cred, err := azidentity.NewManagedIdentityCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure managed identity credential: %w", err)
		}
		client, err := azblob.NewClient(accountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client with managed identity: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &realAzureClient{client: client}, nil
}

func (c *realAzureClient) UploadBlob(ctx context.Context, containerName, blobName string, r io.Reader, contentType string) error {
	_, err := c.client.UploadStream(ctx, containerName, blobName, r, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	return err
}

func (c *realAzureClient) DownloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, error) {
	resp, err := c.client.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *realAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	_, err := c.client.DeleteBlob(ctx, containerName, blobName, nil)
	return err
}

func (c *realAzureClient) GetBlobProperties(ctx context.Context, containerName, blobName string) (*AzureBlobItem, error) {
	resp, err := c.client.ServiceClient().NewContainerClient(containerName).NewBlobClient(blobName).GetProperties(ctx, nil)
	if err != nil {
		return nil, err
	}
	item := &AzureBlobItem{Name: blobName}
	if resp.ContentLength != nil {
		item.Size = *resp.ContentLength
	}
	if resp.ContentType != nil {
		item.ContentType = *resp.ContentType
	}
	if resp.LastModified != nil {
		item.LastModified = *resp.LastModified
	}
	return item, nil
}

func (c *realAzureClient) ListBlobs(ctx context.Context, containerName, prefix, delimiter string) ([]AzureBlobItem, error) {
	var out []AzureBlobItem
	cc := c.client.ServiceClient().NewContainerClient(containerName)
	if delimiter == "" {
		pager := cc.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix})
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			for _, item := range page.Segment.BlobItems {
				out = append(out, blobItem(item))
			}
		}
		return out, nil
	}

	pager := cc.NewListBlobsHierarchyPager(delimiter, &container.ListBlobsHierarchyOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range page.Segment.BlobPrefixes {
			if p.Name != nil {
				out = append(out, AzureBlobItem{Prefix: *p.Name})
			}
		}
		for _, item := range page.Segment.BlobItems {
			out = append(out, blobItem(item))
		}
	}
	return out, nil
}

func (c *realAzureClient) ContainerExists(ctx context.Context, containerName string) error {
	_, err := c.client.ServiceClient().NewContainerClient(containerName).GetProperties(ctx, nil)
	return err
}

func blobItem(item *container.BlobItem) AzureBlobItem {
	out := AzureBlobItem{}
	if item.Name != nil {
		out.Name = *item.Name
	}
	if p := item.Properties; p != nil {
		if p.ContentLength != nil {
			out.Size = *p.ContentLength
		}
		if p.ContentType != nil {
			out.ContentType = *p.ContentType
		}
		if p.LastModified != nil {
			out.LastModified = *p.LastModified
		}
	}
	return out
}
