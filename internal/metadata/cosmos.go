package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/s3gate/s3gate/internal/config"
)

// cosmosBatchLimit is the operation cap of a transactional batch.
const cosmosBatchLimit = 100

// CosmosStore keeps uploads and parts as items in one container. The
// container must be partitioned on /bucket.
type CosmosStore struct {
	client    *azcosmos.ContainerClient
	database  string
	container string
}

func docIDUploadCosmos(uploadID string) string {
	return "upload_" + uploadID
}

func docIDPartCosmos(uploadID string, partNumber int) string {
	return fmt.Sprintf("part_%s_%05d", uploadID, partNumber)
}

type cosmosItem struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Bucket       string `json:"bucket"`
	UploadID     string `json:"upload_id"`
	Key          string `json:"key,omitempty"`
	ContentType  string `json:"content_type,omitempty"`
	InitiatedAt  string `json:"initiated_at,omitempty"`
	PartNumber   int    `json:"part_number,omitempty"`
	Size         int64  `json:"size,omitempty"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// NewCosmosStore authenticates with, in order of preference, a connection
// string, a master key, or the default Azure credential chain.
func NewCosmosStore(ctx context.Context, cfg *config.CosmosConfig) (*CosmosStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cosmos config is required")
	}
	if cfg.Endpoint == "" && cfg.ConnectionString == "" {
		return nil, fmt.Errorf("cosmos endpoint or connection string is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("cosmos database name is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("cosmos container name is required")
	}

	opts := &azcosmos.ClientOptions{ClientOptions: policy.ClientOptions{}}
	var (
		client *azcosmos.Client
		err    error
	)
	switch {
	case cfg.ConnectionString != "":
		client, err = azcosmos.NewClientFromConnectionString(cfg.ConnectionString, opts)
	case cfg.MasterKey != "":
		var cred azcosmos.KeyCredential
		cred, err = azcosmos.NewKeyCredential(cfg.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("creating cosmos key credential: %w", err)
		}
		client, err = azcosmos.NewClientWithKey(cfg.Endpoint, cred, opts)
	default:
		var cred *azidentity.DefaultAzureCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating azure credential: %w", err)
		}
		client, err = azcosmos.NewClient(cfg.Endpoint, cred, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}

	containerClient, err := client.NewContainer(cfg.Database, cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	return &CosmosStore{
		client:    containerClient,
		database:  cfg.Database,
		container: cfg.Container,
	}, nil
}

func isCosmosNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func (s *CosmosStore) upsert(ctx context.Context, item *cosmosItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", item.Type, err)
	}
	_, err = s.client.UpsertItem(ctx, azcosmos.NewPartitionKeyString(item.Bucket), data, nil)
	return err
}

func (s *CosmosStore) PutUpload(ctx context.Context, u *UploadRecord) error {
	err := s.upsert(ctx, &cosmosItem{
		ID:          docIDUploadCosmos(u.UploadID),
		Type:        "upload",
		Bucket:      u.Bucket,
		UploadID:    u.UploadID,
		Key:         u.Key,
		ContentType: u.ContentType,
		InitiatedAt: formatTime(u.InitiatedAt),
	})
	if err != nil {
		return fmt.Errorf("storing upload: %w", err)
	}
	return nil
}

func (s *CosmosStore) GetUpload(ctx context.Context, bucket, uploadID string) (*UploadRecord, error) {
	resp, err := s.client.ReadItem(ctx, azcosmos.NewPartitionKeyString(bucket), docIDUploadCosmos(uploadID), nil)
	if err != nil {
		if isCosmosNotFound(err) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, uploadID, ErrUploadNotFound)
		}
		return nil, fmt.Errorf("getting upload: %w", err)
	}
	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling upload: %w", err)
	}
	return itemToUploadCosmos(&item), nil
}

// DeleteUpload removes the upload and its parts in transactional batches.
// Everything lives in the bucket's partition.
func (s *CosmosStore) DeleteUpload(ctx context.Context, bucket, uploadID string) error {
	items, err := s.query(ctx, bucket,
		"SELECT * FROM c WHERE c.upload_id = @upload_id",
		[]azcosmos.QueryParameter{{Name: "@upload_id", Value: uploadID}})
	if err != nil {
		return fmt.Errorf("listing items for delete: %w", err)
	}
	pk := azcosmos.NewPartitionKeyString(bucket)
	for start := 0; start < len(items); start += cosmosBatchLimit {
		end := min(start+cosmosBatchLimit, len(items))
		batch := s.client.NewTransactionalBatch(pk)
		for _, item := range items[start:end] {
			batch.DeleteItem(item.ID, nil)
		}
		resp, err := s.client.ExecuteTransactionalBatch(ctx, batch, nil)
		if err != nil {
			return fmt.Errorf("deleting upload: %w", err)
		}
		if !resp.Success {
			return fmt.Errorf("deleting upload: batch rejected")
		}
	}
	return nil
}

func (s *CosmosStore) PutPart(ctx context.Context, p *PartRecord) error {
	if _, err := s.GetUpload(ctx, p.Bucket, p.UploadID); err != nil {
		return err
	}
	err := s.upsert(ctx, &cosmosItem{
		ID:           docIDPartCosmos(p.UploadID, p.PartNumber),
		Type:         "part",
		Bucket:       p.Bucket,
		UploadID:     p.UploadID,
		PartNumber:   p.PartNumber,
		Size:         p.Size,
		ETag:         p.ETag,
		LastModified: formatTime(p.LastModified),
	})
	if err != nil {
		return fmt.Errorf("storing part: %w", err)
	}
	return nil
}

func (s *CosmosStore) ListParts(ctx context.Context, bucket, uploadID string) ([]PartRecord, error) {
	items, err := s.query(ctx, bucket,
		"SELECT * FROM c WHERE c.type = 'part' AND c.upload_id = @upload_id ORDER BY c.part_number",
		[]azcosmos.QueryParameter{{Name: "@upload_id", Value: uploadID}})
	if err != nil {
		return nil, fmt.Errorf("listing parts: %w", err)
	}
	parts := make([]PartRecord, 0, len(items))
	for i := range items {
		parts = append(parts, *itemToPartCosmos(&items[i]))
	}
	sortParts(parts)
	return parts, nil
}

// ListUploads queries the bucket's partition, or fans out across all
// partitions when bucket is empty.
func (s *CosmosStore) ListUploads(ctx context.Context, bucket string) ([]UploadRecord, error) {
	items, err := s.query(ctx, bucket, "SELECT * FROM c WHERE c.type = 'upload'", nil)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	uploads := make([]UploadRecord, 0, len(items))
	for i := range items {
		uploads = append(uploads, *itemToUploadCosmos(&items[i]))
	}
	sortUploads(uploads)
	return uploads, nil
}

func (s *CosmosStore) query(ctx context.Context, bucket, query string, params []azcosmos.QueryParameter) ([]cosmosItem, error) {
	pk := azcosmos.NewPartitionKey()
	if bucket != "" {
		pk = azcosmos.NewPartitionKeyString(bucket)
	}
	pager := s.client.NewQueryItemsPager(query, pk, &azcosmos.QueryOptions{
		QueryParameters: params,
	})

	var items []cosmosItem
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Items {
			var ci cosmosItem
			if err := json.Unmarshal(raw, &ci); err != nil {
				continue
			}
			items = append(items, ci)
		}
	}
	return items, nil
}

func (s *CosmosStore) Ping(ctx context.Context) error {
	_, err := s.client.Read(ctx, nil)
	return err
}

func (s *CosmosStore) Close() error {
	return nil
}

func itemToUploadCosmos(item *cosmosItem) *UploadRecord {
	return &UploadRecord{
		Bucket:      item.Bucket,
		UploadID:    item.UploadID,
		Key:         item.Key,
		ContentType: item.ContentType,
		InitiatedAt: parseTime(item.InitiatedAt),
	}
}

func itemToPartCosmos(item *cosmosItem) *PartRecord {
	return &PartRecord{
		Bucket:       item.Bucket,
		UploadID:     item.UploadID,
		PartNumber:   item.PartNumber,
		Size:         item.Size,
		ETag:         item.ETag,
		LastModified: parseTime(item.LastModified),
	}
}

var _ UploadStore = (*CosmosStore)(nil)
