package metadata

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/s3gate/s3gate/internal/config"
)

// FirestoreStore keeps one document per upload in a collection, with the
// upload's parts in a "parts" subcollection.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// docIDUpload is unique because bucket names never contain '_'.
func docIDUpload(bucket, uploadID string) string {
	return "upload_" + bucket + "_" + uploadID
}

func docIDPart(partNumber int) string {
	return fmt.Sprintf("part_%05d", partNumber)
}

// NewFirestoreStore connects with Application Default Credentials or the
// configured credentials file.
func NewFirestoreStore(ctx context.Context, cfg *config.FirestoreConfig) (*FirestoreStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("firestore config is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "s3gate_uploads"
	}
	return &FirestoreStore{client: client, collection: collection}, nil
}

func (s *FirestoreStore) collectionRef() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreStore) uploadRef(bucket, uploadID string) *firestore.DocumentRef {
	return s.collectionRef().Doc(docIDUpload(bucket, uploadID))
}

func (s *FirestoreStore) PutUpload(ctx context.Context, u *UploadRecord) error {
	_, err := s.uploadRef(u.Bucket, u.UploadID).Set(ctx, map[string]interface{}{
		"type":         "upload",
		"bucket":       u.Bucket,
		"upload_id":    u.UploadID,
		"key":          u.Key,
		"content_type": u.ContentType,
		"initiated_at": formatTime(u.InitiatedAt),
	})
	if err != nil {
		return fmt.Errorf("storing upload: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetUpload(ctx context.Context, bucket, uploadID string) (*UploadRecord, error) {
	doc, err := s.uploadRef(bucket, uploadID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%s/%s: %w", bucket, uploadID, ErrUploadNotFound)
		}
		return nil, fmt.Errorf("getting upload: %w", err)
	}
	if !doc.Exists() {
		return nil, fmt.Errorf("%s/%s: %w", bucket, uploadID, ErrUploadNotFound)
	}
	return docToUpload(doc.Data()), nil
}

func (s *FirestoreStore) DeleteUpload(ctx context.Context, bucket, uploadID string) error {
	ref := s.uploadRef(bucket, uploadID)
	partDocs, err := ref.Collection("parts").Documents(ctx).GetAll()
	if err != nil {
		return fmt.Errorf("listing parts for delete: %w", err)
	}
	batch := s.client.Batch()
	for _, doc := range partDocs {
		batch.Delete(doc.Ref)
	}
	batch.Delete(ref)
	if _, err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("deleting upload: %w", err)
	}
	return nil
}

func (s *FirestoreStore) PutPart(ctx context.Context, p *PartRecord) error {
	if _, err := s.GetUpload(ctx, p.Bucket, p.UploadID); err != nil {
		return err
	}
	partRef := s.uploadRef(p.Bucket, p.UploadID).Collection("parts").Doc(docIDPart(p.PartNumber))
	_, err := partRef.Set(ctx, map[string]interface{}{
		"type":          "part",
		"bucket":        p.Bucket,
		"upload_id":     p.UploadID,
		"part_number":   p.PartNumber,
		"size":          p.Size,
		"etag":          p.ETag,
		"last_modified": formatTime(p.LastModified),
	})
	if err != nil {
		return fmt.Errorf("storing part: %w", err)
	}
	return nil
}

func (s *FirestoreStore) ListParts(ctx context.Context, bucket, uploadID string) ([]PartRecord, error) {
	iter := s.uploadRef(bucket, uploadID).Collection("parts").
		OrderBy("part_number", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var parts []PartRecord
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing parts: %w", err)
		}
		parts = append(parts, *docToPart(doc.Data()))
	}
	return parts, nil
}

func (s *FirestoreStore) ListUploads(ctx context.Context, bucket string) ([]UploadRecord, error) {
	query := s.collectionRef().Where("type", "==", "upload")
	if bucket != "" {
		query = query.Where("bucket", "==", bucket)
	}
	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	uploads := make([]UploadRecord, 0, len(docs))
	for _, doc := range docs {
		uploads = append(uploads, *docToUpload(doc.Data()))
	}
	sortUploads(uploads)
	return uploads, nil
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.collectionRef().Limit(1).Documents(ctx).Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return err
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func getStringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// getInt64FromMap accepts the integer types Firestore decodes numbers into.
func getInt64FromMap(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func docToUpload(m map[string]interface{}) *UploadRecord {
	return &UploadRecord{
		Bucket:      getStringFromMap(m, "bucket"),
		UploadID:    getStringFromMap(m, "upload_id"),
		Key:         getStringFromMap(m, "key"),
		ContentType: getStringFromMap(m, "content_type"),
		InitiatedAt: parseTime(getStringFromMap(m, "initiated_at")),
	}
}

func docToPart(m map[string]interface{}) *PartRecord {
	return &PartRecord{
		Bucket:       getStringFromMap(m, "bucket"),
		UploadID:     getStringFromMap(m, "upload_id"),
		PartNumber:   int(getInt64FromMap(m, "part_number")),
		Size:         getInt64FromMap(m, "size"),
		ETag:         getStringFromMap(m, "etag"),
		LastModified: parseTime(getStringFromMap(m, "last_modified")),
	}
}

var _ UploadStore = (*FirestoreStore)(nil)
