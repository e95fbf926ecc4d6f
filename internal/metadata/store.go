// Package metadata persists multipart upload sessions so that in-progress
// uploads survive a gateway restart.
//
// Upload sessions are keyed by (bucket, upload id). The upload id is the
// encoded object key, so it is only unique within a bucket.
package metadata

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrUploadNotFound is returned when an upload record does not exist.
var ErrUploadNotFound = errors.New("metadata: upload not found")

// timeFormat is the ISO 8601 format used for timestamps stored as text.
const timeFormat = "2006-01-02T15:04:05.000Z"

// UploadRecord is the persisted state of a multipart upload session.
type UploadRecord struct {
	Bucket      string    `json:"bucket"`
	UploadID    string    `json:"upload_id"`
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	InitiatedAt time.Time `json:"initiated_at"`
}

// PartRecord is the persisted metadata of one received part.
type PartRecord struct {
	Bucket       string    `json:"bucket"`
	UploadID     string    `json:"upload_id"`
	PartNumber   int       `json:"part_number"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

// UploadStore is the write-through persistence layer of the multipart
// tracker. Implementations must be safe for concurrent use.
type UploadStore interface {
	// PutUpload creates or replaces an upload record.
	PutUpload(ctx context.Context, u *UploadRecord) error

	// GetUpload returns the upload or ErrUploadNotFound.
	GetUpload(ctx context.Context, bucket, uploadID string) (*UploadRecord, error)

	// DeleteUpload removes an upload and all of its parts. Deleting a missing
	// upload is not an error.
	DeleteUpload(ctx context.Context, bucket, uploadID string) error

	// PutPart creates or replaces a part record.
	PutPart(ctx context.Context, p *PartRecord) error

	// ListParts returns the parts of an upload in ascending part order.
	ListParts(ctx context.Context, bucket, uploadID string) ([]PartRecord, error)

	// ListUploads returns uploads in bucket, or in every bucket when bucket
	// is empty, sorted by bucket then key.
	ListUploads(ctx context.Context, bucket string) ([]UploadRecord, error)

	// Ping verifies that the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

func sortUploads(uploads []UploadRecord) {
	sort.Slice(uploads, func(i, j int) bool {
		if uploads[i].Bucket != uploads[j].Bucket {
			return uploads[i].Bucket < uploads[j].Bucket
		}
		return uploads[i].Key < uploads[j].Key
	})
}

func sortParts(parts []PartRecord) {
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// uploadKey is the composite identity used by map-based stores.
type uploadKey struct {
	bucket   string
	uploadID string
}
