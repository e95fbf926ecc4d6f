package metadata

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps upload sessions in process memory. Nothing survives a
// restart.
type MemoryStore struct {
	mu      sync.RWMutex
	uploads map[uploadKey]UploadRecord
	parts   map[uploadKey]map[int]PartRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		uploads: make(map[uploadKey]UploadRecord),
		parts:   make(map[uploadKey]map[int]PartRecord),
	}
}

func (s *MemoryStore) PutUpload(ctx context.Context, u *UploadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[uploadKey{u.Bucket, u.UploadID}] = *u
	return nil
}

func (s *MemoryStore) GetUpload(ctx context.Context, bucket, uploadID string) (*UploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.uploads[uploadKey{bucket, uploadID}]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, uploadID, ErrUploadNotFound)
	}
	return &u, nil
}

func (s *MemoryStore) DeleteUpload(ctx context.Context, bucket, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := uploadKey{bucket, uploadID}
	delete(s.uploads, k)
	delete(s.parts, k)
	return nil
}

func (s *MemoryStore) dropParts(bucket, uploadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.parts, uploadKey{bucket, uploadID})
}

func (s *MemoryStore) PutPart(ctx context.Context, p *PartRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := uploadKey{p.Bucket, p.UploadID}
	if _, ok := s.uploads[k]; !ok {
		return fmt.Errorf("%s/%s: %w", p.Bucket, p.UploadID, ErrUploadNotFound)
	}
	if s.parts[k] == nil {
		s.parts[k] = make(map[int]PartRecord)
	}
	s.parts[k][p.PartNumber] = *p
	return nil
}

func (s *MemoryStore) ListParts(ctx context.Context, bucket, uploadID string) ([]PartRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parts := make([]PartRecord, 0, len(s.parts[uploadKey{bucket, uploadID}]))
	for _, p := range s.parts[uploadKey{bucket, uploadID}] {
		parts = append(parts, p)
	}
	sortParts(parts)
	return parts, nil
}

func (s *MemoryStore) ListUploads(ctx context.Context, bucket string) ([]UploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UploadRecord
	for k, u := range s.uploads {
		if bucket == "" || k.bucket == bucket {
			out = append(out, u)
		}
	}
	sortUploads(out)
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

var _ UploadStore = (*MemoryStore)(nil)
