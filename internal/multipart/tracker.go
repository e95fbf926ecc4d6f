// Package multipart tracks in-progress multipart uploads and reassembles
// their parts.
//
// An upload session moves through Initiated, Receiving and Completing. A
// successful Complete hands the assembled object to a caller-supplied
// finalizer exactly once and then forgets the session; a failed Complete
// keeps the received parts so the client can retry.
package multipart

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/s3gate/s3gate/internal/keycodec"
	"github.com/s3gate/s3gate/internal/metadata"
	"github.com/s3gate/s3gate/internal/metrics"
)

var (
	// ErrNoSuchUpload is returned for an upload id the tracker does not know.
	ErrNoSuchUpload = errors.New("multipart: no such upload")
	// ErrUploadActive is returned by Initiate when the key already has an
	// active upload.
	ErrUploadActive = errors.New("multipart: upload already active for key")
	// ErrInvalidPart is returned when a part required for completion is
	// missing.
	ErrInvalidPart = errors.New("multipart: invalid part")
	// ErrInvalidPartOrder is returned when the completion list is not in
	// strictly ascending order.
	ErrInvalidPartOrder = errors.New("multipart: part list not in ascending order")
	// ErrUploadBusy is returned while the upload is being completed or still
	// has part writes in flight.
	ErrUploadBusy = errors.New("multipart: upload is busy")
)

// State is the lifecycle position of an upload session.
type State int

const (
	StateInitiated State = iota
	StateReceiving
	StateCompleting
)

func (s State) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StateReceiving:
		return "receiving"
	case StateCompleting:
		return "completing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// PartInfo describes one received part.
type PartInfo struct {
	Number       int
	Size         int64
	ETag         string
	LastModified time.Time
}

// Upload is a point-in-time copy of a session.
type Upload struct {
	Bucket      string
	UploadID    string
	Key         string
	ContentType string
	Initiated   time.Time
	State       State
	Parts       []PartInfo
}

// Assembled is the completed object handed to a Finalizer. Path names a
// scratch file the finalizer may read but must not remove.
type Assembled struct {
	Bucket      string
	Key         string
	UploadID    string
	ContentType string
	Path        string
	Size        int64
	ETag        string
}

// Finalizer stores an assembled object in the backend.
type Finalizer func(ctx context.Context, obj *Assembled) error

// Result is returned by a successful Complete.
type Result struct {
	Bucket string
	Key    string
	Size   int64
	ETag   string
}

type sessionKey struct {
	bucket   string
	uploadID string
}

type session struct {
	bucket      string
	uploadID    string
	key         string
	contentType string
	initiated   time.Time
	touched     time.Time
	state       State
	parts       map[int]PartInfo
	// writes counts PutPart calls between their state check and their
	// bookkeeping.
	writes int
}

func (s *session) snapshot() Upload {
	u := Upload{
		Bucket:      s.bucket,
		UploadID:    s.uploadID,
		Key:         s.key,
		ContentType: s.contentType,
		Initiated:   s.initiated,
		State:       s.state,
		Parts:       make([]PartInfo, 0, len(s.parts)),
	}
	for _, p := range s.parts {
		u.Parts = append(u.Parts, p)
	}
	sort.Slice(u.Parts, func(i, j int) bool { return u.Parts[i].Number < u.Parts[j].Number })
	return u
}

func (s *session) partNumbers() []int {
	nums := make([]int, 0, len(s.parts))
	for n := range s.parts {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// settledState is the state a session returns to after a failed completion.
func (s *session) settledState() State {
	if len(s.parts) > 0 {
		return StateReceiving
	}
	return StateInitiated
}

// Options configures a Tracker.
type Options struct {
	// Store receives every session change. Nil keeps sessions in memory only.
	Store metadata.UploadStore
	// TTL is how long a session may sit idle before ReapExpired removes it.
	// Zero disables reaping.
	TTL time.Duration
	// Now overrides the clock; tests only.
	Now func() time.Time
}

// Tracker owns every active multipart upload session.
type Tracker struct {
	scratch *Scratch
	store   metadata.UploadStore
	ttl     time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sessions map[sessionKey]*session
}

// New creates a tracker that stages parts in scratch.
func New(scratch *Scratch, opts Options) *Tracker {
	store := opts.Store
	if store == nil {
		store = metadata.NewMemoryStore()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		scratch:  scratch,
		store:    store,
		ttl:      opts.TTL,
		now:      now,
		sessions: make(map[sessionKey]*session),
	}
}

// Scratch returns the tracker's staging area.
func (t *Tracker) Scratch() *Scratch { return t.scratch }

// Len returns the number of active sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Tracker) updateGauge() {
	metrics.MultipartSessions.Set(float64(len(t.sessions)))
}

// Initiate opens a session for key and returns its upload id, which is the
// encoded key. A key with an active session fails with ErrUploadActive.
func (t *Tracker) Initiate(ctx context.Context, bucket, key, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	uploadID := keycodec.Encode(key)
	k := sessionKey{bucket, uploadID}
	now := t.now().UTC()

	t.mu.Lock()
	if _, ok := t.sessions[k]; ok {
		t.mu.Unlock()
		return "", fmt.Errorf("%s/%s: %w", bucket, key, ErrUploadActive)
	}
	s := &session{
		bucket:      bucket,
		uploadID:    uploadID,
		key:         key,
		contentType: contentType,
		initiated:   now,
		touched:     now,
		state:       StateInitiated,
		parts:       make(map[int]PartInfo),
	}
	t.sessions[k] = s
	t.updateGauge()
	t.mu.Unlock()

	err := t.store.PutUpload(ctx, &metadata.UploadRecord{
		Bucket:      bucket,
		UploadID:    uploadID,
		Key:         key,
		ContentType: contentType,
		InitiatedAt: now,
	})
	if err != nil {
		t.mu.Lock()
		delete(t.sessions, k)
		t.updateGauge()
		t.mu.Unlock()
		return "", fmt.Errorf("persisting upload: %w", err)
	}

	slog.Debug("Multipart upload initiated", "bucket", bucket, "key", key, "upload_id", uploadID)
	return uploadID, nil
}

// PutPart stores part partNumber of the upload, replacing an earlier upload
// of the same number.
func (t *Tracker) PutPart(ctx context.Context, bucket, uploadID string, partNumber int, r io.Reader) (PartInfo, error) {
	if partNumber < 1 || partNumber > MaxPartNumber {
		return PartInfo{}, fmt.Errorf("part number %d: %w", partNumber, ErrInvalidPart)
	}
	k := sessionKey{bucket, uploadID}

	t.mu.Lock()
	s, ok := t.sessions[k]
	if !ok {
		t.mu.Unlock()
		return PartInfo{}, fmt.Errorf("%s/%s: %w", bucket, uploadID, ErrNoSuchUpload)
	}
	if s.state == StateCompleting {
		t.mu.Unlock()
		return PartInfo{}, fmt.Errorf("%s/%s: %w", bucket, uploadID, ErrUploadBusy)
	}
	s.writes++
	t.mu.Unlock()

	size, sum, err := t.scratch.WritePart(bucket, uploadID, partNumber, r)

	t.mu.Lock()
	s.writes--
	current := t.sessions[k] == s
	t.mu.Unlock()

	if err != nil {
		return PartInfo{}, fmt.Errorf("writing part %d: %w", partNumber, err)
	}
	if !current {
		// Aborted or reaped while the part was being written.
		t.scratch.RemoveParts(bucket, uploadID, []int{partNumber})
		return PartInfo{}, fmt.Errorf("%s/%s: %w", bucket, uploadID, ErrNoSuchUpload)
	}
	metrics.MultipartPartBytesTotal.Add(float64(size))

	part := PartInfo{
		Number:       partNumber,
		Size:         size,
		ETag:         `"` + hex.EncodeToString(sum) + `"`,
		LastModified: t.now().UTC(),
	}
	err = t.store.PutPart(ctx, &metadata.PartRecord{
		Bucket:       bucket,
		UploadID:     uploadID,
		PartNumber:   part.Number,
		Size:         part.Size,
		ETag:         part.ETag,
		LastModified: part.LastModified,
	})
	if err != nil {
		return PartInfo{}, fmt.Errorf("persisting part %d: %w", partNumber, err)
	}

	t.mu.Lock()
	s.parts[partNumber] = part
	s.touched = part.LastModified
	if s.state == StateInitiated {
		s.state = StateReceiving
	}
	t.mu.Unlock()
	return part, nil
}

// expectedParts resolves the parts a completion must assemble. Without a
// list every part from 1 to the highest received number is required.
func expectedParts(s *session, listed []int) ([]int, error) {
	if len(listed) == 0 {
		highest := 0
		for n := range s.parts {
			highest = max(highest, n)
		}
		expected := make([]int, highest)
		for i := range expected {
			expected[i] = i + 1
		}
		return expected, nil
	}
	for i, n := range listed {
		if n < 1 || n > MaxPartNumber {
			return nil, fmt.Errorf("part number %d: %w", n, ErrInvalidPart)
		}
		if i > 0 && n <= listed[i-1] {
			return nil, ErrInvalidPartOrder
		}
	}
	return listed, nil
}

// Complete validates that every expected part has been received, assembles
// them in ascending order and passes the result to finalize. listed is the
// part list from the client's completion request; it may be empty.
func (t *Tracker) Complete(ctx context.Context, bucket, uploadID string, listed []int, finalize Finalizer) (*Result, error) {
	k := sessionKey{bucket, uploadID}

	t.mu.Lock()
	s, ok := t.sessions[k]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%s/%s: %w", bucket, uploadID, ErrNoSuchUpload)
	}
	if s.state == StateCompleting || s.writes > 0 {
		t.mu.Unlock()
		return nil, fmt.Errorf("%s/%s: %w", bucket, uploadID, ErrUploadBusy)
	}
	expected, err := expectedParts(s, listed)
	if err != nil {
		t.mu.Unlock()
		metrics.MultipartCompletionsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	for _, n := range expected {
		if _, ok := s.parts[n]; !ok {
			t.mu.Unlock()
			metrics.MultipartCompletionsTotal.WithLabelValues("invalid").Inc()
			return nil, fmt.Errorf("part %d not uploaded: %w", n, ErrInvalidPart)
		}
	}
	s.state = StateCompleting
	key, contentType := s.key, s.contentType
	t.mu.Unlock()

	fail := func(outcome string, err error) (*Result, error) {
		t.scratch.Remove(t.scratch.AssemblyPath(bucket, uploadID))
		t.mu.Lock()
		s.state = s.settledState()
		t.mu.Unlock()
		metrics.MultipartCompletionsTotal.WithLabelValues(outcome).Inc()
		return nil, err
	}

	path, size, etag, err := t.scratch.Assemble(bucket, uploadID, expected)
	if err != nil {
		if errors.Is(err, ErrInvalidPart) {
			return fail("invalid", err)
		}
		return fail("error", fmt.Errorf("assembling parts: %w", err))
	}

	obj := &Assembled{
		Bucket:      bucket,
		Key:         key,
		UploadID:    uploadID,
		ContentType: contentType,
		Path:        path,
		Size:        size,
		ETag:        etag,
	}
	if err := finalize(ctx, obj); err != nil {
		slog.Warn("Multipart finalize failed, parts retained", "bucket", bucket, "key", key, "error", err)
		return fail("error", fmt.Errorf("finalizing upload: %w", err))
	}

	t.mu.Lock()
	received := s.partNumbers()
	delete(t.sessions, k)
	t.updateGauge()
	t.mu.Unlock()

	t.scratch.Remove(path)
	t.scratch.RemoveParts(bucket, uploadID, received)
	if err := t.store.DeleteUpload(ctx, bucket, uploadID); err != nil {
		slog.Warn("Failed to delete completed upload record", "bucket", bucket, "upload_id", uploadID, "error", err)
	}
	metrics.MultipartCompletionsTotal.WithLabelValues("ok").Inc()

	slog.Debug("Multipart upload completed", "bucket", bucket, "key", key, "parts", len(expected), "size", size)
	return &Result{Bucket: bucket, Key: key, Size: size, ETag: etag}, nil
}

// Abort discards the session and its parts.
func (t *Tracker) Abort(ctx context.Context, bucket, uploadID string) error {
	k := sessionKey{bucket, uploadID}

	t.mu.Lock()
	s, ok := t.sessions[k]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", bucket, uploadID, ErrNoSuchUpload)
	}
	if s.state == StateCompleting {
		t.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", bucket, uploadID, ErrUploadBusy)
	}
	received := s.partNumbers()
	delete(t.sessions, k)
	t.updateGauge()
	t.mu.Unlock()

	t.scratch.RemoveParts(bucket, uploadID, received)
	if err := t.store.DeleteUpload(ctx, bucket, uploadID); err != nil {
		return fmt.Errorf("deleting upload record: %w", err)
	}
	return nil
}

// ListParts returns the session with its received parts.
func (t *Tracker) ListParts(bucket, uploadID string) (*Upload, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionKey{bucket, uploadID}]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, uploadID, ErrNoSuchUpload)
	}
	u := s.snapshot()
	return &u, nil
}

// ListUploads returns the sessions in bucket sorted by key.
func (t *Tracker) ListUploads(bucket string) []Upload {
	t.mu.Lock()
	defer t.mu.Unlock()
	var uploads []Upload
	for k, s := range t.sessions {
		if k.bucket == bucket {
			uploads = append(uploads, s.snapshot())
		}
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].Key < uploads[j].Key })
	return uploads
}

// Recover loads persisted sessions into the tracker. Parts whose scratch
// file no longer exists are dropped. It returns the number of sessions
// restored.
func (t *Tracker) Recover(ctx context.Context) (int, error) {
	records, err := t.store.ListUploads(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("listing persisted uploads: %w", err)
	}

	restored := 0
	for _, rec := range records {
		parts, err := t.store.ListParts(ctx, rec.Bucket, rec.UploadID)
		if err != nil {
			return restored, fmt.Errorf("listing parts of %s/%s: %w", rec.Bucket, rec.UploadID, err)
		}
		s := &session{
			bucket:      rec.Bucket,
			uploadID:    rec.UploadID,
			key:         rec.Key,
			contentType: rec.ContentType,
			initiated:   rec.InitiatedAt,
			touched:     rec.InitiatedAt,
			state:       StateInitiated,
			parts:       make(map[int]PartInfo),
		}
		for _, p := range parts {
			if !t.scratch.HasPart(rec.Bucket, rec.UploadID, p.PartNumber) {
				slog.Warn("Dropping part with missing scratch file",
					"bucket", rec.Bucket, "key", rec.Key, "part", p.PartNumber)
				continue
			}
			s.parts[p.PartNumber] = PartInfo{
				Number:       p.PartNumber,
				Size:         p.Size,
				ETag:         p.ETag,
				LastModified: p.LastModified,
			}
			if p.LastModified.After(s.touched) {
				s.touched = p.LastModified
			}
		}
		s.state = s.settledState()

		t.mu.Lock()
		t.sessions[sessionKey{rec.Bucket, rec.UploadID}] = s
		t.updateGauge()
		t.mu.Unlock()
		restored++
	}
	return restored, nil
}

// ReapExpired aborts sessions idle for longer than the TTL and returns how
// many were removed. Sessions that are completing are left alone.
func (t *Tracker) ReapExpired(ctx context.Context, now time.Time) int {
	if t.ttl <= 0 {
		return 0
	}
	t.mu.Lock()
	var expired []sessionKey
	for k, s := range t.sessions {
		if s.state != StateCompleting && s.writes == 0 && now.Sub(s.touched) > t.ttl {
			expired = append(expired, k)
		}
	}
	t.mu.Unlock()

	reaped := 0
	for _, k := range expired {
		if err := t.Abort(ctx, k.bucket, k.uploadID); err != nil {
			if !errors.Is(err, ErrNoSuchUpload) {
				slog.Warn("Failed to reap stale upload", "bucket", k.bucket, "upload_id", k.uploadID, "error", err)
			}
			continue
		}
		slog.Info("Reaped stale multipart upload", "bucket", k.bucket, "upload_id", k.uploadID)
		reaped++
	}
	return reaped
}
