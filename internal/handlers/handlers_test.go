package handlers

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/s3gate/s3gate/internal/multipart"
	"github.com/s3gate/s3gate/internal/queue"
	"github.com/s3gate/s3gate/internal/session"
	"github.com/s3gate/s3gate/internal/storage"
	"github.com/s3gate/s3gate/internal/xmlutil"
)

const testOwner = "test-access-key"

// testEnv wires the three handlers to an in-memory backend, a real queue
// and a tracker staging parts in a temp dir.
type testEnv struct {
	backend *storage.MemoryBackend
	sess    *session.Session
	tracker *multipart.Tracker
	buckets *BucketHandler
	objects *ObjectHandler
	uploads *MultipartHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	backend, err := storage.NewMemoryBackend("", 0)
	if err != nil {
		t.Fatalf("NewMemoryBackend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	sess, err := session.Open(context.Background(), backend, session.Options{
		BaseFolder: "S3Buckets",
		Retry:      session.RetryPolicy{MaxAttempts: 1, Delay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}

	q := queue.New(queue.WithOpTimeout(10 * time.Second))
	t.Cleanup(func() { q.Close(context.Background()) })

	scratch, err := multipart.NewScratch(t.TempDir())
	if err != nil {
		t.Fatalf("NewScratch: %v", err)
	}
	tracker := multipart.New(scratch, multipart.Options{})

	d := Deps{
		Session: sess,
		Queue:   q,
		Tracker: tracker,
		OwnerID: testOwner,
		Region:  "us-east-1",
	}
	return &testEnv{
		backend: backend,
		sess:    sess,
		tracker: tracker,
		buckets: NewBucketHandler(d),
		objects: NewObjectHandler(d),
		uploads: NewMultipartHandler(d),
	}
}

func do(h http.HandlerFunc, method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func (e *testEnv) createBucket(t *testing.T, name string) {
	t.Helper()
	w := do(e.buckets.CreateBucket, http.MethodPut, "/"+name, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("CreateBucket(%s) status = %d, body: %s", name, w.Code, w.Body.String())
	}
}

func (e *testEnv) putObject(t *testing.T, bucket, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := do(e.objects.PutObject, http.MethodPut, "/"+bucket+"/"+key, strings.NewReader(body))
	if w.Code != http.StatusOK {
		t.Fatalf("PutObject(%s/%s) status = %d, body: %s", bucket, key, w.Code, w.Body.String())
	}
	return w
}

func (e *testEnv) getObject(t *testing.T, bucket, key string) string {
	t.Helper()
	w := do(e.objects.GetObject, http.MethodGet, "/"+bucket+"/"+key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GetObject(%s/%s) status = %d, body: %s", bucket, key, w.Code, w.Body.String())
	}
	return w.Body.String()
}

// wantError asserts an S3 error response with the given status and code.
func wantError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, status, w.Body.String())
	}
	var e xmlutil.ErrorResponse
	if err := xml.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decoding error body: %v\n%s", err, w.Body.String())
	}
	if e.Code != code {
		t.Errorf("error code = %q, want %q", e.Code, code)
	}
}

func decodeXML(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := xml.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %T: %v\n%s", v, err, w.Body.String())
	}
}
