package multipart

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/s3gate/s3gate/internal/keycodec"
	"github.com/s3gate/s3gate/internal/metadata"
)

func newTestTracker(t *testing.T, store metadata.UploadStore) *Tracker {
	t.Helper()
	return New(newTestScratch(t), Options{Store: store, TTL: time.Hour})
}

// collect is a Finalizer that records the assembled bytes.
type collect struct {
	mu   sync.Mutex
	data []byte
	obj  *Assembled
	err  error
}

func (c *collect) finalize(ctx context.Context, obj *Assembled) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	data, err := os.ReadFile(obj.Path)
	if err != nil {
		return err
	}
	c.data = data
	c.obj = obj
	return nil
}

func mustInitiate(t *testing.T, tr *Tracker, bucket, key string) string {
	t.Helper()
	id, err := tr.Initiate(context.Background(), bucket, key, "")
	if err != nil {
		t.Fatalf("Initiate(%s/%s): %v", bucket, key, err)
	}
	return id
}

func mustPutPart(t *testing.T, tr *Tracker, bucket, id string, n int, body string) PartInfo {
	t.Helper()
	p, err := tr.PutPart(context.Background(), bucket, id, n, strings.NewReader(body))
	if err != nil {
		t.Fatalf("PutPart(%d): %v", n, err)
	}
	return p
}

func TestInitiateUsesEncodedKey(t *testing.T) {
	tr := newTestTracker(t, nil)
	id := mustInitiate(t, tr, "photos", "dir/big.bin")
	if id != keycodec.Encode("dir/big.bin") {
		t.Errorf("upload id = %q, want encoded key", id)
	}
	u, err := tr.ListParts("photos", id)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if u.State != StateInitiated || u.ContentType != "application/octet-stream" {
		t.Errorf("upload = %+v", u)
	}
}

func TestInitiateConflict(t *testing.T) {
	tr := newTestTracker(t, nil)
	mustInitiate(t, tr, "photos", "big.bin")
	_, err := tr.Initiate(context.Background(), "photos", "big.bin", "")
	if !errors.Is(err, ErrUploadActive) {
		t.Errorf("second Initiate err = %v, want ErrUploadActive", err)
	}
	// The same key in another bucket is independent.
	mustInitiate(t, tr, "videos", "big.bin")
	if tr.Len() != 2 {
		t.Errorf("Len = %d, want 2", tr.Len())
	}
}

func TestCompleteAssemblesInPartOrder(t *testing.T) {
	tr := newTestTracker(t, nil)
	id := mustInitiate(t, tr, "photos", "big.bin")
	mustPutPart(t, tr, "photos", id, 2, "BBB")
	mustPutPart(t, tr, "photos", id, 1, "AAA")
	mustPutPart(t, tr, "photos", id, 3, "CCC")

	var c collect
	res, err := tr.Complete(context.Background(), "photos", id, nil, c.finalize)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if string(c.data) != "AAABBBCCC" {
		t.Errorf("assembled %q, want %q", c.data, "AAABBBCCC")
	}
	if res.Size != 9 || res.Key != "big.bin" || !strings.HasSuffix(res.ETag, `-3"`) {
		t.Errorf("result = %+v", res)
	}
	if c.obj.ContentType != "application/octet-stream" {
		t.Errorf("content type = %q", c.obj.ContentType)
	}

	// Session and scratch files are gone.
	if _, err := tr.ListParts("photos", id); !errors.Is(err, ErrNoSuchUpload) {
		t.Errorf("ListParts after complete: %v", err)
	}
	for n := 1; n <= 3; n++ {
		if tr.Scratch().HasPart("photos", id, n) {
			t.Errorf("part %d still on disk", n)
		}
	}
	if _, err := os.Stat(c.obj.Path); !os.IsNotExist(err) {
		t.Errorf("assembly file left behind: %v", err)
	}
}

func TestCompleteMissingPart(t *testing.T) {
	tr := newTestTracker(t, nil)
	id := mustInitiate(t, tr, "photos", "big.bin")
	mustPutPart(t, tr, "photos", id, 1, "AAA")
	mustPutPart(t, tr, "photos", id, 3, "CCC")

	called := false
	_, err := tr.Complete(context.Background(), "photos", id, nil, func(context.Context, *Assembled) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrInvalidPart) {
		t.Fatalf("err = %v, want ErrInvalidPart", err)
	}
	if called {
		t.Error("finalizer ran for an incomplete upload")
	}
	u, err := tr.ListParts("photos", id)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if u.State != StateReceiving {
		t.Errorf("state = %v, want receiving", u.State)
	}
}

func TestCompleteWithList(t *testing.T) {
	tr := newTestTracker(t, nil)
	id := mustInitiate(t, tr, "photos", "big.bin")
	mustPutPart(t, tr, "photos", id, 1, "AAA")
	mustPutPart(t, tr, "photos", id, 2, "BBB")
	mustPutPart(t, tr, "photos", id, 5, "EEE")

	if _, err := tr.Complete(context.Background(), "photos", id, []int{2, 1}, (&collect{}).finalize); !errors.Is(err, ErrInvalidPartOrder) {
		t.Errorf("descending list err = %v, want ErrInvalidPartOrder", err)
	}
	if _, err := tr.Complete(context.Background(), "photos", id, []int{1, 4}, (&collect{}).finalize); !errors.Is(err, ErrInvalidPart) {
		t.Errorf("unknown part err = %v, want ErrInvalidPart", err)
	}

	var c collect
	if _, err := tr.Complete(context.Background(), "photos", id, []int{1, 5}, c.finalize); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if string(c.data) != "AAAEEE" {
		t.Errorf("assembled %q, want %q", c.data, "AAAEEE")
	}
	// Unlisted parts are discarded with the session.
	if tr.Scratch().HasPart("photos", id, 2) {
		t.Error("unlisted part 2 still on disk")
	}
}

func TestCompleteZeroParts(t *testing.T) {
	tr := newTestTracker(t, nil)
	id := mustInitiate(t, tr, "photos", "empty")
	var c collect
	res, err := tr.Complete(context.Background(), "photos", id, nil, c.finalize)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Size != 0 || len(c.data) != 0 {
		t.Errorf("empty upload assembled %d bytes", res.Size)
	}
}

func TestCompleteFailureRetainsParts(t *testing.T) {
	tr := newTestTracker(t, nil)
	id := mustInitiate(t, tr, "photos", "big.bin")
	mustPutPart(t, tr, "photos", id, 1, "AAA")

	c := collect{err: errors.New("backend down")}
	if _, err := tr.Complete(context.Background(), "photos", id, nil, c.finalize); err == nil {
		t.Fatal("Complete succeeded with a failing finalizer")
	}
	if !tr.Scratch().HasPart("photos", id, 1) {
		t.Error("part removed after failed complete")
	}
	if _, err := os.Stat(tr.Scratch().AssemblyPath("photos", id)); !os.IsNotExist(err) {
		t.Errorf("assembly file retained: %v", err)
	}

	c.err = nil
	if _, err := tr.Complete(context.Background(), "photos", id, nil, c.finalize); err != nil {
		t.Fatalf("retry Complete: %v", err)
	}
	if string(c.data) != "AAA" {
		t.Errorf("retry assembled %q", c.data)
	}
}

func TestBusyWhileCompleting(t *testing.T) {
	tr := newTestTracker(t, nil)
	id := mustInitiate(t, tr, "photos", "big.bin")
	mustPutPart(t, tr, "photos", id, 1, "AAA")

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := tr.Complete(context.Background(), "photos", id, nil, func(context.Context, *Assembled) error {
			close(entered)
			<-release
			return nil
		})
		done <- err
	}()
	<-entered

	if _, err := tr.PutPart(context.Background(), "photos", id, 2, strings.NewReader("x")); !errors.Is(err, ErrUploadBusy) {
		t.Errorf("PutPart during complete err = %v, want ErrUploadBusy", err)
	}
	if _, err := tr.Complete(context.Background(), "photos", id, nil, (&collect{}).finalize); !errors.Is(err, ErrUploadBusy) {
		t.Errorf("second Complete err = %v, want ErrUploadBusy", err)
	}
	if err := tr.Abort(context.Background(), "photos", id); !errors.Is(err, ErrUploadBusy) {
		t.Errorf("Abort during complete err = %v, want ErrUploadBusy", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestUnknownUpload(t *testing.T) {
	tr := newTestTracker(t, nil)
	ctx := context.Background()
	if _, err := tr.PutPart(ctx, "photos", "bm9wZQ", 1, strings.NewReader("x")); !errors.Is(err, ErrNoSuchUpload) {
		t.Errorf("PutPart err = %v", err)
	}
	if _, err := tr.Complete(ctx, "photos", "bm9wZQ", nil, (&collect{}).finalize); !errors.Is(err, ErrNoSuchUpload) {
		t.Errorf("Complete err = %v", err)
	}
	if err := tr.Abort(ctx, "photos", "bm9wZQ"); !errors.Is(err, ErrNoSuchUpload) {
		t.Errorf("Abort err = %v", err)
	}
}

func TestPutPartNumberRange(t *testing.T) {
	tr := newTestTracker(t, nil)
	id := mustInitiate(t, tr, "photos", "big.bin")
	for _, n := range []int{0, MaxPartNumber + 1} {
		if _, err := tr.PutPart(context.Background(), "photos", id, n, strings.NewReader("x")); !errors.Is(err, ErrInvalidPart) {
			t.Errorf("PutPart(%d) err = %v, want ErrInvalidPart", n, err)
		}
	}
}

func TestConcurrentPutPart(t *testing.T) {
	tr := newTestTracker(t, nil)
	id := mustInitiate(t, tr, "photos", "big.bin")

	var wg sync.WaitGroup
	for n := 1; n <= 20; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			body := strings.Repeat(string(rune('a'+n%26)), n)
			if _, err := tr.PutPart(context.Background(), "photos", id, n, strings.NewReader(body)); err != nil {
				t.Errorf("PutPart(%d): %v", n, err)
			}
		}(n)
	}
	wg.Wait()

	u, err := tr.ListParts("photos", id)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(u.Parts) != 20 {
		t.Fatalf("received %d parts, want 20", len(u.Parts))
	}
	for i, p := range u.Parts {
		if p.Number != i+1 || p.Size != int64(i+1) {
			t.Errorf("part[%d] = %+v", i, p)
		}
	}
}

func TestAbortRemovesParts(t *testing.T) {
	store := metadata.NewMemoryStore()
	tr := newTestTracker(t, store)
	id := mustInitiate(t, tr, "photos", "big.bin")
	mustPutPart(t, tr, "photos", id, 1, "AAA")

	if err := tr.Abort(context.Background(), "photos", id); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if tr.Scratch().HasPart("photos", id, 1) {
		t.Error("part survived abort")
	}
	if _, err := store.GetUpload(context.Background(), "photos", id); !errors.Is(err, metadata.ErrUploadNotFound) {
		t.Errorf("store record survived abort: %v", err)
	}
	// The key can be initiated again.
	mustInitiate(t, tr, "photos", "big.bin")
}

func TestListUploads(t *testing.T) {
	tr := newTestTracker(t, nil)
	mustInitiate(t, tr, "photos", "b")
	mustInitiate(t, tr, "photos", "a")
	mustInitiate(t, tr, "videos", "c")

	uploads := tr.ListUploads("photos")
	if len(uploads) != 2 || uploads[0].Key != "a" || uploads[1].Key != "b" {
		t.Errorf("ListUploads = %+v", uploads)
	}
	if len(tr.ListUploads("empty")) != 0 {
		t.Error("ListUploads(empty) not empty")
	}
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMemoryStore()
	scratch := newTestScratch(t)

	first := New(scratch, Options{Store: store})
	id, err := first.Initiate(ctx, "photos", "big.bin", "video/mp4")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	mustPutPart(t, first, "photos", id, 1, "AAA")
	mustPutPart(t, first, "photos", id, 2, "BBB")
	// Lose part 2's scratch file, as after a disk cleanup.
	os.Remove(scratch.PartPath("photos", id, 2))

	second := New(scratch, Options{Store: store})
	n, err := second.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored %d sessions, want 1", n)
	}
	u, err := second.ListParts("photos", id)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(u.Parts) != 1 || u.Parts[0].Number != 1 || u.ContentType != "video/mp4" {
		t.Errorf("recovered upload = %+v", u)
	}

	mustPutPart(t, second, "photos", id, 2, "BBB")
	var c collect
	if _, err := second.Complete(ctx, "photos", id, nil, c.finalize); err != nil {
		t.Fatalf("Complete after recover: %v", err)
	}
	if string(c.data) != "AAABBB" {
		t.Errorf("assembled %q", c.data)
	}
}

func TestReapExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tr := New(newTestScratch(t), Options{TTL: time.Hour, Now: clock})

	stale := mustInitiate(t, tr, "photos", "stale")
	mustPutPart(t, tr, "photos", stale, 1, "x")
	now = now.Add(30 * time.Minute)
	fresh := mustInitiate(t, tr, "photos", "fresh")

	if n := tr.ReapExpired(ctx, now.Add(45*time.Minute)); n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	if _, err := tr.ListParts("photos", stale); !errors.Is(err, ErrNoSuchUpload) {
		t.Errorf("stale upload survived: %v", err)
	}
	if _, err := tr.ListParts("photos", fresh); err != nil {
		t.Errorf("fresh upload reaped: %v", err)
	}
}

func TestReapDisabled(t *testing.T) {
	tr := New(newTestScratch(t), Options{})
	mustInitiate(t, tr, "photos", "k")
	if n := tr.ReapExpired(context.Background(), time.Now().Add(1000*time.Hour)); n != 0 {
		t.Errorf("reaped %d with TTL disabled", n)
	}
}

// failingStore rejects part writes.
type failingStore struct {
	metadata.UploadStore
}

func (failingStore) PutPart(context.Context, *metadata.PartRecord) error {
	return errors.New("store unavailable")
}

func TestPutPartStoreFailure(t *testing.T) {
	tr := newTestTracker(t, failingStore{metadata.NewMemoryStore()})
	id := mustInitiate(t, tr, "photos", "big.bin")
	if _, err := tr.PutPart(context.Background(), "photos", id, 1, strings.NewReader("x")); err == nil {
		t.Fatal("PutPart succeeded with a failing store")
	}
	u, _ := tr.ListParts("photos", id)
	if len(u.Parts) != 0 {
		t.Errorf("part recorded despite store failure: %+v", u.Parts)
	}
}
