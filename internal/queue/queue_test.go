package queue

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFIFOUnderRandomDelays(t *testing.T) {
	q := New()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	var mu sync.Mutex
	var log []int
	const n = 50
	futures := make([]*Future, n)
	for i := 0; i < n; i++ {
		i := i
		delay := time.Duration(rng.Intn(3000)) * time.Microsecond
		futures[i] = q.Submit(ctx, func(ctx context.Context) (any, error) {
			time.Sleep(delay)
			mu.Lock()
			log = append(log, i)
			mu.Unlock()
			return i, nil
		})
	}
	for i, f := range futures {
		v, err := f.Wait(ctx)
		if err != nil {
			t.Fatalf("task %d: %v", i, err)
		}
		if v.(int) != i {
			t.Errorf("task %d resolved with %v", i, v)
		}
	}
	for i, got := range log {
		if got != i {
			t.Fatalf("log = %v, not in submission order", log)
		}
	}
}

func TestAtMostOneRunning(t *testing.T) {
	q := New()
	ctx := context.Background()
	var running, peak int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Submit(ctx, func(ctx context.Context) (any, error) {
				cur := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			}).Wait(ctx)
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
}

func TestFailureIsolation(t *testing.T) {
	q := New()
	ctx := context.Background()
	boom := errors.New("boom")

	failed := q.Submit(ctx, func(ctx context.Context) (any, error) { return nil, boom })
	ok := q.Submit(ctx, func(ctx context.Context) (any, error) { return "second", nil })

	if _, err := failed.Wait(ctx); !errors.Is(err, boom) {
		t.Errorf("first err = %v, want boom", err)
	}
	v, err := ok.Wait(ctx)
	if err != nil || v != "second" {
		t.Errorf("second = %v, %v; want second, nil", v, err)
	}
}

func TestPanicIsolation(t *testing.T) {
	q := New()
	ctx := context.Background()

	p := q.Submit(ctx, func(ctx context.Context) (any, error) { panic("kaboom") })
	next := q.Submit(ctx, func(ctx context.Context) (any, error) { return 7, nil })

	if _, err := p.Wait(ctx); !errors.Is(err, ErrPanic) {
		t.Errorf("panic err = %v, want ErrPanic", err)
	}
	if v, err := next.Wait(ctx); err != nil || v != 7 {
		t.Errorf("next = %v, %v", v, err)
	}
}

func TestOpTimeout(t *testing.T) {
	q := New(WithOpTimeout(20 * time.Millisecond))
	ctx := context.Background()
	release := make(chan struct{})

	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	hung := q.Submit(ctx, func(ctx context.Context) (any, error) {
		<-release
		record("hung")
		return nil, nil
	})
	after := q.Submit(ctx, func(ctx context.Context) (any, error) {
		record("after")
		return nil, nil
	})

	if _, err := hung.Wait(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("hung err = %v, want ErrTimeout", err)
	}
	select {
	case <-after.Done():
		t.Fatal("next task started while the timed-out task was still running")
	case <-time.After(10 * time.Millisecond):
	}
	close(release)
	if _, err := after.Wait(ctx); err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(order) != 2 || order[0] != "hung" || order[1] != "after" {
		t.Errorf("order = %v", order)
	}
}

func TestTimeoutHonouredByContextAwareTask(t *testing.T) {
	q := New(WithOpTimeout(10 * time.Millisecond))
	ctx := context.Background()
	_, err := q.Submit(ctx, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}).Wait(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestSkipsCancelledSubmitter(t *testing.T) {
	q := New()
	bg := context.Background()
	gate := make(chan struct{})
	blocker := q.Submit(bg, func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	})

	cctx, cancel := context.WithCancel(bg)
	var ran atomic.Bool
	skipped := q.Submit(cctx, func(ctx context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	cancel()
	close(gate)

	if _, err := blocker.Wait(bg); err != nil {
		t.Fatalf("blocker: %v", err)
	}
	<-skipped.Done()
	if _, err := skipped.Wait(bg); !errors.Is(err, context.Canceled) {
		t.Errorf("skipped err = %v, want context.Canceled", err)
	}
	if ran.Load() {
		t.Error("task of a cancelled submitter ran")
	}
}

func TestStartedTaskIgnoresSubmitterCancel(t *testing.T) {
	q := New()
	cctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	f := q.Submit(cctx, func(ctx context.Context) (any, error) {
		close(started)
		time.Sleep(5 * time.Millisecond)
		return "done", ctx.Err()
	})
	<-started
	cancel()
	<-f.Done()
	v, err := f.Wait(context.Background())
	if err != nil || v != "done" {
		t.Errorf("got %v, %v; want done, nil", v, err)
	}
}

func TestDo(t *testing.T) {
	q := New()
	ctx := context.Background()
	n, err := Do(ctx, q, "answer", func(ctx context.Context) (int, error) { return 42, nil })
	if err != nil || n != 42 {
		t.Errorf("Do = %d, %v", n, err)
	}
	_, err = Do(ctx, q, "fail", func(ctx context.Context) (int, error) { return 0, errors.New("nope") })
	if err == nil {
		t.Error("expected error")
	}
}

func TestDoNilInterfaceResult(t *testing.T) {
	q := New()
	v, err := Do(context.Background(), q, "nothing", func(ctx context.Context) (any, error) { return nil, nil })
	if err != nil || v != nil {
		t.Errorf("Do = %v, %v", v, err)
	}
}

func TestTypedResultMismatch(t *testing.T) {
	if _, err := typedResult[int]("PutObject", "forty-two"); err == nil || !strings.Contains(err.Error(), "PutObject returned string") {
		t.Errorf("mismatched result: err = %v", err)
	}
	if n, err := typedResult[int]("PutObject", nil); err != nil || n != 0 {
		t.Errorf("nil result = %d, %v", n, err)
	}
	if n, err := typedResult[int]("PutObject", 7); err != nil || n != 7 {
		t.Errorf("int result = %d, %v", n, err)
	}
}

func TestCloseDrainsAndRejects(t *testing.T) {
	q := New()
	ctx := context.Background()
	var count atomic.Int32
	for i := 0; i < 5; i++ {
		q.Submit(ctx, func(ctx context.Context) (any, error) {
			time.Sleep(time.Millisecond)
			count.Add(1)
			return nil, nil
		})
	}
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if count.Load() != 5 {
		t.Errorf("ran %d tasks before close returned, want 5", count.Load())
	}
	if _, err := q.Submit(ctx, func(ctx context.Context) (any, error) { return nil, nil }).Wait(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("submit after close err = %v, want ErrClosed", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d after drain", q.Len())
	}
}

func TestCloseTimeout(t *testing.T) {
	q := New()
	gate := make(chan struct{})
	defer close(gate)
	q.Submit(context.Background(), func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close err = %v, want DeadlineExceeded", err)
	}
}

func TestIdleRestart(t *testing.T) {
	q := New()
	ctx := context.Background()
	for round := 0; round < 3; round++ {
		if _, err := q.Submit(ctx, func(ctx context.Context) (any, error) { return nil, nil }).Wait(ctx); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		deadline := time.Now().Add(time.Second)
		for q.Len() != 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
}
