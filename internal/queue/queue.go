// Package queue serializes backend mutations.
//
// A Queue runs submitted tasks one at a time in submission order. Each
// submitter receives its own Future; a failing, panicking or timed-out task
// is reported only to its submitter and the queue moves on to the next task.
// The backlog is unbounded.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/s3gate/s3gate/internal/metrics"
)

var (
	// ErrClosed is returned for tasks submitted after Close.
	ErrClosed = errors.New("queue: closed")
	// ErrTimeout is returned when a task runs past the queue's op timeout.
	ErrTimeout = errors.New("queue: operation timed out")
	// ErrPanic wraps a panic recovered from a task.
	ErrPanic = errors.New("queue: task panicked")
)

var tracer = otel.Tracer("github.com/s3gate/s3gate/internal/queue")

// Task is a unit of work executed by the queue. The context carries the
// submitter's values and the per-operation deadline but not the submitter's
// cancellation: once a task starts it runs to completion or to its deadline.
type Task func(ctx context.Context) (any, error)

// Future is the pending result of a submitted Task.
type Future struct {
	once sync.Once
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(v any, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes or ctx is done. Abandoning a Future
// does not cancel a task that has already started.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type item struct {
	ctx    context.Context
	name   string
	task   Task
	future *Future
	queued time.Time
}

// Queue is a single-flight FIFO executor. The zero value is not usable; call New.
type Queue struct {
	timeout time.Duration

	mu       sync.Mutex
	pending  []*item
	running  bool
	draining bool
	closed   bool
	drained  chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithOpTimeout bounds each task's execution. Zero disables the bound.
func WithOpTimeout(d time.Duration) Option {
	return func(q *Queue) { q.timeout = d }
}

// New creates an idle queue.
func New(opts ...Option) *Queue {
	q := &Queue{}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit appends task to the queue and returns its Future. If the queue is
// idle a worker is started; otherwise the running worker picks the task up
// after everything submitted before it.
func (q *Queue) Submit(ctx context.Context, task Task) *Future {
	return q.SubmitNamed(ctx, "task", task)
}

// SubmitNamed is Submit with an operation name used in logs and traces.
func (q *Queue) SubmitNamed(ctx context.Context, name string, task Task) *Future {
	f := newFuture()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		f.resolve(nil, ErrClosed)
		return f
	}
	q.pending = append(q.pending, &item{ctx: ctx, name: name, task: task, future: f, queued: time.Now()})
	metrics.QueueDepth.Set(float64(q.lenLocked()))
	if !q.draining {
		q.draining = true
		q.drained = make(chan struct{})
		go q.drain(q.drained)
	}
	return f
}

// Do submits fn and waits for its typed result.
func Do[T any](ctx context.Context, q *Queue, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err := q.SubmitNamed(ctx, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}).Wait(ctx)
	if err != nil {
		return zero, err
	}
	return typedResult[T](name, v)
}

// typedResult converts a task result back to T. A nil result is the zero
// value; any other type is an error.
func typedResult[T any](name string, v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("queue: %s returned %T, want %T", name, v, zero)
	}
	return t, nil
}

// Len reports the number of tasks waiting or running.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *Queue) lenLocked() int {
	n := len(q.pending)
	if q.running {
		n++
	}
	return n
}

// Close stops accepting tasks and waits until the backlog has drained or
// ctx is done.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	drained := q.drained
	draining := q.draining
	q.mu.Unlock()

	if !draining {
		return nil
	}
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: close with %d tasks outstanding: %w", q.Len(), ctx.Err())
	}
}

func (q *Queue) drain(drained chan struct{}) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			close(drained)
			metrics.QueueDepth.Set(0)
			q.mu.Unlock()
			return
		}
		it := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.running = true
		q.mu.Unlock()

		q.execute(it)

		q.mu.Lock()
		q.running = false
		metrics.QueueDepth.Set(float64(q.lenLocked()))
		q.mu.Unlock()
	}
}

type result struct {
	val any
	err error
}

func (q *Queue) execute(it *item) {
	if err := it.ctx.Err(); err != nil {
		metrics.QueueTasksTotal.WithLabelValues("skipped").Inc()
		slog.Debug("Skipping queued task whose submitter went away", "task", it.name, "error", err)
		it.future.resolve(nil, err)
		return
	}

	ctx := context.WithoutCancel(it.ctx)
	var cancel context.CancelFunc = func() {}
	if q.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
	}
	defer cancel()

	ctx, span := tracer.Start(ctx, "queue."+it.name)
	span.SetAttributes(attribute.Int64("queue.wait_ms", time.Since(it.queued).Milliseconds()))
	defer span.End()

	start := time.Now()
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("%w: %s: %v", ErrPanic, it.name, p)}
			}
		}()
		v, err := it.task(ctx)
		done <- result{val: v, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		// Unblock the submitter now, but keep the single-flight guarantee by
		// not starting the next task until this one returns.
		it.future.resolve(nil, fmt.Errorf("%w: %s after %s: %w", ErrTimeout, it.name, q.timeout, ctx.Err()))
		slog.Warn("Queued task exceeded its deadline", "task", it.name, "timeout", q.timeout)
		res = <-done
		res.err = ErrTimeout
	}
	metrics.QueueTaskDuration.Observe(time.Since(start).Seconds())

	outcome := "ok"
	switch {
	case errors.Is(res.err, ErrTimeout) || (res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)):
		outcome = "timeout"
		if !errors.Is(res.err, ErrTimeout) {
			res.err = fmt.Errorf("%w: %s: %w", ErrTimeout, it.name, res.err)
		}
	case errors.Is(res.err, ErrPanic):
		outcome = "panic"
	case res.err != nil:
		outcome = "error"
	}
	metrics.QueueTasksTotal.WithLabelValues(outcome).Inc()
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		slog.Debug("Queued task failed", "task", it.name, "error", res.err)
	}
	it.future.resolve(res.val, res.err)
}
