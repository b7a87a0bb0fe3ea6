// Package writer provides the single-writer queue that serializes every state
// mutation against the durable store. Operations run one at a time in
// submission order; read queries go straight to the pool and never pass
// through here.
package writer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned when enqueueing after Close.
	ErrClosed = errors.New("write serializer closed")
	// ErrTimeout is returned by an operation whose wall-clock deadline expired
	// before it completed.
	ErrTimeout = errors.New("write operation timed out")
	// ErrStillRunning is returned by Future.Wait when the caller's context
	// expires first. The operation keeps running and retains its place in the
	// queue order.
	ErrStillRunning = errors.New("write operation still running")
)

// Op is a mutating closure. It receives a context carrying the serializer's
// wall-clock deadline, not the caller's: once submitted, an operation runs to
// completion (or its own deadline) regardless of client disconnects.
type Op func(ctx context.Context) (any, error)

// Result is the outcome of a completed operation.
type Result struct {
	Value any
	Err   error
}

// Future resolves when the associated operation has run.
type Future struct {
	done chan Result
}

// Done exposes the completion channel for use in select statements.
func (f *Future) Done() <-chan Result { return f.done }

// Wait blocks until the operation completes or ctx expires. On ctx expiry the
// operation is not cancelled; ErrStillRunning is returned and the result can
// still be collected from Done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case r := <-f.done:
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ErrStillRunning
	}
}

type queued struct {
	label  string
	op     Op
	future *Future
}

// Serializer owns the FIFO of labeled write closures.
type Serializer struct {
	ops     chan queued
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
	idle   chan struct{}
}

// New creates a serializer with the given queue depth and per-operation
// wall-clock deadline, and starts its worker goroutine.
func New(depth int, timeout time.Duration, logger zerolog.Logger) *Serializer {
	s := &Serializer{
		ops:     make(chan queued, depth),
		timeout: timeout,
		log:     logger,
		idle:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Enqueue submits an operation and returns its future. It blocks while the
// queue is full; the label exists only for diagnostics.
func (s *Serializer) Enqueue(ctx context.Context, label string, op Op) (*Future, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	f := &Future{done: make(chan Result, 1)}
	select {
	case s.ops <- queued{label: label, op: op, future: f}:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do submits an operation and waits for its result. The caller's context only
// bounds the wait, never the operation itself.
func (s *Serializer) Do(ctx context.Context, label string, op Op) (any, error) {
	f, err := s.Enqueue(ctx, label, op)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// Depth reports the number of queued, not-yet-started operations. It is the
// backpressure surface exposed to health checks.
func (s *Serializer) Depth() int { return len(s.ops) }

// Close stops accepting operations and waits for queued ones to drain, or for
// ctx to expire.
func (s *Serializer) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()

	select {
	case <-s.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Serializer) run() {
	defer close(s.idle)
	for q := range s.ops {
		start := time.Now()
		ctx, cancel := context.WithTimeoutCause(context.Background(), s.timeout, ErrTimeout)
		value, err := q.op(ctx)
		if err != nil && context.Cause(ctx) != nil && errors.Is(context.Cause(ctx), ErrTimeout) {
			err = ErrTimeout
		}
		cancel()

		elapsed := time.Since(start)
		if err != nil {
			s.log.Warn().Err(err).Str("op", q.label).Dur("elapsed", elapsed).Msg("Write operation failed")
		} else if elapsed > s.timeout/2 {
			s.log.Debug().Str("op", q.label).Dur("elapsed", elapsed).Msg("Slow write operation")
		}

		q.future.done <- Result{Value: value, Err: err}
	}
}

// Await is a typed convenience over Do for callers that know the result type.
func Await[T any](ctx context.Context, s *Serializer, label string, op func(ctx context.Context) (T, error)) (T, error) {
	v, err := s.Do(ctx, label, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}
