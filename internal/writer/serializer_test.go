package writer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestSerializer(t *testing.T, timeout time.Duration) *Serializer {
	t.Helper()
	s := New(64, timeout, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func TestDoReturnsResult(t *testing.T) {
	t.Parallel()
	s := newTestSerializer(t, time.Second)

	v, err := s.Do(context.Background(), "test", func(context.Context) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if v != 42 {
		t.Errorf("Do() = %v, want 42", v)
	}
}

func TestOperationsRunInSubmissionOrder(t *testing.T) {
	t.Parallel()
	s := newTestSerializer(t, time.Second)
	ctx := context.Background()

	var order []int
	var futures []*Future
	for i := range 10 {
		f, err := s.Enqueue(ctx, "ordered", func(context.Context) (any, error) {
			order = append(order, i)
			return nil, nil
		})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		futures = append(futures, f)
	}
	for _, f := range futures {
		if _, err := f.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}

	for i, got := range order {
		if got != i {
			t.Fatalf("operation %d ran at position %d", got, i)
		}
	}
}

func TestOperationTimeout(t *testing.T) {
	t.Parallel()
	s := newTestSerializer(t, 50*time.Millisecond)

	_, err := s.Do(context.Background(), "slow", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Do() error = %v, want ErrTimeout", err)
	}
}

func TestWaitSoftDeadlineLeavesOperationRunning(t *testing.T) {
	t.Parallel()
	s := newTestSerializer(t, 5*time.Second)

	var finished atomic.Bool
	release := make(chan struct{})
	f, err := s.Enqueue(context.Background(), "soft", func(context.Context) (any, error) {
		<-release
		finished.Store(true)
		return "done", nil
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(waitCtx); !errors.Is(err, ErrStillRunning) {
		t.Fatalf("Wait() error = %v, want ErrStillRunning", err)
	}
	if finished.Load() {
		t.Fatal("operation should still be running after soft deadline")
	}

	close(release)
	r := <-f.Done()
	if r.Err != nil || r.Value != "done" {
		t.Errorf("Done() = (%v, %v), want (done, nil)", r.Value, r.Err)
	}
	if !finished.Load() {
		t.Error("operation did not run to completion")
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	t.Parallel()
	s := New(4, time.Second, zerolog.Nop())

	ctx := context.Background()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := s.Enqueue(ctx, "late", func(context.Context) (any, error) { return nil, nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue() after close error = %v, want ErrClosed", err)
	}
}

func TestAwaitTyped(t *testing.T) {
	t.Parallel()
	s := newTestSerializer(t, time.Second)

	got, err := Await(context.Background(), s, "typed", func(context.Context) (string, error) {
		return "hello", nil
	})
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if got != "hello" {
		t.Errorf("Await() = %q, want %q", got, "hello")
	}
}
