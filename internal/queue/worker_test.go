package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"signal_router/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	ids   []string
	times []time.Time
}

func (r *recorder) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	r.times = append(r.times, time.Now())
}

func (r *recorder) snapshot() ([]string, []time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...), append([]time.Time(nil), r.times...)
}

func startWorker(t *testing.T, w *Worker) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		assert.NoError(t, w.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return cancel, stopped
}

func TestWorker_ProcessesInOrderWithSpacing(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(Options{}, logging.NewNopLogger())
	rec := &recorder{}
	for _, id := range []string{"A", "B", "C"} {
		_, err := q.Enqueue(ctx, inv(id))
		require.NoError(t, err)
	}

	w := NewWorker(q, HandlerFunc(func(ctx context.Context, e Event) error {
		rec.add(e.ID())
		return nil
	}), 50*time.Millisecond, time.Second, logging.NewNopLogger())
	startWorker(t, w)

	require.Eventually(t, func() bool {
		ids, _ := rec.snapshot()
		return len(ids) == 3
	}, 2*time.Second, 10*time.Millisecond)

	ids, times := rec.snapshot()
	assert.Equal(t, []string{"A", "B", "C"}, ids)
	assert.GreaterOrEqual(t, times[2].Sub(times[0]), 90*time.Millisecond)

	require.Eventually(t, func() bool {
		n, _ := q.Len(ctx)
		return n == 0
	}, time.Second, 10*time.Millisecond)
}

func TestWorker_ErrorIsRetried(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(Options{Backoff: noBackoff}, logging.NewNopLogger())
	rec := &recorder{}
	_, _ = q.Enqueue(ctx, inv("A"))

	calls := 0
	w := NewWorker(q, HandlerFunc(func(ctx context.Context, e Event) error {
		rec.add(e.ID())
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	}), 0, time.Second, logging.NewNopLogger())
	startWorker(t, w)

	require.Eventually(t, func() bool {
		ids, _ := rec.snapshot()
		return len(ids) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		n, _ := q.Len(ctx)
		return n == 0
	}, time.Second, 10*time.Millisecond)
	failed, _ := q.Failed(ctx)
	assert.Equal(t, 0, failed)
}

func TestWorker_PanicIsRecoveredAndNacked(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(Options{MaxAttempts: 3, Backoff: noBackoff}, logging.NewNopLogger())
	_, _ = q.Enqueue(ctx, inv("A"))
	_, _ = q.Enqueue(ctx, inv("B"))
	rec := &recorder{}

	w := NewWorker(q, HandlerFunc(func(ctx context.Context, e Event) error {
		if e.ID() == "A" {
			panic("nil map")
		}
		rec.add(e.ID())
		return nil
	}), 0, time.Second, logging.NewNopLogger())
	startWorker(t, w)

	require.Eventually(t, func() bool {
		ids, _ := rec.snapshot()
		return len(ids) == 1
	}, 2*time.Second, 10*time.Millisecond)

	failed, _ := q.Failed(ctx)
	assert.Equal(t, 1, failed)
}

func TestWorker_DrainsInFlightEventOnCancel(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(Options{}, logging.NewNopLogger())
	_, _ = q.Enqueue(ctx, inv("A"))

	started := make(chan struct{})
	handlerErr := make(chan error, 1)
	w := NewWorker(q, HandlerFunc(func(ctx context.Context, e Event) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		handlerErr <- ctx.Err()
		return ctx.Err()
	}), 0, time.Second, logging.NewNopLogger())
	cancel, stopped := startWorker(t, w)

	<-started
	cancel()
	<-stopped

	assert.NoError(t, <-handlerErr)
	n, _ := q.Len(ctx)
	assert.Equal(t, 0, n)
}

func TestWorker_DrainTimeoutAbandonsEvent(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(Options{}, logging.NewNopLogger())
	_, _ = q.Enqueue(ctx, inv("A"))

	started := make(chan struct{})
	w := NewWorker(q, HandlerFunc(func(ctx context.Context, e Event) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}), 0, 50*time.Millisecond, logging.NewNopLogger())
	cancel, stopped := startWorker(t, w)

	<-started
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after drain timeout")
	}

	// nacked, so still queued for the next start
	n, _ := q.Len(ctx)
	assert.Equal(t, 1, n)
}
