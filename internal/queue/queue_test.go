package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"signal_router/internal/storage"
	apperrors "signal_router/pkg/errors"
	"signal_router/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noBackoff(int) time.Duration { return 0 }

func queues(t *testing.T, opts Options) map[string]Queue {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sq, err := NewSQLiteQueue(context.Background(), db, opts, logging.NewNopLogger())
	require.NoError(t, err)

	return map[string]Queue{
		"memory": NewMemoryQueue(opts, logging.NewNopLogger()),
		"sqlite": sq,
	}
}

func inv(id string) Event { return Invalidate{SignalID: id, Instrument: "BTCUSDT"} }

func dequeue(t *testing.T, q Queue) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return job
}

func TestQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t, Options{Backoff: noBackoff}) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"A", "B", "C"} {
				jobID, err := q.Enqueue(ctx, inv(id))
				require.NoError(t, err)
				assert.Len(t, jobID, 36)
			}
			n, _ := q.Len(ctx)
			assert.Equal(t, 3, n)

			for _, want := range []string{"A", "B", "C"} {
				job := dequeue(t, q)
				assert.Equal(t, want, job.Event.ID())
				assert.Equal(t, KindInvalidate, job.Event.Kind())
				require.NoError(t, q.Ack(ctx, job.ID))
			}
			n, _ = q.Len(ctx)
			assert.Equal(t, 0, n)
		})
	}
}

func TestQueue_NackRetriesAtHeadThenFails(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t, Options{MaxAttempts: 3, Backoff: noBackoff}) {
		t.Run(name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, inv("A"))
			require.NoError(t, err)
			_, err = q.Enqueue(ctx, inv("B"))
			require.NoError(t, err)

			for attempt := 0; attempt < 3; attempt++ {
				job := dequeue(t, q)
				require.Equal(t, "A", job.Event.ID())
				assert.Equal(t, attempt, job.Attempts)
				require.NoError(t, q.Nack(ctx, job.ID, errors.New("venue down")))
			}

			job := dequeue(t, q)
			assert.Equal(t, "B", job.Event.ID())
			require.NoError(t, q.Ack(ctx, job.ID))

			failed, err := q.Failed(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, failed)
		})
	}
}

func TestQueue_BackoffHoldsHead(t *testing.T) {
	ctx := context.Background()
	backoff := func(int) time.Duration { return 150 * time.Millisecond }
	for name, q := range queues(t, Options{Backoff: backoff}) {
		t.Run(name, func(t *testing.T) {
			_, _ = q.Enqueue(ctx, inv("A"))
			_, _ = q.Enqueue(ctx, inv("B"))

			job := dequeue(t, q)
			require.NoError(t, q.Nack(ctx, job.ID, errors.New("boom")))

			start := time.Now()
			job = dequeue(t, q)
			assert.Equal(t, "A", job.Event.ID())
			assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
		})
	}
}

func TestQueue_Capacity(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t, Options{Capacity: 2}) {
		t.Run(name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, inv("A"))
			require.NoError(t, err)
			_, err = q.Enqueue(ctx, inv("B"))
			require.NoError(t, err)
			_, err = q.Enqueue(ctx, inv("C"))
			assert.ErrorIs(t, err, apperrors.ErrQueueFull)
		})
	}
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			got := make(chan string, 1)
			go func() {
				job, err := q.Dequeue(ctx)
				if err == nil {
					got <- job.Event.ID()
				}
			}()

			time.Sleep(50 * time.Millisecond)
			_, err := q.Enqueue(ctx, inv("late"))
			require.NoError(t, err)

			select {
			case id := <-got:
				assert.Equal(t, "late", id)
			case <-time.After(2 * time.Second):
				t.Fatal("dequeue did not wake up")
			}
		})
	}
}

func TestQueue_CloseAndCancel(t *testing.T) {
	for name, q := range queues(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			_, err := q.Dequeue(ctx)
			assert.ErrorIs(t, err, context.DeadlineExceeded)

			require.NoError(t, q.Close())
			_, err = q.Dequeue(context.Background())
			assert.ErrorIs(t, err, apperrors.ErrQueueClosed)
			_, err = q.Enqueue(context.Background(), inv("A"))
			assert.ErrorIs(t, err, apperrors.ErrQueueClosed)
		})
	}
}

func TestQueue_AckUnknownJob(t *testing.T) {
	for name, q := range queues(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, q.Ack(context.Background(), "nope"), ErrJobNotFound)
			assert.ErrorIs(t, q.Nack(context.Background(), "nope", nil), ErrJobNotFound)
		})
	}
}

func TestSQLiteQueue_RedeliversLeasedJobsAfterRestart(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer db.Close()

	first, err := NewSQLiteQueue(ctx, db, Options{}, logging.NewNopLogger())
	require.NoError(t, err)
	_, err = first.Enqueue(ctx, inv("A"))
	require.NoError(t, err)
	leased := dequeue(t, first)
	require.NoError(t, first.Close())

	// process restarts without acking
	second, err := NewSQLiteQueue(ctx, db, Options{}, logging.NewNopLogger())
	require.NoError(t, err)
	again := dequeue(t, second)
	assert.Equal(t, leased.ID, again.ID)
	assert.Equal(t, "A", again.Event.ID())
}

func TestExponentialBackoff(t *testing.T) {
	assert.Equal(t, time.Second, ExponentialBackoff(1))
	assert.Equal(t, 2*time.Second, ExponentialBackoff(2))
	assert.Equal(t, 4*time.Second, ExponentialBackoff(3))
	assert.Equal(t, 30*time.Second, ExponentialBackoff(10))
	assert.Equal(t, 30*time.Second, ExponentialBackoff(100))
}
