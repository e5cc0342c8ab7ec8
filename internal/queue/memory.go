package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signal_router/internal/core"
	apperrors "signal_router/pkg/errors"

	"github.com/google/uuid"
)

// idlePoll bounds how long Dequeue sleeps on an empty queue between checks
const idlePoll = time.Second

type memJob struct {
	job         Job
	availableAt time.Time
}

// MemoryQueue is a bounded in-process FIFO. Jobs do not survive a restart.
type MemoryQueue struct {
	opts   Options
	logger core.ILogger

	mu       sync.Mutex
	items    []*memJob
	inflight map[string]*memJob
	failed   int
	closed   bool

	notify chan struct{}
	done   chan struct{}
	now    func() time.Time
}

func NewMemoryQueue(opts Options, logger core.ILogger) *MemoryQueue {
	return &MemoryQueue{
		opts:     opts.withDefaults(),
		logger:   logger.WithField("component", "queue").WithField("backend", "memory"),
		inflight: make(map[string]*memJob),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, e Event) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", apperrors.ErrQueueClosed
	}
	if len(q.items)+len(q.inflight) >= q.opts.Capacity {
		return "", fmt.Errorf("%w (capacity: %d)", apperrors.ErrQueueFull, q.opts.Capacity)
	}

	now := q.now()
	id := uuid.New().String()
	q.items = append(q.items, &memJob{
		job:         Job{ID: id, Event: e, EnqueuedAt: now},
		availableAt: now,
	})
	wake(q.notify)
	return id, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, apperrors.ErrQueueClosed
		}
		delay := idlePoll
		if len(q.items) > 0 {
			head := q.items[0]
			delay = head.availableAt.Sub(q.now())
			if delay <= 0 {
				q.items = q.items[1:]
				q.inflight[head.job.ID] = head
				job := head.job
				q.mu.Unlock()
				return &job, nil
			}
		}
		q.mu.Unlock()

		if err := waitFor(ctx, q.notify, q.done, delay); err != nil {
			return nil, err
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[jobID]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	delete(q.inflight, jobID)
	return nil
}

// Nack returns the job to the head of the queue, or drops it once it has used its attempts
func (q *MemoryQueue) Nack(ctx context.Context, jobID string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.inflight[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	delete(q.inflight, jobID)

	item.job.Attempts++
	if item.job.Attempts >= q.opts.MaxAttempts {
		q.failed++
		q.logger.Error("Job failed permanently",
			"job_id", jobID,
			"signal_id", item.job.Event.ID(),
			"attempts", item.job.Attempts,
			"error", cause)
		return nil
	}

	item.availableAt = q.now().Add(q.opts.Backoff(item.job.Attempts))
	q.items = append([]*memJob{item}, q.items...)
	q.logger.Warn("Job will be retried",
		"job_id", jobID,
		"signal_id", item.job.Event.ID(),
		"attempt", item.job.Attempts,
		"error", cause)
	wake(q.notify)
	return nil
}

// Len counts queued and leased jobs
func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + len(q.inflight), nil
}

func (q *MemoryQueue) Failed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
