package queue

import (
	"context"
	"errors"
	"time"
)

// ErrJobNotFound is returned by Ack and Nack for an id that is not leased
var ErrJobNotFound = errors.New("job not leased")

// Job is one leased event
type Job struct {
	ID         string
	Event      Event
	Attempts   int
	EnqueuedAt time.Time
}

// Queue is an ordered at-least-once event queue with a single consumer.
// A dequeued job stays leased until it is acked or nacked; a nacked job keeps its place at
// the head of the queue until its backoff elapses.
type Queue interface {
	Enqueue(ctx context.Context, e Event) (string, error)
	Dequeue(ctx context.Context) (*Job, error)
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, jobID string, cause error) error
	Len(ctx context.Context) (int, error)
	Failed(ctx context.Context) (int, error)
	Close() error
}

type Options struct {
	Capacity    int
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

const (
	defaultCapacity    = 1000
	defaultMaxAttempts = 3
	maxBackoff         = 30 * time.Second
)

// ExponentialBackoff waits 1s, 2s, 4s... capped at 30s
func ExponentialBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Second << uint(attempt-1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = defaultCapacity
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.Backoff == nil {
		o.Backoff = ExponentialBackoff
	}
	return o
}

// wake does a non-blocking send so a waiting Dequeue re-checks the head
func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// waitFor blocks until woken, the delay passes, the queue closes or ctx ends
func waitFor(ctx context.Context, notify, done <-chan struct{}, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	case <-notify:
		return nil
	case <-timer.C:
		return nil
	}
}
