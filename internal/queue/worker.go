package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"signal_router/internal/core"
	apperrors "signal_router/pkg/errors"
	"signal_router/pkg/telemetry"

	"golang.org/x/time/rate"
)

const settleTimeout = 5 * time.Second

// Handler processes one event. A returned error nacks the job.
type Handler interface {
	Handle(ctx context.Context, e Event) error
}

type HandlerFunc func(ctx context.Context, e Event) error

func (f HandlerFunc) Handle(ctx context.Context, e Event) error { return f(ctx, e) }

type jobKey struct{}

// WithJob attaches the leased job to the handler context
func WithJob(ctx context.Context, job *Job) context.Context {
	return context.WithValue(ctx, jobKey{}, job)
}

// JobFromContext returns the job being handled, if any
func JobFromContext(ctx context.Context) (*Job, bool) {
	job, ok := ctx.Value(jobKey{}).(*Job)
	return job, ok
}

// Worker is the single consumer of a queue. Consecutive events are spaced by at least the
// configured minimum interval.
type Worker struct {
	queue        Queue
	handler      Handler
	limiter      *rate.Limiter
	drainTimeout time.Duration
	logger       core.ILogger
}

func NewWorker(q Queue, handler Handler, minInterval, drainTimeout time.Duration, logger core.ILogger) *Worker {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Worker{
		queue:        q,
		handler:      handler,
		limiter:      rate.NewLimiter(limit, 1),
		drainTimeout: drainTimeout,
		logger:       logger.WithField("component", "worker"),
	}
}

// Run consumes until ctx is cancelled or the queue is closed. An event in flight at
// cancellation is given up to the drain timeout to finish.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started")
	defer w.logger.Info("Worker stopped")

	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, apperrors.ErrQueueClosed) {
				return nil
			}
			w.logger.Error("Failed to dequeue", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-finished:
		case <-ctx.Done():
			select {
			case <-finished:
			case <-time.After(w.drainTimeout):
				w.logger.Warn("Drain timeout reached, abandoning in-flight event", "job_id", job.ID)
				cancel()
			}
		}
	}()

	log := w.logger.WithFields(map[string]interface{}{
		"job_id":    job.ID,
		"kind":      string(job.Event.Kind()),
		"signal_id": job.Event.ID(),
	})
	log.Debug("Processing event", "attempt", job.Attempts+1)

	err := w.handle(WithJob(jobCtx, job), job.Event)

	// settle on a fresh context so a drain cancellation does not lose the ack
	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer settleCancel()
	if err != nil {
		if nackErr := w.queue.Nack(settleCtx, job.ID, err); nackErr != nil {
			log.Error("Failed to nack job", "error", nackErr)
		}
	} else if ackErr := w.queue.Ack(settleCtx, job.ID); ackErr != nil {
		log.Error("Failed to ack job", "error", ackErr)
	}

	if depth, err := w.queue.Len(settleCtx); err == nil {
		telemetry.GetGlobalMetrics().SetQueueDepth(int64(depth))
	}
}

func (w *Worker) handle(ctx context.Context, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Handler panic recovered", "signal_id", e.ID(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler.Handle(ctx, e)
}
