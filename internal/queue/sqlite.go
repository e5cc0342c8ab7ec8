package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"signal_router/internal/core"
	"signal_router/internal/storage"
	apperrors "signal_router/pkg/errors"

	"github.com/google/uuid"
)

const (
	jobQueued   = "queued"
	jobInFlight = "in_flight"
	jobFailed   = "failed"
)

// SQLiteQueue is the durable queue. Jobs leased when the process stopped are offered again on
// the next start, so delivery is at-least-once.
type SQLiteQueue struct {
	db     *sql.DB
	opts   Options
	logger core.ILogger

	closeOnce sync.Once
	notify    chan struct{}
	done      chan struct{}
	now       func() time.Time
}

func NewSQLiteQueue(ctx context.Context, db *sql.DB, opts Options, logger core.ILogger) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:     db,
		opts:   opts.withDefaults(),
		logger: logger.WithField("component", "queue").WithField("backend", "sqlite"),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		now:    time.Now,
	}

	res, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?`,
		jobQueued, q.now().UnixMilli(), jobInFlight)
	if err != nil {
		return nil, fmt.Errorf("failed to recover leased jobs: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.logger.Warn("Recovered jobs leased before restart", "count", n)
	}
	return q, nil
}

func (q *SQLiteQueue) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, e Event) (string, error) {
	if q.isClosed() {
		return "", apperrors.ErrQueueClosed
	}
	payload, err := json.Marshal(Encode(e))
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}

	id := uuid.New().String()
	err = storage.WithTx(ctx, q.db, func(tx *sql.Tx) error {
		var depth int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE status IN (?, ?)`, jobQueued, jobInFlight).Scan(&depth); err != nil {
			return err
		}
		if depth >= q.opts.Capacity {
			return fmt.Errorf("%w (capacity: %d)", apperrors.ErrQueueFull, q.opts.Capacity)
		}
		now := q.now().UnixMilli()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, kind, payload, status, attempts, available_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
			id, string(e.Kind()), string(payload), jobQueued, now, now, now)
		return err
	})
	if err != nil {
		return "", err
	}
	wake(q.notify)
	return id, nil
}

// lease takes the head job if it is due. A nil job with a positive delay means the head is backing off.
func (q *SQLiteQueue) lease(ctx context.Context) (*Job, time.Duration, error) {
	var job *Job
	delay := idlePoll
	err := storage.WithTx(ctx, q.db, func(tx *sql.Tx) error {
		var (
			id, payload          string
			attempts             int
			availableAt, created int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT id, payload, attempts, available_at, created_at FROM jobs
			 WHERE status = ? ORDER BY seq LIMIT 1`, jobQueued).
			Scan(&id, &payload, &attempts, &availableAt, &created)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		now := q.now()
		if wait := time.UnixMilli(availableAt).Sub(now); wait > 0 {
			delay = wait
			return nil
		}

		var p Payload
		ev, err := decodeStored(payload, &p)
		if err != nil {
			q.logger.Error("Dropping undecodable job", "job_id", id, "error", err)
			_, err = tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				jobFailed, err.Error(), now.UnixMilli(), id)
			delay = 0
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
			jobInFlight, now.UnixMilli(), id); err != nil {
			return err
		}
		job = &Job{ID: id, Event: ev, Attempts: attempts, EnqueuedAt: time.UnixMilli(created)}
		return nil
	})
	return job, delay, err
}

func decodeStored(payload string, p *Payload) (Event, error) {
	if err := json.Unmarshal([]byte(payload), p); err != nil {
		return nil, err
	}
	return p.Event()
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		if q.isClosed() {
			return nil, apperrors.ErrQueueClosed
		}
		job, delay, err := q.lease(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to lease job: %w", err)
		}
		if job != nil {
			return job, nil
		}
		if delay <= 0 {
			continue
		}
		if err := waitFor(ctx, q.notify, q.done, delay); err != nil {
			return nil, err
		}
	}
}

// Ack removes a completed job
func (q *SQLiteQueue) Ack(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND status = ?`, jobID, jobInFlight)
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return nil
}

// Nack re-queues the job in its original position after a backoff, or marks it failed once
// it has used its attempts
func (q *SQLiteQueue) Nack(ctx context.Context, jobID string, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	err := storage.WithTx(ctx, q.db, func(tx *sql.Tx) error {
		var attempts int
		var kind string
		err := tx.QueryRowContext(ctx,
			`SELECT attempts, kind FROM jobs WHERE id = ? AND status = ?`, jobID, jobInFlight).Scan(&attempts, &kind)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		if err != nil {
			return err
		}

		attempts++
		now := q.now()
		if attempts >= q.opts.MaxAttempts {
			q.logger.Error("Job failed permanently", "job_id", jobID, "kind", kind, "attempts", attempts, "error", reason)
			_, err = tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				jobFailed, attempts, reason, now.UnixMilli(), jobID)
			return err
		}

		q.logger.Warn("Job will be retried", "job_id", jobID, "kind", kind, "attempt", attempts, "error", reason)
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, available_at = ?, updated_at = ? WHERE id = ?`,
			jobQueued, attempts, reason, now.Add(q.opts.Backoff(attempts)).UnixMilli(), now.UnixMilli(), jobID)
		return err
	})
	if err != nil {
		return err
	}
	wake(q.notify)
	return nil
}

func (q *SQLiteQueue) count(ctx context.Context, statuses ...interface{}) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE status = ?`
	if len(statuses) == 2 {
		query = `SELECT COUNT(*) FROM jobs WHERE status IN (?, ?)`
	}
	var n int
	if err := q.db.QueryRowContext(ctx, query, statuses...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// Len counts queued and leased jobs
func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	return q.count(ctx, jobQueued, jobInFlight)
}

func (q *SQLiteQueue) Failed(ctx context.Context) (int, error) {
	return q.count(ctx, jobFailed)
}

// Close stops Dequeue. The database handle belongs to the caller.
func (q *SQLiteQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
