package retry

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy defines how to retry an operation
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is used for idempotent venue reads
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc reports whether an error is worth another attempt
type IsTransientFunc func(error) bool

// Do executes fn with retries according to the policy
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	_, err := DoValue(ctx, policy, isTransient, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue is Do for functions that return a value. The value of the last attempt is returned.
func DoValue[T any](ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() (T, error)) (T, error) {
	var (
		val T
		err error
	)
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < attempts; attempt++ {
		val, err = fn()
		if err == nil {
			return val, nil
		}
		if isTransient == nil || !isTransient(err) || attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return val, ctx.Err()
		case <-time.After(jittered(backoff)):
			backoff = minDuration(backoff*2, policy.MaxBackoff)
		}
	}

	return val, err
}

// jittered adds up to 50% random jitter
func jittered(d time.Duration) time.Duration {
	if half := int64(d / 2); half > 0 {
		return d + time.Duration(rand.Int63n(half))
	}
	return d
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
