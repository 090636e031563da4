package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy defines how to retry an operation.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default for venue calls outside the resilient
// HTTP pipeline (cancel sweeps, listen-key refresh).
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 250 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
}

// IsRetryableFunc decides whether an error is worth another attempt.
type IsRetryableFunc func(error) bool

// Do executes fn with jittered exponential backoff until it succeeds, the
// error is classified non-retryable, the attempts are exhausted, or the
// context is cancelled.
func Do(ctx context.Context, policy Policy, retryable IsRetryableFunc, fn func() error) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if retryable != nil && !retryable(err) {
			return err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		// backoff + random(0, 50% of backoff)
		jitter := time.Duration(rand.Int63n(int64(backoff / 2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
			backoff = min(backoff*2, policy.MaxBackoff)
		}
	}

	return err
}
