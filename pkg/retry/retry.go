// Package retry provides jittered exponential backoff for transient
// failures, plus an unbounded variant for the read-path retry policy
// required of the exchange client.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy defines how to retry an operation a bounded number of times.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default for bounded, write-path retries.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc reports whether an error should be retried.
type IsTransientFunc func(error) bool

// Do executes fn, retrying on transient errors according to policy. It
// returns the last error once MaxAttempts is exhausted or a non-transient
// error occurs.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		if err := sleepWithJitter(ctx, backoff); err != nil {
			return err
		}
		backoff = minDuration(backoff*2, policy.MaxBackoff)
	}

	return err
}

// DoForever retries fn on transient errors indefinitely with a fixed
// backoff, returning only when fn succeeds, a non-transient error occurs,
// or ctx is canceled. This backs the exchange client's read-path policy
// (spec.md §7: "Reads ... infinite retry with fixed backoff").
func DoForever(ctx context.Context, backoff time.Duration, isTransient IsTransientFunc, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if err := sleepWithJitter(ctx, backoff); err != nil {
			return err
		}
	}
}

func sleepWithJitter(ctx context.Context, backoff time.Duration) error {
	jitter := time.Duration(0)
	if backoff > 1 {
		jitter = time.Duration(rand.Int63n(int64(backoff/2) + 1))
	}
	sleepTime := backoff + jitter

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(sleepTime):
		return nil
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
