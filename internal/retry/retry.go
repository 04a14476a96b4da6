// Package retry provides a retrying wrapper for venue and store calls.
//
// Every I/O call that can transiently fail (venue REST, KV read/write) goes
// through Do: exponential backoff starting at BaseDelay, capped at MaxDelay,
// up to MaxAttempts total tries. Backoff sleeps are cancel-aware so a long
// retry sequence never outlives the caller's context.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy configures attempt count and backoff shape.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // backoff ceiling
}

// Default policies matching spec.md §7's taxonomy.
var (
	PlaceOrder = Policy{MaxAttempts: 3, BaseDelay: 300 * time.Millisecond, MaxDelay: 10 * time.Second}  // 2 retries
	Cancel     = Policy{MaxAttempts: 4, BaseDelay: 300 * time.Millisecond, MaxDelay: 10 * time.Second}  // 3 retries
	Fetch      = Policy{MaxAttempts: 4, BaseDelay: 300 * time.Millisecond, MaxDelay: 10 * time.Second}  // 3 retries
	KVRead     = Policy{MaxAttempts: 3, BaseDelay: 300 * time.Millisecond, MaxDelay: 10 * time.Second}  // 2 retries
)

// ErrGiveUp wraps the last error seen after all attempts are exhausted.
type ErrGiveUp struct {
	Attempts int
	Last     error
}

func (e *ErrGiveUp) Error() string {
	return e.Last.Error()
}

func (e *ErrGiveUp) Unwrap() error {
	return e.Last
}

// IsSuccessEquivalent lets callers mark certain errors (order-not-found on
// cancel, already-completed) as success instead of retrying.
type IsSuccessEquivalent func(error) bool

// Do runs fn up to p.MaxAttempts times with exponential backoff. If
// successEquivalent is non-nil and reports true for the returned error, Do
// returns nil immediately (idempotent-success semantics per spec.md §7).
func Do(ctx context.Context, p Policy, fn func() error, successEquivalent IsSuccessEquivalent) error {
	var lastErr error
	delay := p.BaseDelay

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if successEquivalent != nil && successEquivalent(err) {
			return nil
		}
		lastErr = err

		if attempt == p.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return &ErrGiveUp{Attempts: p.MaxAttempts, Last: lastErr}
}

// SleepWithContext sleeps for d, waking early if ctx is canceled. Used by
// every long-running loop to implement the "cancel-aware sleep" contract of
// spec.md §5.
func SleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Attempts unwraps an ErrGiveUp to report how many tries were made, or 1 for
// any other error.
func Attempts(err error) int {
	var giveUp *ErrGiveUp
	if errors.As(err, &giveUp) {
		return giveUp.Attempts
	}
	return 1
}
