// Package retry runs an operation with capped exponential backoff and full
// jitter.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop. MaxRetries counts retries, not attempts.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Delay returns a random wait in [0, min(MaxDelay, BaseDelay*2^retry)].
func (p Policy) Delay(retry int) time.Duration {
	ceiling := p.BaseDelay
	for i := 0; i < retry && ceiling < p.MaxDelay; i++ {
		ceiling *= 2
	}
	if p.MaxDelay > 0 && ceiling > p.MaxDelay {
		ceiling = p.MaxDelay
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// policy is exhausted. The last error is returned. A cancelled context stops
// the loop between attempts and returns the context error.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= p.MaxRetries || !retryable(err) {
			return err
		}
		if sleepErr := Sleep(ctx, p.Delay(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
