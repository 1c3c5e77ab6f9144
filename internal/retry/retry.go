package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy is a reusable retry/backoff policy: exponential delay with jitter,
// capped at MaxDelay, for at most MaxAttempts attempts. The same policy
// instance is shared by every external call site in the pipeline.
type Policy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // fraction of the delay randomized, 0..1
}

// DefaultPolicy mirrors the pipeline defaults: 3 attempts, 5s base, 5m cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		BaseDelay:    5 * time.Second,
		MaxDelay:     5 * time.Minute,
		JitterFactor: 0.2,
	}
}

// Delay returns the backoff delay before the given attempt (0-based).
// Attempt 0 gets the base delay; each further attempt doubles it. Jitter
// spreads the result symmetrically around the exponential value, and the
// final delay never exceeds MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterFactor > 0 {
		span := int64(float64(delay) * p.JitterFactor)
		delay += time.Duration(rand.Int63n(span+1)) - time.Duration(span/2)
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Do runs fn up to MaxAttempts times, sleeping the policy delay between
// failures. It stops early when ctx is done or when fn reports the error
// is not retryable.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, retryable func(error) bool) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.Delay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
