// Package backoff provides exponential backoff with jitter for the bounded
// retry around tool dispatch.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the initial backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the maximum backoff duration in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied to each attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to the backoff.
	Jitter float64
}

// Default mirrors the original client's tool retry cadence: ~1s growing
// exponentially, capped at 10s.
func Default() Policy {
	return Policy{InitialMs: 1000, MaxMs: 10000, Factor: 2, Jitter: 0.1}
}

// Compute calculates the backoff duration for a given attempt number
// (1-indexed): min(maxMs, initialMs * factor^(attempt-1) + jitter).
func Compute(policy Policy, attempt int) time.Duration {
	return computeWithRand(policy, attempt, rand.Float64())
}

func computeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitter := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitter)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// Sleep waits out the backoff for attempt, respecting context cancellation.
func Sleep(ctx context.Context, policy Policy, attempt int) error {
	d := Compute(policy, attempt)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn up to maxAttempts times, sleeping between attempts. A nil
// error stops immediately; so does an error the retryable predicate rejects.
// The last error is returned when attempts run out.
func Retry(ctx context.Context, policy Policy, maxAttempts int, retryable func(error) bool, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts {
			if err := Sleep(ctx, policy, attempt); err != nil {
				return err
			}
		}
	}
	return lastErr
}
