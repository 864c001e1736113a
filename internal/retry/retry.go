package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/chatline/chatline-be/internal/domain"
)

// Policy describes a bounded exponential backoff: attempt n (1-indexed) waits
// BaseDelay * Multiplier^(n-1) before retrying, capped at MaxDelay. Policies
// are plain values and safe to share.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// Delay returns the wait before retrying after attempt n (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Do runs op up to p.MaxAttempts times, sleeping p.Delay between attempts.
// Only transient errors are retried; a permanent error or context cancellation
// returns immediately. When attempts are exhausted the last error is returned
// wrapped, so the caller still sees it as transient.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !domain.IsTransient(err) {
			return err
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return fmt.Errorf("retry canceled after attempt %d: %w", attempt, ctx.Err())
		}
	}

	return fmt.Errorf("exhausted %d attempts: %w", p.MaxAttempts, lastErr)
}
