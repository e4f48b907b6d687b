// Package backoff provides the bounded retry primitive used for venue
// acknowledgement polling and hedge resubmission. Retries are always
// bounded; callers that exhaust the budget get the last error back.
package backoff

import (
	"context"
	"fmt"
	"time"
)

// Policy describes an exponential backoff schedule. The zero value is
// usable and falls back to the package defaults.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

const (
	defaultBaseDelay   = 200 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
	defaultMaxAttempts = 5

	// shiftCap keeps the doubling shift from overflowing int64 nanoseconds.
	shiftCap = 30
)

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	return p
}

// Attempts returns the bounded attempt budget.
func (p Policy) Attempts() int {
	return p.withDefaults().MaxAttempts
}

// Delay returns the pause before retry attempt n (0-based): base<<n capped
// at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	if attempt > shiftCap {
		attempt = shiftCap
	}
	d := p.BaseDelay << uint(attempt)
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Sleep blocks for the attempt's delay or until ctx is cancelled.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds or the attempt budget is exhausted. The
// first attempt runs immediately; each retry waits Delay(n). Context
// cancellation aborts between attempts and wins over the last fn error.
func (p Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	p = p.withDefaults()
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.Sleep(ctx, attempt-1); err != nil {
				return fmt.Errorf("%s aborted after %d attempts: %w", op, attempt, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s aborted after %d attempts: %w", op, attempt, err)
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, p.MaxAttempts, lastErr)
}
