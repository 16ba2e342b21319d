// Package backoff provides the bounded exponential retry used when loading
// remote entry bundles.
package backoff

import (
	"context"
	"time"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	// Attempts is the total number of attempts including the first one.
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultPolicy allows five attempts starting at 200ms and capped at 2s.
var DefaultPolicy = Policy{
	Attempts: 5,
	Base:     200 * time.Millisecond,
	Max:      2 * time.Second,
}

// NextDelay returns the wait before the attempt following attempt, which is
// min(Max, Base * 2^(attempt-1)). Attempts are numbered from 1.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.Max > 0 && delay > p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// RetryFunc is notified before each wait with the failed attempt number, the
// upcoming delay and the attempt's error.
type RetryFunc func(attempt int, delay time.Duration, err error)

// Retry runs op until it succeeds or the policy's attempts are used up, and
// returns the last error. A failed sleep (context done) ends the loop early
// with that error.
func Retry(ctx context.Context, p Policy, sleep SleepFunc, onRetry RetryFunc, op func(attempt int) error) error {
	if sleep == nil {
		sleep = Sleep
	}
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		delay := p.NextDelay(attempt)
		if onRetry != nil {
			onRetry(attempt, delay, lastErr)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}
