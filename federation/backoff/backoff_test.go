package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1600 * time.Millisecond},
		{5, 2 * time.Second},
		{30, 2 * time.Second},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, DefaultPolicy.NextDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestNextDelayBaseAboveMax(t *testing.T) {
	p := Policy{Attempts: 3, Base: 5 * time.Second, Max: time.Second}
	require.Equal(t, time.Second, p.NextDelay(1))
}

func recordingSleep(waits *[]time.Duration) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
}

func TestRetrySucceedsOnThirdAttempt(t *testing.T) {
	var waits []time.Duration
	calls := 0

	err := Retry(context.Background(), DefaultPolicy, recordingSleep(&waits), nil, func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("script load failed")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, waits)
}

func TestRetryExhaustedReturnsLastError(t *testing.T) {
	var waits []time.Duration
	var notified []int

	err := Retry(context.Background(), DefaultPolicy, recordingSleep(&waits),
		func(attempt int, delay time.Duration, err error) {
			notified = append(notified, attempt)
		},
		func(attempt int) error {
			return errors.New("attempt failed")
		})

	require.EqualError(t, err, "attempt failed")
	require.Len(t, waits, 4)
	require.Equal(t, []int{1, 2, 3, 4}, notified)
}

func TestRetryStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, DefaultPolicy, Sleep, nil, func(attempt int) error {
		calls++
		return errors.New("down")
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
