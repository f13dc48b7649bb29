package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingSleep(slept *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
}

func TestDoSucceedsOnThirdAttempt(t *testing.T) {
	var slept []time.Duration
	calls := 0
	err := Do(context.Background(), Policy{
		MaxAttempts: 3,
		Backoff:     func(a int) time.Duration { return time.Duration(a) * time.Second },
		Sleep:       recordingSleep(&slept),
	}, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestDoExhausts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	var slept []time.Duration
	err := Do(context.Background(), Policy{MaxAttempts: 3, Backoff: Linear(time.Millisecond, time.Millisecond), Sleep: recordingSleep(&slept)},
		func(ctx context.Context, attempt int) error {
			calls++
			return boom
		})

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	assert.Len(t, slept, 2)
}

func TestDoStopsOnPermanent(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3}, func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(fatal)
	})
	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 3, Backoff: Linear(time.Hour, time.Hour)}, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestLinearScalesWithAttempt(t *testing.T) {
	b := Linear(3*time.Second, 5*time.Second)
	for attempt := 1; attempt <= 3; attempt++ {
		d := b(attempt)
		assert.GreaterOrEqual(t, d, 3*time.Second*time.Duration(attempt))
		assert.LessOrEqual(t, d, 5*time.Second*time.Duration(attempt))
	}
}

func TestSleepReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
