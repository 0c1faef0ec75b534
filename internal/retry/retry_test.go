package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{Attempts: 3, Base: time.Millisecond}

func TestPolicy_SucceedsAfterTransientFailures(t *testing.T) {
	var calls int
	err := fast.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("rpc: connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicy_ReturnsLastErrorWhenExhausted(t *testing.T) {
	sentinel := errors.New("node unavailable")
	var calls int
	err := fast.Do(context.Background(), func(context.Context) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestPolicy_PermanentStopsImmediately(t *testing.T) {
	revert := errors.New("execution reverted: not admin")
	var calls int
	err := Policy{Attempts: 5, Base: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(revert)
	})
	assert.ErrorIs(t, err, revert)
	assert.False(t, IsPermanent(err), "Do should unwrap the permanent marker")
	assert.Equal(t, 1, calls)
}

func TestPolicy_ZeroAttemptsRunsOnce(t *testing.T) {
	var calls int
	err := Policy{}.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("fail")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	time.AfterFunc(30*time.Millisecond, cancel)

	err := Policy{Attempts: 10, Base: 100 * time.Millisecond}.Do(ctx, func(context.Context) error {
		calls.Add(1)
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, calls.Load(), int32(2))
}

func TestPolicy_OnRetryReportsEachFailureButTheLast(t *testing.T) {
	var attempts []int
	p := fast
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		attempts = append(attempts, attempt)
		assert.EqualError(t, err, "503")
		assert.Positive(t, wait)
	}
	assert.Error(t, p.Do(context.Background(), func(context.Context) error { return errors.New("503") }))
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestPolicy_DelayDoublesUpToMax(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: 300 * time.Millisecond}
	within := func(d, want time.Duration) {
		t.Helper()
		assert.GreaterOrEqual(t, d, want*3/4)
		assert.LessOrEqual(t, d, want*5/4)
	}
	within(p.Delay(1), 100*time.Millisecond)
	within(p.Delay(2), 200*time.Millisecond)
	within(p.Delay(3), 300*time.Millisecond)
	within(p.Delay(10), 300*time.Millisecond)
}

func TestPermanent(t *testing.T) {
	assert.NoError(t, Permanent(nil))

	inner := errors.New("inner")
	pe := Permanent(inner)
	assert.ErrorIs(t, pe, inner)
	assert.True(t, IsPermanent(pe))
	assert.False(t, IsPermanent(inner))
}

func TestJitter(t *testing.T) {
	assert.Equal(t, time.Duration(0), Jitter(0))
	for i := 0; i < 100; i++ {
		d := Jitter(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}
