package utils

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestIncrementalSleeper(t *testing.T) {
	sleeper := NewIncrementalSleeper(time.Millisecond, 3*time.Millisecond)
	sleeper.Sleep()
	assert.Equal(t, 2*time.Millisecond, sleeper.SleepTime)
	sleeper.Sleep()
	assert.Equal(t, 3*time.Millisecond, sleeper.SleepTime)
	sleeper.Reset()
	assert.Equal(t, time.Millisecond, sleeper.SleepTime)
}

func TestIncrementalSleeper_SleepContextCancelled(t *testing.T) {
	sleeper := NewIncrementalSleeper(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleeper.SleepContext(ctx), context.Canceled)
	assert.Equal(t, time.Hour, sleeper.SleepTime)
}

func TestRetry_SucceedsEventually(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), nil, RetryPolicy{Attempts: 5, Delay: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ReturnsLastError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), nil, RetryPolicy{Attempts: 4, Delay: time.Millisecond}, func() error {
		calls++
		return errors.New("port not bound")
	}, nil)
	require.Error(t, err)
	assert.Equal(t, "port not bound", err.Error())
	assert.Equal(t, 4, calls)
}

func TestRetry_FatalStopsImmediately(t *testing.T) {
	fatal := errors.New("process died")
	calls := 0
	err := Retry(context.Background(), nil, RetryPolicy{Attempts: 5, Delay: time.Millisecond}, func() error {
		calls++
		return fatal
	}, func(err error) bool { return errors.Is(err, fatal) })
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestRetry_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, nil, RetryPolicy{Attempts: 100, Delay: 5 * time.Millisecond}, func() error {
		calls++
		if calls == 2 {
			cancel()
		}
		return errors.New("again")
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, calls, 100)
}

func TestPolicyFor(t *testing.T) {
	policy := PolicyFor(time.Second, 100*time.Millisecond)
	assert.Equal(t, 11, policy.Attempts)
	assert.Equal(t, 100*time.Millisecond, policy.Delay)
	assert.Equal(t, 1, PolicyFor(0, 0).Attempts)
}
