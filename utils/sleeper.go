package utils

import (
	"context"
	"github.com/juju/clock"
	"github.com/juju/retry"
	log "github.com/sirupsen/logrus"
	"time"
)

type IncrementalSleeper struct {
	SleepTime        time.Duration
	MaxSleepTime     time.Duration
	InitialSleepTime time.Duration
}

func NewIncrementalSleeper(initial time.Duration, max time.Duration) *IncrementalSleeper {
	return &IncrementalSleeper{
		SleepTime:        initial,
		MaxSleepTime:     max,
		InitialSleepTime: initial,
	}
}

func (is *IncrementalSleeper) increase() {
	newSleepTime := is.SleepTime * 2
	if newSleepTime > is.MaxSleepTime {
		newSleepTime = is.MaxSleepTime
	}
	is.SleepTime = newSleepTime
}

func (is *IncrementalSleeper) Reset() {
	is.SleepTime = is.InitialSleepTime
}

func (is *IncrementalSleeper) Sleep() {
	time.Sleep(is.SleepTime)
	is.increase()
}

// SleepContext sleeps like Sleep but returns early with the context error when ctx is done.
func (is *IncrementalSleeper) SleepContext(ctx context.Context) error {
	timer := time.NewTimer(is.SleepTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		is.increase()
		return nil
	}
}

// RetryPolicy is the one place attempt counts and spacing are defined for probing and
// for waiting on processes to exit.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	// MaxDelay caps the delay when Backoff is set.
	MaxDelay time.Duration
	// Backoff doubles the delay after every failed attempt.
	Backoff bool
}

// PolicyFor returns a fixed-delay policy that polls every interval for at most total.
func PolicyFor(total time.Duration, interval time.Duration) RetryPolicy {
	attempts := 1
	if interval > 0 && total > 0 {
		attempts = int(total/interval) + 1
	}
	return RetryPolicy{Attempts: attempts, Delay: interval}
}

// Retry calls f until it returns nil, isFatal reports true for its error, the attempts
// run out or ctx is done. The returned error is the last error from f, or the context
// error when the retry was cancelled.
func Retry(ctx context.Context, clk clock.Clock, policy RetryPolicy, f func() error, isFatal func(error) bool) error {
	if clk == nil {
		clk = clock.WallClock
	}
	delay := policy.Delay
	if delay <= 0 {
		delay = time.Millisecond
	}
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	args := retry.CallArgs{
		Func:     f,
		Attempts: attempts,
		Delay:    delay,
		MaxDelay: policy.MaxDelay,
		Clock:    clk,
		Stop:     ctx.Done(),
		NotifyFunc: func(err error, attempt int) {
			log.Debugf("attempt %d/%d: %s", attempt, attempts, err)
		},
	}
	if isFatal != nil {
		args.IsFatalError = isFatal
	}
	if policy.Backoff {
		args.BackoffFunc = retry.DoubleDelay
	}
	err := retry.Call(args)
	switch {
	case err == nil:
		return nil
	case retry.IsRetryStopped(err):
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	case retry.IsAttemptsExceeded(err), retry.IsDurationExceeded(err):
		return retry.LastError(err)
	default:
		return err
	}
}
