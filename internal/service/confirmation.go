package service

import (
	"context"
	"time"
)

// Sleeper pauses between retry attempts. Tests substitute a virtual clock.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RealSleeper sleeps on the wall clock.
var RealSleeper Sleeper = realSleeper{}

// RetryPolicy is a fixed-delay bounded retry.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultConfirmPolicy checks three times, each after a 1.5s wait.
var DefaultConfirmPolicy = RetryPolicy{Attempts: 3, Delay: 1500 * time.Millisecond}

// Poll waits Delay before every call to check. It stops when check reports
// done or errors, or when attempts run out.
func (p RetryPolicy) Poll(ctx context.Context, sleeper Sleeper, check func(ctx context.Context) (bool, error)) (bool, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if err := sleeper.Sleep(ctx, p.Delay); err != nil {
			return false, err
		}
		done, err := check(ctx)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
	}
	return false, nil
}
