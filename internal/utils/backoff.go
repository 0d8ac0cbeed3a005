package utils

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

type RetryPolicy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Factor      float64
	Jitter      bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		MinBackoff:  250 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
		Factor:      2,
		Jitter:      true,
	}
}

// Retry runs fn until it succeeds, returns a non retryable error, runs out of
// attempts, or the next wait would outlive the context deadline. The last
// error from fn is returned in every failure case except context cancellation.
func Retry(ctx context.Context, policy RetryPolicy, retryable func(error) bool, fn func(attempt int) error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	b := &backoff.Backoff{
		Min:    policy.MinBackoff,
		Max:    policy.MaxBackoff,
		Factor: policy.Factor,
		Jitter: policy.Jitter,
	}

	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt == policy.MaxAttempts {
			return err
		}

		wait := b.Duration()
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			return err
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
