package common

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
)

// RetryPolicy controls how many times an operation is attempted and how the
// delay grows between attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DownloadRetryPolicy is the policy for source downloads: one retry after the
// initial attempt, starting at one second.
func DownloadRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// StorageRetryPolicy is the policy for transient database failures such as a
// busy or locked SQLite handle.
func StorageRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    1 * time.Second,
		Multiplier:  2.0,
	}
}

// Retry runs fn until it succeeds, fails with a non-retryable kind, exhausts
// the policy, or ctx is done. The error from the final attempt is returned
// unchanged so callers keep the original kind.
func Retry(ctx context.Context, logger arbor.ILogger, policy RetryPolicy, operation string, fn func() error) error {
	delay := policy.BaseDelay
	var err error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return WrapError(KindCancelled, "operation cancelled", ctx.Err())
		}

		err = fn()
		if err == nil {
			return nil
		}

		kind := KindOf(err)
		if !kind.Retryable() || attempt == policy.MaxAttempts {
			return err
		}

		if logger != nil {
			logger.Warn().
				Str("operation", operation).
				Int("attempt", attempt).
				Str("kind", string(kind)).
				Str("next_delay", delay.String()).
				Err(err).
				Msg("Retrying after failure")
		}

		select {
		case <-ctx.Done():
			return WrapError(KindCancelled, "operation cancelled", ctx.Err())
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	return err
}
