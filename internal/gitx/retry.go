package gitx

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryPolicy controls exponential backoff for recoverable provider errors.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Recoverable reports whether err is a provider error marked worth retrying.
// Pre-flight and path-safety failures are never retried.
func Recoverable(err error) bool {
	var ce *CloneError
	if errors.As(err, &ce) {
		return ce.Recoverable
	}
	var ue *UpdateError
	if errors.As(err, &ue) {
		return ue.Recoverable
	}
	return false
}

// Retry runs fn up to policy.MaxRetries+1 times, backing off exponentially
// between attempts. Only recoverable errors are retried; the last error is
// returned as-is.
func Retry(ctx context.Context, policy RetryPolicy, logger *slog.Logger, fn func() error) error {
	delay := policy.InitialDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt >= policy.MaxRetries || !Recoverable(err) {
			return err
		}

		logger.Warn("Retrying after recoverable git error",
			"attempt", attempt+1, "max_retries", policy.MaxRetries, "delay", delay.String(), "error", err.Error())

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}
