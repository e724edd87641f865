// Package retry provides a generic retry-with-backoff helper, used by the
// Run Service client.
package retry

import (
	"context"
	"time"

	"github.com/addison-moore/fleetrunner/pkg/apierrors"
	"github.com/sirupsen/logrus"
)

// Config defines retry configuration.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig returns a general-purpose exponential backoff.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// RunServiceConfig returns the Run Service client's fixed completejob
// retry policy: up to 5 attempts, 5 seconds apart, no backoff growth.
func RunServiceConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 5 * time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   1.0,
	}
}

// Operation is a function that can be retried.
type Operation func() error

// WithRetry executes operation, retrying on retryable errors according to
// cfg. log may be nil.
func WithRetry(ctx context.Context, cfg Config, operation Operation, log *logrus.Entry) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if !apierrors.IsRetryable(lastErr) {
			logDebug(log, lastErr, "error is not retryable")
			return lastErr
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		if log != nil {
			log.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay,
				"error":   lastErr,
			}).Debug("retrying operation")
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return lastErr
}

func logDebug(log *logrus.Entry, err error, msg string) {
	if log != nil {
		log.WithError(err).Debug(msg)
	}
}

// AsyncResult carries the outcome of a WithAsyncRetry call back to its
// callback.
type AsyncResult struct {
	Success  bool
	Error    error
	Attempts int
}

// WithAsyncRetry runs WithRetry in a background goroutine and invokes
// callback with the final outcome.
func WithAsyncRetry(ctx context.Context, cfg Config, operation Operation, log *logrus.Entry, callback func(AsyncResult)) {
	go func() {
		attempts := 0
		err := WithRetry(ctx, cfg, func() error {
			attempts++
			return operation()
		}, log)

		callback(AsyncResult{
			Success:  err == nil,
			Error:    err,
			Attempts: attempts,
		})
	}()
}
