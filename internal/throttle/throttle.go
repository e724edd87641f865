// Package throttle implements the Listener message loop's exponential
// backoff for retryable faults.
package throttle

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	minDelay   = 1 * time.Second
	maxDelay   = 60 * time.Second
	multiplier = 2.0
)

// ErrorThrottler tracks the current backoff delay for the Listener's poll
// loop. It is not safe for concurrent use from multiple goroutines; the
// message loop owns a single instance.
type ErrorThrottler struct {
	delay time.Duration
	log   *logrus.Entry
}

// New creates an ErrorThrottler starting at the minimum backoff.
func New(log *logrus.Entry) *ErrorThrottler {
	return &ErrorThrottler{delay: minDelay, log: log}
}

// CurrentDelay returns the delay that the next Wait call will sleep for.
func (t *ErrorThrottler) CurrentDelay() time.Duration {
	return t.delay
}

// Reset returns the delay to the minimum backoff.
func (t *ErrorThrottler) Reset() {
	t.delay = minDelay
}

// Wait sleeps for the current delay, then doubles it (capped at maxDelay)
// for the next call. It returns false iff ctx was cancelled during the sleep.
func (t *ErrorThrottler) Wait(ctx context.Context) bool {
	delay := t.delay
	if t.log != nil {
		t.log.WithField("delay", delay).Warn("throttling poll loop after retryable error")
	}

	completed := true
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		completed = false
	}

	next := time.Duration(float64(t.delay) * multiplier)
	if next > maxDelay {
		next = maxDelay
	}
	t.delay = next

	return completed
}
