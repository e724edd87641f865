package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/addison-moore/fleetrunner/pkg/apierrors"
)

func TestWithRetrySucceedsFirstTry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	wantErr := apierrors.NewValidationError("f", "c", "bad")
	err := WithRetry(context.Background(), DefaultConfig(), func() error {
		calls++
		return wantErr
	}, nil)
	if err != wantErr {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (non-retryable should not retry)", calls)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	wantErr := apierrors.NewNetworkError("down", "tcp")
	err := WithRetry(context.Background(), cfg, func() error {
		calls++
		return wantErr
	}, nil)
	if err != wantErr {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	err := WithRetry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return apierrors.NewNetworkError("flaky", "tcp")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetryRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	err := WithRetry(ctx, cfg, func() error {
		calls++
		return apierrors.NewNetworkError("down", "tcp")
	}, nil)
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0 (cancelled before first attempt)", calls)
	}
}

func TestRunServiceConfigFixedBackoff(t *testing.T) {
	cfg := RunServiceConfig()
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.InitialDelay != 5*time.Second || cfg.MaxDelay != 5*time.Second {
		t.Errorf("expected fixed 5s delay, got initial=%v max=%v", cfg.InitialDelay, cfg.MaxDelay)
	}
}

func TestWithAsyncRetryInvokesCallback(t *testing.T) {
	done := make(chan AsyncResult, 1)
	cfg := Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	WithAsyncRetry(context.Background(), cfg, func() error {
		return nil
	}, nil, func(r AsyncResult) {
		done <- r
	})

	select {
	case r := <-done:
		if !r.Success || r.Attempts != 1 {
			t.Errorf("got %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never invoked")
	}
}

func TestWithRetryGenericErrorNeverRetries(t *testing.T) {
	calls := 0
	plain := errors.New("plain error")
	err := WithRetry(context.Background(), DefaultConfig(), func() error {
		calls++
		return plain
	}, nil)
	if err != plain || calls != 1 {
		t.Errorf("err=%v calls=%d, want plain/1", err, calls)
	}
}
