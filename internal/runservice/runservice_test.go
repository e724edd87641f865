package runservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/addison-moore/fleetrunner/internal/taskresult"
	"github.com/addison-moore/fleetrunner/pkg/retry"
)

// fastRetryConfig mirrors RunServiceConfig's attempt count without the
// real 5-second spacing, so exhaustion tests run quickly.
func fastRetryConfig() retry.Config {
	cfg := retry.RunServiceConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	return cfg
}

func TestReportCompletionSendsExpectedBody(t *testing.T) {
	var gotBody completionRequest
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/completejob" {
			t.Errorf("path = %q, want /completejob", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(server.URL, "tok123", nil)
	err := c.ReportCompletion(context.Background(), "plan-1", "job-1", taskresult.Succeeded)
	if err != nil {
		t.Fatalf("ReportCompletion() error = %v", err)
	}

	if gotAuth != "Bearer tok123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody.PlanID != "plan-1" || gotBody.JobID != "job-1" || gotBody.Conclusion != "succeeded" {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestReportCompletionRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(server.URL, "", nil)
	c.retryConfig = fastRetryConfig()
	err := c.ReportCompletion(context.Background(), "p", "j", taskresult.Failed)
	if err != nil {
		t.Fatalf("ReportCompletion() error = %v", err)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestReportCompletionExhaustsRetriesOnPersistent5xx(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL, "", nil)
	c.retryConfig = fastRetryConfig()
	err := c.ReportCompletion(context.Background(), "p", "j", taskresult.Failed)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if atomic.LoadInt32(&attempts) != 5 {
		t.Errorf("attempts = %d, want 5", attempts)
	}
}

func TestReportCompletionDoesNotRetryOn4xx(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c := New(server.URL, "", nil)
	err := c.ReportCompletion(context.Background(), "p", "j", taskresult.Failed)
	if err == nil {
		t.Fatal("expected error on 400")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("attempts = %d, want 1 (4xx is not retryable)", attempts)
	}
}
