// Package runservice implements the Worker's completion report back to the
// orchestration service: a single POST to {base}/completejob.
package runservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/addison-moore/fleetrunner/internal/taskresult"
	"github.com/addison-moore/fleetrunner/pkg/apierrors"
	"github.com/addison-moore/fleetrunner/pkg/retry"
	"github.com/sirupsen/logrus"
)

// completionRequest is the JSON body of a completejob POST.
type completionRequest struct {
	PlanID     string `json:"planId"`
	JobID      string `json:"jobId"`
	Conclusion string `json:"conclusion"`
}

// Client reports job completion to the Run Service.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	token       string
	log         *logrus.Entry
	retryConfig retry.Config
}

// New creates a Client for baseURL, authenticating with token, using the
// fixed 5-attempt/5-second completejob retry policy.
func New(baseURL, token string, log *logrus.Entry) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		baseURL:     baseURL,
		token:       token,
		log:         log,
		retryConfig: retry.RunServiceConfig(),
	}
}

// ReportCompletion posts the job's final result, retrying up to 5 times
// with a fixed 5-second backoff. Errors are returned to the caller for
// logging but MUST NOT alter the Worker's exit code.
func (c *Client) ReportCompletion(ctx context.Context, planID, jobID string, result taskresult.Result) error {
	body := completionRequest{
		PlanID:     planID,
		JobID:      jobID,
		Conclusion: result.Conclusion(),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return apierrors.NewValidationError("completion_request", "json", err.Error())
	}

	op := func() error {
		return c.post(ctx, payload)
	}

	return retry.WithRetry(ctx, c.retryConfig, op, c.log)
}

func (c *Client) post(ctx context.Context, payload []byte) error {
	url := fmt.Sprintf("%s/completejob", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return apierrors.NewAPIError(0, "REQUEST_BUILD", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apierrors.NewNetworkError(err.Error(), "http")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return apierrors.NewAPIError(resp.StatusCode, "COMPLETEJOB_FAILED", string(respBody))
}
