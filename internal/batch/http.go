package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/lthibault/jitterbug/v2"
)

// maxPollFailures is how many consecutive transient poll errors Wait tolerates.
const maxPollFailures = 5

// HTTPClient implements Executor against the batch service's HTTP API.
type HTTPClient struct {
	baseURL      string
	pollInterval time.Duration
	client       *http.Client
}

// NewHTTPClient creates a new batch service client.
func NewHTTPClient(baseURL string, timeout, pollInterval time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:      baseURL,
		pollInterval: pollInterval,
		client:       &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Submit(ctx context.Context, sub Submission) (string, error) {
	body, err := json.Marshal(submitRequest{
		JobName:       sub.JobName,
		JobQueue:      sub.Queue,
		JobDefinition: sub.JobDefinition,
		Command:       sub.Command,
	})
	if err != nil {
		return "", fmt.Errorf("encoding submission: %w", err)
	}

	u := fmt.Sprintf("%s/v1/jobs", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d", ErrServiceUnreachable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return "", fmt.Errorf("%w: status %d: %s", ErrSubmitRejected, resp.StatusCode, e.Message)
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("decoding submit response: %w", err)
	}
	if sr.JobID == "" {
		return "", fmt.Errorf("%w: empty job id in response", ErrSubmitRejected)
	}
	return sr.JobID, nil
}

// Describe fetches the current state of a job once.
func (c *HTTPClient) Describe(ctx context.Context, externalID string) (Result, error) {
	u := fmt.Sprintf("%s/v1/jobs/%s", c.baseURL, url.PathEscape(externalID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Result{}, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Result{}, classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownJob, externalID)
	case resp.StatusCode != http.StatusOK:
		return Result{}, fmt.Errorf("%w: status %d", ErrServiceUnreachable, resp.StatusCode)
	}

	var jr jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&jr); err != nil {
		return Result{}, fmt.Errorf("decoding job response: %w", err)
	}
	return jr.result(), nil
}

// Wait polls Describe on a jittered ticker until the job is terminal.
func (c *HTTPClient) Wait(ctx context.Context, externalID string) (Result, error) {
	ticker := jitterbug.New(c.pollInterval, &jitterbug.Norm{Stdev: c.pollInterval / 10, Mean: 0})
	defer ticker.Stop()

	failures := 0
	for {
		res, err := c.Describe(ctx, externalID)
		switch {
		case err == nil && res.State != StateRunning:
			return res, nil
		case err == nil:
			failures = 0
		case ctx.Err() != nil:
			return Result{}, fmt.Errorf("awaiting %s: %w", externalID, ctx.Err())
		case IsTransient(err) && failures < maxPollFailures:
			failures++
			slog.Warn("polling job failed", "external_id", externalID, "attempt", failures, "error", err)
		default:
			return Result{}, err
		}

		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("awaiting %s: %w", externalID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *HTTPClient) Cancel(ctx context.Context, externalID, reason string) error {
	body, _ := json.Marshal(cancelRequest{Reason: reason})
	u := fmt.Sprintf("%s/v1/jobs/%s/cancel", c.baseURL, url.PathEscape(externalID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownJob, externalID)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: cancel status %d", ErrServiceUnreachable, resp.StatusCode)
	}
	return nil
}

// Ready checks that the batch service answers.
func (c *HTTPClient) Ready(ctx context.Context) error {
	u := fmt.Sprintf("%s/ready", c.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: batch service not ready (status %d)", ErrServiceUnreachable, resp.StatusCode)
	}
	return nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrServiceTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrServiceTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrServiceUnreachable, err)
}

// --- batch service wire types ---

type submitRequest struct {
	JobName       string   `json:"jobName"`
	JobQueue      string   `json:"jobQueue,omitempty"`
	JobDefinition string   `json:"jobDefinition,omitempty"`
	Command       []string `json:"command"`
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type errorResponse struct {
	Message string `json:"message"`
}

type jobResponse struct {
	JobID        string `json:"jobId"`
	Status       string `json:"status"`
	StatusReason string `json:"statusReason"`
	ExitCode     *int   `json:"exitCode"`
}

// result folds the service's queue states into RUNNING.
func (j jobResponse) result() Result {
	r := Result{State: StateRunning, Reason: j.StatusReason, ExitCode: j.ExitCode}
	switch j.Status {
	case "SUCCEEDED":
		r.State = StateSucceeded
	case "FAILED":
		r.State = StateFailed
	}
	return r
}

// Compile-time check that HTTPClient implements Executor.
var _ Executor = (*HTTPClient)(nil)
