// Package backend is the HTTP client for the coordinating backend: job
// polling, heartbeats, lifecycle status reports, and the cancellation
// status check. All calls are single requests with their own timeout;
// callers decide what a failure means for their cycle.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	heartbeatTimeout = 10 * time.Second
	nextJobTimeout   = 30 * time.Second
	statusTimeout    = 10 * time.Second
)

// Client talks to one backend on behalf of one worker.
type Client struct {
	base     string
	workerID string
	http     *http.Client

	// Retry governs terminal status report delivery. See ReportTerminal.
	Retry RetryConfig
}

// NewClient returns a client for the backend at base. The trailing slash
// is stripped so paths can be joined naively.
func NewClient(base, workerID string) *Client {
	return &Client{
		base:     strings.TrimRight(base, "/"),
		workerID: workerID,
		http:     &http.Client{},
		Retry:    DefaultRetryConfig(),
	}
}

// Heartbeat announces liveness. The response body is ignored.
func (c *Client) Heartbeat(ctx context.Context) error {
	code, _, err := c.postJSON(ctx, "/api/agent/heartbeat",
		map[string]string{"worker_id": c.workerID}, heartbeatTimeout)
	if err != nil {
		return err
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("heartbeat: unexpected status %d", code)
	}
	return nil
}

// NextJob asks for work. A 204 means none is available and returns
// (nil, nil); any non-2xx status is a transient error for this cycle.
func (c *Client) NextJob(ctx context.Context) (*Job, error) {
	code, body, err := c.postJSON(ctx, "/api/agent/next-job",
		map[string]string{"worker_id": c.workerID}, nextJobTimeout)
	if err != nil {
		return nil, err
	}
	switch {
	case code == http.StatusNoContent:
		return nil, nil
	case code >= 200 && code < 300:
		var job Job
		if err := json.Unmarshal(body, &job); err != nil {
			return nil, fmt.Errorf("decode next-job response: %w", err)
		}
		return &job, nil
	default:
		return nil, fmt.Errorf("next-job: unexpected status %d", code)
	}
}

// ReportStatus delivers one lifecycle update. The backend treats
// duplicate delivery of the same terminal status as a no-op, so callers
// may safely retry.
func (c *Client) ReportStatus(ctx context.Context, u StatusUpdate) error {
	body := make(map[string]json.RawMessage, len(u.Extra)+6)
	for k, v := range u.Extra {
		body[k] = v
	}
	set := func(key string, v any) {
		raw, _ := json.Marshal(v)
		body[key] = raw
	}
	// Reserved fields win over extras of the same name.
	set("job_id", u.JobID)
	set("worker_id", c.workerID)
	set("status", u.Status)
	if u.ContainerID != "" {
		set("container_id", u.ContainerID)
	}
	if u.ContainerName != "" {
		set("container_name", u.ContainerName)
	}
	if u.ExitCode != nil {
		set("exit_code", *u.ExitCode)
	}
	if u.Error != "" {
		set("error", u.Error)
	}

	code, _, err := c.postJSON(ctx, "/api/agent/job-status", body, statusTimeout)
	if err != nil {
		return err
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("job-status %s: unexpected status %d", u.JobID, code)
	}
	return nil
}

// ReportTerminal delivers a terminal update, retrying with bounded
// exponential backoff. It returns the number of attempts made; on error
// the report was never accepted and the discrepancy is the caller's to
// record.
func (c *Client) ReportTerminal(ctx context.Context, u StatusUpdate) (int, error) {
	return Do(ctx, c.Retry, func(ctx context.Context) error {
		return c.ReportStatus(ctx, u)
	})
}

// JobStatus fetches the backend's recorded status for a job. A 404
// means the backend does not know the job, which is not a cancellation
// signal; it returns ("", nil).
func (c *Client) JobStatus(ctx context.Context, jobID string) (Status, error) {
	code, body, err := c.getJSON(ctx, "/status/"+url.PathEscape(jobID), statusTimeout)
	if err != nil {
		return "", err
	}
	switch {
	case code == http.StatusNotFound:
		return "", nil
	case code >= 200 && code < 300:
		var payload struct {
			Status Status `json:"status"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", fmt.Errorf("decode status response for %s: %w", jobID, err)
		}
		return payload.Status, nil
	default:
		return "", fmt.Errorf("status %s: unexpected status %d", jobID, code)
	}
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, timeout time.Duration) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode %s request: %w", path, err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(data), timeout)
}

func (c *Client) getJSON(ctx context.Context, path string, timeout time.Duration) (int, []byte, error) {
	return c.do(ctx, http.MethodGet, path, nil, timeout)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, timeout time.Duration) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, nil, err
	}
	return res.StatusCode, resBody, nil
}
