// Package external performs the side-effecting call that is the actual work
// of a task. The engine guarantees at most one successful call per task;
// the task id is forwarded as an idempotency key so the remote side can
// deduplicate too.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"task-dispatch-engine/internal/failure"
	"task-dispatch-engine/internal/models"
)

// Caller executes the external side effect for a task and returns its raw result.
type Caller interface {
	Call(ctx context.Context, task models.Task) ([]byte, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, task models.Task) ([]byte, error)

func (f CallerFunc) Call(ctx context.Context, task models.Task) ([]byte, error) {
	return f(ctx, task)
}

// StatusError is a non-2xx response from the remote service.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("external call: %d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
}

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 16 << 20

type request struct {
	TaskID   string `json:"task_id"`
	Text     string `json:"text"`
	Language string `json:"language"`
}

// HTTPCaller POSTs the task input as JSON to a fixed endpoint.
type HTTPCaller struct {
	url  string
	http *http.Client
}

// NewHTTPCaller builds a caller with a per-call timeout.
func NewHTTPCaller(url string, timeout time.Duration) *HTTPCaller {
	return &HTTPCaller{url: url, http: &http.Client{Timeout: timeout}}
}

// Call posts {task_id, text, language}. 5xx, 429, 408 and transport errors
// are transient; any other 4xx is permanent.
func (c *HTTPCaller) Call(ctx context.Context, task models.Task) ([]byte, error) {
	in, err := task.Input()
	if err != nil {
		return nil, failure.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	b, err := json.Marshal(request{TaskID: task.ID, Text: in.Text, Language: task.Language})
	if err != nil {
		return nil, failure.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(b))
	if err != nil {
		return nil, failure.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", task.ID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, failure.Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, failure.Transient(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	serr := &StatusError{Status: resp.StatusCode, Body: truncate(body, 512)}
	if retryable(resp.StatusCode) {
		return nil, failure.Transient(serr)
	}
	return nil, failure.Permanent(serr)
}

func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
