package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"gpusched/internal/failure"
)

// Placement is what an executor needs to run a task on a device.
type Placement struct {
	TaskID   string          `json:"task_id"`
	DeviceID string          `json:"device_id"`
	Priority int             `json:"priority"`
	MemoryMB int64           `json:"memory_mb"`
	Expected time.Duration   `json:"expected_duration_ns"`
	Attempt  int             `json:"attempt"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Result is an executor's successful output.
type Result struct {
	Output json.RawMessage
}

// Executor runs a placed task to completion. It must honour ctx cancellation.
// Errors may be *failure.Error to report a known failure kind.
type Executor interface {
	Execute(ctx context.Context, p Placement) (Result, error)
}

// Canceler is optionally implemented by executors that can stop remote work.
type Canceler interface {
	CancelRemote(ctx context.Context, taskID, deviceID string) error
}

// SimExecutor stands in for model execution: it waits for the expected
// duration (Scale adjusts it) and succeeds unless Fail says otherwise.
type SimExecutor struct {
	// Scale multiplies the expected duration; zero means 1.
	Scale float64
	// Fail, when set, is consulted before waiting; a non-nil error fails the attempt.
	Fail func(p Placement) error

	mu        sync.Mutex
	cancelled []string
}

func (e *SimExecutor) Execute(ctx context.Context, p Placement) (Result, error) {
	if e.Fail != nil {
		if err := e.Fail(p); err != nil {
			return Result{}, err
		}
	}
	d := p.Expected
	if e.Scale > 0 {
		d = time.Duration(float64(d) * e.Scale)
	}
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	out, _ := json.Marshal(map[string]any{"device_id": p.DeviceID, "attempt": p.Attempt})
	return Result{Output: out}, nil
}

func (e *SimExecutor) CancelRemote(_ context.Context, taskID, _ string) error {
	e.mu.Lock()
	e.cancelled = append(e.cancelled, taskID)
	e.mu.Unlock()
	return nil
}

// Cancelled returns the task ids passed to CancelRemote.
func (e *SimExecutor) Cancelled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.cancelled...)
}

// HTTPExecutor delegates execution to a model-serving service over HTTP:
// POST {base}/execute with the placement and POST {base}/cancel to abort.
type HTTPExecutor struct {
	BaseURL string
	// DeviceURLs overrides BaseURL per device id.
	DeviceURLs map[string]string
	Client     *http.Client
}

// executeResponse is the model-serving reply. A non-empty Error fails the
// attempt; Kind, when set, names the failure kind.
type executeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Kind   string          `json:"kind,omitempty"`
}

func (e *HTTPExecutor) baseFor(deviceID string) string {
	if u, ok := e.DeviceURLs[deviceID]; ok && u != "" {
		return strings.TrimRight(u, "/")
	}
	return strings.TrimRight(e.BaseURL, "/")
}

func (e *HTTPExecutor) client() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return http.DefaultClient
}

func (e *HTTPExecutor) Execute(ctx context.Context, p Placement) (Result, error) {
	body, _ := json.Marshal(p)
	var out executeResponse
	if err := e.post(ctx, e.baseFor(p.DeviceID)+"/execute", body, &out); err != nil {
		return Result{}, err
	}
	if out.Error != "" {
		if out.Kind != "" {
			return Result{}, failure.NewError(failure.Kind(out.Kind), out.Error)
		}
		return Result{}, errors.New(out.Error)
	}
	return Result{Output: out.Result}, nil
}

func (e *HTTPExecutor) CancelRemote(ctx context.Context, taskID, deviceID string) error {
	body, _ := json.Marshal(map[string]string{"task_id": taskID, "device_id": deviceID})
	return e.post(ctx, e.baseFor(deviceID)+"/cancel", body, nil)
}

func (e *HTTPExecutor) post(ctx context.Context, url string, body []byte, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if into == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

// statusError maps an executor HTTP status to a failure kind.
func statusError(code int, body string) error {
	msg := fmt.Sprintf("executor http %d: %s", code, body)
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return failure.NewError(failure.KindTimeout, msg)
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable || code == http.StatusInsufficientStorage:
		return failure.NewError(failure.KindResourceExhaustion, msg)
	case code == http.StatusBadGateway:
		return failure.NewError(failure.KindNetwork, msg)
	case code >= 400 && code < 500:
		return failure.NewError(failure.KindInvalidRequest, msg)
	}
	return failure.NewError(failure.KindInternal, msg)
}
