package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gpusched/internal/resilience"
)

// callbackPayload is POSTed to a task's callback URL when it reaches a
// terminal state.
type callbackPayload struct {
	TaskID      string          `json:"task_id"`
	Status      TaskStatus      `json:"status"`
	DeviceID    string          `json:"device_id,omitempty"`
	RetryCount  int             `json:"retry_count"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	BatchID     string          `json:"batch_id,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// callbackNotifier delivers callbacks best effort: one attempt per callback
// behind a bulkhead, a per-host breaker and a timeout.
type callbackNotifier struct {
	client   *http.Client
	breakers *resilience.Breakers
	bulkhead *resilience.Bulkhead
	timeout  time.Duration
	log      zerolog.Logger
	wg       sync.WaitGroup
}

func newCallbackNotifier(c *http.Client, b *resilience.Breakers, timeout time.Duration, concurrency int, log zerolog.Logger) *callbackNotifier {
	return &callbackNotifier{
		client:   c,
		breakers: b,
		bulkhead: resilience.NewBulkhead(concurrency, 4*concurrency),
		timeout:  timeout,
		log:      log,
	}
}

func (n *callbackNotifier) notify(target string, v TaskView) {
	body, err := json.Marshal(callbackPayload{
		TaskID:      v.ID,
		Status:      v.Status,
		DeviceID:    v.DeviceID,
		RetryCount:  v.RetryCount,
		Result:      v.Result,
		Error:       v.Error,
		ErrorKind:   string(v.ErrorKind),
		BatchID:     v.BatchID,
		SubmittedAt: v.SubmittedAt,
		CompletedAt: v.CompletedAt,
	})
	if err != nil {
		n.log.Warn().Err(err).Str("task", v.ID).Msg("callback encode failed")
		return
	}
	host := target
	if u, err := url.Parse(target); err == nil {
		host = u.Host
	}
	policy := resilience.Policy{
		Bulkhead: n.bulkhead,
		Breaker:  n.breakers.Get("callback:" + host),
		Timeout:  n.timeout,
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		_, err := resilience.Do(context.Background(), policy, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, n.post(ctx, target, body)
		})
		if err != nil {
			n.log.Warn().Err(err).Str("task", v.ID).Str("url", target).Msg("callback delivery failed")
			return
		}
		n.log.Debug().Str("task", v.ID).Str("url", target).Msg("callback delivered")
	}()
}

func (n *callbackNotifier) post(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback http error: %s", resp.Status)
	}
	return nil
}

// wait blocks until in-flight callbacks return.
func (n *callbackNotifier) wait() { n.wg.Wait() }
