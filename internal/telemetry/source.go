package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gpusched/internal/device"
	"gpusched/internal/failure"
	"gpusched/internal/resilience"
)

// StaticSource serves a fixed inventory, typically from config.
type StaticSource []device.Metrics

func (s StaticSource) Collect(context.Context) ([]device.Metrics, error) {
	out := make([]device.Metrics, len(s))
	copy(out, s)
	return out, nil
}

const defaultHTTPTimeout = 5 * time.Second

// HTTPSource pulls a snapshot from a device-monitoring service with GET {url}.
// Calls go through a breaker, retries and a timeout; when they fail the last
// good snapshot is served instead.
type HTTPSource struct {
	url    string
	client *http.Client
	policy resilience.Policy
	log    zerolog.Logger

	mu   sync.Mutex
	last []device.Metrics
}

// HTTPOption customizes an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithHTTPClient sets the client.
func WithHTTPClient(c *http.Client) HTTPOption { return func(s *HTTPSource) { s.client = c } }

// WithRetry sets the retry policy.
func WithRetry(p resilience.RetryPolicy) HTTPOption {
	return func(s *HTTPSource) { s.policy.Retry = &p }
}

// WithBreaker sets the circuit breaker.
func WithBreaker(b *resilience.Breaker) HTTPOption {
	return func(s *HTTPSource) { s.policy.Breaker = b }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) HTTPOption { return func(s *HTTPSource) { s.policy.Timeout = d } }

// WithSourceLogger sets the logger.
func WithSourceLogger(l zerolog.Logger) HTTPOption {
	return func(s *HTTPSource) { s.log = l.With().Str("component", "telemetry_http").Logger() }
}

// NewHTTPSource builds a source polling url.
func NewHTTPSource(url string, opts ...HTTPOption) *HTTPSource {
	retry := resilience.DefaultRetryPolicy()
	s := &HTTPSource{
		url:    url,
		client: http.DefaultClient,
		log:    zerolog.Nop(),
		policy: resilience.Policy{
			Breaker:   resilience.NewBreaker("telemetry:http", resilience.BreakerConfig{}),
			Timeout:   defaultHTTPTimeout,
			Retry:     &retry,
			Retryable: failure.Retryable,
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *HTTPSource) Collect(ctx context.Context) ([]device.Metrics, error) {
	stale := resilience.Fallback[[]device.Metrics]{Fn: func(_ context.Context, err error) ([]device.Metrics, error) {
		s.mu.Lock()
		last := s.last
		s.mu.Unlock()
		if last == nil {
			return nil, err
		}
		s.log.Warn().Err(err).Int("devices", len(last)).Msg("telemetry fetch failed; serving last snapshot")
		return last, nil
	}}
	return resilience.Do(ctx, s.policy, s.fetch, stale)
}

func (s *HTTPSource) fetch(ctx context.Context) ([]device.Metrics, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("telemetry http error: %s: %s", resp.Status, b)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	ms, err := DecodeSnapshot(body)
	if err != nil {
		return nil, err
	}
	// keep our own copy; callers may mutate the returned slice
	s.mu.Lock()
	s.last = append([]device.Metrics(nil), ms...)
	s.mu.Unlock()
	return ms, nil
}
