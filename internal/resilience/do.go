package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy describes how a single downstream call is guarded. Nil fields are skipped.
type Policy struct {
	Bulkhead *Bulkhead
	Breaker  *Breaker
	// Timeout bounds each attempt; zero disables it.
	Timeout time.Duration
	Retry   *RetryPolicy
	// Retryable decides whether a failed attempt may be retried; nil retries everything.
	Retryable func(error) bool
	// Sleep waits between attempts; nil uses a timer bound to ctx.
	Sleep func(context.Context, time.Duration) error
}

// Fallback supplies a result when the guarded call cannot succeed. Fn takes
// precedence over Value.
type Fallback[T any] struct {
	Value T
	Fn    func(ctx context.Context, err error) (T, error)
}

// Do runs fn under p: bulkhead admission, then per attempt the breaker gate and
// the timeout, retrying retryable failures with p.Retry delays. When the call
// cannot succeed the first fallback is used, otherwise the last error is returned.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error), fb ...Fallback[T]) (T, error) {
	if p.Bulkhead != nil {
		release, err := p.Bulkhead.Acquire(ctx)
		if err != nil {
			return fallback(ctx, err, fb)
		}
		defer release()
	}

	maxRetries := 0
	if p.Retry != nil {
		maxRetries = p.Retry.MaxRetries
	}
	var lastErr error
	for attempt := 0; ; attempt++ {
		if p.Breaker != nil && !p.Breaker.Allow() {
			lastErr = circuitOpen(p.Breaker.Name())
			break
		}
		v, err := invoke(ctx, p.Timeout, fn)
		if err == nil {
			if p.Breaker != nil {
				p.Breaker.RecordSuccess()
			}
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			// caller gave up; not the dependency's fault
			if p.Breaker != nil {
				p.Breaker.ReleaseTrial()
			}
			break
		}
		if p.Breaker != nil {
			p.Breaker.RecordFailure()
		}
		if attempt >= maxRetries || (p.Retryable != nil && !p.Retryable(err)) {
			break
		}
		if err := sleep(ctx, p, p.Retry.Delay(attempt)); err != nil {
			lastErr = err
			break
		}
	}
	return fallback(ctx, lastErr, fb)
}

func invoke[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			r.err = fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, r.err)
		}
		return r.v, r.err
	case <-cctx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

func sleep(ctx context.Context, p Policy, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func fallback[T any](ctx context.Context, err error, fb []Fallback[T]) (T, error) {
	if len(fb) == 0 {
		var zero T
		return zero, err
	}
	if fb[0].Fn != nil {
		return fb[0].Fn(ctx, err)
	}
	return fb[0].Value, nil
}
