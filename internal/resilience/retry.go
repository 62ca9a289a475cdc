package resilience

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy computes backoff delays: InitialDelay * BackoffFactor^attempt,
// capped at MaxDelay, optionally multiplied by a jitter factor in [0.8, 1.2].
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool

	// rand returns a value in [0,1); nil uses math/rand.
	rand func() float64
}

// DefaultRetryPolicy mirrors the service defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2,
		Jitter:        true,
	}
}

// BaseDelay is the un-jittered delay for a 0-based attempt.
func (p RetryPolicy) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.InitialDelay) * math.Pow(factor, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay is BaseDelay with jitter applied when enabled.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.BaseDelay(attempt)
	if !p.Jitter {
		return base
	}
	r := p.rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(float64(base) * (0.8 + 0.4*r()))
}
