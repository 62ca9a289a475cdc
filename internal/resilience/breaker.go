package resilience

import (
	"sync"
	"time"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Defaults applied when corresponding BreakerConfig fields are unset.
const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 30 * time.Second
	defaultHalfOpenMaxCalls = 3
)

// BreakerConfig holds breaker tunables.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = defaultRecoveryTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = defaultHalfOpenMaxCalls
	}
	return c
}

// BreakerSnapshot is a read-only view of a breaker.
type BreakerSnapshot struct {
	Name          string
	State         State
	Failures      int
	LastFailure   time.Time
	HalfOpenCalls int
}

// StateChangeFunc is invoked after a transition, outside the breaker lock.
type StateChangeFunc func(name string, from, to State)

// Breaker guards one downstream dependency.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	halfOpenCalls int

	now      func() time.Time
	onChange StateChangeFunc
}

// BreakerOption customizes a Breaker.
type BreakerOption func(*Breaker)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange installs a transition hook.
func WithStateChange(fn StateChangeFunc) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// NewBreaker constructs a CLOSED breaker.
func NewBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		now:   time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed. In OPEN it moves to HALF_OPEN once
// RecoveryTimeout has elapsed since the last failure; that call is the first trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var from State
	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
			from = b.state
			b.state = StateHalfOpen
			b.halfOpenCalls = 1
			allowed = true
		}
	case StateHalfOpen:
		if b.halfOpenCalls < b.cfg.HalfOpenMaxCalls {
			b.halfOpenCalls++
			allowed = true
		}
	}
	b.mu.Unlock()
	if from != "" {
		b.notify(from, StateHalfOpen)
	}
	return allowed
}

// RecordSuccess closes a HALF_OPEN breaker and resets the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.halfOpenCalls = 0
		b.lastFailure = time.Time{}
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

// RecordFailure opens the breaker after FailureThreshold consecutive failures,
// or immediately when a HALF_OPEN trial fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.lastFailure = b.now()
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.halfOpenCalls = 0
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

// ReleaseTrial returns a HALF_OPEN trial slot taken by Allow when the call
// ended without an outcome (the caller gave up). It is a no-op in other states.
func (b *Breaker) ReleaseTrial() {
	b.mu.Lock()
	if b.state == StateHalfOpen && b.halfOpenCalls > 0 {
		b.halfOpenCalls--
	}
	b.mu.Unlock()
}

// State returns the current state without evaluating the recovery timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker fields.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Name:          b.name,
		State:         b.state,
		Failures:      b.failures,
		LastFailure:   b.lastFailure,
		HalfOpenCalls: b.halfOpenCalls,
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
