package scheduler

import (
	"time"

	"gpusched/internal/failure"
	"gpusched/internal/placement"
	"gpusched/internal/resilience"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultDispatchInterval       = 200 * time.Millisecond
	defaultMaxQueueDepth          = 1024
	defaultPriority               = 5
	defaultExecutionTimeoutFactor = 3.0
	defaultMinExecutionTimeout    = 30 * time.Second
	defaultBulkheadMaxConcurrent  = 64
	defaultBulkheadMaxQueue       = 256
	defaultCallbackTimeout        = 5 * time.Second
	defaultCallbackConcurrency    = 8
)

// Config encapsulates scheduler tunables.
type Config struct {
	// MaxConcurrentTasksPerGPU caps RUNNING tasks per device. Zero uses the
	// registry's MaxConcurrentPerDevice.
	MaxConcurrentTasksPerGPU int
	DispatchInterval         time.Duration
	// MaxQueueDepth bounds queued tasks; negative disables the bound.
	MaxQueueDepth   int
	Priorities      placement.PriorityRange
	DefaultPriority *int
	Weights         placement.Weights

	// Execution timeout is max(MinExecutionTimeout, ExpectedDuration*ExecutionTimeoutFactor).
	ExecutionTimeoutFactor float64
	MinExecutionTimeout    time.Duration

	Failure failure.Config
	Breaker resilience.BreakerConfig
	// Retry guards remote cancel calls.
	Retry resilience.RetryPolicy

	// BulkheadMaxConcurrent caps executions in flight. Admission honours it as
	// a global running limit, so tasks beyond it stay QUEUED.
	BulkheadMaxConcurrent int
	BulkheadMaxQueue      int

	CallbackTimeout     time.Duration
	CallbackConcurrency int
}

func (c Config) withDefaults() Config {
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = defaultDispatchInterval
	}
	if c.MaxQueueDepth == 0 {
		c.MaxQueueDepth = defaultMaxQueueDepth
	}
	if c.Priorities.Max <= c.Priorities.Min {
		c.Priorities = placement.DefaultPriorityRange()
	}
	if c.DefaultPriority == nil {
		p := defaultPriority
		c.DefaultPriority = &p
	}
	if c.Weights == (placement.Weights{}) {
		c.Weights = placement.DefaultWeights()
	}
	if c.ExecutionTimeoutFactor <= 0 {
		c.ExecutionTimeoutFactor = defaultExecutionTimeoutFactor
	}
	if c.MinExecutionTimeout <= 0 {
		c.MinExecutionTimeout = defaultMinExecutionTimeout
	}
	if c.Retry.InitialDelay <= 0 && c.Retry.MaxRetries == 0 {
		c.Retry = resilience.DefaultRetryPolicy()
	}
	if c.BulkheadMaxConcurrent <= 0 {
		c.BulkheadMaxConcurrent = defaultBulkheadMaxConcurrent
	}
	if c.BulkheadMaxQueue <= 0 {
		c.BulkheadMaxQueue = defaultBulkheadMaxQueue
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = defaultCallbackTimeout
	}
	if c.CallbackConcurrency <= 0 {
		c.CallbackConcurrency = defaultCallbackConcurrency
	}
	return c
}
