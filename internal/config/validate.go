package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate reports every out-of-range value as one joined error.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Server.Addr == "" {
		bad("server.addr is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		bad("server.max_body_bytes must be > 0")
	}
	if c.Server.SubmitRatePerSec < 0 || c.Server.SubmitBurst < 0 {
		bad("server.submit_rate_per_sec and submit_burst must be >= 0")
	}

	d := c.Devices
	if d.MemoryThreshold <= 0 || d.MemoryThreshold > 1 {
		bad("devices.memory_threshold must be in (0,1], got %v", d.MemoryThreshold)
	}
	if d.UtilizationThreshold <= 0 || d.UtilizationThreshold > 1 {
		bad("devices.utilization_threshold must be in (0,1], got %v", d.UtilizationThreshold)
	}
	if d.MaxTemperature <= 0 {
		bad("devices.max_temperature must be > 0")
	}
	if d.MaxErrorRate <= 0 {
		bad("devices.max_error_rate must be > 0")
	}
	if d.HealthInterval <= 0 || d.RefreshInterval <= 0 {
		bad("devices.health_interval and refresh_interval must be > 0")
	}
	if d.StaleAfter < 0 || d.ErrorCooldown < 0 {
		bad("devices.stale_after and error_cooldown must be >= 0")
	}

	s := c.Scheduler
	if s.MaxConcurrentTasksPerGPU < 1 {
		bad("scheduler.max_concurrent_tasks_per_gpu must be >= 1")
	}
	if s.DispatchInterval <= 0 {
		bad("scheduler.dispatch_interval must be > 0")
	}
	if s.PriorityMax <= s.PriorityMin {
		bad("scheduler.priority_max must exceed priority_min")
	} else if s.DefaultPriority < s.PriorityMin || s.DefaultPriority > s.PriorityMax {
		bad("scheduler.default_priority %d outside [%d,%d]", s.DefaultPriority, s.PriorityMin, s.PriorityMax)
	}
	if s.ExecutionTimeoutFactor <= 0 {
		bad("scheduler.execution_timeout_factor must be > 0")
	}
	w := s.Weights
	if w.Usage < 0 || w.Priority < 0 || w.Performance < 0 || w.Health < 0 {
		bad("scheduler.weights must be non-negative")
	} else if w.Usage+w.Priority+w.Performance+w.Health <= 0 {
		bad("scheduler.weights must sum to > 0")
	}

	f := c.Failure
	if f.MaxRetries < 0 {
		bad("failure.max_retries must be >= 0")
	}
	if f.ErrorThreshold <= 0 {
		bad("failure.error_threshold must be > 0")
	}
	if f.MemoryPressureRatio <= 0 || f.MemoryPressureRatio > 1 {
		bad("failure.memory_pressure_ratio must be in (0,1]")
	}

	r := c.Resilience
	if r.Breaker.FailureThreshold < 1 || r.Breaker.HalfOpenMaxCalls < 1 {
		bad("resilience.breaker thresholds must be >= 1")
	}
	if r.Retry.BackoffFactor < 1 {
		bad("resilience.retry.backoff_factor must be >= 1")
	}
	if r.Bulkhead.MaxConcurrent < 1 {
		bad("resilience.bulkhead.max_concurrent must be >= 1")
	}

	switch strings.ToLower(c.Executor.Mode) {
	case "sim", "":
	case "http":
		if c.Executor.URL == "" && len(c.Executor.DeviceURLs) == 0 {
			bad("executor.url is required in http mode")
		}
	default:
		bad("executor.mode must be sim or http, got %q", c.Executor.Mode)
	}

	t := c.Telemetry
	switch strings.ToLower(t.Source) {
	case "static", "":
	case "http":
		if t.URL == "" {
			bad("telemetry.url is required for the http source")
		}
	default:
		bad("telemetry.source must be static or http, got %q", t.Source)
	}
	if t.MQTT.Enabled && t.MQTT.Broker == "" {
		bad("telemetry.mqtt.broker is required when mqtt is enabled")
	}
	if t.MQTT.QoS < 0 || t.MQTT.QoS > 2 {
		bad("telemetry.mqtt.qos must be 0, 1 or 2")
	}
	if t.Influx.Enabled && (t.Influx.URL == "" || t.Influx.Bucket == "") {
		bad("telemetry.influx.url and bucket are required when influx is enabled")
	}
	return errors.Join(errs...)
}
