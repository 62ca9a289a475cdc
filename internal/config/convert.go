package config

import (
	"gpusched/internal/device"
	"gpusched/internal/failure"
	"gpusched/internal/logging"
	"gpusched/internal/placement"
	"gpusched/internal/resilience"
	"gpusched/internal/scheduler"
	"gpusched/internal/telemetry"
	"gpusched/internal/tracing"
)

func (c Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format, Output: c.Log.Output}
}

func (c Config) TracingConfig() tracing.Config {
	return tracing.Config{
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		Insecure:    c.Tracing.Insecure,
		SampleRatio: c.Tracing.SampleRatio,
	}
}

func (c Config) DeviceConfig() device.Config {
	d := c.Devices
	return device.Config{
		MinComputeCapability: d.MinComputeCapability,
		Thresholds: device.Thresholds{
			MaxTemperature:       d.MaxTemperature,
			MaxErrorRate:         d.MaxErrorRate,
			MemoryThreshold:      d.MemoryThreshold,
			UtilizationThreshold: d.UtilizationThreshold,
		},
		MaxConcurrentPerDevice: c.Scheduler.MaxConcurrentTasksPerGPU,
		HealthInterval:         d.HealthInterval.Std(),
		StaleAfter:             d.StaleAfter.Std(),
		ErrorCooldown:          d.ErrorCooldown.Std(),
	}
}

func (c Config) RetryPolicy() resilience.RetryPolicy {
	r := c.Resilience.Retry
	return resilience.RetryPolicy{
		MaxRetries:    r.MaxRetries,
		InitialDelay:  r.InitialDelay.Std(),
		MaxDelay:      r.MaxDelay.Std(),
		BackoffFactor: r.BackoffFactor,
		Jitter:        r.Jitter,
	}
}

func (c Config) BreakerConfig() resilience.BreakerConfig {
	b := c.Resilience.Breaker
	return resilience.BreakerConfig{
		FailureThreshold: b.FailureThreshold,
		RecoveryTimeout:  b.RecoveryTimeout.Std(),
		HalfOpenMaxCalls: b.HalfOpenMaxCalls,
	}
}

func (c Config) SchedulerConfig() scheduler.Config {
	s, f := c.Scheduler, c.Failure
	def := s.DefaultPriority
	maxRetries := f.MaxRetries
	if maxRetries == 0 {
		// failure.Config treats zero as unset
		maxRetries = -1
	}
	return scheduler.Config{
		MaxConcurrentTasksPerGPU: s.MaxConcurrentTasksPerGPU,
		DispatchInterval:         s.DispatchInterval.Std(),
		MaxQueueDepth:            s.MaxQueueDepth,
		Priorities:               placement.PriorityRange{Min: s.PriorityMin, Max: s.PriorityMax},
		DefaultPriority:          &def,
		Weights: placement.Weights{
			Usage:       s.Weights.Usage,
			Priority:    s.Weights.Priority,
			Performance: s.Weights.Performance,
			Health:      s.Weights.Health,
		},
		ExecutionTimeoutFactor: s.ExecutionTimeoutFactor,
		MinExecutionTimeout:    s.MinExecutionTimeout.Std(),
		Failure: failure.Config{
			MaxRetries:          maxRetries,
			InitialDelay:        f.InitialDelay.Std(),
			ErrorWindow:         f.ErrorWindow.Std(),
			ErrorThreshold:      f.ErrorThreshold,
			MaintenanceCooldown: f.MaintenanceCooldown.Std(),
			MemoryPressureRatio: f.MemoryPressureRatio,
		},
		Breaker:               c.BreakerConfig(),
		Retry:                 c.RetryPolicy(),
		BulkheadMaxConcurrent: c.Resilience.Bulkhead.MaxConcurrent,
		BulkheadMaxQueue:      c.Resilience.Bulkhead.MaxQueue,
		CallbackTimeout:       s.CallbackTimeout.Std(),
	}
}

func (c Config) MQTTConfig() telemetry.MQTTConfig {
	m := c.Telemetry.MQTT
	return telemetry.MQTTConfig{
		Enabled:  m.Enabled,
		Broker:   m.Broker,
		ClientID: m.ClientID,
		Topic:    m.Topic,
		QoS:      byte(m.QoS),
		Username: m.Username,
		Password: m.Password,
	}
}

func (c Config) InfluxConfig() telemetry.InfluxConfig {
	i := c.Telemetry.Influx
	return telemetry.InfluxConfig{
		Enabled:       i.Enabled,
		URL:           i.URL,
		Token:         i.Token,
		Org:           i.Org,
		Bucket:        i.Bucket,
		BatchSize:     i.BatchSize,
		FlushInterval: i.FlushInterval.Std(),
	}
}
