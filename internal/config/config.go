// Package config loads service configuration from YAML, JSON or TOML files
// with GPUSCHED_* environment overrides.
package config

import (
	"fmt"
	"time"

	"gpusched/pkg/types"
)

// Duration is a time.Duration written as a Go duration string ("250ms", "5s").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// Config holds runtime parameters for the service.
// Load decodes over Default, so omitted fields keep their defaults.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server" toml:"server"`
	Log        LogConfig        `json:"log" yaml:"log" toml:"log"`
	Tracing    TracingConfig    `json:"tracing" yaml:"tracing" toml:"tracing"`
	Devices    DevicesConfig    `json:"devices" yaml:"devices" toml:"devices"`
	Scheduler  SchedulerConfig  `json:"scheduler" yaml:"scheduler" toml:"scheduler"`
	Failure    FailureConfig    `json:"failure" yaml:"failure" toml:"failure"`
	Resilience ResilienceConfig `json:"resilience" yaml:"resilience" toml:"resilience"`
	Executor   ExecutorConfig   `json:"executor" yaml:"executor" toml:"executor"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry" toml:"telemetry"`
}

type ServerConfig struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	MaxBodyBytes int64  `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	// CORS is disabled unless at least one origin is listed.
	CORSOrigins      []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	SubmitRatePerSec float64  `json:"submit_rate_per_sec" yaml:"submit_rate_per_sec" toml:"submit_rate_per_sec"`
	SubmitBurst      int      `json:"submit_burst" yaml:"submit_burst" toml:"submit_burst"`
	ShutdownTimeout  Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
	Output string `json:"output" yaml:"output" toml:"output"`
}

type TracingConfig struct {
	Exporter    string  `json:"exporter" yaml:"exporter" toml:"exporter"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `json:"insecure" yaml:"insecure" toml:"insecure"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio" toml:"sample_ratio"`
}

type DevicesConfig struct {
	MinComputeCapability float64  `json:"min_compute_capability" yaml:"min_compute_capability" toml:"min_compute_capability"`
	MaxTemperature       float64  `json:"max_temperature" yaml:"max_temperature" toml:"max_temperature"`
	MaxErrorRate         float64  `json:"max_error_rate" yaml:"max_error_rate" toml:"max_error_rate"`
	MemoryThreshold      float64  `json:"memory_threshold" yaml:"memory_threshold" toml:"memory_threshold"`
	UtilizationThreshold float64  `json:"utilization_threshold" yaml:"utilization_threshold" toml:"utilization_threshold"`
	HealthInterval       Duration `json:"health_interval" yaml:"health_interval" toml:"health_interval"`
	RefreshInterval      Duration `json:"refresh_interval" yaml:"refresh_interval" toml:"refresh_interval"`
	StaleAfter           Duration `json:"stale_after" yaml:"stale_after" toml:"stale_after"`
	ErrorCooldown        Duration `json:"error_cooldown" yaml:"error_cooldown" toml:"error_cooldown"`
	// Inventory seeds the registry when the telemetry source is static.
	Inventory []types.DeviceMetrics `json:"inventory" yaml:"inventory" toml:"inventory"`
}

type WeightsConfig struct {
	Usage       float64 `json:"usage" yaml:"usage" toml:"usage"`
	Priority    float64 `json:"priority" yaml:"priority" toml:"priority"`
	Performance float64 `json:"performance" yaml:"performance" toml:"performance"`
	Health      float64 `json:"health" yaml:"health" toml:"health"`
}

type SchedulerConfig struct {
	MaxConcurrentTasksPerGPU int           `json:"max_concurrent_tasks_per_gpu" yaml:"max_concurrent_tasks_per_gpu" toml:"max_concurrent_tasks_per_gpu"`
	DispatchInterval         Duration      `json:"dispatch_interval" yaml:"dispatch_interval" toml:"dispatch_interval"`
	MaxQueueDepth            int           `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	PriorityMin              int           `json:"priority_min" yaml:"priority_min" toml:"priority_min"`
	PriorityMax              int           `json:"priority_max" yaml:"priority_max" toml:"priority_max"`
	DefaultPriority          int           `json:"default_priority" yaml:"default_priority" toml:"default_priority"`
	ExecutionTimeoutFactor   float64       `json:"execution_timeout_factor" yaml:"execution_timeout_factor" toml:"execution_timeout_factor"`
	MinExecutionTimeout      Duration      `json:"min_execution_timeout" yaml:"min_execution_timeout" toml:"min_execution_timeout"`
	CallbackTimeout          Duration      `json:"callback_timeout" yaml:"callback_timeout" toml:"callback_timeout"`
	Weights                  WeightsConfig `json:"weights" yaml:"weights" toml:"weights"`
}

type FailureConfig struct {
	MaxRetries          int      `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	InitialDelay        Duration `json:"initial_delay" yaml:"initial_delay" toml:"initial_delay"`
	ErrorWindow         Duration `json:"error_window" yaml:"error_window" toml:"error_window"`
	ErrorThreshold      float64  `json:"error_threshold" yaml:"error_threshold" toml:"error_threshold"`
	MaintenanceCooldown Duration `json:"maintenance_cooldown" yaml:"maintenance_cooldown" toml:"maintenance_cooldown"`
	MemoryPressureRatio float64  `json:"memory_pressure_ratio" yaml:"memory_pressure_ratio" toml:"memory_pressure_ratio"`
}

type BreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold" toml:"failure_threshold"`
	RecoveryTimeout  Duration `json:"recovery_timeout" yaml:"recovery_timeout" toml:"recovery_timeout"`
	HalfOpenMaxCalls int      `json:"half_open_max_calls" yaml:"half_open_max_calls" toml:"half_open_max_calls"`
}

type RetryConfig struct {
	MaxRetries    int      `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	InitialDelay  Duration `json:"initial_delay" yaml:"initial_delay" toml:"initial_delay"`
	MaxDelay      Duration `json:"max_delay" yaml:"max_delay" toml:"max_delay"`
	BackoffFactor float64  `json:"backoff_factor" yaml:"backoff_factor" toml:"backoff_factor"`
	Jitter        bool     `json:"jitter" yaml:"jitter" toml:"jitter"`
}

type BulkheadConfig struct {
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent" toml:"max_concurrent"`
	MaxQueue      int `json:"max_queue" yaml:"max_queue" toml:"max_queue"`
}

type ResilienceConfig struct {
	Breaker     BreakerConfig  `json:"breaker" yaml:"breaker" toml:"breaker"`
	Retry       RetryConfig    `json:"retry" yaml:"retry" toml:"retry"`
	Bulkhead    BulkheadConfig `json:"bulkhead" yaml:"bulkhead" toml:"bulkhead"`
	CallTimeout Duration       `json:"call_timeout" yaml:"call_timeout" toml:"call_timeout"`
}

type ExecutorConfig struct {
	// Mode is sim or http.
	Mode string `json:"mode" yaml:"mode" toml:"mode"`
	URL  string `json:"url" yaml:"url" toml:"url"`
	// DeviceURLs overrides URL per device id.
	DeviceURLs map[string]string `json:"device_urls" yaml:"device_urls" toml:"device_urls"`
	// SimScale multiplies expected durations in sim mode.
	SimScale float64 `json:"sim_scale" yaml:"sim_scale" toml:"sim_scale"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Broker   string `json:"broker" yaml:"broker" toml:"broker"`
	ClientID string `json:"client_id" yaml:"client_id" toml:"client_id"`
	Topic    string `json:"topic" yaml:"topic" toml:"topic"`
	QoS      int    `json:"qos" yaml:"qos" toml:"qos"`
	Username string `json:"username" yaml:"username" toml:"username"`
	Password string `json:"password" yaml:"password" toml:"password"`
}

type InfluxConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	URL            string   `json:"url" yaml:"url" toml:"url"`
	Token          string   `json:"token" yaml:"token" toml:"token"`
	Org            string   `json:"org" yaml:"org" toml:"org"`
	Bucket         string   `json:"bucket" yaml:"bucket" toml:"bucket"`
	BatchSize      int      `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	FlushInterval  Duration `json:"flush_interval" yaml:"flush_interval" toml:"flush_interval"`
	ExportInterval Duration `json:"export_interval" yaml:"export_interval" toml:"export_interval"`
}

type TelemetryConfig struct {
	// Source is static (devices.inventory) or http.
	Source string `json:"source" yaml:"source" toml:"source"`
	URL    string `json:"url" yaml:"url" toml:"url"`
	// InventoryFile optionally points at a JSON file of DeviceMetrics used
	// in addition to devices.inventory.
	InventoryFile string       `json:"inventory_file" yaml:"inventory_file" toml:"inventory_file"`
	MQTT          MQTTConfig   `json:"mqtt" yaml:"mqtt" toml:"mqtt"`
	Influx        InfluxConfig `json:"influx" yaml:"influx" toml:"influx"`
}

// Default returns a fully populated configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:             ":8080",
			MaxBodyBytes:     1 << 20,
			SubmitRatePerSec: 100,
			SubmitBurst:      200,
			ShutdownTimeout:  Duration(10 * time.Second),
		},
		Log:     LogConfig{Level: "info", Format: "json", Output: "stderr"},
		Tracing: TracingConfig{Exporter: "none", SampleRatio: 1},
		Devices: DevicesConfig{
			MinComputeCapability: 0,
			MaxTemperature:       85,
			MaxErrorRate:         0.1,
			MemoryThreshold:      0.9,
			UtilizationThreshold: 0.95,
			HealthInterval:       Duration(5 * time.Second),
			RefreshInterval:      Duration(5 * time.Second),
			StaleAfter:           Duration(60 * time.Second),
			ErrorCooldown:        Duration(30 * time.Second),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentTasksPerGPU: 4,
			DispatchInterval:         Duration(200 * time.Millisecond),
			MaxQueueDepth:            1024,
			PriorityMin:              0,
			PriorityMax:              10,
			DefaultPriority:          5,
			ExecutionTimeoutFactor:   3,
			MinExecutionTimeout:      Duration(30 * time.Second),
			CallbackTimeout:          Duration(5 * time.Second),
			Weights:                  WeightsConfig{Usage: 0.4, Priority: 0.3, Performance: 0.2, Health: 0.1},
		},
		Failure: FailureConfig{
			MaxRetries:          3,
			InitialDelay:        Duration(time.Second),
			ErrorWindow:         Duration(5 * time.Minute),
			ErrorThreshold:      2,
			MaintenanceCooldown: Duration(60 * time.Second),
			MemoryPressureRatio: 0.9,
		},
		Resilience: ResilienceConfig{
			Breaker:     BreakerConfig{FailureThreshold: 5, RecoveryTimeout: Duration(60 * time.Second), HalfOpenMaxCalls: 3},
			Retry:       RetryConfig{MaxRetries: 3, InitialDelay: Duration(time.Second), MaxDelay: Duration(60 * time.Second), BackoffFactor: 2, Jitter: true},
			Bulkhead:    BulkheadConfig{MaxConcurrent: 64, MaxQueue: 256},
			CallTimeout: Duration(5 * time.Second),
		},
		Executor: ExecutorConfig{Mode: "sim", SimScale: 1},
		Telemetry: TelemetryConfig{
			Source: "static",
			MQTT:   MQTTConfig{Topic: "gpusched/telemetry/#", ClientID: "gpusched", QoS: 1},
			Influx: InfluxConfig{BatchSize: 100, FlushInterval: Duration(time.Second), ExportInterval: Duration(15 * time.Second)},
		},
	}
}
