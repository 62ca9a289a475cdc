package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"gpusched/internal/common/fsutil"
	"gpusched/pkg/types"
)

// Load reads a configuration file based on its extension and decodes it over
// Default(). Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return cfg, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyEnv overrides selected fields from GPUSCHED_* environment variables.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, os.LookupEnv)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup("GPUSCHED_" + key); ok && v != "" {
			*dst = v
		}
	}
	str("ADDR", &cfg.Server.Addr)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("OTEL_EXPORTER", &cfg.Tracing.Exporter)
	str("OTEL_ENDPOINT", &cfg.Tracing.Endpoint)
	str("EXECUTOR_URL", &cfg.Executor.URL)
	if v, ok := lookup("GPUSCHED_TELEMETRY_URL"); ok && v != "" {
		cfg.Telemetry.URL = v
		cfg.Telemetry.Source = "http"
	}
	if v, ok := lookup("GPUSCHED_MQTT_BROKER"); ok && v != "" {
		cfg.Telemetry.MQTT.Broker = v
		cfg.Telemetry.MQTT.Enabled = true
	}
	if v, ok := lookup("GPUSCHED_INFLUX_URL"); ok && v != "" {
		cfg.Telemetry.Influx.URL = v
		cfg.Telemetry.Influx.Enabled = true
	}
	str("INFLUX_TOKEN", &cfg.Telemetry.Influx.Token)
	if v, ok := lookup("GPUSCHED_MAX_CONCURRENT_TASKS_PER_GPU"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GPUSCHED_MAX_CONCURRENT_TASKS_PER_GPU: %w", err)
		}
		cfg.Scheduler.MaxConcurrentTasksPerGPU = n
	}
	return nil
}

// LoadInventoryFile reads a JSON array (or single object) of device metrics.
func LoadInventoryFile(path string) ([]types.DeviceMetrics, error) {
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var m types.DeviceMetrics
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("decode inventory %s: %w", path, err)
		}
		return []types.DeviceMetrics{m}, nil
	}
	var ms []types.DeviceMetrics
	if err := json.Unmarshal(b, &ms); err != nil {
		return nil, fmt.Errorf("decode inventory %s: %w", path, err)
	}
	return ms, nil
}
