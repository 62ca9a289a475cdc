package types

// DeviceMetrics is one telemetry sample for a GPU as exchanged with the
// device-monitoring collaborator (HTTP, MQTT and POST /v1/telemetry).
type DeviceMetrics struct {
	// Stable device identifier.
	// example: gpu-0
	ID string `json:"id" yaml:"id" toml:"id" example:"gpu-0"`
	// Human-friendly name.
	// example: NVIDIA A100-SXM4-40GB
	Name string `json:"name,omitempty" yaml:"name" toml:"name" example:"NVIDIA A100-SXM4-40GB"`
	// CUDA compute capability.
	// example: 8.0
	ComputeCapability float64 `json:"compute_capability" yaml:"compute_capability" toml:"compute_capability" example:"8.0"`
	// Total device memory in MB.
	// example: 40960
	MemoryTotalMB int64 `json:"memory_total_mb" yaml:"memory_total_mb" toml:"memory_total_mb" example:"40960"`
	// Used device memory in MB.
	// example: 2048
	MemoryUsedMB int64 `json:"memory_used_mb" yaml:"memory_used_mb" toml:"memory_used_mb" example:"2048"`
	// Free device memory in MB; derived from total-used when omitted.
	// example: 38912
	MemoryFreeMB int64 `json:"memory_free_mb,omitempty" yaml:"memory_free_mb" toml:"memory_free_mb" example:"38912"`
	// GPU utilization in percent.
	// example: 35
	UtilizationPct float64 `json:"utilization_pct" yaml:"utilization_pct" toml:"utilization_pct" example:"35"`
	// Temperature in Celsius.
	// example: 61
	TemperatureC float64 `json:"temperature_c" yaml:"temperature_c" toml:"temperature_c" example:"61"`
	// Current power draw in watts.
	// example: 180
	PowerUsageW float64 `json:"power_usage_w,omitempty" yaml:"power_usage_w" toml:"power_usage_w" example:"180"`
	// Power limit in watts.
	// example: 400
	PowerLimitW float64 `json:"power_limit_w,omitempty" yaml:"power_limit_w" toml:"power_limit_w" example:"400"`
	// Recent error rate (errors per operation).
	// example: 0.01
	ErrorRate float64 `json:"error_rate" yaml:"error_rate" toml:"error_rate" example:"0.01"`
	// Relative performance in (0,1]; defaults to 1.
	// example: 1
	PerformanceIndex float64 `json:"performance_index,omitempty" yaml:"performance_index" toml:"performance_index" example:"1"`
}

// DeviceStatus is a registered device with its scheduling status.
type DeviceStatus struct {
	DeviceMetrics
	// Scheduling status: AVAILABLE, RESERVED, BUSY, ERROR, MAINTENANCE or OFFLINE.
	// example: AVAILABLE
	Status string `json:"status" example:"AVAILABLE"`
	// Task holding the reservation; only set while RESERVED or BUSY.
	// example: 3f0c1d7e-8a55-4c8e-9d0e-6f1f2b7a9c11
	ReservedBy string `json:"reserved_by,omitempty" example:"3f0c1d7e-8a55-4c8e-9d0e-6f1f2b7a9c11"`
	// Tasks currently running on the device.
	ActiveTasks []string `json:"active_tasks"`
	// Last telemetry update (RFC3339).
	// example: 2024-05-01T12:00:00Z
	LastUpdated string `json:"last_updated,omitempty" example:"2024-05-01T12:00:00Z"`
}

// DevicesResponse wraps GET /v1/devices.
type DevicesResponse struct {
	Devices []DeviceStatus `json:"devices"`
}

// TelemetryResponse is returned by POST /v1/telemetry.
type TelemetryResponse struct {
	// Number of samples applied.
	// example: 2
	Accepted int `json:"accepted" example:"2"`
	// Validation errors for skipped samples.
	Errors []string `json:"errors,omitempty"`
}
