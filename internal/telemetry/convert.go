package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"gpusched/internal/device"
	"gpusched/pkg/types"
)

// ToMetrics converts a wire sample.
func ToMetrics(m types.DeviceMetrics) device.Metrics {
	return device.Metrics{
		ID:                m.ID,
		Name:              m.Name,
		ComputeCapability: m.ComputeCapability,
		MemoryTotalMB:     m.MemoryTotalMB,
		MemoryUsedMB:      m.MemoryUsedMB,
		MemoryFreeMB:      m.MemoryFreeMB,
		UtilizationPct:    m.UtilizationPct,
		TemperatureC:      m.TemperatureC,
		PowerUsageW:       m.PowerUsageW,
		PowerLimitW:       m.PowerLimitW,
		ErrorRate:         m.ErrorRate,
		PerformanceIndex:  m.PerformanceIndex,
	}
}

// ToMetricsList converts a wire snapshot.
func ToMetricsList(ms []types.DeviceMetrics) []device.Metrics {
	out := make([]device.Metrics, 0, len(ms))
	for _, m := range ms {
		out = append(out, ToMetrics(m))
	}
	return out
}

// FromMetrics converts to the wire form.
func FromMetrics(m device.Metrics) types.DeviceMetrics {
	return types.DeviceMetrics{
		ID:                m.ID,
		Name:              m.Name,
		ComputeCapability: m.ComputeCapability,
		MemoryTotalMB:     m.MemoryTotalMB,
		MemoryUsedMB:      m.MemoryUsedMB,
		MemoryFreeMB:      m.MemoryFreeMB,
		UtilizationPct:    m.UtilizationPct,
		TemperatureC:      m.TemperatureC,
		PowerUsageW:       m.PowerUsageW,
		PowerLimitW:       m.PowerLimitW,
		ErrorRate:         m.ErrorRate,
		PerformanceIndex:  m.PerformanceIndex,
	}
}

// FromDevice converts a registry snapshot entry to its API form.
func FromDevice(d device.Device) types.DeviceStatus {
	out := types.DeviceStatus{
		DeviceMetrics: FromMetrics(d.Metrics),
		Status:        string(d.Status),
		ReservedBy:    d.ReservedBy,
		ActiveTasks:   d.ActiveTasks,
	}
	if out.ActiveTasks == nil {
		out.ActiveTasks = []string{}
	}
	if !d.LastUpdated.IsZero() {
		out.LastUpdated = d.LastUpdated.UTC().Format(time.RFC3339)
	}
	return out
}

// DecodeSnapshot accepts a single DeviceMetrics object or an array of them.
func DecodeSnapshot(payload []byte) ([]device.Metrics, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if payload[0] == '[' {
		var ms []types.DeviceMetrics
		if err := json.Unmarshal(payload, &ms); err != nil {
			return nil, fmt.Errorf("decode telemetry array: %w", err)
		}
		return ToMetricsList(ms), nil
	}
	var m types.DeviceMetrics
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode telemetry object: %w", err)
	}
	return []device.Metrics{ToMetrics(m)}, nil
}
