package device

import (
	"errors"
	"fmt"
	"time"
)

// Status is the scheduling status of a device.
type Status string

const (
	StatusAvailable   Status = "AVAILABLE"
	StatusReserved    Status = "RESERVED"
	StatusBusy        Status = "BUSY"
	StatusError       Status = "ERROR"
	StatusMaintenance Status = "MAINTENANCE"
	StatusOffline     Status = "OFFLINE"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusAvailable, StatusReserved, StatusBusy, StatusError, StatusMaintenance, StatusOffline}

// Metrics is one telemetry sample for a device as reported by the monitoring
// collaborator. Memory is in MB, utilization in percent (0-100).
type Metrics struct {
	ID                string
	Name              string
	ComputeCapability float64
	MemoryTotalMB     int64
	MemoryUsedMB      int64
	MemoryFreeMB      int64
	UtilizationPct    float64
	TemperatureC      float64
	PowerUsageW       float64
	PowerLimitW       float64
	ErrorRate         float64
	PerformanceIndex  float64
}

// Validate rejects samples that cannot describe a real device.
func (m Metrics) Validate() error {
	var errs []error
	if m.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if m.MemoryTotalMB < 0 || m.MemoryUsedMB < 0 || m.MemoryFreeMB < 0 {
		errs = append(errs, errors.New("memory values must be non-negative"))
	}
	if m.MemoryUsedMB > m.MemoryTotalMB {
		errs = append(errs, fmt.Errorf("memory used %d exceeds total %d", m.MemoryUsedMB, m.MemoryTotalMB))
	}
	if m.UtilizationPct < 0 || m.UtilizationPct > 100 {
		errs = append(errs, fmt.Errorf("utilization %.1f outside [0,100]", m.UtilizationPct))
	}
	if m.ErrorRate < 0 {
		errs = append(errs, errors.New("error rate must be non-negative"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrInvalidMetrics, m.ID, errors.Join(errs...))
}

func (m Metrics) normalized() Metrics {
	if m.MemoryFreeMB == 0 && m.MemoryTotalMB > m.MemoryUsedMB {
		m.MemoryFreeMB = m.MemoryTotalMB - m.MemoryUsedMB
	}
	if m.PerformanceIndex <= 0 {
		m.PerformanceIndex = 1
	}
	if m.PerformanceIndex > 1 {
		m.PerformanceIndex = 1
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	return m
}

// Device is a point-in-time copy of a registered device.
type Device struct {
	Metrics
	Status Status
	// ReservedBy is set only while Status is RESERVED or BUSY.
	ReservedBy  string
	ReservedAt  time.Time
	ActiveTasks []string
	LastUpdated time.Time
}

// MemoryUsedRatio returns used/total, or 1 when total is unknown.
func (d Device) MemoryUsedRatio() float64 {
	if d.MemoryTotalMB <= 0 {
		return 1
	}
	return float64(d.MemoryUsedMB) / float64(d.MemoryTotalMB)
}

// UtilizationRatio returns utilization normalized to [0,1].
func (d Device) UtilizationRatio() float64 { return d.UtilizationPct / 100 }

// Thresholds bound health and capacity.
type Thresholds struct {
	MaxTemperature       float64
	MaxErrorRate         float64
	MemoryThreshold      float64
	UtilizationThreshold float64
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxTemperature:       85,
		MaxErrorRate:         0.1,
		MemoryThreshold:      0.9,
		UtilizationThreshold: 0.95,
	}
}

// Healthy reports whether telemetry is within temperature and error-rate limits.
func Healthy(d Device, th Thresholds) bool {
	return d.TemperatureC <= th.MaxTemperature && d.ErrorRate < th.MaxErrorRate
}

// HasCapacity reports whether the device can take a task needing requiredMB.
func HasCapacity(d Device, requiredMB int64, th Thresholds) bool {
	return d.MemoryFreeMB >= requiredMB &&
		d.MemoryUsedRatio() < th.MemoryThreshold &&
		d.UtilizationRatio() < th.UtilizationThreshold
}

// IsEligible is the placement predicate: AVAILABLE, healthy and with capacity.
func IsEligible(d Device, requiredMB int64, th Thresholds) bool {
	return d.Status == StatusAvailable && Healthy(d, th) && HasCapacity(d, requiredMB, th)
}
