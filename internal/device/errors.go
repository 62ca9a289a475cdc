package device

import "errors"

var (
	// ErrDeviceNotFound is returned for unknown device ids.
	ErrDeviceNotFound = errors.New("device: not found")
	// ErrNotOwner is returned when a task releases or activates a device it does not hold.
	ErrNotOwner = errors.New("device: task does not hold this device")
	// ErrInvalidMetrics wraps telemetry validation failures.
	ErrInvalidMetrics = errors.New("device: invalid metrics")
)
