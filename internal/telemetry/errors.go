package telemetry

import "errors"

var (
	// ErrDisabled is returned when a sink or subscriber is not enabled in config.
	ErrDisabled = errors.New("telemetry: disabled")
	// ErrConnectionFailed wraps broker or database connection failures.
	ErrConnectionFailed = errors.New("telemetry: connection failed")
	// ErrEmptyPayload is returned for empty telemetry messages.
	ErrEmptyPayload = errors.New("telemetry: empty payload")
)
