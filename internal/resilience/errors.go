package resilience

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen is returned when a breaker rejects a call.
	ErrCircuitOpen = errors.New("resilience: circuit open")
	// ErrBulkheadFull is returned when the bulkhead wait queue is full.
	ErrBulkheadFull = errors.New("resilience: bulkhead full")
	// ErrTimeout is returned when a guarded call exceeds its timeout.
	ErrTimeout = errors.New("resilience: call timed out")
)

func circuitOpen(name string) error {
	return fmt.Errorf("%w: %s", ErrCircuitOpen, name)
}

// IsCircuitOpen reports whether err was produced by an open breaker.
func IsCircuitOpen(err error) bool { return errors.Is(err, ErrCircuitOpen) }

// IsBulkheadFull reports whether err was produced by a saturated bulkhead.
func IsBulkheadFull(err error) bool { return errors.Is(err, ErrBulkheadFull) }
