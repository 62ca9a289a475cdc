package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is the NOT_FOUND error kind for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrBatchNotFound is returned for unknown batch ids.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrDuplicateTask is returned when a caller-supplied id is already known.
	ErrDuplicateTask = errors.New("task already exists")
	// ErrInvalidTask wraps validation failures.
	ErrInvalidTask = errors.New("invalid task")
	// ErrNotCancellable is returned when cancelling a task in a terminal state.
	ErrNotCancellable = errors.New("task is not cancellable")
	// ErrNotRetryable is returned when retrying a task that has not failed.
	ErrNotRetryable = errors.New("task is not retryable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("scheduler closed")
)

// tooBusyError signals a full admission queue for 429 mapping.
type tooBusyError struct{ depth int }

func (e tooBusyError) Error() string { return fmt.Sprintf("too busy: queue depth %d reached", e.depth) }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var tb tooBusyError
	return errors.As(err, &tb)
}

// IsNotFound reports whether err refers to an unknown task or batch.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrBatchNotFound)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTask, fmt.Sprintf(format, args...))
}
