package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"gpusched/internal/device"
	"gpusched/internal/resilience"
	"gpusched/internal/scheduler"
	"gpusched/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// Error kinds reported in types.ErrorResponse.Kind.
const (
	KindNotFound       = "NOT_FOUND"
	KindConflict       = "CONFLICT"
	KindInvalidRequest = "INVALID_REQUEST"
	KindTooBusy        = "TOO_BUSY"
	KindRateLimited    = "RATE_LIMITED"
	KindUnavailable    = "UNAVAILABLE"
	KindInternal       = "INTERNAL"
)

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status, Kind: kind})
}

// errorStatus maps well-known service errors to a status code and kind.
func errorStatus(err error) (int, string) {
	switch {
	case scheduler.IsNotFound(err), errors.Is(err, device.ErrDeviceNotFound):
		return http.StatusNotFound, KindNotFound
	case scheduler.IsTooBusy(err), errors.Is(err, resilience.ErrBulkheadFull):
		return http.StatusTooManyRequests, KindTooBusy
	case errors.Is(err, scheduler.ErrDuplicateTask),
		errors.Is(err, scheduler.ErrNotCancellable),
		errors.Is(err, scheduler.ErrNotRetryable):
		return http.StatusConflict, KindConflict
	case errors.Is(err, scheduler.ErrInvalidTask), errors.Is(err, device.ErrInvalidMetrics):
		return http.StatusBadRequest, KindInvalidRequest
	case errors.Is(err, scheduler.ErrClosed), errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable, KindUnavailable
	}
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode(), ""
	}
	return http.StatusInternalServerError, KindInternal
}

// writeServiceError maps err and writes it; 429s count as backpressure.
func writeServiceError(w http.ResponseWriter, err error) int {
	status, kind := errorStatus(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("queue_full")
		w.Header().Set("Retry-After", "1")
	}
	writeJSONError(w, status, kind, err.Error())
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
