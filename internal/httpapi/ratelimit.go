package httpapi

import (
	"net/http"

	"golang.org/x/time/rate"
)

// submitLimiter rejects submissions above the configured rate with 429.
// perSec <= 0 disables it.
func submitLimiter(perSec float64, burst int) func(http.Handler) http.Handler {
	if perSec <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	lim := rate.NewLimiter(rate.Limit(perSec), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				IncrementBackpressure("rate_limited")
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, KindRateLimited, "submission rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
