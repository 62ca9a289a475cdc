// Package resilience wraps calls to downstream collaborators (executors,
// telemetry sources, callback endpoints) with a circuit breaker, a retry
// policy, a bulkhead and an optional fallback.
//
//   - breaker.go: Breaker state machine (CLOSED, OPEN, HALF_OPEN).
//   - breakers.go: Breakers, a named set of breakers sharing one config.
//   - retry.go: RetryPolicy with capped exponential backoff and jitter.
//   - bulkhead.go: Bulkhead, bounded concurrency with a bounded wait queue.
//   - do.go: Do, the composed call path.
package resilience
