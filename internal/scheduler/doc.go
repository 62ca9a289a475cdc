// Package scheduler admits tasks onto GPU devices and drives them to a
// terminal state. It is structured into small files by concern:
//
//   - scheduler.go: core Scheduler type, constructor, options, Close.
//   - config.go: Config and package defaults.
//   - types.go: task state, request/response views.
//   - errors.go: error values and helpers (IsTooBusy, IsNotFound).
//   - queue.go: priority queue of task ids with lazy deletion.
//   - admission.go: Submit and the shared placement routine.
//   - dispatch.go: the periodic dispatch loop.
//   - lifecycle.go: execution, completion handling, Cancel, Status.
//   - executor.go: Executor interface, simulated and HTTP executors.
//   - callback.go: best-effort terminal-state callbacks.
//   - stats.go: global and per-device counters.
//   - batch.go: batch submission, status and cancellation.
//   - events.go, eventpub_memory.go: event publishing.
//   - metrics.go: Prometheus collectors.
//
// The task map, queue and counters share one mutex. Device state lives in
// device.Registry, which is only ever called with that mutex held or not at
// all; the registry never calls back into the scheduler.
package scheduler
