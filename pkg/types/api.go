package types

// SubmitRequest is the POST /v1/tasks payload.
type SubmitRequest struct {
	// Optional caller-chosen id; a UUID is generated when empty.
	// example: job-42
	TaskID string `json:"task_id,omitempty" example:"job-42"`
	// Priority in [0,10]; lower is more urgent. Defaults to 5.
	// example: 3
	Priority *int `json:"priority,omitempty" example:"3"`
	// Device memory the task needs, in MB.
	// example: 4000
	MemoryMB int64 `json:"memory_mb" example:"4000"`
	// Expected run time in seconds; drives progress and the execution timeout.
	// example: 30
	ExpectedDurationSec float64 `json:"expected_duration_sec" example:"30"`
	// Optional URL that receives a POST when the task reaches a terminal state.
	// example: http://client.local/hooks/task
	CallbackURL string `json:"callback_url,omitempty" example:"http://client.local/hooks/task"`
	// Opaque payload forwarded to the executor.
	Payload map[string]any `json:"payload,omitempty" swaggertype:"object"`
}

// SubmitResponse is returned by POST /v1/tasks.
type SubmitResponse struct {
	// example: 3f0c1d7e-8a55-4c8e-9d0e-6f1f2b7a9c11
	TaskID string `json:"task_id" example:"3f0c1d7e-8a55-4c8e-9d0e-6f1f2b7a9c11"`
	// running or queued.
	// example: running
	Status string `json:"status" example:"running"`
	// Device the task was placed on, when running.
	// example: gpu-0
	GPUID string `json:"gpu_id,omitempty" example:"gpu-0"`
	// 1-based position among queued tasks, when queued.
	// example: 2
	QueuePosition int `json:"queue_position,omitempty" example:"2"`
	// Estimated completion (RFC3339), when running.
	// example: 2024-05-01T12:00:30Z
	EstimatedCompletion string `json:"estimated_completion,omitempty" example:"2024-05-01T12:00:30Z"`
}

// TaskStatusResponse is returned by GET /v1/tasks/{id}.
type TaskStatusResponse struct {
	// example: 3f0c1d7e-8a55-4c8e-9d0e-6f1f2b7a9c11
	TaskID string `json:"task_id" example:"3f0c1d7e-8a55-4c8e-9d0e-6f1f2b7a9c11"`
	// pending, queued, running, completed, failed or cancelled.
	// example: running
	Status string `json:"status" example:"running"`
	// example: 5
	Priority int `json:"priority" example:"5"`
	// example: 4000
	MemoryMB int64 `json:"memory_mb" example:"4000"`
	// example: gpu-0
	GPUID string `json:"gpu_id,omitempty" example:"gpu-0"`
	// Fraction of the expected duration elapsed, in [0,1].
	// example: 0.4
	Progress float64 `json:"progress" example:"0.4"`
	// example: 0
	QueuePosition int `json:"queue_position,omitempty" example:"0"`
	// Result reported by the executor, when completed.
	Result any `json:"result,omitempty" swaggertype:"object"`
	// Last error message.
	// example: CUDA error: out of memory
	Error string `json:"error,omitempty" example:"CUDA error: out of memory"`
	// Failure kind of the last error.
	// example: GPU_CRASH
	ErrorKind string `json:"error_kind,omitempty" example:"GPU_CRASH"`
	// example: 1
	RetryCount int `json:"retry_count" example:"1"`
	// example: 7d6bb2a4-3b5e-4d55-9a0c-0b3f1f1b2c3d
	BatchID string `json:"batch_id,omitempty" example:"7d6bb2a4-3b5e-4d55-9a0c-0b3f1f1b2c3d"`
	// example: 2024-05-01T12:00:00Z
	SubmittedAt string `json:"submitted_at" example:"2024-05-01T12:00:00Z"`
	// example: 2024-05-01T12:00:01Z
	StartedAt string `json:"started_at,omitempty" example:"2024-05-01T12:00:01Z"`
	// example: 2024-05-01T12:00:31Z
	CompletedAt string `json:"completed_at,omitempty" example:"2024-05-01T12:00:31Z"`
	// example: 2024-05-01T12:00:31Z
	EstimatedCompletion string `json:"estimated_completion,omitempty" example:"2024-05-01T12:00:31Z"`
}

// TaskListResponse wraps GET /v1/tasks.
type TaskListResponse struct {
	Tasks []TaskStatusResponse `json:"tasks"`
}

// CancelResponse is returned by DELETE /v1/tasks/{id}.
type CancelResponse struct {
	// example: 3f0c1d7e-8a55-4c8e-9d0e-6f1f2b7a9c11
	TaskID string `json:"task_id" example:"3f0c1d7e-8a55-4c8e-9d0e-6f1f2b7a9c11"`
	// example: cancelled
	Status string `json:"status" example:"cancelled"`
	// example: task cancelled
	Message string `json:"message" example:"task cancelled"`
}

// BatchSubmitRequest is the POST /v1/batches payload.
type BatchSubmitRequest struct {
	Tasks []SubmitRequest `json:"tasks"`
}

// BatchItemResponse is the admission outcome of one batch member.
type BatchItemResponse struct {
	SubmitResponse
	// Admission error for this member, if any.
	// example: too busy: queue depth 1024 reached
	Error string `json:"error,omitempty" example:"too busy: queue depth 1024 reached"`
}

// BatchSubmitResponse is returned by POST /v1/batches.
type BatchSubmitResponse struct {
	// example: 7d6bb2a4-3b5e-4d55-9a0c-0b3f1f1b2c3d
	BatchID string              `json:"batch_id" example:"7d6bb2a4-3b5e-4d55-9a0c-0b3f1f1b2c3d"`
	Tasks   []BatchItemResponse `json:"tasks"`
}

// BatchStatusResponse is returned by GET /v1/batches/{id}.
type BatchStatusResponse struct {
	// example: 7d6bb2a4-3b5e-4d55-9a0c-0b3f1f1b2c3d
	BatchID string `json:"batch_id" example:"7d6bb2a4-3b5e-4d55-9a0c-0b3f1f1b2c3d"`
	// example: running
	Status string `json:"status" example:"running"`
	// Mean progress of the members.
	// example: 0.5
	Progress float64 `json:"progress" example:"0.5"`
	// Member count per status.
	Counts map[string]int       `json:"counts"`
	Tasks  []TaskStatusResponse `json:"tasks"`
}

// BatchCancelResponse is returned by DELETE /v1/batches/{id}.
type BatchCancelResponse struct {
	BatchID   string   `json:"batch_id"`
	Cancelled []string `json:"cancelled"`
}

// Counters are task counters for the whole scheduler or one device.
type Counters struct {
	// example: 120
	Total int `json:"total" example:"120"`
	// example: 110
	Succeeded int `json:"succeeded" example:"110"`
	// example: 4
	Failed int `json:"failed" example:"4"`
	// example: 2
	Cancelled int `json:"cancelled" example:"2"`
	// example: 7
	Retried int `json:"retried" example:"7"`
	// example: 4
	Running int `json:"running" example:"4"`
	// Mean started-to-completed latency of successful tasks.
	// example: 1520.5
	AvgLatencyMs float64 `json:"avg_latency_ms" example:"1520.5"`
}

// DeviceCounters are the counters of one device.
type DeviceCounters struct {
	// example: gpu-0
	DeviceID string `json:"device_id" example:"gpu-0"`
	Counters
}

// BreakerStatus describes one circuit breaker.
type BreakerStatus struct {
	// example: executor:gpu-0
	Name string `json:"name" example:"executor:gpu-0"`
	// CLOSED, OPEN or HALF_OPEN.
	// example: CLOSED
	State string `json:"state" example:"CLOSED"`
	// example: 0
	Failures int `json:"failures" example:"0"`
	// example: 0
	HalfOpenCalls int `json:"half_open_calls" example:"0"`
	// Time of the most recent failure.
	// example: 2024-05-01T12:00:00Z
	LastFailure string `json:"last_failure,omitempty" example:"2024-05-01T12:00:00Z"`
}

// FailureStats summarizes classified failures.
type FailureStats struct {
	Total        int            `json:"total"`
	ByKind       map[string]int `json:"by_kind"`
	ByAction     map[string]int `json:"by_action"`
	DeviceErrors map[string]int `json:"device_errors"`
}

// StatsResponse is returned by GET /v1/stats.
type StatsResponse struct {
	Counters
	// Tasks currently queued.
	// example: 3
	Queued   int              `json:"queued" example:"3"`
	Devices  []DeviceCounters `json:"devices"`
	Breakers []BreakerStatus  `json:"breakers"`
	Failures FailureStats     `json:"failures"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
}

// BreakersResponse wraps GET /v1/breakers.
type BreakersResponse struct {
	Breakers []BreakerStatus `json:"breakers"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: task not found
	Error string `json:"error" example:"task not found"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
	// Machine-readable error kind.
	// example: NOT_FOUND
	Kind string `json:"kind,omitempty" example:"NOT_FOUND"`
}
