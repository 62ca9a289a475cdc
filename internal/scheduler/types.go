package scheduler

import (
	"encoding/json"
	"time"

	"gpusched/internal/failure"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is expected.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// canTransition encodes the task state machine. FAILED → QUEUED is the manual
// retry path; RUNNING → QUEUED is the automatic one.
func canTransition(from, to TaskStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusQueued || to == StatusRunning || to == StatusCancelled
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusQueued || to == StatusCancelled
	case StatusFailed:
		return to == StatusQueued
	}
	return false
}

// Resources a task needs from its device.
type Resources struct {
	MemoryMB         int64
	ExpectedDuration time.Duration
}

// Task is the scheduler-owned record. Callers only ever see TaskView copies.
type Task struct {
	ID          string
	Priority    int
	Resources   Resources
	Status      TaskStatus
	DeviceID    string
	SubmittedAt time.Time
	EnqueuedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	RetryCount  int
	Result      json.RawMessage
	Error       string
	ErrorKind   failure.Kind
	CallbackURL string
	BatchID     string
	Payload     json.RawMessage

	// attempt increments on every start so stale completions can be ignored.
	attempt int
	// queueSeq identifies the task's live queue entry; 0 when not in the queue.
	queueSeq uint64
}

// SubmitRequest is the input to Submit. An empty ID is replaced by a UUID;
// a nil Priority takes the configured default.
type SubmitRequest struct {
	ID          string
	Priority    *int
	Resources   Resources
	CallbackURL string
	Payload     json.RawMessage
}

// SubmitResult is returned by Submit.
type SubmitResult struct {
	TaskID        string
	Status        TaskStatus
	DeviceID      string
	QueuePosition int
	// EstimatedCompletion is StartedAt+ExpectedDuration for running tasks and
	// zero otherwise.
	EstimatedCompletion time.Time
}

// TaskView is a point-in-time copy of a task.
type TaskView struct {
	ID                  string
	Priority            int
	Resources           Resources
	Status              TaskStatus
	DeviceID            string
	Progress            float64
	QueuePosition       int
	SubmittedAt         time.Time
	StartedAt           time.Time
	CompletedAt         time.Time
	EstimatedCompletion time.Time
	RetryCount          int
	Result              json.RawMessage
	Error               string
	ErrorKind           failure.Kind
	BatchID             string
}

// CancelResult is returned by Cancel.
type CancelResult struct {
	TaskID  string
	Status  TaskStatus
	Message string
}

// progress is clamp(elapsed/expected, 0, 1) while running, 1 when completed
// and 0 otherwise.
func progress(t *Task, now time.Time) float64 {
	switch t.Status {
	case StatusCompleted:
		return 1
	case StatusRunning:
		if t.Resources.ExpectedDuration <= 0 {
			return 0
		}
		p := float64(now.Sub(t.StartedAt)) / float64(t.Resources.ExpectedDuration)
		if p < 0 {
			return 0
		}
		if p > 1 {
			return 1
		}
		return p
	}
	return 0
}

func (t *Task) estimatedCompletion() time.Time {
	if t.Status != StatusRunning || t.StartedAt.IsZero() {
		return time.Time{}
	}
	return t.StartedAt.Add(t.Resources.ExpectedDuration)
}

func (t *Task) view(now time.Time) TaskView {
	return TaskView{
		ID:                  t.ID,
		Priority:            t.Priority,
		Resources:           t.Resources,
		Status:              t.Status,
		DeviceID:            t.DeviceID,
		Progress:            progress(t, now),
		SubmittedAt:         t.SubmittedAt,
		StartedAt:           t.StartedAt,
		CompletedAt:         t.CompletedAt,
		EstimatedCompletion: t.estimatedCompletion(),
		RetryCount:          t.RetryCount,
		Result:              append(json.RawMessage(nil), t.Result...),
		Error:               t.Error,
		ErrorKind:           t.ErrorKind,
		BatchID:             t.BatchID,
	}
}
