package scheduler

import "time"

// Event names published by the scheduler.
const (
	EventTaskSubmitted = "task_submitted"
	EventTaskRejected  = "task_rejected"
	EventTaskQueued    = "task_queued"
	EventTaskStarted   = "task_started"
	EventTaskRetry     = "task_retry"
	EventTaskRequeued  = "task_requeued"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskCancelled = "task_cancelled"
)

// Event represents a task lifecycle event.
// Minimal and stable: name, task and device ids, plus optional fields.
type Event struct {
	Name     string
	TaskID   string
	DeviceID string
	Time     time.Time
	Fields   map[string]any
}

// EventPublisher receives events from the scheduler. Implementations should be
// lightweight and non-blocking; Publish is called with the scheduler lock held
// and must not call back into the scheduler or panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MultiPublisher fans an event out to several publishers in order.
type MultiPublisher []EventPublisher

func (m MultiPublisher) Publish(e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(e)
		}
	}
}
