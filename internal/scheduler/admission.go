package scheduler

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"gpusched/internal/placement"
	"gpusched/internal/tracing"
)

// Submit admits a task. It is placed immediately when a device has room and
// queued otherwise; a full queue rejects it with a too-busy error.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	_, span := tracing.StartSpan(ctx, "scheduler.Submit")
	defer span.End()

	t, err := s.newTask(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return SubmitResult{}, err
	}
	span.SetAttributes(attribute.String("task.id", t.ID), attribute.Int("task.priority", t.Priority))

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.admitLocked(t)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return SubmitResult{}, err
	}
	span.SetAttributes(attribute.String("task.status", string(res.Status)), attribute.String("device.id", res.DeviceID))
	return res, nil
}

// admitLocked registers t and either starts it or queues it.
func (s *Scheduler) admitLocked(t *Task) (SubmitResult, error) {
	if s.closed {
		return SubmitResult{}, ErrClosed
	}
	if _, dup := s.tasks[t.ID]; dup {
		return SubmitResult{}, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	s.tasks[t.ID] = t
	s.publishLocked(EventTaskSubmitted, t, map[string]any{"priority": t.Priority})

	if !s.placeLocked(t) {
		if s.cfg.MaxQueueDepth > 0 && s.queued >= s.cfg.MaxQueueDepth {
			delete(s.tasks, t.ID)
			s.publishLocked(EventTaskRejected, t, map[string]any{"queue_depth": s.queued})
			s.log.Warn().Str("task", t.ID).Int("queue_depth", s.queued).Msg("queue full; task rejected")
			return SubmitResult{}, tooBusyError{depth: s.queued}
		}
		s.enqueueLocked(t)
		s.publishLocked(EventTaskQueued, t, nil)
	}

	s.stats.total++
	tasksSubmittedTotal.Inc()
	s.log.Info().
		Str("task", t.ID).
		Int("priority", t.Priority).
		Int64("memory_mb", t.Resources.MemoryMB).
		Str("status", string(t.Status)).
		Str("device", t.DeviceID).
		Msg("task submitted")

	return SubmitResult{
		TaskID:              t.ID,
		Status:              t.Status,
		DeviceID:            t.DeviceID,
		QueuePosition:       s.positionLocked(t),
		EstimatedCompletion: t.estimatedCompletion(),
	}, nil
}

func (s *Scheduler) newTask(req SubmitRequest) (*Task, error) {
	if req.Resources.MemoryMB < 0 {
		return nil, invalidf("memory requirement must be non-negative, got %d", req.Resources.MemoryMB)
	}
	if req.Resources.ExpectedDuration < 0 {
		return nil, invalidf("expected duration must be non-negative, got %s", req.Resources.ExpectedDuration)
	}
	prio := *s.cfg.DefaultPriority
	if req.Priority != nil {
		prio = *req.Priority
	}
	if prio < s.cfg.Priorities.Min || prio > s.cfg.Priorities.Max {
		return nil, invalidf("priority %d outside [%d, %d]", prio, s.cfg.Priorities.Min, s.cfg.Priorities.Max)
	}
	if req.CallbackURL != "" {
		u, err := url.Parse(req.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, invalidf("callback url %q is not an absolute http(s) url", req.CallbackURL)
		}
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Task{
		ID:          id,
		Priority:    prio,
		Resources:   req.Resources,
		Status:      StatusPending,
		SubmittedAt: s.now(),
		CallbackURL: req.CallbackURL,
		Payload:     req.Payload,
	}, nil
}

// placeLocked selects, reserves and activates a device for t and starts it.
// Returns false, leaving t untouched, when no device can take it. Shared by
// Submit and the dispatch loop.
func (s *Scheduler) placeLocked(t *Task) bool {
	if s.runningLocked() >= s.cfg.BulkheadMaxConcurrent {
		return false
	}
	start := time.Now()
	defer func() { placementDuration.Observe(time.Since(start).Seconds()) }()

	candidates := s.devices.Eligible(t.Resources.MemoryMB)
	open := candidates[:0]
	for _, id := range candidates {
		if s.perDevice[id] < s.maxPerDevice {
			open = append(open, id)
		}
	}
	if len(open) == 0 {
		return false
	}
	req := placement.Request{TaskID: t.ID, Priority: t.Priority, MemoryMB: t.Resources.MemoryMB}
	for _, sc := range s.scorer.Rank(req, open, s.devices.Snapshot()) {
		if !s.devices.Reserve(sc.DeviceID, t.ID) {
			continue
		}
		if err := s.devices.Activate(sc.DeviceID, t.ID); err != nil {
			_ = s.devices.Release(sc.DeviceID, t.ID)
			s.log.Debug().Err(err).Str("task", t.ID).Str("device", sc.DeviceID).Msg("activation failed; trying next device")
			continue
		}
		s.log.Debug().Str("task", t.ID).Str("device", sc.DeviceID).Float64("score", sc.Total).Msg("device selected")
		s.startLocked(t, sc.DeviceID)
		return true
	}
	return false
}

// enqueueLocked marks t QUEUED and pushes it onto the admission queue.
func (s *Scheduler) enqueueLocked(t *Task) {
	if t.Status != StatusQueued {
		s.setStatusLocked(t, StatusQueued)
	}
	t.EnqueuedAt = s.now()
	t.queueSeq = s.queue.push(t.ID, t.Priority, t.EnqueuedAt)
	if s.queue.len() > 2*s.queued+64 {
		s.queue.compact(s.liveLocked)
	}
}

// liveLocked reports whether e is the current queue entry of a QUEUED task.
func (s *Scheduler) liveLocked(e entry) bool {
	t := s.tasks[e.id]
	return t != nil && t.Status == StatusQueued && t.queueSeq == e.seq
}

func (s *Scheduler) positionLocked(t *Task) int {
	if t.Status != StatusQueued || t.queueSeq == 0 {
		return 0
	}
	return s.queue.position(t.queueSeq, s.liveLocked)
}

// QueueDepth returns the number of QUEUED tasks, including ones waiting out a
// retry delay.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

// QueuePosition returns the 1-based position of a queued task, or 0 when it is
// not waiting in the queue.
func (s *Scheduler) QueuePosition(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return 0, ErrTaskNotFound
	}
	return s.positionLocked(t), nil
}
