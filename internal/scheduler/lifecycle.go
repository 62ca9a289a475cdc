package scheduler

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"gpusched/internal/failure"
	"gpusched/internal/resilience"
	"gpusched/internal/tracing"
)

// setStatusLocked applies a state-machine transition and keeps the queued
// count in step. Invalid transitions are logged and ignored.
func (s *Scheduler) setStatusLocked(t *Task, to TaskStatus) bool {
	from := t.Status
	if from == to {
		return true
	}
	if !canTransition(from, to) {
		s.log.Error().Str("task", t.ID).Str("from", string(from)).Str("to", string(to)).Msg("invalid task transition")
		return false
	}
	if from == StatusQueued {
		s.queued--
		t.queueSeq = 0
	}
	if to == StatusQueued {
		s.queued++
	}
	t.Status = to
	queueDepthGauge.Set(float64(s.queued))
	return true
}

func (s *Scheduler) executionTimeout(t *Task) time.Duration {
	d := time.Duration(float64(t.Resources.ExpectedDuration) * s.cfg.ExecutionTimeoutFactor)
	if d < s.cfg.MinExecutionTimeout {
		return s.cfg.MinExecutionTimeout
	}
	return d
}

// startLocked moves t to RUNNING on deviceID, which the caller has already
// activated, and launches the execution.
func (s *Scheduler) startLocked(t *Task, deviceID string) {
	s.setStatusLocked(t, StatusRunning)
	t.attempt++
	t.DeviceID = deviceID
	t.StartedAt = s.now()
	t.CompletedAt = time.Time{}
	t.Error = ""
	t.ErrorKind = ""
	s.perDevice[deviceID]++
	s.devCountersLocked(deviceID).total++
	runningTasksGauge.WithLabelValues(deviceID).Set(float64(s.perDevice[deviceID]))

	ctx, cancel := context.WithCancel(s.baseCtx)
	s.running[t.ID] = cancel
	p := Placement{
		TaskID:   t.ID,
		DeviceID: deviceID,
		Priority: t.Priority,
		MemoryMB: t.Resources.MemoryMB,
		Expected: t.Resources.ExpectedDuration,
		Attempt:  t.attempt,
		Payload:  t.Payload,
	}
	timeout := s.executionTimeout(t)
	s.wg.Add(1)
	go s.execute(ctx, p, timeout)

	s.publishLocked(EventTaskStarted, t, map[string]any{"attempt": t.attempt})
	s.log.Info().Str("task", t.ID).Str("device", deviceID).Int("attempt", t.attempt).Dur("timeout", timeout).Msg("task started")
}

func (s *Scheduler) execute(ctx context.Context, p Placement, timeout time.Duration) {
	defer s.wg.Done()
	ctx, span := tracing.StartSpan(ctx, "scheduler.execute",
		attribute.String("task.id", p.TaskID),
		attribute.String("device.id", p.DeviceID),
		attribute.Int("task.attempt", p.Attempt),
	)
	defer span.End()

	policy := resilience.Policy{
		Bulkhead: s.bulkhead,
		Breaker:  s.breakers.Get("executor:" + p.DeviceID),
		Timeout:  timeout,
	}
	res, err := resilience.Do(ctx, policy, func(ctx context.Context) (Result, error) {
		return s.exec.Execute(ctx, p)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	s.finish(p.TaskID, p.Attempt, res, err)
}

// finish applies an execution outcome. Outcomes of superseded attempts and of
// tasks that already left RUNNING (cancelled, closed) are dropped.
func (s *Scheduler) finish(id string, attempt int, res Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != StatusRunning || t.attempt != attempt {
		s.log.Debug().Str("task", id).Int("attempt", attempt).Msg("stale completion ignored")
		return
	}

	if err == nil {
		s.releaseLocked(t)
		t.Result = res.Output
		s.setStatusLocked(t, StatusCompleted)
		s.terminalLocked(t)
		return
	}

	deviceID := t.DeviceID
	others := s.perDevice[deviceID] - 1
	if others < 0 {
		others = 0
	}
	d := s.classifier.Handle(failure.Failure{
		TaskID:         id,
		DeviceID:       deviceID,
		Err:            err,
		RetryCount:     t.RetryCount,
		ActiveRequests: others,
	})
	s.releaseLocked(t)
	t.RetryCount = d.RetryCount
	t.Error = err.Error()
	t.ErrorKind = d.Kind

	switch d.Action {
	case failure.ActionRetry:
		s.setStatusLocked(t, StatusQueued)
		t.DeviceID = ""
		s.countRetryLocked(deviceID)
		taskRetriesTotal.WithLabelValues(string(d.Kind)).Inc()
		s.publishLocked(EventTaskRetry, t, map[string]any{"kind": string(d.Kind), "retry_count": t.RetryCount, "delay_ms": d.Delay.Milliseconds()})
		s.scheduleRetryLocked(t, d.Delay)
	case failure.ActionRequeue, failure.ActionMarkDeviceError:
		s.setStatusLocked(t, StatusQueued)
		t.DeviceID = ""
		s.countRetryLocked(deviceID)
		taskRetriesTotal.WithLabelValues(string(d.Kind)).Inc()
		s.publishLocked(EventTaskRequeued, t, map[string]any{"kind": string(d.Kind), "retry_count": t.RetryCount, "from_device": deviceID})
		s.enqueueLocked(t)
		s.wake()
	default:
		s.setStatusLocked(t, StatusFailed)
		s.terminalLocked(t)
	}
}

// scheduleRetryLocked re-enqueues t after delay unless it left QUEUED meanwhile.
func (s *Scheduler) scheduleRetryLocked(t *Task, delay time.Duration) {
	if delay <= 0 {
		s.enqueueLocked(t)
		s.wake()
		return
	}
	id, attempt := t.ID, t.attempt
	var tm *time.Timer
	tm = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.retries[id] == tm {
			delete(s.retries, id)
		}
		t, ok := s.tasks[id]
		if s.closed || !ok || t.Status != StatusQueued || t.attempt != attempt || t.queueSeq != 0 {
			return
		}
		s.enqueueLocked(t)
		s.wake()
	})
	s.retries[id] = tm
}

// releaseLocked stops t's execution and pending retry and returns its device slot.
func (s *Scheduler) releaseLocked(t *Task) {
	if cancel, ok := s.running[t.ID]; ok {
		cancel()
		delete(s.running, t.ID)
	}
	if tm, ok := s.retries[t.ID]; ok {
		tm.Stop()
		delete(s.retries, t.ID)
	}
	if t.Status != StatusRunning || t.DeviceID == "" {
		return
	}
	if err := s.devices.Release(t.DeviceID, t.ID); err != nil {
		s.log.Debug().Err(err).Str("task", t.ID).Str("device", t.DeviceID).Msg("device release")
	}
	if n := s.perDevice[t.DeviceID] - 1; n > 0 {
		s.perDevice[t.DeviceID] = n
	} else {
		delete(s.perDevice, t.DeviceID)
	}
	runningTasksGauge.WithLabelValues(t.DeviceID).Set(float64(s.perDevice[t.DeviceID]))
	s.wake()
}

// terminalLocked records a terminal transition: stats, event, callback.
func (s *Scheduler) terminalLocked(t *Task) {
	now := s.now()
	t.CompletedAt = now
	s.countTerminalLocked(t)
	tasksFinishedTotal.WithLabelValues(string(t.Status)).Inc()

	ev := EventTaskCompleted
	lvl := s.log.Info()
	switch t.Status {
	case StatusFailed:
		ev = EventTaskFailed
		lvl = s.log.Warn()
	case StatusCancelled:
		ev = EventTaskCancelled
	}
	fields := map[string]any{"retry_count": t.RetryCount}
	if !t.SubmittedAt.IsZero() {
		fields["latency_ms"] = now.Sub(t.SubmittedAt).Milliseconds()
	}
	if t.ErrorKind != "" {
		fields["kind"] = string(t.ErrorKind)
	}
	s.publishLocked(ev, t, fields)
	lvl.Str("task", t.ID).
		Str("status", string(t.Status)).
		Str("device", t.DeviceID).
		Int("retry_count", t.RetryCount).
		Str("error", t.Error).
		Msg("task finished")

	if t.CallbackURL != "" {
		s.callbacks.notify(t.CallbackURL, t.view(now))
	}
}

func (s *Scheduler) publishLocked(name string, t *Task, fields map[string]any) {
	s.pub.Publish(Event{Name: name, TaskID: t.ID, DeviceID: t.DeviceID, Time: s.now(), Fields: fields})
}

// Status returns a snapshot of one task.
func (s *Scheduler) Status(id string) (TaskView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return TaskView{}, ErrTaskNotFound
	}
	v := t.view(s.now())
	v.QueuePosition = s.positionLocked(t)
	return v, nil
}

// List returns task snapshots ordered by submission time. An empty status
// returns every task.
func (s *Scheduler) List(status TaskStatus) []TaskView {
	s.mu.Lock()
	now := s.now()
	out := make([]TaskView, 0, len(s.tasks))
	for _, t := range s.tasks {
		if status != "" && t.Status != status {
			continue
		}
		v := t.view(now)
		v.QueuePosition = s.positionLocked(t)
		out = append(out, v)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Cancel stops a task. Waiting tasks are cancelled in place; running tasks
// lose their execution context and device slot immediately while the remote
// side is asked to stop in the background. Terminal tasks are reported with
// their unchanged status and ErrNotCancellable.
func (s *Scheduler) Cancel(ctx context.Context, id string) (CancelResult, error) {
	_, span := tracing.StartSpan(ctx, "scheduler.Cancel", attribute.String("task.id", id))
	defer span.End()

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return CancelResult{}, ErrTaskNotFound
	}
	if t.Status.Terminal() {
		res := CancelResult{TaskID: id, Status: t.Status, Message: "task already " + string(t.Status)}
		s.mu.Unlock()
		return res, ErrNotCancellable
	}
	wasRunning := t.Status == StatusRunning
	deviceID := t.DeviceID
	s.releaseLocked(t)
	s.setStatusLocked(t, StatusCancelled)
	s.terminalLocked(t)
	s.mu.Unlock()

	if wasRunning {
		s.cancelRemote(id, deviceID)
	}
	return CancelResult{TaskID: id, Status: StatusCancelled, Message: "task cancelled"}, nil
}

// cancelRemote asks the executor to stop work for taskID, best effort.
func (s *Scheduler) cancelRemote(taskID, deviceID string) {
	c, ok := s.exec.(Canceler)
	if !ok {
		return
	}
	policy := resilience.Policy{
		Breaker:   s.breakers.Get("cancel:" + deviceID),
		Timeout:   s.cfg.CallbackTimeout,
		Retry:     &s.cfg.Retry,
		Retryable: failure.Retryable,
	}
	logOnly := resilience.Fallback[struct{}]{Fn: func(_ context.Context, err error) (struct{}, error) {
		s.log.Warn().Err(err).Str("task", taskID).Str("device", deviceID).Msg("remote cancel failed")
		return struct{}{}, nil
	}}
	go func() {
		_, _ = resilience.Do(context.Background(), policy, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.CancelRemote(ctx, taskID, deviceID)
		}, logOnly)
	}()
}

// Retry puts a FAILED task back into admission with a fresh retry budget.
func (s *Scheduler) Retry(id string) (SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SubmitResult{}, ErrClosed
	}
	t, ok := s.tasks[id]
	if !ok {
		return SubmitResult{}, ErrTaskNotFound
	}
	if t.Status != StatusFailed {
		return SubmitResult{}, ErrNotRetryable
	}
	s.setStatusLocked(t, StatusQueued)
	t.RetryCount = 0
	t.DeviceID = ""
	t.CompletedAt = time.Time{}
	if !s.placeLocked(t) {
		s.enqueueLocked(t)
		s.publishLocked(EventTaskQueued, t, map[string]any{"manual_retry": true})
	}
	s.log.Info().Str("task", id).Str("status", string(t.Status)).Msg("task retried by operator")
	return SubmitResult{
		TaskID:              t.ID,
		Status:              t.Status,
		DeviceID:            t.DeviceID,
		QueuePosition:       s.positionLocked(t),
		EstimatedCompletion: t.estimatedCompletion(),
	}, nil
}
