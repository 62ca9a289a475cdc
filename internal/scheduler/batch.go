package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type batch struct {
	id        string
	taskIDs   []string
	createdAt time.Time
}

// BatchItem is the admission outcome of one batch member.
type BatchItem struct {
	SubmitResult
	Err error
}

// BatchResult is returned by SubmitBatch. Members are reported in request order.
type BatchResult struct {
	BatchID string
	Items   []BatchItem
}

// BatchView summarizes a batch.
type BatchView struct {
	ID        string
	Status    TaskStatus
	CreatedAt time.Time
	Counts    map[TaskStatus]int
	// Progress is the mean progress of the members.
	Progress float64
	Tasks    []TaskView
}

// SubmitBatch validates every request, then admits them in order under one
// batch id. A validation failure rejects the whole batch; admission failures
// (queue full, duplicate id) are reported per item.
func (s *Scheduler) SubmitBatch(ctx context.Context, reqs []SubmitRequest) (BatchResult, error) {
	if len(reqs) == 0 {
		return BatchResult{}, invalidf("batch is empty")
	}
	tasks := make([]*Task, 0, len(reqs))
	for i, r := range reqs {
		t, err := s.newTask(r)
		if err != nil {
			return BatchResult{}, fmt.Errorf("item %d: %w", i, err)
		}
		tasks = append(tasks, t)
	}

	b := &batch{id: uuid.NewString(), createdAt: s.now()}
	res := BatchResult{BatchID: b.id, Items: make([]BatchItem, 0, len(tasks))}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return BatchResult{}, ErrClosed
	}
	for _, t := range tasks {
		t.BatchID = b.id
		r, err := s.admitLocked(t)
		if err == nil {
			b.taskIDs = append(b.taskIDs, t.ID)
		} else {
			r.TaskID = t.ID
		}
		res.Items = append(res.Items, BatchItem{SubmitResult: r, Err: err})
	}
	if len(b.taskIDs) == 0 {
		return res, errors.Join(itemErrors(res.Items)...)
	}
	s.batches[b.id] = b
	s.log.Info().Str("batch", b.id).Int("size", len(reqs)).Int("admitted", len(b.taskIDs)).Msg("batch submitted")
	return res, nil
}

func itemErrors(items []BatchItem) []error {
	var errs []error
	for _, it := range items {
		if it.Err != nil {
			errs = append(errs, it.Err)
		}
	}
	return errs
}

// BatchStatus derives a batch's status from its members: completed when all
// completed, cancelled when all cancelled, failed when any failed, then
// running or queued while work remains.
func (s *Scheduler) BatchStatus(id string) (BatchView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return BatchView{}, ErrBatchNotFound
	}
	now := s.now()
	v := BatchView{ID: id, CreatedAt: b.createdAt, Counts: make(map[TaskStatus]int)}
	var sum float64
	for _, tid := range b.taskIDs {
		t := s.tasks[tid]
		tv := t.view(now)
		tv.QueuePosition = s.positionLocked(t)
		v.Tasks = append(v.Tasks, tv)
		v.Counts[t.Status]++
		sum += tv.Progress
	}
	n := len(b.taskIDs)
	v.Progress = sum / float64(n)
	switch {
	case v.Counts[StatusCompleted] == n:
		v.Status = StatusCompleted
	case v.Counts[StatusCancelled] == n:
		v.Status = StatusCancelled
	case v.Counts[StatusFailed] > 0:
		v.Status = StatusFailed
	case v.Counts[StatusRunning] > 0:
		v.Status = StatusRunning
	case v.Counts[StatusQueued] > 0 || v.Counts[StatusPending] > 0:
		v.Status = StatusQueued
	default:
		// only completed and cancelled members remain
		v.Status = StatusCompleted
	}
	return v, nil
}

// CancelBatch cancels every non-terminal member and returns their ids.
func (s *Scheduler) CancelBatch(ctx context.Context, id string) ([]string, error) {
	s.mu.Lock()
	b, ok := s.batches[id]
	var ids []string
	if ok {
		ids = append(ids, b.taskIDs...)
	}
	s.mu.Unlock()
	if !ok {
		return nil, ErrBatchNotFound
	}
	var cancelled []string
	for _, tid := range ids {
		if _, err := s.Cancel(ctx, tid); err == nil {
			cancelled = append(cancelled, tid)
		}
	}
	return cancelled, nil
}
