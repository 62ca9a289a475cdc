package scheduler

import (
	"context"
	"time"
)

// DispatchOnce places queued tasks in priority order until no device has
// spare capacity. Entries that fit nowhere this pass are pushed back, so a
// smaller task behind them may still start. Returns the number started.
func (s *Scheduler) DispatchOnce() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.queued == 0 || !s.capacityLocked() {
		return 0
	}

	started := 0
	var deferred []entry
	for s.capacityLocked() {
		e, ok := s.queue.pop()
		if !ok {
			break
		}
		if !s.liveLocked(e) {
			continue
		}
		t := s.tasks[e.id]
		t.queueSeq = 0
		if s.placeLocked(t) {
			started++
			continue
		}
		t.queueSeq = e.seq
		deferred = append(deferred, e)
	}
	for _, e := range deferred {
		s.queue.pushEntry(e)
	}
	if started > 0 {
		s.log.Debug().Int("started", started).Int("queued", s.queued).Msg("dispatch pass")
	}
	return started
}

// capacityLocked reports whether some AVAILABLE device has a free slot and
// the executor bulkhead has room for another running task.
func (s *Scheduler) capacityLocked() bool {
	if s.runningLocked() >= s.cfg.BulkheadMaxConcurrent {
		return false
	}
	for _, id := range s.devices.Eligible(0) {
		if s.perDevice[id] < s.maxPerDevice {
			return true
		}
	}
	return false
}

// Run dispatches every DispatchInterval and whenever a device frees up, until
// ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.DispatchInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.baseCtx.Done():
			return nil
		case <-t.C:
		case <-s.kick:
		}
		s.DispatchOnce()
	}
}

// runningLocked counts RUNNING tasks across devices.
func (s *Scheduler) runningLocked() int {
	n := 0
	for _, c := range s.perDevice {
		n += c
	}
	return n
}
