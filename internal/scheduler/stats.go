package scheduler

import (
	"sort"
	"time"

	"gpusched/internal/failure"
	"gpusched/internal/resilience"
)

type counters struct {
	total     int
	succeeded int
	failed    int
	cancelled int
	retried   int
	latency   time.Duration
}

// avgLatencyMs is the cumulative mean of started→completed for successes.
func (c *counters) avgLatencyMs() float64 {
	if c.succeeded == 0 {
		return 0
	}
	return float64(c.latency) / float64(time.Millisecond) / float64(c.succeeded)
}

// Counters is the exported form of a counter set.
type Counters struct {
	Total        int
	Succeeded    int
	Failed       int
	Cancelled    int
	Retried      int
	Running      int
	AvgLatencyMs float64
}

// DeviceStats are the counters of one device. Total counts attempts started there.
type DeviceStats struct {
	DeviceID string
	Counters
}

// StatsView is a point-in-time copy of the scheduler counters. Global Total
// counts accepted submissions.
type StatsView struct {
	Counters
	Queued   int
	Devices  []DeviceStats
	Breakers []resilience.BreakerSnapshot
	Failures failure.Stats
}

func (s *Scheduler) devCountersLocked(id string) *counters {
	c := s.devStats[id]
	if c == nil {
		c = &counters{}
		s.devStats[id] = c
	}
	return c
}

func (s *Scheduler) countRetryLocked(deviceID string) {
	s.stats.retried++
	if deviceID != "" {
		s.devCountersLocked(deviceID).retried++
	}
}

func (s *Scheduler) countTerminalLocked(t *Task) {
	var dc *counters
	if t.DeviceID != "" && !t.StartedAt.IsZero() {
		dc = s.devCountersLocked(t.DeviceID)
	}
	bump := func(f func(*counters)) {
		f(&s.stats)
		if dc != nil {
			f(dc)
		}
	}
	switch t.Status {
	case StatusCompleted:
		lat := t.CompletedAt.Sub(t.StartedAt)
		bump(func(c *counters) { c.succeeded++; c.latency += lat })
	case StatusFailed:
		bump(func(c *counters) { c.failed++ })
	case StatusCancelled:
		bump(func(c *counters) { c.cancelled++ })
	}
}

// Stats returns global and per-device counters, queue depth, breaker states
// and failure classification counts.
func (s *Scheduler) Stats() StatsView {
	s.mu.Lock()
	running := s.runningLocked()
	v := StatsView{
		Counters: export(&s.stats, running),
		Queued:   s.queued,
	}
	ids := make([]string, 0, len(s.devStats))
	for id := range s.devStats {
		ids = append(ids, id)
	}
	for id := range s.perDevice {
		if s.devStats[id] == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		c := s.devStats[id]
		if c == nil {
			c = &counters{}
		}
		v.Devices = append(v.Devices, DeviceStats{DeviceID: id, Counters: export(c, s.perDevice[id])})
	}
	s.mu.Unlock()

	v.Breakers = s.breakers.Snapshots()
	v.Failures = s.classifier.Stats()
	return v
}

func export(c *counters, running int) Counters {
	return Counters{
		Total:        c.total,
		Succeeded:    c.succeeded,
		Failed:       c.failed,
		Cancelled:    c.cancelled,
		Retried:      c.retried,
		Running:      running,
		AvgLatencyMs: c.avgLatencyMs(),
	}
}
