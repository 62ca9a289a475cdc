package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"gpusched/internal/device"
)

func gpu(id string, totalMB, usedMB int64) device.Metrics {
	return device.Metrics{
		ID:                id,
		ComputeCapability: 8.0,
		MemoryTotalMB:     totalMB,
		MemoryUsedMB:      usedMB,
		UtilizationPct:    10,
		TemperatureC:      50,
		PerformanceIndex:  1,
	}
}

func newTestRegistry(t *testing.T, ms ...device.Metrics) *device.Registry {
	t.Helper()
	r := device.NewRegistry(device.Config{MaxConcurrentPerDevice: 4})
	if err := r.Ingest(ms); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

// newTestScheduler builds a scheduler and closes it when the test ends.
func newTestScheduler(t *testing.T, cfg Config, reg *device.Registry, opts ...Option) *Scheduler {
	t.Helper()
	s := New(cfg, reg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Close(ctx); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return s
}

// runDispatch runs the dispatch loop until the test ends.
func runDispatch(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// gateExecutor blocks every execution until the test releases it.
type gateExecutor struct {
	started chan Placement

	mu        sync.Mutex
	gates     map[string]chan error
	cancelled []string
}

func newGateExecutor() *gateExecutor {
	return &gateExecutor{started: make(chan Placement, 128), gates: make(map[string]chan error)}
}

func (g *gateExecutor) gate(id string) chan error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := g.gates[id]
	if ch == nil {
		ch = make(chan error, 1)
		g.gates[id] = ch
	}
	return ch
}

func (g *gateExecutor) Execute(ctx context.Context, p Placement) (Result, error) {
	g.started <- p
	select {
	case err := <-g.gate(p.TaskID):
		if err != nil {
			return Result{}, err
		}
		return Result{Output: json.RawMessage(`{"ok":true}`)}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (g *gateExecutor) CancelRemote(_ context.Context, taskID, _ string) error {
	g.mu.Lock()
	g.cancelled = append(g.cancelled, taskID)
	g.mu.Unlock()
	return nil
}

func (g *gateExecutor) remoteCancels() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelled...)
}

// release completes the current attempt of id with err.
func (g *gateExecutor) release(id string, err error) { g.gate(id) <- err }

func (g *gateExecutor) nextStart(t *testing.T) Placement {
	t.Helper()
	select {
	case p := <-g.started:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for an execution to start")
	}
	return Placement{}
}

func (g *gateExecutor) assertNoStart(t *testing.T) {
	t.Helper()
	select {
	case p := <-g.started:
		t.Fatalf("unexpected execution of %s on %s", p.TaskID, p.DeviceID)
	case <-time.After(30 * time.Millisecond):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitStatus polls, dispatching between polls, until id reaches want.
func waitStatus(t *testing.T, s *Scheduler, id string, want TaskStatus) TaskView {
	t.Helper()
	var v TaskView
	waitFor(t, id+" to become "+string(want), func() bool {
		s.DispatchOnce()
		var err error
		v, err = s.Status(id)
		return err == nil && v.Status == want
	})
	return v
}

func submit(t *testing.T, s *Scheduler, id string, prio int, memMB int64) SubmitResult {
	t.Helper()
	p := prio
	res, err := s.Submit(context.Background(), SubmitRequest{
		ID:        id,
		Priority:  &p,
		Resources: Resources{MemoryMB: memMB, ExpectedDuration: time.Second},
	})
	if err != nil {
		t.Fatalf("submit %s: %v", id, err)
	}
	return res
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
