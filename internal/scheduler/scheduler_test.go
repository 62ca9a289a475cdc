package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"gpusched/internal/device"
	"gpusched/internal/failure"
	"gpusched/internal/resilience"
)

func TestSubmitPlacesOnDeviceWithEnoughMemory(t *testing.T) {
	reg := newTestRegistry(t, gpu("gpu-small", 1000, 0), gpu("gpu-big", 12000, 0))
	exec := newGateExecutor()
	s := newTestScheduler(t, Config{}, reg, WithExecutor(exec))

	res := submit(t, s, "t1", 5, 4000)
	if res.Status != StatusRunning || res.DeviceID != "gpu-big" || res.QueuePosition != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.EstimatedCompletion.IsZero() {
		t.Fatalf("running task should have an estimated completion")
	}
	if p := exec.nextStart(t); p.TaskID != "t1" || p.DeviceID != "gpu-big" || p.MemoryMB != 4000 {
		t.Fatalf("unexpected placement: %+v", p)
	}
	if got := reg.ActiveCount("gpu-big"); got != 1 {
		t.Fatalf("active=%d", got)
	}

	exec.release("t1", nil)
	v := waitStatus(t, s, "t1", StatusCompleted)
	if v.Progress != 1 || string(v.Result) != `{"ok":true}` || v.CompletedAt.IsZero() {
		t.Fatalf("unexpected view: %+v", v)
	}
	if got := reg.ActiveCount("gpu-big"); got != 0 {
		t.Fatalf("device not released: active=%d", got)
	}
}

func TestSubmitQueuesBeyondDeviceConcurrency(t *testing.T) {
	reg := newTestRegistry(t, gpu("gpu-0", 16000, 0))
	exec := newGateExecutor()
	s := newTestScheduler(t, Config{MaxConcurrentTasksPerGPU: 4}, reg, WithExecutor(exec))

	for _, id := range []string{"a", "b", "c", "d"} {
		if res := submit(t, s, id, 5, 100); res.Status != StatusRunning {
			t.Fatalf("%s: %+v", id, res)
		}
		exec.nextStart(t)
	}
	d, _ := reg.Get("gpu-0")
	if d.Status != device.StatusBusy {
		t.Fatalf("device status=%s", d.Status)
	}

	res := submit(t, s, "e", 5, 100)
	if res.Status != StatusQueued || res.QueuePosition != 1 || res.DeviceID != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if s.QueueDepth() != 1 {
		t.Fatalf("queue depth=%d", s.QueueDepth())
	}
	if n := s.DispatchOnce(); n != 0 {
		t.Fatalf("dispatched %d with no capacity", n)
	}

	exec.release("a", nil)
	waitStatus(t, s, "e", StatusRunning)
	if p := exec.nextStart(t); p.TaskID != "e" {
		t.Fatalf("started %s", p.TaskID)
	}
	if s.QueueDepth() != 0 {
		t.Fatalf("queue depth=%d", s.QueueDepth())
	}
}

func TestDispatchHonoursPriority(t *testing.T) {
	reg := newTestRegistry(t, gpu("gpu-0", 16000, 0))
	exec := newGateExecutor()
	s := newTestScheduler(t, Config{MaxConcurrentTasksPerGPU: 1}, reg, WithExecutor(exec))

	submit(t, s, "running", 5, 100)
	exec.nextStart(t)
	submit(t, s, "low", 8, 100)
	submit(t, s, "also-low", 8, 100)
	urgent := submit(t, s, "urgent", 1, 100)
	if urgent.QueuePosition != 1 {
		t.Fatalf("urgent position=%d", urgent.QueuePosition)
	}
	if pos, _ := s.QueuePosition("also-low"); pos != 3 {
		t.Fatalf("also-low position=%d", pos)
	}

	exec.release("running", nil)
	waitStatus(t, s, "urgent", StatusRunning)
	exec.nextStart(t)
	exec.release("urgent", nil)
	waitStatus(t, s, "low", StatusRunning)
}

func TestDispatchBackfillsSmallerTasks(t *testing.T) {
	reg := newTestRegistry(t, gpu("gpu-small", 2000, 0), gpu("gpu-big", 12000, 0))
	exec := newGateExecutor()
	s := newTestScheduler(t, Config{MaxConcurrentTasksPerGPU: 1}, reg, WithExecutor(exec))

	submit(t, s, "big-1", 5, 8000)
	submit(t, s, "small-1", 5, 1000)
	exec.nextStart(t)
	exec.nextStart(t)
	// both devices busy; big-2 can only ever use gpu-big
	submit(t, s, "big-2", 1, 8000)
	submit(t, s, "small-2", 5, 1000)

	exec.release("small-1", nil)
	v := waitStatus(t, s, "small-2", StatusRunning)
	if v.DeviceID != "gpu-small" {
		t.Fatalf("small-2 on %s", v.DeviceID)
	}
	if st, _ := s.Status("big-2"); st.Status != StatusQueued || st.QueuePosition != 1 {
		t.Fatalf("big-2 should stay queued first: %+v", st)
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	reg := newTestRegistry(t, gpu("gpu-0", 16000, 0))
	exec := newGateExecutor()
	s := newTestScheduler(t, Config{MaxConcurrentTasksPerGPU: 1, MaxQueueDepth: 1}, reg, WithExecutor(exec))

	submit(t, s, "a", 5, 100)
	submit(t, s, "b", 5, 100)
	_, err := s.Submit(context.Background(), SubmitRequest{ID: "c"})
	if !IsTooBusy(err) {
		t.Fatalf("expected too busy, got %v", err)
	}
	if _, err := s.Status("c"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("rejected task must not be registered: %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	reg := newTestRegistry(t, gpu("gpu-0", 16000, 0))
	s := newTestScheduler(t, Config{}, reg, WithExecutor(newGateExecutor()))

	bad := 11
	cases := []SubmitRequest{
		{Resources: Resources{MemoryMB: -1}},
		{Resources: Resources{ExpectedDuration: -time.Second}},
		{Priority: &bad},
		{CallbackURL: "ftp://example.com/hook"},
	}
	for i, req := range cases {
		if _, err := s.Submit(context.Background(), req); !errors.Is(err, ErrInvalidTask) {
			t.Fatalf("case %d: expected invalid task, got %v", i, err)
		}
	}

	res, err := s.Submit(context.Background(), SubmitRequest{})
	if err != nil || res.TaskID == "" {
		t.Fatalf("generated id: %+v %v", res, err)
	}
	v, _ := s.Status(res.TaskID)
	if v.Priority != 5 {
		t.Fatalf("default priority=%d", v.Priority)
	}
	if _, err := s.Submit(context.Background(), SubmitRequest{ID: res.TaskID}); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestCancelQueuedTaskNeverRuns(t *testing.T) {
	reg := newTestRegistry(t, gpu("gpu-0", 16000, 0))
	exec := newGateExecutor()
	s := newTestScheduler(t, Config{MaxConcurrentTasksPerGPU: 1}, reg, WithExecutor(exec))

	submit(t, s, "a", 5, 100)
	exec.nextStart(t)
	submit(t, s, "b", 5, 100)

	res, err := s.Cancel(context.Background(), "b")
	if err != nil || res.Status != StatusCancelled {
		t.Fatalf("cancel: %+v %v", res, err)
	}
	if s.QueueDepth() != 0 {
		t.Fatalf("queue depth=%d", s.QueueDepth())
	}

	exec.release("a", nil)
	waitStatus(t, s, "a", StatusCompleted)
	s.DispatchOnce()
	exec.assertNoStart(t)
	if v, _ := s.Status("b"); v.Status != StatusCancelled {
		t.Fatalf("b=%s", v.Status)
	}
}

func TestCancelRunningReleasesDevice(t *testing.T) {
	reg := newTestRegistry(t, gpu("gpu-0", 16000, 0))
	exec := newGateExecutor()
	pub := NewMemoryPublisher()
	s := newTestScheduler(t, Config{}, reg, WithExecutor(exec), WithPublisher(pub))

	submit(t, s, "a", 5, 100)
	exec.nextStart(t)

	res, err := s.Cancel(context.Background(), "a")
	if err != nil || res.Status != StatusCancelled {
		t.Fatalf("cancel: %+v %v", res, err)
	}
	if got := reg.ActiveCount("gpu-0"); got != 0 {
		t.Fatalf("device not released: active=%d", got)
	}
	waitFor(t, "remote cancel", func() bool { return len(exec.remoteCancels()) == 1 })

	// a late completion of the cancelled attempt changes nothing
	time.Sleep(10 * time.Millisecond)
	if v, _ := s.Status("a"); v.Status != StatusCancelled {
		t.Fatalf("status=%s", v.Status)
	}

	again, err := s.Cancel(context.Background(), "a")
	if !errors.Is(err, ErrNotCancellable) || again.Status != StatusCancelled {
		t.Fatalf("second cancel: %+v %v", again, err)
	}
	if _, err := s.Cancel(context.Background(), "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	want := []string{EventTaskSubmitted, EventTaskStarted, EventTaskCancelled}
	got := pub.Names("a")
	if len(got) != len(want) {
		t.Fatalf("events=%v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events=%v want %v", got, want)
		}
	}
}

func TestNetworkFailureIsRetried(t *testing.T) {
	reg := newTestRegistry(t, gpu("gpu-0", 16000, 0))
	exec := newGateExecutor()
	cfg := Config{Failure: failure.Config{InitialDelay: 10 * time.Millisecond}}
	s := newTestScheduler(t, cfg, reg, WithExecutor(exec))
	runDispatch(t, s)

	submit(t, s, "a", 5, 100)
	first := exec.nextStart(t)
	exec.release("a", errors.New("connection reset by peer"))

	second := exec.nextStart(t)
	if second.Attempt != first.Attempt+1 {
		t.Fatalf("attempts %d then %d", first.Attempt, second.Attempt)
	}
	v, _ := s.Status("a")
	if v.Status != StatusRunning || v.RetryCount != 1 {
		t.Fatalf("unexpected view: %+v", v)
	}

	exec.release("a", nil)
	v = waitStatus(t, s, "a", StatusCompleted)
	if v.RetryCount != 1 || v.Error != "" {
		t.Fatalf("unexpected view: %+v", v)
	}
	st := s.Stats()
	if st.Retried != 1 || st.Succeeded != 1 || st.Failures.ByKind[failure.KindNetwork] != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestRetryWaitsOutDelay(t *testing.T) {
	reg := newTestRegistry(t, gpu("gpu-0", 16000, 0))
	exec := newGateExecutor()
	cfg := Config{Failure: failure.Config{InitialDelay: time.Hour}}
	s := newTestScheduler(t, cfg, reg, WithExecutor(exec))

	submit(t, s, "a", 5, 100)
	exec.nextStart(t)
	exec.release("a", errors.New("request timed out"))

	v := waitStatus(t, s, "a", StatusQueued)
	if v.ErrorKind != failure.KindTimeout || v.QueuePosition != 0 || v.DeviceID != "" {
		t.Fatalf("unexpected view: %+v", v)
	}
	s.DispatchOnce()
	exec.assertNoStart(t)
	if s.QueueDepth() != 1 {
		t.Fatalf("waiting retry should count as queued: %d", s.QueueDepth())
	}
}

func TestInvalidRequestFailsAndCanBeRetried(t *testing.T) {
	reg := newTestRegistry(t, gpu("gpu-0", 16000, 0))
	exec := newGateExecutor()
	s := newTestScheduler(t, Config{}, reg, WithExecutor(exec))

	submit(t, s, "a", 5, 100)
	exec.nextStart(t)
	exec.release("a", errors.New("invalid request: prompt too long"))

	v := waitStatus(t, s, "a", StatusFailed)
	if v.ErrorKind != failure.KindInvalidRequest || v.Error != "invalid request: prompt too long" || v.DeviceID != "gpu-0" {
		t.Fatalf("unexpected view: %+v", v)
	}
	if got := reg.ActiveCount("gpu-0"); got != 0 {
		t.Fatalf("device not released: active=%d", got)
	}

	res, err := s.Retry("a")
	if err != nil || res.Status != StatusRunning {
		t.Fatalf("retry: %+v %v", res, err)
	}
	exec.nextStart(t)
	exec.release("a", nil)
	waitStatus(t, s, "a", StatusCompleted)

	if _, err := s.Retry("a"); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected not retryable, got %v", err)
	}
}

func TestGPUCrashMovesTaskToAnotherDevice(t *testing.T) {
	reg := newTestRegistry(t, gpu("gpu-a", 8000, 0), gpu("gpu-b", 8000, 0))
	exec := newGateExecutor()
	s := newTestScheduler(t, Config{}, reg, WithExecutor(exec))
	runDispatch(t, s)

	submit(t, s, "a", 5, 100)
	if p := exec.nextStart(t); p.DeviceID != "gpu-a" {
		t.Fatalf("first placement on %s", p.DeviceID)
	}
	exec.release("a", errors.New("CUDA error: an illegal memory access was encountered"))

	p := exec.nextStart(t)
	if p.DeviceID != "gpu-b" {
		t.Fatalf("requeued onto %s", p.DeviceID)
	}
	if d, _ := reg.Get("gpu-a"); d.Status != device.StatusError {
		t.Fatalf("gpu-a status=%s", d.Status)
	}
	v, _ := s.Status("a")
	if v.RetryCount != 1 || v.ErrorKind != "" {
		t.Fatalf("unexpected view: %+v", v)
	}
}

func TestExecutionTimeoutIsClassified(t *testing.T) {
	reg := newTestRegistry(t, gpu("gpu-0", 16000, 0))
	exec := newGateExecutor()
	cfg := Config{
		MinExecutionTimeout: 20 * time.Millisecond,
		Failure:             failure.Config{InitialDelay: time.Hour},
	}
	s := newTestScheduler(t, cfg, reg, WithExecutor(exec))

	p := 5
	if _, err := s.Submit(context.Background(), SubmitRequest{ID: "a", Priority: &p, Resources: Resources{ExpectedDuration: time.Millisecond}}); err != nil {
		t.Fatal(err)
	}
	exec.nextStart(t)
	v := waitStatus(t, s, "a", StatusQueued)
	if v.ErrorKind != failure.KindTimeout || v.RetryCount != 1 {
		t.Fatalf("unexpected view: %+v", v)
	}
}

func TestProgressAndStats(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	reg := newTestRegistry(t, gpu("gpu-0", 16000, 0))
	exec := newGateExecutor()
	s := newTestScheduler(t, Config{}, reg, WithExecutor(exec), WithClock(clock.Now))

	p := 5
	if _, err := s.Submit(context.Background(), SubmitRequest{ID: "a", Priority: &p, Resources: Resources{ExpectedDuration: 10 * time.Second}}); err != nil {
		t.Fatal(err)
	}
	exec.nextStart(t)
	clock.Advance(5 * time.Second)
	v, _ := s.Status("a")
	if v.Progress != 0.5 {
		t.Fatalf("progress=%v", v.Progress)
	}
	clock.Advance(20 * time.Second)
	if v, _ := s.Status("a"); v.Progress != 1 {
		t.Fatalf("progress must clamp at 1, got %v", v.Progress)
	}
	exec.release("a", nil)
	waitStatus(t, s, "a", StatusCompleted)

	submit(t, s, "b", 5, 100)
	exec.nextStart(t)
	exec.release("b", errors.New("bad request"))
	waitStatus(t, s, "b", StatusFailed)

	submit(t, s, "c", 5, 100)
	exec.nextStart(t)
	if _, err := s.Cancel(context.Background(), "c"); err != nil {
		t.Fatal(err)
	}

	st := s.Stats()
	if st.Total != 3 || st.Succeeded != 1 || st.Failed != 1 || st.Cancelled != 1 || st.Running != 0 {
		t.Fatalf("unexpected stats: %+v", st.Counters)
	}
	if st.AvgLatencyMs != 25000 {
		t.Fatalf("avg latency=%v", st.AvgLatencyMs)
	}
	if len(st.Devices) != 1 || st.Devices[0].DeviceID != "gpu-0" || st.Devices[0].Total != 3 {
		t.Fatalf("unexpected device stats: %+v", st.Devices)
	}
	names := map[string]bool{}
	for _, b := range st.Breakers {
		names[b.Name] = true
	}
	if !names["executor:gpu-0"] {
		t.Fatalf("unexpected breakers: %+v", st.Breakers)
	}

	if got := s.List(StatusCompleted); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("list completed: %+v", got)
	}
	if got := s.List(""); len(got) != 3 {
		t.Fatalf("list all: %d", len(got))
	}
}

func TestCloseCancelsOutstandingTasks(t *testing.T) {
	reg := newTestRegistry(t, gpu("gpu-0", 16000, 0))
	exec := newGateExecutor()
	s := New(Config{MaxConcurrentTasksPerGPU: 1}, reg, WithExecutor(exec))

	submit(t, s, "a", 5, 100)
	exec.nextStart(t)
	submit(t, s, "b", 5, 100)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		v, _ := s.Status(id)
		if v.Status != StatusCancelled || v.Error != ErrClosed.Error() {
			t.Fatalf("%s: %+v", id, v)
		}
	}
	if _, err := s.Submit(context.Background(), SubmitRequest{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}

func TestCancelDuringHalfOpenTrialKeepsDeviceUsable(t *testing.T) {
	reg := newTestRegistry(t, gpu("gpu-0", 16000, 0))
	exec := newGateExecutor()
	cfg := Config{Breaker: resilience.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond, HalfOpenMaxCalls: 1}}
	s := newTestScheduler(t, cfg, reg, WithExecutor(exec))
	breaker := s.Breakers().Get("executor:gpu-0")

	submit(t, s, "bad", 5, 100)
	exec.nextStart(t)
	exec.release("bad", errors.New("invalid request: bad shape"))
	waitStatus(t, s, "bad", StatusFailed)
	if breaker.State() != resilience.StateOpen {
		t.Fatalf("breaker=%s want OPEN", breaker.State())
	}
	time.Sleep(30 * time.Millisecond)

	submit(t, s, "trial", 5, 100)
	exec.nextStart(t)
	if _, err := s.Cancel(context.Background(), "trial"); err != nil {
		t.Fatalf("cancel trial: %v", err)
	}
	waitFor(t, "trial slot returned", func() bool {
		snap := breaker.Snapshot()
		return snap.State == resilience.StateHalfOpen && snap.HalfOpenCalls == 0
	})

	submit(t, s, "good", 5, 100)
	exec.nextStart(t)
	exec.release("good", nil)
	v := waitStatus(t, s, "good", StatusCompleted)
	if v.Error != "" || v.RetryCount != 0 {
		t.Fatalf("task on healthy device should run cleanly: %+v", v)
	}
	if breaker.State() != resilience.StateClosed {
		t.Fatalf("breaker=%s want CLOSED", breaker.State())
	}
}

func TestExecutorBulkheadCapsRunningTasks(t *testing.T) {
	reg := newTestRegistry(t, gpu("gpu-0", 16000, 0), gpu("gpu-1", 16000, 0))
	exec := newGateExecutor()
	s := newTestScheduler(t, Config{MaxConcurrentTasksPerGPU: 4, BulkheadMaxConcurrent: 2}, reg, WithExecutor(exec))

	for _, id := range []string{"a", "b"} {
		if res := submit(t, s, id, 5, 100); res.Status != StatusRunning {
			t.Fatalf("%s: %+v", id, res)
		}
		exec.nextStart(t)
	}
	res := submit(t, s, "c", 5, 100)
	if res.Status != StatusQueued || res.QueuePosition != 1 {
		t.Fatalf("task beyond the executor cap must queue, got %+v", res)
	}
	if n := s.DispatchOnce(); n != 0 {
		t.Fatalf("dispatched %d past the executor cap", n)
	}
	exec.assertNoStart(t)

	runDispatch(t, s)
	exec.release("a", nil)
	if p := exec.nextStart(t); p.TaskID != "c" {
		t.Fatalf("started %s", p.TaskID)
	}
	if st := s.Stats(); st.Running != 2 {
		t.Fatalf("running=%d want 2", st.Running)
	}
}
