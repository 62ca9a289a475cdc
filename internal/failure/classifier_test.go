package failure

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"gpusched/internal/device"
)

type fakeDevices struct {
	devices     map[string]device.Device
	errors      []string
	maintenance []string
}

func newFakeDevices(ds ...device.Device) *fakeDevices {
	f := &fakeDevices{devices: make(map[string]device.Device)}
	for _, d := range ds {
		f.devices[d.ID] = d
	}
	return f
}

func (f *fakeDevices) Get(id string) (device.Device, bool) {
	d, ok := f.devices[id]
	return d, ok
}

func (f *fakeDevices) MarkError(id, reason string) bool {
	f.errors = append(f.errors, id)
	d := f.devices[id]
	d.Status = device.StatusError
	f.devices[id] = d
	return true
}

func (f *fakeDevices) MarkMaintenance(id string, cooldown time.Duration) bool {
	f.maintenance = append(f.maintenance, id)
	return true
}

func gpu(id string, totalMB, usedMB int64) device.Device {
	return device.Device{
		Metrics: device.Metrics{ID: id, MemoryTotalMB: totalMB, MemoryUsedMB: usedMB},
		Status:  device.StatusAvailable,
	}
}

func TestMatcherRuleOrder(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"CUDA error: device-side assert triggered", KindGPUCrash},
		{"CUDA out of memory. Tried to allocate 2.00 GiB", KindGPUCrash},
		{"GPU has fallen off the bus: device lost", KindGPUCrash},
		{"request timed out after 30s", KindTimeout},
		{"context deadline exceeded", KindTimeout},
		{"resource exhausted: kv cache", KindResourceExhaustion},
		{"insufficient resources on node", KindResourceExhaustion},
		{"invalid request: prompt too long", KindInvalidRequest},
		{"missing parameter: model", KindInvalidRequest},
		{"dial tcp 10.0.0.3:8000: connection refused", KindNetwork},
		{"Network Error while streaming", KindNetwork},
		{"internal server error", KindInternal},
		{"unhandled exception in worker", KindInternal},
		{"something odd happened", KindUnknown},
	}
	m := NewMatcher(DefaultRules()...)
	for _, tc := range cases {
		if got := m.Match(tc.msg); got != tc.want {
			t.Errorf("Match(%q)=%s want %s", tc.msg, got, tc.want)
		}
	}
}

func TestMatcherCustomRules(t *testing.T) {
	m := NewMatcher(Rule{Pattern: regexp.MustCompile(`(?i)xid \d+`), Kind: KindGPUCrash})
	if got := m.Match("NVRM: Xid 79"); got != KindGPUCrash {
		t.Fatalf("got %s", got)
	}
	if got := m.Match("timeout"); got != KindUnknown {
		t.Fatalf("rules outside the table must not match, got %s", got)
	}
}

func TestClassifyPrefersStructuredKind(t *testing.T) {
	err := fmt.Errorf("executor: %w", NewError(KindInvalidRequest, "timeout in payload field"))
	if got := Classify(err); got != KindInvalidRequest {
		t.Fatalf("got %s", got)
	}
	if got := Classify(fmt.Errorf("call: %w", context.DeadlineExceeded)); got != KindTimeout {
		t.Fatalf("got %s", got)
	}
	if !Retryable(errors.New("connection reset by peer")) || Retryable(errors.New("bad request")) {
		t.Fatalf("unexpected Retryable result")
	}
}

func TestHandleTimeoutRetriesLinearly(t *testing.T) {
	c := New(Config{MaxRetries: 3, InitialDelay: time.Second}, nil)
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		d := c.Handle(Failure{TaskID: "t", Err: errors.New("request timeout"), RetryCount: i})
		if d.Action != ActionRetry || d.Delay != want || d.RetryCount != i+1 {
			t.Fatalf("retry %d: %+v", i, d)
		}
	}
	d := c.Handle(Failure{TaskID: "t", Err: errors.New("request timeout"), RetryCount: 3})
	if d.Action != ActionFail || d.RetryCount != 3 {
		t.Fatalf("expected FAIL after exhaustion: %+v", d)
	}
}

func TestHandleNetworkBacksOffExponentially(t *testing.T) {
	c := New(Config{MaxRetries: 5, InitialDelay: 100 * time.Millisecond}, nil)
	for i, want := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond} {
		d := c.Handle(Failure{Err: errors.New("connection reset"), RetryCount: i})
		if d.Action != ActionRetry || d.Delay != want {
			t.Fatalf("retry %d: %+v", i, d)
		}
	}
}

func TestHandleNonRecoverableFails(t *testing.T) {
	c := New(Config{}, nil)
	for _, msg := range []string{"bad request", "internal error"} {
		if d := c.Handle(Failure{Err: errors.New(msg)}); d.Action != ActionFail {
			t.Fatalf("%q: %+v", msg, d)
		}
	}
}

func TestHandleGPUCrashMarksDevice(t *testing.T) {
	devs := newFakeDevices(gpu("gpu-0", 8000, 1000))
	c := New(Config{}, devs)
	d := c.Handle(Failure{TaskID: "t", DeviceID: "gpu-0", Err: errors.New("CUDA error: illegal address")})
	if d.Action != ActionRequeue || d.Kind != KindGPUCrash || d.RetryCount != 1 {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if len(devs.errors) != 1 || devs.errors[0] != "gpu-0" {
		t.Fatalf("device not marked: %v", devs.errors)
	}
}

func TestHandleResourceExhaustionUnderPressure(t *testing.T) {
	devs := newFakeDevices(gpu("gpu-hot", 8000, 7600), gpu("gpu-cool", 8000, 1000))
	c := New(Config{}, devs)
	c.Handle(Failure{DeviceID: "gpu-hot", Err: errors.New("memory exhausted")})
	c.Handle(Failure{DeviceID: "gpu-cool", Err: errors.New("memory exhausted")})
	if len(devs.maintenance) != 1 || devs.maintenance[0] != "gpu-hot" {
		t.Fatalf("maintenance=%v", devs.maintenance)
	}
}

func TestWindowedErrorsQuarantineDevice(t *testing.T) {
	now := time.Unix(1700000000, 0)
	devs := newFakeDevices(gpu("gpu-0", 8000, 0))
	c := New(Config{ErrorThreshold: 2, ErrorWindow: time.Minute, MaxRetries: 10}, devs, WithClock(func() time.Time { return now }))

	// one active request: two failures give rate 1.0, four give 2.0
	for i := 0; i < 3; i++ {
		if d := c.Handle(Failure{DeviceID: "gpu-0", Err: errors.New("bad request"), ActiveRequests: 1}); d.DeviceQuarantined {
			t.Fatalf("quarantined too early at failure %d", i+1)
		}
	}
	d := c.Handle(Failure{DeviceID: "gpu-0", Err: errors.New("bad request"), ActiveRequests: 1})
	if !d.DeviceQuarantined || len(devs.errors) != 1 {
		t.Fatalf("expected quarantine: %+v errors=%v", d, devs.errors)
	}
	if got := c.Stats().DeviceErrors["gpu-0"]; got != 4 {
		t.Fatalf("windowed count=%d", got)
	}

	c.DeviceStatusChanged("gpu-0", device.StatusError, device.StatusAvailable)
	if got := c.Stats().DeviceErrors["gpu-0"]; got != 0 {
		t.Fatalf("window not reset on recovery: %d", got)
	}

	// entries older than the window are forgotten
	devs.devices["gpu-0"] = gpu("gpu-0", 8000, 0)
	c.Handle(Failure{DeviceID: "gpu-0", Err: errors.New("bad request")})
	now = now.Add(2 * time.Minute)
	if d := c.Handle(Failure{DeviceID: "gpu-0", Err: errors.New("bad request")}); d.DeviceQuarantined {
		t.Fatalf("stale failures must not count")
	}
}

func TestDefaultWindowToleratesSingleFailure(t *testing.T) {
	now := time.Unix(1700000000, 0)
	devs := newFakeDevices(gpu("gpu-0", 8000, 0))
	c := New(Config{}, devs, WithClock(func() time.Time { return now }))

	if d := c.Handle(Failure{DeviceID: "gpu-0", Err: errors.New("bad request")}); d.DeviceQuarantined {
		t.Fatalf("one failure on an idle device must not quarantine it")
	}
	now = now.Add(4 * time.Minute)
	d := c.Handle(Failure{DeviceID: "gpu-0", Err: errors.New("bad request")})
	if !d.DeviceQuarantined || len(devs.errors) != 1 {
		t.Fatalf("second failure inside the default window should quarantine: %+v", d)
	}
}

func TestStatsCounts(t *testing.T) {
	c := New(Config{}, nil)
	c.Handle(Failure{Err: errors.New("timeout")})
	c.Handle(Failure{Err: errors.New("bad request")})
	s := c.Stats()
	if s.Total != 2 || s.ByKind[KindTimeout] != 1 || s.ByAction[ActionFail] != 1 || s.ByAction[ActionRetry] != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}
