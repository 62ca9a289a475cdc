package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type staticSource []Metrics

func (s staticSource) Collect(context.Context) ([]Metrics, error) { return s, nil }

func gpu(id string, totalMB, usedMB int64) Metrics {
	return Metrics{
		ID:                id,
		ComputeCapability: 8.0,
		MemoryTotalMB:     totalMB,
		MemoryUsedMB:      usedMB,
		UtilizationPct:    10,
		TemperatureC:      50,
		PerformanceIndex:  1,
	}
}

func newTestRegistry(t *testing.T, cfg Config, ms ...Metrics) *Registry {
	t.Helper()
	r := NewRegistry(cfg)
	if _, err := r.Discover(context.Background(), staticSource(ms)); err != nil {
		t.Fatalf("discover: %v", err)
	}
	return r
}

func mustGet(t *testing.T, r *Registry, id string) Device {
	t.Helper()
	d, ok := r.Get(id)
	if !ok {
		t.Fatalf("device %s not found", id)
	}
	return d
}

func TestDiscoverAppliesCapabilityGate(t *testing.T) {
	old := gpu("gpu-old", 8000, 0)
	old.ComputeCapability = 3.5
	r := newTestRegistry(t, Config{MinComputeCapability: 6.0}, gpu("gpu-0", 8000, 0), old)
	ids := r.IDs()
	if len(ids) != 1 || ids[0] != "gpu-0" {
		t.Fatalf("ids=%v", ids)
	}
	d := mustGet(t, r, "gpu-0")
	if d.Status != StatusAvailable || d.MemoryFreeMB != 8000 || d.Name != "gpu-0" {
		t.Fatalf("unexpected device: %+v", d)
	}
}

func TestReserveIsExclusive(t *testing.T) {
	r := newTestRegistry(t, Config{}, gpu("gpu-0", 8000, 0))
	if !r.Reserve("gpu-0", "A") {
		t.Fatalf("first reserve must succeed")
	}
	if r.Reserve("gpu-0", "B") {
		t.Fatalf("second reserve before release must fail")
	}
	d := mustGet(t, r, "gpu-0")
	if d.Status != StatusReserved || d.ReservedBy != "A" || d.ReservedAt.IsZero() {
		t.Fatalf("unexpected device: %+v", d)
	}
	if r.Reserve("missing", "A") {
		t.Fatalf("reserve of unknown device must fail")
	}
}

func TestReleaseRequiresOwner(t *testing.T) {
	r := newTestRegistry(t, Config{}, gpu("gpu-0", 8000, 0))
	r.Reserve("gpu-0", "A")
	before := mustGet(t, r, "gpu-0")
	if err := r.Release("gpu-0", "B"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	after := mustGet(t, r, "gpu-0")
	if after.Status != before.Status || after.ReservedBy != before.ReservedBy {
		t.Fatalf("device changed by failed release: %+v", after)
	}
	if err := r.Release("gpu-0", "A"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if d := mustGet(t, r, "gpu-0"); d.Status != StatusAvailable || d.ReservedBy != "" {
		t.Fatalf("unexpected device after release: %+v", d)
	}
	if err := r.Release("missing", "A"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestActivateFillsSlotsThenBusy(t *testing.T) {
	r := newTestRegistry(t, Config{MaxConcurrentPerDevice: 2}, gpu("gpu-0", 8000, 0))
	for _, task := range []string{"A", "B"} {
		if !r.Reserve("gpu-0", task) {
			t.Fatalf("reserve %s failed", task)
		}
		if err := r.Activate("gpu-0", task); err != nil {
			t.Fatalf("activate %s: %v", task, err)
		}
	}
	d := mustGet(t, r, "gpu-0")
	if d.Status != StatusBusy || d.ReservedBy != "B" || len(d.ActiveTasks) != 2 {
		t.Fatalf("expected BUSY with two tasks, got %+v", d)
	}
	if r.Reserve("gpu-0", "C") {
		t.Fatalf("busy device must not be reservable")
	}
	if err := r.Release("gpu-0", "A"); err != nil {
		t.Fatalf("release A: %v", err)
	}
	d = mustGet(t, r, "gpu-0")
	if d.Status != StatusAvailable || d.ReservedBy != "" || len(d.ActiveTasks) != 1 {
		t.Fatalf("expected AVAILABLE with one task, got %+v", d)
	}
}

func TestActivateRequiresReservation(t *testing.T) {
	r := newTestRegistry(t, Config{}, gpu("gpu-0", 8000, 0))
	if err := r.Activate("gpu-0", "A"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	r.Reserve("gpu-0", "A")
	r.MarkError("gpu-0", "xid 79")
	if err := r.Activate("gpu-0", "A"); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestReleaseKeepsErrorStatus(t *testing.T) {
	r := newTestRegistry(t, Config{}, gpu("gpu-0", 8000, 0))
	r.Reserve("gpu-0", "A")
	r.Activate("gpu-0", "A")
	r.MarkError("gpu-0", "crash")
	if err := r.Release("gpu-0", "A"); err != nil {
		t.Fatalf("release: %v", err)
	}
	d := mustGet(t, r, "gpu-0")
	if d.Status != StatusError || d.ReservedBy != "" || len(d.ActiveTasks) != 0 {
		t.Fatalf("unexpected device: %+v", d)
	}
}

func TestEligibleFilters(t *testing.T) {
	hot := gpu("gpu-hot", 8000, 0)
	hot.TemperatureC = 90
	full := gpu("gpu-full", 8000, 7600)
	busy := gpu("gpu-util", 8000, 0)
	busy.UtilizationPct = 99
	flaky := gpu("gpu-flaky", 8000, 0)
	flaky.ErrorRate = 0.2
	r := newTestRegistry(t, Config{}, gpu("gpu-0", 8000, 0), gpu("gpu-1", 4000, 0), hot, full, busy, flaky)

	got := r.Eligible(6000)
	if len(got) != 1 || got[0] != "gpu-0" {
		t.Fatalf("eligible(6000)=%v", got)
	}
	got = r.Eligible(1000)
	if fmt.Sprint(got) != "[gpu-0 gpu-1]" {
		t.Fatalf("eligible(1000)=%v", got)
	}
	r.Reserve("gpu-0", "A")
	if got := r.Eligible(1000); fmt.Sprint(got) != "[gpu-1]" {
		t.Fatalf("reserved device must not be eligible: %v", got)
	}
}

func TestIngestUpdatesAndRegisters(t *testing.T) {
	r := newTestRegistry(t, Config{}, gpu("gpu-0", 8000, 0))
	upd := gpu("gpu-0", 8000, 2000)
	upd.TemperatureC = 70
	bad := gpu("gpu-bad", 100, 200)
	err := r.Ingest([]Metrics{upd, gpu("gpu-1", 16000, 0), bad})
	if !errors.Is(err, ErrInvalidMetrics) {
		t.Fatalf("expected ErrInvalidMetrics, got %v", err)
	}
	d := mustGet(t, r, "gpu-0")
	if d.MemoryUsedMB != 2000 || d.MemoryFreeMB != 6000 || d.TemperatureC != 70 {
		t.Fatalf("telemetry not applied: %+v", d)
	}
	if _, ok := r.Get("gpu-1"); !ok {
		t.Fatalf("new device not registered")
	}
	if _, ok := r.Get("gpu-bad"); ok {
		t.Fatalf("invalid device registered")
	}
}

func TestHealthDemotesAndRestores(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	var transitions []string
	r := NewRegistry(Config{ErrorCooldown: 30 * time.Second}, WithClock(clock),
		WithListener(func(id string, from, to Status) { transitions = append(transitions, string(from)+">"+string(to)) }))
	r.Ingest([]Metrics{gpu("gpu-0", 8000, 0)})
	r.Reserve("gpu-0", "A")

	hot := gpu("gpu-0", 8000, 0)
	hot.TemperatureC = 95
	r.Ingest([]Metrics{hot})
	r.CheckHealth()
	if d := mustGet(t, r, "gpu-0"); d.Status != StatusError || d.ReservedBy != "" {
		t.Fatalf("expected ERROR without exposed reservation, got %+v", d)
	}

	r.Ingest([]Metrics{gpu("gpu-0", 8000, 0)})
	r.CheckHealth()
	if d := mustGet(t, r, "gpu-0"); d.Status != StatusError {
		t.Fatalf("device restored before cooldown: %+v", d)
	}
	now = now.Add(31 * time.Second)
	r.CheckHealth()
	d := mustGet(t, r, "gpu-0")
	if d.Status != StatusReserved || d.ReservedBy != "A" {
		t.Fatalf("expected RESERVED by A after recovery, got %+v", d)
	}
	want := "[AVAILABLE>RESERVED RESERVED>ERROR ERROR>RESERVED]"
	if fmt.Sprint(transitions) != want {
		t.Fatalf("transitions=%v want %s", transitions, want)
	}
}

func TestHealthMarksStaleOffline(t *testing.T) {
	now := time.Unix(1700000000, 0)
	r := NewRegistry(Config{StaleAfter: 10 * time.Second}, WithClock(func() time.Time { return now }))
	r.Ingest([]Metrics{gpu("gpu-0", 8000, 0)})
	now = now.Add(11 * time.Second)
	r.CheckHealth()
	if d := mustGet(t, r, "gpu-0"); d.Status != StatusOffline {
		t.Fatalf("expected OFFLINE got %s", d.Status)
	}
	r.Ingest([]Metrics{gpu("gpu-0", 8000, 0)})
	r.CheckHealth()
	if d := mustGet(t, r, "gpu-0"); d.Status != StatusAvailable {
		t.Fatalf("expected AVAILABLE got %s", d.Status)
	}
}

func TestMaintenanceReactivates(t *testing.T) {
	r := newTestRegistry(t, Config{}, gpu("gpu-0", 8000, 0))
	defer r.Close()
	r.MarkMaintenance("gpu-0", 20*time.Millisecond)
	if d := mustGet(t, r, "gpu-0"); d.Status != StatusMaintenance {
		t.Fatalf("expected MAINTENANCE got %s", d.Status)
	}
	deadline := time.Now().Add(2 * time.Second)
	for mustGet(t, r, "gpu-0").Status != StatusAvailable {
		if time.Now().After(deadline) {
			t.Fatalf("device not reactivated")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMarkAvailableRestoresOccupancy(t *testing.T) {
	r := newTestRegistry(t, Config{MaxConcurrentPerDevice: 1}, gpu("gpu-0", 8000, 0), gpu("gpu-1", 8000, 0))
	defer r.Close()
	if !r.Reserve("gpu-0", "A") {
		t.Fatalf("reserve failed")
	}
	if err := r.Activate("gpu-0", "A"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	r.MarkMaintenance("gpu-0", time.Hour)
	r.MarkMaintenance("gpu-1", time.Hour)
	if !r.MarkAvailable("gpu-0") || !r.MarkAvailable("gpu-1") {
		t.Fatalf("override rejected")
	}
	if d := mustGet(t, r, "gpu-0"); d.Status != StatusBusy || d.ReservedBy != "A" {
		t.Fatalf("occupied device should return BUSY, got %+v", d)
	}
	if d := mustGet(t, r, "gpu-1"); d.Status != StatusAvailable {
		t.Fatalf("idle device should return AVAILABLE, got %s", d.Status)
	}
	if r.MarkAvailable("gpu-9") {
		t.Fatalf("unknown device accepted")
	}
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	r := newTestRegistry(t, Config{}, gpu("gpu-0", 8000, 0))
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.Reserve("gpu-0", fmt.Sprintf("t%d", i)) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	r := newTestRegistry(t, Config{MaxConcurrentPerDevice: 2}, gpu("gpu-0", 8000, 0))
	r.Reserve("gpu-0", "A")
	r.Activate("gpu-0", "A")
	snap := r.Snapshot()
	snap[0].ActiveTasks[0] = "mutated"
	if d := mustGet(t, r, "gpu-0"); d.ActiveTasks[0] != "A" {
		t.Fatalf("registry mutated through snapshot")
	}
}
