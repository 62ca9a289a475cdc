package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gpusched/internal/device"
	"gpusched/internal/httpapi"
	"gpusched/internal/scheduler"
)

func gpu(id string, totalMB int64) device.Metrics {
	return device.Metrics{ID: id, ComputeCapability: 8, MemoryTotalMB: totalMB, UtilizationPct: 5, TemperatureC: 45}
}

type testServer struct {
	*httptest.Server
	reg   *device.Registry
	sched *scheduler.Scheduler
	pub   *scheduler.MemoryPublisher
	hub   *httpapi.Hub
}

// newServer wires a registry, scheduler and HTTP mux the way serve does and
// runs the dispatch loop until the test ends.
func newServer(t *testing.T, cfg scheduler.Config, exec scheduler.Executor, gpus ...device.Metrics) *testServer {
	t.Helper()
	reg := device.NewRegistry(device.Config{MaxConcurrentPerDevice: 4})
	if err := reg.Ingest(gpus); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if cfg.DispatchInterval == 0 {
		cfg.DispatchInterval = 10 * time.Millisecond
	}
	pub := scheduler.NewMemoryPublisher()
	hub := httpapi.NewHub(zerolog.Nop())
	s := scheduler.New(cfg, reg,
		scheduler.WithExecutor(exec),
		scheduler.WithPublisher(scheduler.MultiPublisher{pub, hub}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	srv := httptest.NewServer(httpapi.NewMux(s, reg, httpapi.Options{Hub: hub, BaseContext: ctx}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer ccancel()
		_ = s.Close(cctx)
		hub.Close()
		reg.Close()
	})
	return &testServer{Server: srv, reg: reg, sched: s, pub: pub, hub: hub}
}

func do(t *testing.T, method, url string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, body)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func decodeInto(t *testing.T, b []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatalf("json: %v body=%s", err, b)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
