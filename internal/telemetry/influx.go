package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"gpusched/internal/device"
	"gpusched/internal/scheduler"
)

const (
	defaultInfluxPingTimeout = 5 * time.Second
	defaultInfluxBatchSize   = 100
	defaultInfluxFlushMs     = 1000
)

// InfluxConfig configures the InfluxDB sink.
type InfluxConfig struct {
	Enabled bool
	URL     string
	Token   string
	Org     string
	Bucket  string
	// BatchSize and FlushInterval tune the non-blocking write API.
	BatchSize     int
	FlushInterval time.Duration
}

// InfluxSink writes device snapshots and task events to InfluxDB. Writes are
// non-blocking and batched; write errors arrive asynchronously and are logged.
//
// InfluxSink implements scheduler.EventPublisher.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	log      zerolog.Logger

	mu        sync.RWMutex
	connected bool
	done      chan struct{}
}

// ConnectInflux creates the client, pings the server and starts the write API.
func ConnectInflux(ctx context.Context, cfg InfluxConfig, log zerolog.Logger) (*InfluxSink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultInfluxBatchSize
	}
	flushMs := uint(defaultInfluxFlushMs)
	if cfg.FlushInterval > 0 {
		flushMs = uint(cfg.FlushInterval.Milliseconds())
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batch)).
			SetFlushInterval(flushMs))

	pctx, cancel := context.WithTimeout(ctx, defaultInfluxPingTimeout)
	defer cancel()
	ok, err := client.Ping(pctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: influx ping: %w", ErrConnectionFailed, err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("%w: influx server not healthy", ErrConnectionFailed)
	}

	s := &InfluxSink{
		client:    client,
		writeAPI:  client.WriteAPI(cfg.Org, cfg.Bucket),
		log:       log.With().Str("component", "telemetry_influx").Logger(),
		connected: true,
		done:      make(chan struct{}),
	}
	go s.drainErrors(s.writeAPI.Errors())
	return s, nil
}

func (s *InfluxSink) drainErrors(errs <-chan error) {
	defer close(s.done)
	for err := range errs {
		s.log.Warn().Err(err).Msg("influx write failed")
	}
}

// IsConnected reports whether the sink accepts writes.
func (s *InfluxSink) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// WriteDevices writes one gpu_device point per device.
func (s *InfluxSink) WriteDevices(snapshot []device.Device) {
	if !s.IsConnected() {
		return
	}
	for _, d := range snapshot {
		s.writeAPI.WritePoint(devicePoint(d))
	}
}

func devicePoint(d device.Device) *write.Point {
	ts := d.LastUpdated
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint("gpu_device",
		map[string]string{
			"device_id": d.ID,
			"status":    string(d.Status),
		},
		map[string]any{
			"memory_total_mb":   d.MemoryTotalMB,
			"memory_used_mb":    d.MemoryUsedMB,
			"memory_free_mb":    d.MemoryFreeMB,
			"utilization_pct":   d.UtilizationPct,
			"temperature_c":     d.TemperatureC,
			"power_usage_w":     d.PowerUsageW,
			"error_rate":        d.ErrorRate,
			"performance_index": d.PerformanceIndex,
			"active_tasks":      len(d.ActiveTasks),
		},
		ts)
}

// Publish writes a task_event point.
func (s *InfluxSink) Publish(e scheduler.Event) {
	if !s.IsConnected() {
		return
	}
	s.writeAPI.WritePoint(eventPoint(e))
}

func eventPoint(e scheduler.Event) *write.Point {
	tags := map[string]string{"event": e.Name}
	if e.DeviceID != "" {
		tags["device_id"] = e.DeviceID
	}
	fields := map[string]any{"task_id": e.TaskID}
	for k, v := range e.Fields {
		switch v.(type) {
		case int, int64, float64, bool, string:
			fields[k] = v
		}
	}
	if k, ok := e.Fields["kind"].(string); ok {
		tags["kind"] = k
	}
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint("task_event", tags, fields, ts)
}

// RunDeviceExport writes the registry snapshot every interval until ctx is done.
func (s *InfluxSink) RunDeviceExport(ctx context.Context, reg *device.Registry, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.WriteDevices(reg.Snapshot())
		}
	}
}

// Flush blocks until buffered points are written. No-op after Close.
func (s *InfluxSink) Flush() {
	if !s.IsConnected() {
		return
	}
	s.writeAPI.Flush()
}

// Close flushes pending writes and closes the client.
func (s *InfluxSink) Close() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.mu.Unlock()
	s.writeAPI.Flush()
	s.client.Close()
}
