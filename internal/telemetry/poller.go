package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"gpusched/internal/device"
)

const defaultRefreshInterval = 5 * time.Second

// Ingester accepts telemetry snapshots; *device.Registry implements it.
type Ingester interface {
	Ingest(ms []device.Metrics) error
}

// Poller collects from a Source on an interval and ingests the result.
type Poller struct {
	src      device.Source
	sink     Ingester
	interval time.Duration
	log      zerolog.Logger
}

// NewPoller builds a poller; interval <= 0 uses 5s.
func NewPoller(src device.Source, sink Ingester, interval time.Duration, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return &Poller{src: src, sink: sink, interval: interval, log: log.With().Str("component", "telemetry_poller").Logger()}
}

// Poll runs one collect-and-ingest cycle.
func (p *Poller) Poll(ctx context.Context) error {
	ms, err := p.src.Collect(ctx)
	if err != nil {
		return err
	}
	return p.sink.Ingest(ms)
}

// Run polls immediately and then every interval until ctx is done. Poll
// errors are logged, never fatal.
func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("telemetry poll failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
