package httpapi

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const defaultMaxBodyBytes int64 = 1 << 20

// Options configures the HTTP layer. The zero value is usable.
type Options struct {
	// Logger receives request logs; nil disables them.
	Logger *zerolog.Logger
	// RequestLogLevel is the default per-request log level (off, error, info,
	// debug); ?log= and X-Log-Level override it per request.
	RequestLogLevel string

	// MaxBodyBytes bounds JSON request bodies; <= 0 means 1 MiB.
	MaxBodyBytes int64

	// CORS is enabled when at least one origin is listed.
	CORSOrigins []string
	CORSMethods []string
	CORSHeaders []string

	// SubmitRatePerSec limits task and batch submissions; zero disables the limit.
	SubmitRatePerSec float64
	SubmitBurst      int

	// BaseContext is cancelled on shutdown; mutating handlers stop with it as
	// well as with their request.
	BaseContext context.Context

	// Hub serves /v1/events when set.
	Hub *Hub

	// StartedAt anchors uptime in /v1/stats.
	StartedAt time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}
	if o.BaseContext == nil {
		o.BaseContext = context.Background()
	}
	if o.StartedAt.IsZero() {
		o.StartedAt = time.Now()
	}
	if len(o.CORSMethods) == 0 {
		o.CORSMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	}
	if len(o.CORSHeaders) == 0 {
		o.CORSHeaders = []string{"Accept", "Content-Type", "X-Request-Id", "X-Log-Level"}
	}
	if o.SubmitBurst <= 0 && o.SubmitRatePerSec > 0 {
		o.SubmitBurst = int(o.SubmitRatePerSec)
		if o.SubmitBurst < 1 {
			o.SubmitBurst = 1
		}
	}
	return o
}
