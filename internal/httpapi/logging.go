package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

func requestLogLevel(r *http.Request, def LogLevel) LogLevel {
	// Per-request overrides
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return def
}

// requestLogger logs one line per request. Errors (status >= 500) are logged
// at LevelError and above; everything else needs LevelInfo.
func requestLogger(log *zerolog.Logger, def LogLevel) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lvl := requestLogLevel(r, def)
			if log == nil || lvl == LevelOff {
				next.ServeHTTP(w, r)
				return
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := responseStatus(ww, r)
			var ev *zerolog.Event
			switch {
			case status >= 500:
				ev = log.Error()
			case lvl >= LevelInfo:
				ev = log.Info()
			default:
				return
			}
			ev = ev.Str("method", r.Method).
				Str("route", routePatternOrPath(r)).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("dur", time.Since(start))
			if rid := middleware.GetReqID(r.Context()); rid != "" {
				ev = ev.Str("request_id", rid)
			}
			if lvl >= LevelDebug {
				ev = ev.Str("remote", r.RemoteAddr).Str("query", r.URL.RawQuery)
			}
			ev.Msg("http request")
		})
	}
}
