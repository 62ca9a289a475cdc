package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetricsMiddleware_EmitsRequestCounters verifies that wrapping a handler
// with MetricsMiddleware results in request metrics being exposed via the
// Prometheus /metrics handler.
func TestMetricsMiddleware_EmitsRequestCounters(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	MetricsMiddleware(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	mrr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(mrr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if mrr.Code != http.StatusOK {
		t.Fatalf("/metrics status=%d", mrr.Code)
	}
	body := mrr.Body.Bytes()
	if !bytes.Contains(body, []byte("gpusched_http_requests_total")) {
		previewLen := len(body)
		if previewLen > 200 {
			previewLen = 200
		}
		t.Fatalf("expected to find gpusched_http_requests_total in metrics; got: %q", string(body[:previewLen]))
	}
}

// TestMetrics_UseRoutePattern ensures requests are labelled by chi route
// pattern rather than the raw path.
func TestMetrics_UseRoutePattern(t *testing.T) {
	h := NewMux(&mockService{}, newMockDevices(), Options{})
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/v1/tasks/{id}", http.MethodGet, "404"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/tasks/nope-1", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/tasks/nope-2", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/v1/tasks/{id}", http.MethodGet, "404"))
	if after-before != 2 {
		t.Fatalf("expected 2 requests under the route pattern, got %v", after-before)
	}
}

func TestIncrementBackpressure(t *testing.T) {
	before := testutil.ToFloat64(backpressureTotal.WithLabelValues("unspecified"))
	IncrementBackpressure("")
	if got := testutil.ToFloat64(backpressureTotal.WithLabelValues("unspecified")); got != before+1 {
		t.Fatalf("backpressure=%v want %v", got, before+1)
	}
}

func TestResponseStatus(t *testing.T) {
	cases := []struct {
		name    string
		write   int
		upgrade string
		want    int
	}{
		{"written", http.StatusTeapot, "", http.StatusTeapot},
		{"implicit ok", 0, "", http.StatusOK},
		{"hijacked upgrade", 0, "WebSocket", http.StatusSwitchingProtocols},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
			if tc.upgrade != "" {
				r.Header.Set("Upgrade", tc.upgrade)
			}
			ww := middleware.NewWrapResponseWriter(httptest.NewRecorder(), r.ProtoMajor)
			if tc.write != 0 {
				ww.WriteHeader(tc.write)
			}
			if got := responseStatus(ww, r); got != tc.want {
				t.Fatalf("status=%d want %d", got, tc.want)
			}
		})
	}
}
