package tracing

import (
	"context"
	"testing"
)

func TestInitNone(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, "gpusched-test")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	_, span := StartSpan(context.Background(), "noop")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Exporter: "zipkin"}, "gpusched-test"); err == nil {
		t.Fatalf("expected error for unknown exporter")
	}
}
