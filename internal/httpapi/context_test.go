package httpapi

import (
	"context"
	"testing"
	"time"
)

type ctxKey struct{}

func TestRequestContext_CancelledByBase(t *testing.T) {
	base, stopBase := context.WithCancel(context.Background())
	req := context.WithValue(context.Background(), ctxKey{}, "req-1")
	ctx, cancel := requestContext(base, req)
	defer cancel()

	if ctx.Value(ctxKey{}) != "req-1" {
		t.Fatalf("request values lost")
	}
	stopBase()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("context not cancelled after base ended")
	}
}

func TestRequestContext_CancelledByRequest(t *testing.T) {
	req, stopReq := context.WithCancel(context.Background())
	ctx, cancel := requestContext(context.Background(), req)
	defer cancel()
	stopReq()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("context not cancelled after request ended")
	}
}

func TestRequestContext_CancelReleasesBase(t *testing.T) {
	base, stopBase := context.WithCancel(context.Background())
	defer stopBase()
	ctx, cancel := requestContext(base, context.Background())
	cancel()
	if ctx.Err() == nil {
		t.Fatalf("cancel did not end the context")
	}
}
