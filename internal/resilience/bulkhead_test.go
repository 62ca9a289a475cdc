package resilience

import (
	"context"
	"testing"
	"time"
)

func TestBulkheadRejectsWhenQueueFull(t *testing.T) {
	b := NewBulkhead(1, 1)
	release, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	waited := make(chan error, 1)
	go func() {
		r, err := b.Acquire(context.Background())
		if err == nil {
			r()
		}
		waited <- err
	}()
	deadline := time.Now().Add(time.Second)
	for b.Waiting() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("waiter never queued")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := b.Acquire(context.Background()); !IsBulkheadFull(err) {
		t.Fatalf("expected ErrBulkheadFull, got %v", err)
	}
	release()
	release() // idempotent
	if err := <-waited; err != nil {
		t.Fatalf("queued caller: %v", err)
	}
	if b.InFlight() != 0 {
		t.Fatalf("inflight=%d", b.InFlight())
	}
}

func TestBulkheadHonorsContext(t *testing.T) {
	b := NewBulkhead(1, 4)
	release, _ := b.Acquire(context.Background())
	defer release()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := b.Acquire(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}
