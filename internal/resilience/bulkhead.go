package resilience

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Bulkhead bounds concurrent calls and the number of callers waiting for a slot.
type Bulkhead struct {
	sem      *semaphore.Weighted
	maxQueue int64
	inflight atomic.Int64
	waiting  atomic.Int64
}

// NewBulkhead constructs a bulkhead; maxConcurrent < 1 is treated as 1 and
// maxQueue < 0 as 0 (no waiting).
func NewBulkhead(maxConcurrent, maxQueue int) *Bulkhead {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	return &Bulkhead{sem: semaphore.NewWeighted(int64(maxConcurrent)), maxQueue: int64(maxQueue)}
}

// Acquire takes a slot, waiting while ctx allows if the wait queue has room.
// The returned release func must be called exactly once.
func (b *Bulkhead) Acquire(ctx context.Context) (func(), error) {
	if b.sem.TryAcquire(1) {
		return b.granted(), nil
	}
	if b.waiting.Add(1) > b.maxQueue {
		b.waiting.Add(-1)
		return nil, ErrBulkheadFull
	}
	err := b.sem.Acquire(ctx, 1)
	b.waiting.Add(-1)
	if err != nil {
		return nil, err
	}
	return b.granted(), nil
}

func (b *Bulkhead) granted() func() {
	b.inflight.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			b.inflight.Add(-1)
			b.sem.Release(1)
		}
	}
}

// InFlight returns the number of calls holding a slot.
func (b *Bulkhead) InFlight() int { return int(b.inflight.Load()) }

// Waiting returns the number of callers queued for a slot.
func (b *Bulkhead) Waiting() int { return int(b.waiting.Load()) }
