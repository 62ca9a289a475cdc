package scheduler

import (
	"container/heap"
	"time"
)

// entry is a queued reference to a task; the task itself stays in the task map.
type entry struct {
	id         string
	priority   int
	enqueuedAt time.Time
	seq        uint64
}

// before orders by priority, then enqueue time, then insertion sequence.
// Lower priority values are more urgent.
func (a entry) before(b entry) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if !a.enqueuedAt.Equal(b.enqueuedAt) {
		return a.enqueuedAt.Before(b.enqueuedAt)
	}
	return a.seq < b.seq
}

// entryHeap implements heap.Interface.
type entryHeap []entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// taskQueue is a priority queue of task ids. Cancelled or superseded entries
// are not removed in place; callers skip them when popping (lazy deletion).
// Not safe for concurrent use; the scheduler mutex guards it.
type taskQueue struct {
	h   entryHeap
	seq uint64
}

// push enqueues id and returns the entry's sequence number.
func (q *taskQueue) push(id string, priority int, at time.Time) uint64 {
	q.seq++
	heap.Push(&q.h, entry{id: id, priority: priority, enqueuedAt: at, seq: q.seq})
	return q.seq
}

// pushEntry re-inserts a previously popped entry unchanged.
func (q *taskQueue) pushEntry(e entry) { heap.Push(&q.h, e) }

func (q *taskQueue) pop() (entry, bool) {
	if len(q.h) == 0 {
		return entry{}, false
	}
	return heap.Pop(&q.h).(entry), true
}

// len counts entries including ones awaiting lazy deletion.
func (q *taskQueue) len() int { return len(q.h) }

// position returns the 1-based rank of the entry with seq among live entries,
// or 0 if it is not queued.
func (q *taskQueue) position(seq uint64, live func(entry) bool) int {
	var target entry
	found := false
	for _, e := range q.h {
		if e.seq == seq {
			target, found = e, true
			break
		}
	}
	if !found || !live(target) {
		return 0
	}
	pos := 1
	for _, e := range q.h {
		if e.seq != seq && live(e) && e.before(target) {
			pos++
		}
	}
	return pos
}

// compact drops dead entries; used when dead entries dominate the heap.
func (q *taskQueue) compact(live func(entry) bool) {
	kept := q.h[:0]
	for _, e := range q.h {
		if live(e) {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(q.h); i++ {
		q.h[i] = entry{}
	}
	q.h = kept
	heap.Init(&q.h)
}
