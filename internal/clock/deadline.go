package clock

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// DeadlineFunc is invoked when a deadline elapses. Wake-up may be delayed,
// so callbacks must be idempotent.
type DeadlineFunc func(now time.Time)

type deadline struct {
	id    int64
	at    time.Time
	fn    DeadlineFunc
	index int
}

// deadlineHeap orders deadlines by fire time, earliest first.
type deadlineHeap []*deadline

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *deadlineHeap) Push(x any)         { d := x.(*deadline); d.index = len(*h); *h = append(*h, d) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	d.index = -1
	*h = old[:n-1]
	return d
}

// DeadlineQueue fires callbacks when their deadlines elapse. It polls the
// clock so it works with both the system clock and a fake clock in tests.
type DeadlineQueue struct {
	clock    Clock
	interval time.Duration
	mu       sync.Mutex
	heap     deadlineHeap
	nextID   int64
	byID     map[int64]*deadline
}

// NewDeadlineQueue creates a deadline queue polling at the given interval.
func NewDeadlineQueue(clk Clock, interval time.Duration) *DeadlineQueue {
	if interval <= 0 {
		interval = time.Second
	}
	q := &DeadlineQueue{
		clock:    clk,
		interval: interval,
		byID:     make(map[int64]*deadline),
	}
	heap.Init(&q.heap)
	return q
}

// Schedule registers fn to fire at the given instant. The returned ID can
// cancel the deadline before it fires.
func (q *DeadlineQueue) Schedule(at time.Time, fn DeadlineFunc) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	d := &deadline{id: q.nextID, at: at, fn: fn}
	heap.Push(&q.heap, d)
	q.byID[d.id] = d
	return d.id
}

// Cancel removes a scheduled deadline. Canceling an already-fired or
// unknown ID is a no-op and leaves no tracking state behind.
func (q *DeadlineQueue) Cancel(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.byID[id]
	if !ok {
		return
	}
	delete(q.byID, id)
	heap.Remove(&q.heap, d.index)
}

// Len returns the number of pending deadlines.
func (q *DeadlineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Run polls for elapsed deadlines until the context is canceled.
func (q *DeadlineQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.clock.After(q.interval):
			q.Tick()
		}
	}
}

// Tick fires every deadline at or before the clock's current time.
// Exposed so tests and fake-clock callers can drive the queue directly.
func (q *DeadlineQueue) Tick() {
	now := q.clock.Now()

	for {
		q.mu.Lock()
		if q.heap.Len() == 0 || q.heap[0].at.After(now) {
			q.mu.Unlock()
			return
		}
		d := heap.Pop(&q.heap).(*deadline)
		delete(q.byID, d.id)
		q.mu.Unlock()

		d.fn(now)
	}
}
