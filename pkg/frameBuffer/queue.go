package frameBuffer

import (
	"context"
	"sync"
	"sync/atomic"
)

// Queue hands frames from acquisition to processing. Put never blocks: when the queue
// is full the oldest unprocessed frame is dropped, so a slow detector costs detection
// opportunities instead of stalling the camera.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Frame
	depth  int
	closed bool

	dropped atomic.Uint64
}

func NewQueue(depth int) *Queue {
	if depth < 1 {
		depth = 1
	}
	q := &Queue{depth: depth, items: make([]Frame, 0, depth)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put enqueues f and reports whether an older frame had to be dropped for it.
func (q *Queue) Put(f Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	dropped := false
	if len(q.items) == q.depth {
		q.pop()
		q.dropped.Add(1)
		dropped = true
	}
	q.items = append(q.items, f)
	q.cond.Signal()
	return dropped
}

// Get blocks until a frame is available, the queue is closed and empty, or ctx ends.
// ok is false in the latter two cases.
func (q *Queue) Get(ctx context.Context) (Frame, bool) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.closed || ctx.Err() != nil {
			return Frame{}, false
		}
		q.cond.Wait()
	}
	return q.pop(), true
}

// TryGet returns a frame if one is waiting without blocking.
func (q *Queue) TryGet() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Frame{}, false
	}
	return q.pop(), true
}

// pop shifts in place so the backing array never grows past depth. Caller holds mu.
func (q *Queue) pop() Frame {
	f := q.items[0]
	n := copy(q.items, q.items[1:])
	q.items[n] = Frame{}
	q.items = q.items[:n]
	return f
}

// Close wakes all waiters. Frames already queued can still be read.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
