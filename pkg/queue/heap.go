package queue

import (
	"context"
	"time"

	"github.com/guido-cesarano/mediaq/pkg/tasks"
)

// entry is the manager's bookkeeping for one task.
type entry[T any] struct {
	task *tasks.Task[T]
	seq  uint64
	// index is the position in the heap, or -1 when the task is not in it (assigned to a
	// worker's pending list, processing or finished).
	index  int
	cancel context.CancelFunc
	worker string
}

// before orders entries by (priority, created_at, enqueue sequence).
func (e *entry[T]) before(o *entry[T]) bool {
	if e.task.Priority != o.task.Priority {
		return e.task.Priority < o.task.Priority
	}
	if !e.task.CreatedAt.Equal(o.task.CreatedAt) {
		return e.task.CreatedAt.Before(o.task.CreatedAt)
	}
	return e.seq < o.seq
}

// taskHeap implements heap.Interface over queued entries.
type taskHeap[T any] []*entry[T]

func (h taskHeap[T]) Len() int           { return len(h) }
func (h taskHeap[T]) Less(i, j int) bool { return h[i].before(h[j]) }

func (h taskHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap[T]) Push(x any) {
	e := x.(*entry[T])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// durationRing keeps the last N processing times.
type durationRing struct {
	buf  []time.Duration
	next int
	sum  time.Duration
	size int
}

func newDurationRing(size int) *durationRing {
	return &durationRing{size: size}
}

func (r *durationRing) add(d time.Duration) {
	if len(r.buf) < r.size {
		r.buf = append(r.buf, d)
		r.sum += d
		return
	}
	r.sum += d - r.buf[r.next]
	r.buf[r.next] = d
	r.next = (r.next + 1) % r.size
}

func (r *durationRing) avg() time.Duration {
	if len(r.buf) == 0 {
		return 0
	}
	return r.sum / time.Duration(len(r.buf))
}
