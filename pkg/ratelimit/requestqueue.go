package ratelimit

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/guido-cesarano/mediaq/pkg/metrics"
	"github.com/guido-cesarano/mediaq/pkg/tasks"
)

// Future is the pending result of a queued request.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the request has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the operation result. It is only meaningful after Done is closed.
func (f *Future) Err() error {
	return f.err
}

// Wait blocks until the request finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type queuedRequest struct {
	ctx      context.Context
	priority tasks.Priority
	seq      uint64
	req      Request
	op       Operation
	future   *Future
}

type requestHeap []*queuedRequest

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x any)   { *h = append(*h, x.(*queuedRequest)) }
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type requestQueue struct {
	category Category
	capacity int
	signal   chan struct{}
	slots    *semaphore.Weighted

	mu        sync.Mutex
	items     requestHeap
	seq       uint64
	processed int64
	rejected  int64
}

func newRequestQueue(c Category, p Policy) *requestQueue {
	return &requestQueue{
		category: c,
		capacity: p.QueueSize,
		signal:   make(chan struct{}, 1),
		slots:    semaphore.NewWeighted(int64(p.MaxConcurrent)),
	}
}

func (q *requestQueue) push(item *queuedRequest) error {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.rejected++
		q.mu.Unlock()
		return ErrRequestQueueFull
	}
	q.seq++
	item.seq = q.seq
	heap.Push(&q.items, item)
	depth := len(q.items)
	q.mu.Unlock()

	metrics.RequestQueueDepth.WithLabelValues(string(q.category)).Set(float64(depth))
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *requestQueue) pop() *queuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := heap.Pop(&q.items).(*queuedRequest)
	metrics.RequestQueueDepth.WithLabelValues(string(q.category)).Set(float64(len(q.items)))
	return item
}

func (q *requestQueue) drain(err error) {
	for item := q.pop(); item != nil; item = q.pop() {
		item.future.resolve(err)
	}
}

func (q *requestQueue) stats() QueueStatistics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStatistics{
		Depth:     len(q.items),
		Capacity:  q.capacity,
		Processed: q.processed,
		Rejected:  q.rejected,
	}
}

// Start enables QueueRequest and its background loops. Loops stop when ctx is done or
// Stop is called.
func (rl *RateLimiter) Start(ctx context.Context) {
	rl.queuesMu.Lock()
	defer rl.queuesMu.Unlock()
	if rl.runCtx != nil {
		return
	}
	rl.runCtx, rl.cancel = context.WithCancel(ctx)
	for c, q := range rl.queues {
		rl.wg.Add(1)
		go rl.runQueue(rl.runCtx, c, q)
	}
}

// Stop cancels the background loops and waits up to timeout for them and their
// in-flight operations. Requests still queued fail with ErrNotRunning. It returns true
// if the timeout elapsed first.
func (rl *RateLimiter) Stop(timeout time.Duration) bool {
	rl.queuesMu.Lock()
	if rl.cancel == nil {
		rl.queuesMu.Unlock()
		return false
	}
	rl.cancel()
	rl.cancel = nil
	rl.runCtx = nil
	rl.queuesMu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		rl.wg.Wait()
	}()
	select {
	case <-done:
		return false
	case <-time.After(timeout):
		rl.log.Warn().Dur("timeout", timeout).Msg("Rate limiter request loops did not stop in time")
		return true
	}
}

// QueueRequest submits op without blocking the caller. Requests are served by priority,
// then submission order, with at most MaxConcurrent of them in Execute at once.
// A full queue fails immediately with ErrRequestQueueFull.
func (rl *RateLimiter) QueueRequest(ctx context.Context, priority tasks.Priority, req Request, op Operation) (*Future, error) {
	cs := rl.category(req.Category)
	req.Category = cs.name
	rl.queuesMu.Lock()
	if rl.runCtx == nil {
		rl.queuesMu.Unlock()
		return nil, ErrNotRunning
	}
	q, ok := rl.queues[req.Category]
	if !ok {
		q = newRequestQueue(req.Category, cs.policy)
		rl.queues[req.Category] = q
		rl.wg.Add(1)
		go rl.runQueue(rl.runCtx, req.Category, q)
	}
	// Pushed under queuesMu so a concurrent Stop drains this request.
	f := newFuture()
	err := q.push(&queuedRequest{ctx: ctx, priority: priority, req: req, op: op, future: f})
	rl.queuesMu.Unlock()
	if err != nil {
		rl.log.Warn().Str("category", string(req.Category)).Msg("Request queue full, rejecting")
		return nil, err
	}
	return f, nil
}

func (rl *RateLimiter) runQueue(ctx context.Context, c Category, q *requestQueue) {
	defer rl.wg.Done()
	log := rl.log.With().Str("category", string(c)).Logger()
	log.Debug().Msg("Request queue loop started")

	for {
		select {
		case <-ctx.Done():
			q.drain(ErrNotRunning)
			return
		case <-q.signal:
		}

		for {
			// Slot first, then pop: the request chosen is the best one waiting when the
			// slot frees up.
			if err := q.slots.Acquire(ctx, 1); err != nil {
				q.drain(ErrNotRunning)
				return
			}
			if ctx.Err() != nil {
				q.slots.Release(1)
				q.drain(ErrNotRunning)
				return
			}
			item := q.pop()
			if item == nil {
				q.slots.Release(1)
				break
			}

			rl.wg.Add(1)
			go func(item *queuedRequest) {
				defer rl.wg.Done()
				defer q.slots.Release(1)

				runCtx, cancel := context.WithCancel(item.ctx)
				stop := context.AfterFunc(ctx, cancel)
				defer stop()
				defer cancel()

				err := rl.Execute(runCtx, item.req, item.op)
				q.mu.Lock()
				q.processed++
				q.mu.Unlock()
				item.future.resolve(err)
			}(item)
		}
	}
}
