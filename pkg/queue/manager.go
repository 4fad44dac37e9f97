// Package queue provides the in-process priority download queue and its worker pool.
//
// Tasks are ordered by (priority, created_at) with a monotonically increasing enqueue
// sequence as the final tie-break. A fixed pool of workers pops tasks, hands them to the
// coordinator for assignment and runs the caller's Handler. Features:
//   - Admission control with backpressure callbacks (with hysteresis)
//   - Pause/resume without affecting tasks already processing
//   - Cancellation of queued and processing tasks
//   - In-place retries with exponential backoff for retryable handler errors
//   - Stuck worker detection and restart under the same worker ID
//   - Write-through persistence of task records through a Store
//
// The Manager type is the main entry point.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/mediaq/pkg/coordinator"
	"github.com/guido-cesarano/mediaq/pkg/logger"
	"github.com/guido-cesarano/mediaq/pkg/metrics"
	"github.com/guido-cesarano/mediaq/pkg/tasks"
)

const (
	persistTimeout = 5 * time.Second
	// recentDurations is the number of completions averaged for statistics.
	recentDurations = 100
)

// WorkerStatus is the state of a worker slot.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerError   WorkerStatus = "error"
	WorkerStopped WorkerStatus = "stopped"
)

type worker struct {
	id           string
	status       WorkerStatus
	currentTask  string
	completed    int64
	failed       int64
	lastActivity time.Time
	durations    *durationRing
	errMsg       string
	// generation changes on every (re)start; a loop whose generation is stale exits.
	generation uint64
	cancel     context.CancelFunc
}

// Manager owns the priority queue, the worker pool and the task lifecycle.
// It is safe for concurrent use.
type Manager[T any] struct {
	cfg      Config
	handler  Handler[T]
	coord    *coordinator.Coordinator
	store    Store
	log      zerolog.Logger
	cron     *cron.Cron
	terminal *cache.Cache

	mu        sync.Mutex
	cond      *sync.Cond
	heap      taskHeap[T]
	queued    map[string]*entry[T]
	active    map[string]*entry[T]
	workers   map[string]*worker
	order     []string
	seq       uint64
	paused    bool
	running   bool
	scheduled bool
	pressured bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	completed int64
	failed    int64
	cancelled int64
	durations *durationRing
	finishes  []time.Time

	cbMu      sync.RWMutex
	callbacks []BackpressureCallback
}

// New creates a Manager running handler for every task. Workers start with Start.
func New[T any](cfg Config, handler Handler[T], opts ...Option) (*Manager[T], error) {
	if handler == nil {
		return nil, errors.New("queue: nil handler")
	}
	cfg = cfg.withDefaults()
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.coord == nil {
		c, err := coordinator.New(coordinator.Config{WorkerTimeout: cfg.WorkerTimeout})
		if err != nil {
			return nil, err
		}
		o.coord = c
	}

	m := &Manager[T]{
		cfg:       cfg,
		handler:   handler,
		coord:     o.coord,
		store:     o.store,
		log:       logger.With("queue"),
		cron:      cron.New(),
		terminal:  cache.New(cfg.TerminalRetention, cfg.TerminalRetention/2),
		queued:    make(map[string]*entry[T]),
		active:    make(map[string]*entry[T]),
		workers:   make(map[string]*worker),
		durations: newDurationRing(recentDurations),
	}
	if o.log != nil {
		m.log = *o.log
	}
	m.cond = sync.NewCond(&m.mu)

	// Workers receiving redistributed tasks may be asleep.
	m.coord.AddRebalanceCallback(func([]coordinator.Move) { m.cond.Broadcast() })
	m.coord.AddFailureCallback(func(workerID, reason string) {
		m.log.Warn().Str("worker_id", workerID).Str("reason", reason).Msg("Worker unhealthy")
	})
	return m, nil
}

// Coordinator returns the worker coordinator used for assignment.
func (m *Manager[T]) Coordinator() *coordinator.Coordinator {
	return m.coord
}

// AddBackpressureCallback registers fn for backpressure transitions. It fires once when
// depth reaches BackpressureThreshold of capacity and once when depth falls below half
// of that threshold.
func (m *Manager[T]) AddBackpressureCallback(fn BackpressureCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Start launches exactly MaxWorkers worker loops and the periodic health, rebalance and
// metrics jobs. Loops run until Stop is called or ctx is done.
func (m *Manager[T]) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}
	if !m.scheduled {
		jobs := []struct {
			name string
			spec string
			fn   func()
		}{
			{"health check", m.cfg.HealthCheckSpec, m.checkWorkers},
			{"rebalance", m.cfg.RebalanceSpec, func() { m.coord.Rebalance() }},
			{"metrics", m.cfg.MetricsSpec, m.publishMetrics},
		}
		for _, j := range jobs {
			if _, err := m.cron.AddFunc(j.spec, j.fn); err != nil {
				return errors.Wrapf(err, "scheduling %s job %q", j.name, j.spec)
			}
		}
		m.scheduled = true
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	now := time.Now()
	for i := 1; i <= m.cfg.MaxWorkers; i++ {
		id := fmt.Sprintf("%s-%d", m.cfg.WorkerIDPrefix, i)
		w, ok := m.workers[id]
		if !ok {
			w = &worker{id: id, durations: newDurationRing(recentDurations)}
			m.workers[id] = w
			m.order = append(m.order, id)
		}
		w.status = WorkerIdle
		w.currentTask = ""
		w.lastActivity = now
		m.coord.RegisterWorker(id)
		m.spawn(w)
	}
	m.cron.Start()

	m.log.Info().
		Int("workers", m.cfg.MaxWorkers).
		Int("max_queue_size", m.cfg.MaxQueueSize).
		Str("strategy", m.coord.Strategy().Name()).
		Msg("Queue manager started")
	return nil
}

// spawn starts a new loop generation for w. Caller holds m.mu.
func (m *Manager[T]) spawn(w *worker) {
	w.generation++
	wctx, cancel := context.WithCancel(m.ctx)
	w.cancel = cancel
	m.wg.Add(1)
	go m.runWorker(wctx, w, w.generation)
}

// Stop cancels all worker loops and periodic jobs and waits up to timeout for them to
// exit. Workers still running after the timeout are abandoned. It returns true if the
// timeout elapsed first.
func (m *Manager[T]) Stop(timeout time.Duration) bool {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return false
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()
	m.cond.Broadcast()

	cronDone := m.cron.Stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
		<-cronDone.Done()
	}()

	timedOut := false
	select {
	case <-done:
	case <-time.After(timeout):
		timedOut = true
		m.log.Warn().Dur("timeout", timeout).Msg("Workers did not stop in time, abandoning them")
	}

	m.mu.Lock()
	for _, w := range m.workers {
		w.status = WorkerStopped
	}
	m.gaugesLocked()
	m.mu.Unlock()

	m.log.Info().Bool("timed_out", timedOut).Msg("Queue manager stopped")
	return timedOut
}

// Pause stops workers from taking new tasks. Tasks already processing continue.
func (m *Manager[T]) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	m.log.Info().Msg("Queue paused")
}

// Resume lets workers take tasks again.
func (m *Manager[T]) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.cond.Broadcast()
	m.log.Info().Msg("Queue resumed")
}

// Enqueue adds a task carrying payload. It fails with ErrQueueFull when MaxQueueSize
// tasks are already queued.
func (m *Manager[T]) Enqueue(ctx context.Context, payload T, priority tasks.Priority, opts ...EnqueueOption) (string, error) {
	if !priority.Valid() {
		return "", errors.Errorf("invalid priority %d", int(priority))
	}
	o := enqueueOptions{maxAttempts: m.cfg.MaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = 1
	}

	m.mu.Lock()
	if len(m.queued) >= m.cfg.MaxQueueSize {
		depth := len(m.queued)
		m.mu.Unlock()
		m.log.Warn().Int("depth", depth).Msg("Queue full, rejecting task")
		return "", ErrQueueFull
	}
	if m.knownLocked(o.id) {
		m.mu.Unlock()
		return "", errors.Wrapf(ErrDuplicateTask, "task %s", o.id)
	}
	m.seq++
	t := &tasks.Task[T]{
		ID:          o.id,
		Priority:    priority,
		Status:      tasks.StatusQueued,
		CreatedAt:   time.Now(),
		MaxAttempts: o.maxAttempts,
		Payload:     payload,
	}
	e := &entry[T]{task: t, seq: m.seq}
	heap.Push(&m.heap, e)
	m.queued[t.ID] = e
	ev := m.pressureLocked()
	rec := t.Record()
	m.gaugesLocked()
	m.mu.Unlock()

	m.cond.Signal()
	m.fireBackpressure(ev)
	m.persist(ctx, rec)

	m.log.Debug().Str("task_id", t.ID).Str("priority", priority.String()).Msg("Task enqueued")
	return t.ID, nil
}

// knownLocked reports whether id belongs to a queued, processing or retained task.
func (m *Manager[T]) knownLocked(id string) bool {
	if _, ok := m.queued[id]; ok {
		return true
	}
	if _, ok := m.active[id]; ok {
		return true
	}
	_, ok := m.terminal.Get(id)
	return ok
}

// Schedule enqueues payload every time the cron spec fires.
func (m *Manager[T]) Schedule(spec string, payload T, priority tasks.Priority, opts ...EnqueueOption) (cron.EntryID, error) {
	return m.cron.AddFunc(spec, func() {
		id, err := m.Enqueue(context.Background(), payload, priority, opts...)
		if err != nil {
			m.log.Error().Err(err).Str("spec", spec).Msg("Failed to enqueue scheduled task")
			return
		}
		m.log.Info().Str("task_id", id).Str("spec", spec).Msg("Scheduled task enqueued")
	})
}

// Cancel removes a queued task, or signals a processing task to abort and marks it
// cancelled. It returns false for unknown and already finished tasks.
func (m *Manager[T]) Cancel(ctx context.Context, id string) bool {
	now := time.Now()
	var ev *BackpressureEvent

	m.mu.Lock()
	e, queued := m.queued[id]
	if queued {
		if e.index >= 0 {
			heap.Remove(&m.heap, e.index)
		} else {
			m.coord.RemoveTask(id)
		}
		delete(m.queued, id)
		ev = m.pressureLocked()
	} else if e, queued = m.active[id]; queued {
		// The worker notices at its next checkpoint and leaves the status alone.
		e.cancel()
		delete(m.active, id)
	} else {
		m.mu.Unlock()
		return false
	}
	wasProcessing := e.task.Status == tasks.StatusProcessing
	e.task.Status = tasks.StatusCancelled
	e.task.CompletedAt = &now
	m.cancelled++
	m.retireLocked(e)
	rec := e.task.Record()
	m.gaugesLocked()
	m.mu.Unlock()

	m.fireBackpressure(ev)
	metrics.TasksProcessed.WithLabelValues(string(tasks.StatusCancelled), rec.Priority.String()).Inc()
	m.persist(ctx, rec)
	m.log.Info().Str("task_id", id).Bool("was_processing", wasProcessing).Msg("Task cancelled")
	return true
}

// TaskStatus looks a task up in the processing set, the retained finished tasks, the
// queue and finally the Store.
func (m *Manager[T]) TaskStatus(ctx context.Context, id string) (tasks.Record, error) {
	m.mu.Lock()
	if e, ok := m.active[id]; ok {
		rec := e.task.Record()
		m.mu.Unlock()
		return rec, nil
	}
	m.mu.Unlock()

	if v, ok := m.terminal.Get(id); ok {
		return v.(tasks.Record), nil
	}

	m.mu.Lock()
	if e, ok := m.queued[id]; ok {
		rec := e.task.Record()
		m.mu.Unlock()
		return rec, nil
	}
	m.mu.Unlock()

	if m.store != nil {
		rec, err := m.store.LoadTask(ctx, id)
		if err != nil {
			return tasks.Record{}, errors.Wrapf(err, "loading task %s", id)
		}
		if rec != nil {
			return *rec, nil
		}
	}
	return tasks.Record{}, ErrTaskNotFound
}

// pressureLocked updates the backpressure state and returns the transition, if any.
// Caller holds m.mu.
func (m *Manager[T]) pressureLocked() *BackpressureEvent {
	depth := len(m.queued)
	limit := m.cfg.BackpressureThreshold * float64(m.cfg.MaxQueueSize)
	high := int(math.Ceil(limit - 1e-9))
	switch {
	case !m.pressured && depth >= high:
		m.pressured = true
	case m.pressured && float64(depth) < limit/2:
		m.pressured = false
	default:
		return nil
	}
	return &BackpressureEvent{High: m.pressured, Depth: depth, Capacity: m.cfg.MaxQueueSize}
}

func (m *Manager[T]) fireBackpressure(ev *BackpressureEvent) {
	if ev == nil {
		return
	}
	state := "low"
	if ev.High {
		state = "high"
	}
	metrics.BackpressureTransitions.WithLabelValues(state).Inc()
	m.log.Warn().Str("state", state).Int("depth", ev.Depth).Int("capacity", ev.Capacity).Msg("Backpressure changed")

	m.cbMu.RLock()
	cbs := append([]BackpressureCallback(nil), m.callbacks...)
	m.cbMu.RUnlock()
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().Interface("panic", r).Msg("Backpressure callback panicked")
				}
			}()
			cb(*ev)
		}()
	}
}

// retireLocked keeps a finished task around for status lookups. Caller holds m.mu.
func (m *Manager[T]) retireLocked(e *entry[T]) {
	m.terminal.Set(e.task.ID, e.task.Record(), cache.DefaultExpiration)
	if e.task.Status == tasks.StatusCancelled {
		return
	}
	now := time.Now()
	m.finishes = append(m.finishes, now)
	m.pruneFinishesLocked(now)
}

func (m *Manager[T]) pruneFinishesLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(m.finishes) && m.finishes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		m.finishes = append(m.finishes[:0], m.finishes[i:]...)
	}
}

func (m *Manager[T]) gaugesLocked() {
	metrics.QueueDepth.Set(float64(len(m.queued)))
	metrics.ActiveWorkers.Set(float64(len(m.active)))
}

func (m *Manager[T]) publishMetrics() {
	m.mu.Lock()
	m.gaugesLocked()
	m.mu.Unlock()
}

func (m *Manager[T]) persist(ctx context.Context, rec tasks.Record) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := m.store.SaveTask(ctx, rec); err != nil {
		m.log.Error().Err(err).Str("task_id", rec.ID).Str("status", string(rec.Status)).Msg("Failed to persist task")
	}
}
