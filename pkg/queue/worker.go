package queue

import (
	"container/heap"
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/mediaq/pkg/coordinator"
	"github.com/guido-cesarano/mediaq/pkg/metrics"
	"github.com/guido-cesarano/mediaq/pkg/ratelimit"
	"github.com/guido-cesarano/mediaq/pkg/tasks"
)

// panicError wraps a value recovered from a handler panic.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", p.value)
}

func (m *Manager[T]) runWorker(ctx context.Context, w *worker, gen uint64) {
	defer m.wg.Done()
	log := m.log.With().Str("worker_id", w.id).Uint64("generation", gen).Logger()
	log.Debug().Msg("Worker started")

	for {
		e, taskCtx, ev, ok := m.next(ctx, w, gen)
		m.fireBackpressure(ev)
		if !ok {
			log.Debug().Msg("Worker stopped")
			return
		}
		m.process(ctx, taskCtx, w, gen, e, log)
	}
}

// next blocks until the worker has a task to run. Tasks already assigned to the worker
// come first; otherwise the head of the queue is handed to the coordinator, which picks
// among the workers free to start it, this one included.
func (m *Manager[T]) next(ctx context.Context, w *worker, gen uint64) (*entry[T], context.Context, *BackpressureEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if ctx.Err() != nil || w.generation != gen {
			return nil, nil, nil, false
		}
		m.coord.Heartbeat(w.id)
		if !m.paused {
			if a, ok := m.coord.NextTask(w.id); ok {
				e, ok := m.queued[a.TaskID]
				if !ok {
					continue
				}
				return e, m.beginLocked(ctx, w, e), m.pressureLocked(), true
			}
			if m.heap.Len() > 0 {
				e := heap.Pop(&m.heap).(*entry[T])
				target, err := m.coord.AssignTaskAmong(coordinator.Assignment{
					TaskID:    e.task.ID,
					Priority:  e.task.Priority,
					CreatedAt: e.task.CreatedAt,
					Seq:       e.seq,
				}, m.idleLocked())
				if err != nil {
					m.log.Error().Err(err).Str("task_id", e.task.ID).Msg("Assignment failed, running task locally")
					return e, m.beginLocked(ctx, w, e), m.pressureLocked(), true
				}
				e.worker = target
				if target != w.id {
					m.cond.Broadcast()
				}
				continue
			}
		}
		m.cond.Wait()
	}
}

// idleLocked returns the workers waiting for a task. Caller holds m.mu.
func (m *Manager[T]) idleLocked() []string {
	ids := make([]string, 0, len(m.order))
	for _, id := range m.order {
		if m.workers[id].status == WorkerIdle {
			ids = append(ids, id)
		}
	}
	return ids
}

// beginLocked moves e from queued to processing on w. Caller holds m.mu.
func (m *Manager[T]) beginLocked(ctx context.Context, w *worker, e *entry[T]) context.Context {
	now := time.Now()
	delete(m.queued, e.task.ID)
	m.active[e.task.ID] = e
	e.task.Status = tasks.StatusProcessing
	e.task.StartedAt = &now
	e.task.AssignedWorker = w.id
	e.worker = w.id
	taskCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	w.status = WorkerBusy
	w.currentTask = e.task.ID
	w.lastActivity = now
	m.coord.TaskStarted(w.id, e.task.ID)
	m.gaugesLocked()
	metrics.QueueLatency.WithLabelValues(e.task.Priority.String()).Observe(now.Sub(e.task.CreatedAt).Seconds())
	return taskCtx
}

func (m *Manager[T]) process(ctx, taskCtx context.Context, w *worker, gen uint64, e *entry[T], log zerolog.Logger) {
	start := time.Now()
	err := m.execute(taskCtx, w, gen, e, log)
	elapsed := time.Since(start)
	e.cancel()

	fault := m.finish(w, gen, e, err, elapsed, log)
	if !fault {
		return
	}
	if m.cfg.WorkerErrorPause > 0 {
		t := time.NewTimer(m.cfg.WorkerErrorPause)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}
	m.mu.Lock()
	if w.generation == gen && w.status == WorkerError {
		w.status = WorkerIdle
		w.lastActivity = time.Now()
	}
	m.mu.Unlock()
}

// execute runs the handler, retrying retryable errors in place with exponential backoff.
func (m *Manager[T]) execute(ctx context.Context, w *worker, gen uint64, e *entry[T], log zerolog.Logger) error {
	for {
		m.mu.Lock()
		e.task.Attempts++
		snapshot := *e.task
		m.mu.Unlock()

		err := m.run(ctx, snapshot)
		if err == nil || ctx.Err() != nil {
			return err
		}
		var pe *panicError
		if errors.As(err, &pe) {
			return err
		}
		if !ratelimit.Classify(err).Retryable() || snapshot.Attempts >= snapshot.MaxAttempts {
			return err
		}

		delay := m.retryDelay(snapshot.Attempts)
		log.Warn().Err(err).
			Str("task_id", snapshot.ID).
			Int("attempt", snapshot.Attempts).
			Dur("delay", delay).
			Msg("Task failed, retrying")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		m.touch(w, gen)
	}
}

func (m *Manager[T]) run(ctx context.Context, t tasks.Task[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return m.handler(ctx, t)
}

// retryDelay is RetryBaseDelay * 2^attempt, capped at RetryMaxDelay.
func (m *Manager[T]) retryDelay(attempt int) time.Duration {
	d := m.cfg.RetryBaseDelay
	for i := 0; i < attempt && d < m.cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > m.cfg.RetryMaxDelay {
		d = m.cfg.RetryMaxDelay
	}
	return d
}

func (m *Manager[T]) touch(w *worker, gen uint64) {
	m.mu.Lock()
	if w.generation == gen {
		w.lastActivity = time.Now()
	}
	m.mu.Unlock()
}

// finish records the outcome of e and returns true if the handler panicked. A task that
// was cancelled or failed by a restart keeps the status it was given.
func (m *Manager[T]) finish(w *worker, gen uint64, e *entry[T], err error, elapsed time.Duration, log zerolog.Logger) bool {
	var pe *panicError
	fault := errors.As(err, &pe)
	now := time.Now()

	m.mu.Lock()
	if w.generation != gen {
		m.mu.Unlock()
		log.Warn().Str("task_id", e.task.ID).Msg("Discarding result of restarted worker")
		return false
	}
	w.currentTask = ""
	w.lastActivity = now
	w.durations.add(elapsed)
	cancelled := e.task.Status == tasks.StatusCancelled
	if !cancelled {
		e.task.CompletedAt = &now
		if err == nil {
			e.task.Status = tasks.StatusCompleted
			e.task.Error = ""
			m.completed++
			w.completed++
		} else {
			e.task.Status = tasks.StatusFailed
			e.task.Error = err.Error()
			m.failed++
			w.failed++
		}
		delete(m.active, e.task.ID)
		m.durations.add(elapsed)
		m.retireLocked(e)
	}
	switch {
	case fault:
		w.status = WorkerError
		w.errMsg = pe.Error()
	case m.running:
		w.status = WorkerIdle
	default:
		w.status = WorkerStopped
	}
	rec := e.task.Record()
	m.gaugesLocked()
	m.mu.Unlock()

	if cancelled {
		m.coord.TaskCancelled(w.id, rec.ID)
		log.Info().Str("task_id", rec.ID).Msg("Cancelled task stopped")
		return fault
	}
	m.coord.TaskCompleted(w.id, rec.ID, elapsed, err == nil)

	priority := rec.Priority.String()
	metrics.TasksProcessed.WithLabelValues(string(rec.Status), priority).Inc()
	metrics.TaskDuration.WithLabelValues(priority).Observe(elapsed.Seconds())
	switch {
	case fault:
		log.Error().Str("task_id", rec.ID).Interface("panic", pe.value).Bytes("stack", pe.stack).Msg("Handler panicked")
	case err != nil:
		log.Error().Err(err).Str("task_id", rec.ID).Int("attempts", rec.Attempts).Msg("Task failed")
	default:
		log.Info().Str("task_id", rec.ID).Dur("duration", elapsed).Msg("Task completed")
	}
	m.persist(context.Background(), rec)
	return fault
}

// checkWorkers restarts busy workers without activity for WorkerTimeout. Their task is
// failed and their pending assignments are handed to other workers.
func (m *Manager[T]) checkWorkers() {
	type restart struct {
		id      string
		taskID  string
		elapsed time.Duration
		rec     *tasks.Record
	}
	now := time.Now()
	var restarts []restart

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	for _, id := range m.order {
		w := m.workers[id]
		if w.status == WorkerIdle {
			// Idle loops sleep on the condition variable and send no heartbeats of their own.
			m.coord.Heartbeat(id)
			continue
		}
		if w.status != WorkerBusy || now.Sub(w.lastActivity) <= m.cfg.WorkerTimeout {
			continue
		}
		r := restart{id: id, taskID: w.currentTask}
		if e, ok := m.active[w.currentTask]; ok {
			e.task.Status = tasks.StatusFailed
			e.task.CompletedAt = &now
			e.task.Error = fmt.Sprintf("worker %s restarted after %s without activity", id, m.cfg.WorkerTimeout)
			e.cancel()
			delete(m.active, e.task.ID)
			m.failed++
			w.failed++
			m.retireLocked(e)
			rec := e.task.Record()
			r.rec = &rec
			if e.task.StartedAt != nil {
				r.elapsed = now.Sub(*e.task.StartedAt)
			}
		}
		// The stuck loop is orphaned now; the replacement starts once the pending
		// assignments have moved.
		w.cancel()
		w.generation++
		w.status = WorkerStopped
		w.currentTask = ""
		w.lastActivity = now
		restarts = append(restarts, r)
	}
	m.gaugesLocked()
	m.mu.Unlock()

	for _, r := range restarts {
		metrics.WorkerRestarts.Inc()
		m.log.Warn().Str("worker_id", r.id).Str("task_id", r.taskID).Msg("Worker stuck, restarting")
		if r.rec != nil {
			m.coord.TaskCompleted(r.id, r.taskID, r.elapsed, false)
			metrics.TasksProcessed.WithLabelValues(string(tasks.StatusFailed), r.rec.Priority.String()).Inc()
			m.persist(context.Background(), *r.rec)
		}
		m.coord.Redistribute(r.id, "restart")
	}

	m.mu.Lock()
	if m.running {
		for _, r := range restarts {
			w := m.workers[r.id]
			if w.status != WorkerStopped {
				continue
			}
			w.status = WorkerIdle
			w.lastActivity = time.Now()
			m.spawn(w)
		}
	}
	m.mu.Unlock()
	for _, id := range m.coord.CheckHealth() {
		m.log.Warn().Str("worker_id", id).Msg("Worker heartbeat timed out")
	}
	m.cond.Broadcast()
}

// WorkerInfo is a snapshot of one worker slot.
type WorkerInfo struct {
	WorkerID          string        `json:"worker_id"`
	Status            WorkerStatus  `json:"status"`
	CurrentTaskID     string        `json:"current_task_id,omitempty"`
	TasksCompleted    int64         `json:"tasks_completed"`
	TasksFailed       int64         `json:"tasks_failed"`
	LastActivity      time.Time     `json:"last_activity"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	ErrorMessage      string        `json:"error_message,omitempty"`
}

// WorkerInfo returns all worker slots ordered by ID.
func (m *Manager[T]) WorkerInfo() []WorkerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerInfo, 0, len(m.order))
	for _, id := range m.order {
		w := m.workers[id]
		out = append(out, WorkerInfo{
			WorkerID:          w.id,
			Status:            w.status,
			CurrentTaskID:     w.currentTask,
			TasksCompleted:    w.completed,
			TasksFailed:       w.failed,
			LastActivity:      w.lastActivity,
			AvgProcessingTime: w.durations.avg(),
			ErrorMessage:      w.errMsg,
		})
	}
	return out
}

// Statistics is a snapshot of the queue.
type Statistics struct {
	Queued              int            `json:"queued"`
	Processing          int            `json:"processing"`
	Completed           int64          `json:"completed"`
	Failed              int64          `json:"failed"`
	Cancelled           int64          `json:"cancelled"`
	ActiveWorkers       int            `json:"active_workers"`
	TotalWorkers        int            `json:"total_workers"`
	Paused              bool           `json:"paused"`
	Capacity            int            `json:"capacity"`
	Backpressure        bool           `json:"backpressure"`
	AvgProcessingTime   time.Duration  `json:"avg_processing_time"`
	ThroughputPerMinute float64        `json:"throughput_per_minute"`
	ETA                 *time.Duration `json:"eta,omitempty"`
}

// QueueStatistics returns counts, throughput over the last minute and the estimated time
// to drain the backlog at that throughput.
func (m *Manager[T]) QueueStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneFinishesLocked(time.Now())

	s := Statistics{
		Queued:              len(m.queued),
		Processing:          len(m.active),
		Completed:           m.completed,
		Failed:              m.failed,
		Cancelled:           m.cancelled,
		TotalWorkers:        len(m.workers),
		Paused:              m.paused,
		Capacity:            m.cfg.MaxQueueSize,
		Backpressure:        m.pressured,
		AvgProcessingTime:   m.durations.avg(),
		ThroughputPerMinute: float64(len(m.finishes)),
	}
	for _, w := range m.workers {
		if w.status == WorkerBusy {
			s.ActiveWorkers++
		}
	}
	if s.ThroughputPerMinute > 0 {
		eta := time.Duration(float64(s.Queued+s.Processing) / s.ThroughputPerMinute * float64(time.Minute))
		s.ETA = &eta
	}
	return s
}
