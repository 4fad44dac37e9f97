package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guido-cesarano/mediaq/pkg/coordinator"
	"github.com/guido-cesarano/mediaq/pkg/ratelimit"
	"github.com/guido-cesarano/mediaq/pkg/tasks"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]tasks.Record
	saves   []tasks.Status
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]tasks.Record)}
}

func (s *fakeStore) SaveTask(_ context.Context, rec tasks.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	s.saves = append(s.saves, rec.Status)
	return nil
}

func (s *fakeStore) LoadTask(_ context.Context, id string) (*tasks.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *fakeStore) status(id string) tasks.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id].Status
}

func testConfig(workers int) Config {
	cfg := DefaultConfig()
	cfg.MaxWorkers = workers
	cfg.MaxQueueSize = 100
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.WorkerErrorPause = 20 * time.Millisecond
	return cfg
}

func newTestManager[T any](t *testing.T, cfg Config, handler Handler[T], opts ...Option) *Manager[T] {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	m, err := New(cfg, handler, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Stop(time.Second) })
	return m
}

func waitStatus[T any](t *testing.T, m *Manager[T], id string, want tasks.Status) tasks.Record {
	t.Helper()
	var rec tasks.Record
	require.Eventually(t, func() bool {
		r, err := m.TaskStatus(context.Background(), id)
		if err != nil {
			return false
		}
		rec = r
		return r.Status == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return rec
}

func TestDequeueOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
		done  = make(chan struct{})
	)
	m := newTestManager(t, testConfig(1), func(_ context.Context, task tasks.Task[string]) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, task.Payload)
		if len(order) == 5 {
			close(done)
		}
		return nil
	})

	ctx := context.Background()
	for _, in := range []struct {
		name     string
		priority tasks.Priority
	}{
		{"A", tasks.PriorityNormal},
		{"B", tasks.PriorityHigh},
		{"C", tasks.PriorityLow},
		{"D", tasks.PriorityCritical},
		{"E", tasks.PriorityNormal},
	} {
		_, err := m.Enqueue(ctx, in.name, in.priority)
		require.NoError(t, err)
	}

	require.NoError(t, m.Start(ctx))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks were not processed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"D", "B", "A", "E", "C"}, order)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	cfg := testConfig(1)
	cfg.MaxQueueSize = 10
	cfg.BackpressureThreshold = 0.8
	m := newTestManager(t, cfg, func(context.Context, tasks.Task[int]) error { return nil })

	var events []BackpressureEvent
	m.AddBackpressureCallback(func(ev BackpressureEvent) { events = append(events, ev) })

	ctx := context.Background()
	var ids []string
	for i := 0; i < 10; i++ {
		id, err := m.Enqueue(ctx, i, tasks.PriorityNormal)
		require.NoError(t, err, "enqueue %d", i+1)
		ids = append(ids, id)
		if i == 6 {
			assert.Empty(t, events, "no backpressure before depth 8")
		}
	}
	require.Len(t, events, 1)
	assert.Equal(t, BackpressureEvent{High: true, Depth: 8, Capacity: 10}, events[0])

	_, err := m.Enqueue(ctx, 11, tasks.PriorityNormal)
	assert.ErrorIs(t, err, ErrQueueFull)

	// Hysteresis: the warning clears only below half of the threshold.
	for _, id := range ids[:6] {
		require.True(t, m.Cancel(ctx, id))
	}
	assert.Len(t, events, 1, "depth 4 is not below 4")
	require.True(t, m.Cancel(ctx, ids[6]))
	require.Len(t, events, 2)
	assert.Equal(t, BackpressureEvent{High: false, Depth: 3, Capacity: 10}, events[1])

	stats := m.QueueStatistics()
	assert.Equal(t, 3, stats.Queued)
	assert.Equal(t, int64(7), stats.Cancelled)
	assert.False(t, stats.Backpressure)
}

func TestEnqueueValidation(t *testing.T) {
	m := newTestManager(t, testConfig(1), func(context.Context, tasks.Task[int]) error { return nil })
	ctx := context.Background()

	_, err := m.Enqueue(ctx, 1, tasks.Priority(42))
	assert.Error(t, err)

	id, err := m.Enqueue(ctx, 1, tasks.PriorityLow, WithTaskID("fixed"))
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)

	_, err = m.Enqueue(ctx, 2, tasks.PriorityLow, WithTaskID("fixed"))
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestCancelQueuedTask(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	m := newTestManager(t, testConfig(1), func(_ context.Context, task tasks.Task[string]) error {
		mu.Lock()
		seen = append(seen, task.ID)
		mu.Unlock()
		return nil
	})
	ctx := context.Background()

	victim, err := m.Enqueue(ctx, "victim", tasks.PriorityCritical)
	require.NoError(t, err)
	other, err := m.Enqueue(ctx, "other", tasks.PriorityLow)
	require.NoError(t, err)

	assert.True(t, m.Cancel(ctx, victim))
	assert.False(t, m.Cancel(ctx, victim), "second cancel is a no-op")
	assert.False(t, m.Cancel(ctx, "unknown"))

	require.NoError(t, m.Start(ctx))
	waitStatus(t, m, other, tasks.StatusCompleted)
	assert.False(t, m.Cancel(ctx, other), "finished tasks cannot be cancelled")

	rec, err := m.TaskStatus(ctx, victim)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCancelled, rec.Status)
	assert.NotNil(t, rec.CompletedAt)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{other}, seen)
}

func TestCancelProcessingTask(t *testing.T) {
	started := make(chan struct{})
	m := newTestManager(t, testConfig(1), func(ctx context.Context, _ tasks.Task[int]) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	id, err := m.Enqueue(ctx, 1, tasks.PriorityNormal)
	require.NoError(t, err)
	<-started

	assert.True(t, m.Cancel(ctx, id))
	assert.False(t, m.Cancel(ctx, id))

	require.Eventually(t, func() bool {
		return m.WorkerInfo()[0].Status == WorkerIdle
	}, time.Second, 5*time.Millisecond)

	rec, err := m.TaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCancelled, rec.Status, "the worker must not overwrite the cancellation")
	stats := m.QueueStatistics()
	assert.Equal(t, int64(0), stats.Failed)
	assert.Equal(t, int64(1), stats.Cancelled)
}

func TestConcurrencyBound(t *testing.T) {
	const workers, total = 3, 20
	var current, peak, done atomic.Int32
	m := newTestManager(t, testConfig(workers), func(context.Context, tasks.Task[int]) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		done.Add(1)
		return nil
	})
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	for i := 0; i < total; i++ {
		_, err := m.Enqueue(ctx, i, tasks.Priority(i%5))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return done.Load() == total }, 5*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(workers))

	require.Eventually(t, func() bool { return m.QueueStatistics().Completed == total }, time.Second, 5*time.Millisecond)
	stats := m.QueueStatistics()
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, workers, stats.TotalWorkers)
	assert.Equal(t, float64(total), stats.ThroughputPerMinute)
	require.NotNil(t, stats.ETA)
	assert.Zero(t, *stats.ETA)
}

func TestRetryableErrorsRetriedInPlace(t *testing.T) {
	var calls atomic.Int32
	m := newTestManager(t, testConfig(1), func(context.Context, tasks.Task[int]) error {
		if calls.Add(1) < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	id, err := m.Enqueue(ctx, 1, tasks.PriorityNormal)
	require.NoError(t, err)
	rec := waitStatus(t, m, id, tasks.StatusCompleted)
	assert.Equal(t, 3, rec.Attempts)
	assert.Empty(t, rec.Error)
}

func TestPermanentErrorFailsTask(t *testing.T) {
	var calls atomic.Int32
	m := newTestManager(t, testConfig(1), func(context.Context, tasks.Task[int]) error {
		calls.Add(1)
		return ratelimit.Permanent(errors.New("file not found"))
	})
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	id, err := m.Enqueue(ctx, 1, tasks.PriorityNormal)
	require.NoError(t, err)
	rec := waitStatus(t, m, id, tasks.StatusFailed)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "file not found", rec.Error)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAttemptsBounded(t *testing.T) {
	m := newTestManager(t, testConfig(1), func(context.Context, tasks.Task[int]) error {
		return errors.New("still broken")
	})
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	id, err := m.Enqueue(ctx, 1, tasks.PriorityNormal, WithMaxAttempts(2))
	require.NoError(t, err)
	rec := waitStatus(t, m, id, tasks.StatusFailed)
	assert.Equal(t, 2, rec.Attempts)
}

func TestHandlerPanicIsWorkerFault(t *testing.T) {
	m := newTestManager(t, testConfig(1), func(_ context.Context, task tasks.Task[string]) error {
		if task.Payload == "boom" {
			panic("decoder exploded")
		}
		return nil
	})
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	bad, err := m.Enqueue(ctx, "boom", tasks.PriorityNormal)
	require.NoError(t, err)
	rec := waitStatus(t, m, bad, tasks.StatusFailed)
	assert.Contains(t, rec.Error, "decoder exploded")
	assert.Equal(t, 1, rec.Attempts, "panics are not retried")

	require.Eventually(t, func() bool {
		info := m.WorkerInfo()[0]
		return info.Status == WorkerIdle && info.ErrorMessage != ""
	}, time.Second, 5*time.Millisecond)

	good, err := m.Enqueue(ctx, "fine", tasks.PriorityNormal)
	require.NoError(t, err)
	waitStatus(t, m, good, tasks.StatusCompleted)
}

func TestStuckWorkerRestarted(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	cfg := testConfig(1)
	cfg.WorkerTimeout = 30 * time.Millisecond
	m := newTestManager(t, cfg, func(_ context.Context, task tasks.Task[string]) error {
		if task.Payload == "stuck" {
			started <- struct{}{}
			<-release
		}
		return nil
	})
	t.Cleanup(func() { close(release) })
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	stuck, err := m.Enqueue(ctx, "stuck", tasks.PriorityNormal)
	require.NoError(t, err)
	<-started
	time.Sleep(2 * cfg.WorkerTimeout)

	m.checkWorkers()

	rec, err := m.TaskStatus(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "restarted")

	info := m.WorkerInfo()
	require.Len(t, info, 1)
	assert.Equal(t, "worker-1", info[0].WorkerID, "restarted workers keep their ID")
	assert.Equal(t, int64(1), info[0].TasksFailed)

	next, err := m.Enqueue(ctx, "after", tasks.PriorityNormal)
	require.NoError(t, err)
	waitStatus(t, m, next, tasks.StatusCompleted)
}

func TestPauseResume(t *testing.T) {
	var calls atomic.Int32
	m := newTestManager(t, testConfig(2), func(context.Context, tasks.Task[int]) error {
		calls.Add(1)
		return nil
	})
	ctx := context.Background()
	m.Pause()
	require.NoError(t, m.Start(ctx))

	id, err := m.Enqueue(ctx, 1, tasks.PriorityHigh)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.True(t, m.QueueStatistics().Paused)

	m.Resume()
	waitStatus(t, m, id, tasks.StatusCompleted)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTaskStatusFallsBackToStore(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, testConfig(1), func(context.Context, tasks.Task[int]) error { return nil }, WithStore(store))
	ctx := context.Background()

	id, err := m.Enqueue(ctx, 1, tasks.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusQueued, store.status(id))

	require.NoError(t, m.Start(ctx))
	waitStatus(t, m, id, tasks.StatusCompleted)
	require.Eventually(t, func() bool { return store.status(id) == tasks.StatusCompleted }, time.Second, 5*time.Millisecond)

	archived := tasks.Record{ID: "from-last-run", Status: tasks.StatusFailed, Priority: tasks.PriorityLow, Error: "gone"}
	require.NoError(t, store.SaveTask(ctx, archived))
	rec, err := m.TaskStatus(ctx, "from-last-run")
	require.NoError(t, err)
	assert.Equal(t, archived.Error, rec.Error)

	_, err = m.TaskStatus(ctx, "never-seen")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestStartStop(t *testing.T) {
	m := newTestManager(t, testConfig(2), func(context.Context, tasks.Task[int]) error { return nil })
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	assert.ErrorIs(t, m.Start(ctx), ErrAlreadyRunning)
	assert.Len(t, m.WorkerInfo(), 2)

	assert.False(t, m.Stop(time.Second))
	for _, w := range m.WorkerInfo() {
		assert.Equal(t, WorkerStopped, w.Status)
	}
	assert.False(t, m.Stop(time.Second), "stopping twice is a no-op")
}

func TestStopTimesOutOnBlockedHandler(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	m := newTestManager(t, testConfig(1), func(context.Context, tasks.Task[int]) error {
		close(started)
		<-release
		return nil
	})
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	_, err := m.Enqueue(ctx, 1, tasks.PriorityNormal)
	require.NoError(t, err)
	<-started

	assert.True(t, m.Stop(20*time.Millisecond))
}

func TestInvalidCronSpec(t *testing.T) {
	cfg := testConfig(1)
	cfg.HealthCheckSpec = "every now and then"
	m := newTestManager(t, cfg, func(context.Context, tasks.Task[int]) error { return nil })
	assert.Error(t, m.Start(context.Background()))
}

func TestSchedule(t *testing.T) {
	var calls atomic.Int32
	m := newTestManager(t, testConfig(1), func(context.Context, tasks.Task[string]) error {
		calls.Add(1)
		return nil
	})
	_, err := m.Schedule("@every 1s", "nightly-sync", tasks.PriorityBackground)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestSharedCoordinatorStrategy(t *testing.T) {
	coord, err := coordinator.New(coordinator.Config{Strategy: "round_robin"})
	require.NoError(t, err)

	var mu sync.Mutex
	byWorker := map[string]int{}
	m := newTestManager(t, testConfig(3), func(context.Context, tasks.Task[int]) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	}, WithCoordinator(coord))
	ctx := context.Background()
	m.Pause()
	require.NoError(t, m.Start(ctx))

	var ids []string
	for i := 0; i < 9; i++ {
		id, err := m.Enqueue(ctx, i, tasks.PriorityNormal)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	m.Resume()
	for _, id := range ids {
		rec := waitStatus(t, m, id, tasks.StatusCompleted)
		mu.Lock()
		byWorker[rec.AssignedWorker]++
		mu.Unlock()
	}

	assert.Len(t, byWorker, 3, "round robin spreads tasks over every worker")
	for id := range byWorker {
		assert.Regexp(t, `^worker-\d$`, id)
	}
	assert.Equal(t, "round_robin", m.Coordinator().Strategy().Name())
	assert.Equal(t, 9, sumCounts(byWorker))
}

func sumCounts(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

func TestRetryDelay(t *testing.T) {
	m := &Manager[int]{cfg: Config{RetryBaseDelay: 100 * time.Millisecond, RetryMaxDelay: time.Second}}
	for attempt, want := range []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	} {
		assert.Equal(t, want, m.retryDelay(attempt), fmt.Sprintf("attempt %d", attempt))
	}
}

func pendingOf(c *coordinator.Coordinator, workerID string) []string {
	for _, wm := range c.Metrics() {
		if wm.WorkerID == workerID {
			return wm.PendingTasks
		}
	}
	return nil
}

func TestFastestWorkerKeepsPoolBusy(t *testing.T) {
	coord, err := coordinator.New(coordinator.Config{Strategy: "fastest_worker"})
	require.NoError(t, err)

	var running, peak atomic.Int32
	m := newTestManager(t, testConfig(4), func(_ context.Context, task tasks.Task[string]) error {
		if task.Payload == "warmup" {
			return nil
		}
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return nil
	}, WithCoordinator(coord))
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	// One worker gets timing data and becomes the "fastest".
	warm, err := m.Enqueue(ctx, "warmup", tasks.PriorityNormal)
	require.NoError(t, err)
	waitStatus(t, m, warm, tasks.StatusCompleted)

	m.Pause()
	var ids []string
	for i := 0; i < 8; i++ {
		id, err := m.Enqueue(ctx, fmt.Sprintf("job-%d", i), tasks.PriorityNormal)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	m.Resume()
	for _, id := range ids {
		waitStatus(t, m, id, tasks.StatusCompleted)
	}

	assert.GreaterOrEqual(t, peak.Load(), int32(3), "free workers must not idle while the fastest one has a backlog")
}

func TestPriorityHonouredWhileWorkerBlocked(t *testing.T) {
	coord, err := coordinator.New(coordinator.Config{Strategy: "round_robin"})
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []string
	)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	m := newTestManager(t, testConfig(2), func(_ context.Context, task tasks.Task[string]) error {
		if task.Payload == "block" {
			started <- struct{}{}
			<-release
			return nil
		}
		mu.Lock()
		order = append(order, task.Payload)
		mu.Unlock()
		return nil
	}, WithCoordinator(coord))
	t.Cleanup(func() { close(release) })
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	blocker, err := m.Enqueue(ctx, "block", tasks.PriorityNormal)
	require.NoError(t, err)
	<-started
	blocked := waitStatus(t, m, blocker, tasks.StatusProcessing).AssignedWorker

	m.Pause()
	critical, err := m.Enqueue(ctx, "critical", tasks.PriorityCritical)
	require.NoError(t, err)
	normal, err := m.Enqueue(ctx, "normal", tasks.PriorityNormal)
	require.NoError(t, err)
	m.Resume()

	crit := waitStatus(t, m, critical, tasks.StatusCompleted)
	norm := waitStatus(t, m, normal, tasks.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"critical", "normal"}, order)
	assert.NotEqual(t, blocked, crit.AssignedWorker, "critical must not queue behind the blocked worker")
	assert.NotEqual(t, blocked, norm.AssignedWorker)
}

func TestStuckWorkerPendingMovesToOtherWorker(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	cfg := testConfig(2)
	cfg.WorkerTimeout = 30 * time.Millisecond
	m := newTestManager(t, cfg, func(_ context.Context, task tasks.Task[string]) error {
		if task.Payload == "stuck" {
			started <- struct{}{}
			<-release
		}
		return nil
	})
	t.Cleanup(func() { close(release) })
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	stuck, err := m.Enqueue(ctx, "stuck", tasks.PriorityNormal)
	require.NoError(t, err)
	<-started
	stuckWorker := waitStatus(t, m, stuck, tasks.StatusProcessing).AssignedWorker

	// Park a task in the stuck worker's pending list.
	m.Pause()
	waiting, err := m.Enqueue(ctx, "waiting", tasks.PriorityNormal)
	require.NoError(t, err)
	m.mu.Lock()
	e := heap.Pop(&m.heap).(*entry[string])
	target, err := m.coord.AssignTaskAmong(coordinator.Assignment{
		TaskID:    e.task.ID,
		Priority:  e.task.Priority,
		CreatedAt: e.task.CreatedAt,
		Seq:       e.seq,
	}, []string{stuckWorker})
	e.worker = target
	m.mu.Unlock()
	require.NoError(t, err)
	require.Equal(t, stuckWorker, target)
	require.Equal(t, []string{waiting}, pendingOf(m.Coordinator(), stuckWorker))
	m.Resume()

	time.Sleep(2 * cfg.WorkerTimeout)
	m.checkWorkers()

	rec := waitStatus(t, m, waiting, tasks.StatusCompleted)
	assert.NotEqual(t, stuckWorker, rec.AssignedWorker)
	assert.Empty(t, pendingOf(m.Coordinator(), stuckWorker))

	rec, err = m.TaskStatus(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, rec.Status)
}

func TestFailingWorkerLosesWorkToHealthyWorker(t *testing.T) {
	m := newTestManager(t, testConfig(2), func(_ context.Context, task tasks.Task[int]) error {
		if task.AssignedWorker == "worker-1" {
			return ratelimit.Permanent(errors.New("disk full"))
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	ctx := context.Background()
	m.Pause()
	require.NoError(t, m.Start(ctx))

	var ids []string
	for i := 0; i < 10; i++ {
		id, err := m.Enqueue(ctx, i, tasks.PriorityNormal)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	m.Resume()

	completedOn := map[string]int{}
	require.Eventually(t, func() bool {
		s := m.QueueStatistics()
		return s.Completed+s.Failed == 10
	}, 3*time.Second, 5*time.Millisecond)
	for _, id := range ids {
		rec, err := m.TaskStatus(ctx, id)
		require.NoError(t, err)
		if rec.Status == tasks.StatusCompleted {
			completedOn[rec.AssignedWorker]++
		}
	}

	s := m.QueueStatistics()
	assert.Equal(t, int64(3), s.Failed, "the third failure takes worker-1 out of rotation")
	assert.Equal(t, int64(7), s.Completed)
	assert.Equal(t, map[string]int{"worker-2": 7}, completedOn)

	for _, wm := range m.Coordinator().Metrics() {
		if wm.WorkerID == "worker-1" {
			assert.Equal(t, coordinator.HealthUnhealthy, wm.Health)
			assert.Empty(t, wm.PendingTasks)
		}
	}
}
