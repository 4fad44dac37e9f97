// Package coordinator assigns queued tasks to workers and tracks worker health.
//
// Each worker has a pending list of tasks assigned to it but not yet started. The
// configured Strategy decides which worker receives a new task. Workers that fail
// repeatedly or stop reporting heartbeats become unhealthy; their pending tasks are
// moved round-robin to the remaining healthy workers and failure callbacks fire.
package coordinator

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/mediaq/pkg/logger"
	"github.com/guido-cesarano/mediaq/pkg/metrics"
	"github.com/guido-cesarano/mediaq/pkg/tasks"
)

// ErrNoWorkers is returned by AssignTask when no worker is registered.
var ErrNoWorkers = errors.New("no workers registered")

// Health is a worker's classification derived from failures and heartbeat recency.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Config configures a Coordinator.
type Config struct {
	Strategy string `mapstructure:"strategy" validate:"oneof=round_robin least_loaded fastest_worker priority_based"`
	// MaxConsecutiveFailures marks a worker unhealthy after this many failures in a row.
	MaxConsecutiveFailures int `mapstructure:"maxConsecutiveFailures" validate:"gt=0"`
	// WorkerTimeout marks a worker unhealthy when no heartbeat arrives within it.
	WorkerTimeout time.Duration `mapstructure:"workerTimeout" validate:"gt=0"`
	// QuarantinePeriod is how long a worker stays unhealthy after a failure streak
	// before it is put back on probation.
	QuarantinePeriod   time.Duration `mapstructure:"quarantinePeriod" validate:"gte=0"`
	RebalanceThreshold int           `mapstructure:"rebalanceThreshold" validate:"gt=0"`
	// SlowTaskThreshold flags workers whose average task time exceeds it.
	SlowTaskThreshold time.Duration `mapstructure:"slowTaskThreshold" validate:"gt=0"`
	// TimingWindow is the number of recent task durations averaged per worker.
	TimingWindow int `mapstructure:"timingWindow" validate:"gt=0"`
}

// DefaultConfig returns the default coordinator settings.
func DefaultConfig() Config {
	return Config{
		Strategy:               "least_loaded",
		MaxConsecutiveFailures: 3,
		WorkerTimeout:          5 * time.Minute,
		QuarantinePeriod:       5 * time.Minute,
		RebalanceThreshold:     3,
		SlowTaskThreshold:      time.Minute,
		TimingWindow:           50,
	}
}

// Assignment is a task waiting in a worker's pending list.
type Assignment struct {
	TaskID    string         `json:"task_id"`
	Priority  tasks.Priority `json:"priority"`
	CreatedAt time.Time      `json:"created_at"`
	Seq       uint64         `json:"seq"`
}

func (a Assignment) before(b Assignment) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// Move records one pending task changing workers.
type Move struct {
	TaskID string `json:"task_id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// WorkerMetrics is a snapshot of one worker's bookkeeping.
type WorkerMetrics struct {
	WorkerID             string        `json:"worker_id"`
	Health               Health        `json:"health"`
	Busy                 bool          `json:"busy"`
	CurrentTaskID        string        `json:"current_task_id,omitempty"`
	PendingTasks         []string      `json:"pending_tasks"`
	TasksCompleted       int64         `json:"tasks_completed"`
	TasksFailed          int64         `json:"tasks_failed"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	AvgTaskTime          time.Duration `json:"avg_task_time"`
	SuccessRate          float64       `json:"success_rate"`
	LastHeartbeat        time.Time     `json:"last_heartbeat"`
	UnhealthySince       *time.Time    `json:"unhealthy_since,omitempty"`
}

// FailureCallback is invoked when a worker becomes unhealthy.
type FailureCallback func(workerID, reason string)

// RebalanceCallback is invoked with the moves of a redistribution or rebalance.
type RebalanceCallback func(moves []Move)

type workerState struct {
	id                   string
	health               Health
	busy                 bool
	currentTask          string
	pending              []Assignment
	completed            int64
	failed               int64
	consecutiveFailures  int
	consecutiveSuccesses int
	durations            []time.Duration
	durationsSum         time.Duration
	durationsNext        int
	lastHeartbeat        time.Time
	unhealthySince       time.Time
}

func (w *workerState) avg() time.Duration {
	if len(w.durations) == 0 {
		return 0
	}
	return w.durationsSum / time.Duration(len(w.durations))
}

func (w *workerState) addDuration(d time.Duration, window int) {
	if len(w.durations) < window {
		w.durations = append(w.durations, d)
		w.durationsSum += d
		return
	}
	w.durationsSum += d - w.durations[w.durationsNext]
	w.durations[w.durationsNext] = d
	w.durationsNext = (w.durationsNext + 1) % window
}

func (w *workerState) successRate() float64 {
	total := w.completed + w.failed
	if total == 0 {
		return 1
	}
	return float64(w.completed) / float64(total)
}

func (w *workerState) candidate() Candidate {
	return Candidate{
		WorkerID:            w.id,
		QueueLength:         len(w.pending),
		AvgTaskTime:         w.avg(),
		HasTiming:           len(w.durations) > 0,
		ConsecutiveFailures: w.consecutiveFailures,
		Health:              w.health,
		Busy:                w.busy,
	}
}

func (w *workerState) insert(a Assignment) {
	i := sort.Search(len(w.pending), func(i int) bool { return a.before(w.pending[i]) })
	w.pending = append(w.pending, Assignment{})
	copy(w.pending[i+1:], w.pending[i:])
	w.pending[i] = a
}

// Coordinator tracks workers and their pending assignments. It is safe for concurrent use.
type Coordinator struct {
	cfg      Config
	strategy Strategy
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	workers map[string]*workerState
	order   []string
	rrNext  int

	cbMu               sync.RWMutex
	failureCallbacks   []FailureCallback
	rebalanceCallbacks []RebalanceCallback
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithStrategy overrides the strategy named in Config.
func WithStrategy(s Strategy) Option {
	return func(c *Coordinator) { c.strategy = s }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New returns a Coordinator. Zero config fields take their DefaultConfig value.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	cfg = withDefaults(cfg)
	c := &Coordinator{
		cfg:     cfg,
		log:     logger.With("coordinator"),
		now:     time.Now,
		workers: make(map[string]*workerState),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.strategy == nil {
		s, err := StrategyFromName(cfg.Strategy)
		if err != nil {
			return nil, err
		}
		c.strategy = s
	}
	return c, nil
}

func withDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = d.Strategy
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = d.WorkerTimeout
	}
	if cfg.QuarantinePeriod <= 0 {
		cfg.QuarantinePeriod = cfg.WorkerTimeout
	}
	if cfg.RebalanceThreshold <= 0 {
		cfg.RebalanceThreshold = d.RebalanceThreshold
	}
	if cfg.SlowTaskThreshold <= 0 {
		cfg.SlowTaskThreshold = d.SlowTaskThreshold
	}
	if cfg.TimingWindow <= 0 {
		cfg.TimingWindow = d.TimingWindow
	}
	return cfg
}

// Strategy returns the active assignment strategy.
func (c *Coordinator) Strategy() Strategy {
	return c.strategy
}

// AddFailureCallback registers fn to run when a worker becomes unhealthy.
func (c *Coordinator) AddFailureCallback(fn FailureCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.failureCallbacks = append(c.failureCallbacks, fn)
}

// AddRebalanceCallback registers fn to run after pending tasks move between workers.
func (c *Coordinator) AddRebalanceCallback(fn RebalanceCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.rebalanceCallbacks = append(c.rebalanceCallbacks, fn)
}

// RegisterWorker adds a worker, or refreshes the heartbeat of a known one.
func (c *Coordinator) RegisterWorker(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[id]; ok {
		w.lastHeartbeat = c.now()
		return
	}
	c.workers[id] = &workerState{id: id, health: HealthUnknown, lastHeartbeat: c.now()}
	c.order = append(c.order, id)
	sort.Strings(c.order)
	c.publishHealth()
}

// RemoveWorker deregisters a worker and redistributes its pending tasks.
func (c *Coordinator) RemoveWorker(id string) bool {
	c.mu.Lock()
	w, ok := c.workers[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	pending := w.pending
	w.pending = nil
	delete(c.workers, id)
	for i, wid := range c.order {
		if wid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	moves := c.spread(id, pending, "removed")
	c.publishHealth()
	c.mu.Unlock()

	c.fireRebalance(moves)
	return true
}

// Heartbeat records that a worker is alive. A worker that was unhealthy only because of
// a missed heartbeat recovers.
func (c *Coordinator) Heartbeat(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[id]
	if !ok {
		return
	}
	w.lastHeartbeat = c.now()
	if w.health == HealthUnhealthy && w.consecutiveFailures < c.cfg.MaxConsecutiveFailures {
		c.setHealth(w, c.classify(w, c.now()))
	}
}

// AssignTask chooses a worker for a with the strategy and appends it to that worker's
// pending list. Unhealthy workers are only used when no other worker exists.
func (c *Coordinator) AssignTask(a Assignment) (string, error) {
	return c.AssignTaskAmong(a, nil)
}

// AssignTaskAmong is AssignTask restricted to the eligible workers, normally the ones
// free to start a task right now. Eligible workers with nothing pending are preferred,
// so a task never waits behind another while a free worker exists. When no eligible
// worker is usable every registered worker is considered.
func (c *Coordinator) AssignTaskAmong(a Assignment, eligible []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	candidates := c.eligibleCandidates(eligible)
	if len(candidates) == 0 {
		return "", ErrNoWorkers
	}
	id := c.strategy.Select(candidates, a.Priority)
	w, ok := c.workers[id]
	if !ok {
		return "", errors.Errorf("strategy %s selected unknown worker %q", c.strategy.Name(), id)
	}
	w.insert(a)
	return id, nil
}

// eligibleCandidates narrows the candidates to healthy-enough eligible workers, free
// ones first. Caller holds c.mu.
func (c *Coordinator) eligibleCandidates(eligible []string) []Candidate {
	if len(eligible) == 0 {
		return c.candidates("")
	}
	allowed := make(map[string]bool, len(eligible))
	for _, id := range eligible {
		allowed[id] = true
	}
	var free, queued []Candidate
	for _, id := range c.order {
		w := c.workers[id]
		if !allowed[id] || w.health == HealthUnhealthy {
			continue
		}
		if len(w.pending) == 0 {
			free = append(free, w.candidate())
		} else {
			queued = append(queued, w.candidate())
		}
	}
	switch {
	case len(free) > 0:
		return free
	case len(queued) > 0:
		return queued
	}
	return c.candidates("")
}

// candidates returns usable workers ordered by ID, excluding one worker ID. Unhealthy
// workers are included only when nothing else is available. Caller holds c.mu.
func (c *Coordinator) candidates(exclude string) []Candidate {
	out := make([]Candidate, 0, len(c.order))
	var fallback []Candidate
	for _, id := range c.order {
		if id == exclude {
			continue
		}
		w := c.workers[id]
		if w.health == HealthUnhealthy {
			fallback = append(fallback, w.candidate())
			continue
		}
		out = append(out, w.candidate())
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// HasPending reports whether a worker has assigned tasks waiting.
func (c *Coordinator) HasPending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[id]
	return ok && len(w.pending) > 0
}

// PendingCount returns the total number of assigned but unstarted tasks.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.workers {
		n += len(w.pending)
	}
	return n
}

// NextTask pops the highest-priority pending task of a worker.
func (c *Coordinator) NextTask(id string) (Assignment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[id]
	if !ok || len(w.pending) == 0 {
		return Assignment{}, false
	}
	a := w.pending[0]
	w.pending = w.pending[1:]
	return a, true
}

// RemoveTask drops a pending task wherever it is queued.
func (c *Coordinator) RemoveTask(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.workers {
		for i, a := range w.pending {
			if a.TaskID == taskID {
				w.pending = append(w.pending[:i], w.pending[i+1:]...)
				return true
			}
		}
	}
	return false
}

// TaskStarted marks a worker busy with taskID.
func (c *Coordinator) TaskStarted(workerID, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[workerID]
	if !ok {
		return
	}
	w.busy = true
	w.currentTask = taskID
	w.lastHeartbeat = c.now()
}

// TaskCompleted records the outcome of a task and updates the worker's health. A worker
// reaching MaxConsecutiveFailures becomes unhealthy and loses its pending tasks to the
// healthy workers.
func (c *Coordinator) TaskCompleted(workerID, taskID string, d time.Duration, success bool) {
	c.mu.Lock()
	w, ok := c.workers[workerID]
	if !ok {
		c.mu.Unlock()
		return
	}
	now := c.now()
	if w.currentTask == taskID {
		w.busy = false
		w.currentTask = ""
	}
	w.lastHeartbeat = now
	if success {
		w.completed++
		w.consecutiveSuccesses++
		w.consecutiveFailures = 0
		w.addDuration(d, c.cfg.TimingWindow)
	} else {
		w.failed++
		w.consecutiveFailures++
		w.consecutiveSuccesses = 0
	}

	before := w.health
	c.setHealth(w, c.classify(w, now))
	var (
		moves  []Move
		reason string
	)
	if before != HealthUnhealthy && w.health == HealthUnhealthy {
		reason = "consecutive failures"
		moves = c.quarantine(w)
	}
	c.mu.Unlock()

	if reason != "" {
		c.fireFailure(workerID, reason)
		c.fireRebalance(moves)
	}
}

// TaskCancelled frees a worker whose task was cancelled, without counting an outcome.
func (c *Coordinator) TaskCancelled(workerID, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[workerID]
	if !ok || w.currentTask != taskID {
		return
	}
	w.busy = false
	w.currentTask = ""
	w.lastHeartbeat = c.now()
}

// classify derives the health of w at now. Caller holds c.mu.
func (c *Coordinator) classify(w *workerState, now time.Time) Health {
	switch {
	case w.consecutiveFailures >= c.cfg.MaxConsecutiveFailures:
		return HealthUnhealthy
	case !w.busy && now.Sub(w.lastHeartbeat) > c.cfg.WorkerTimeout:
		return HealthUnhealthy
	case w.completed+w.failed == 0:
		return HealthUnknown
	case w.consecutiveFailures > 0:
		return HealthDegraded
	case w.completed+w.failed >= 10 && w.successRate() < 0.8:
		return HealthDegraded
	}
	return HealthHealthy
}

func (c *Coordinator) setHealth(w *workerState, h Health) {
	if w.health == h {
		return
	}
	if h == HealthUnhealthy {
		w.unhealthySince = c.now()
	} else {
		w.unhealthySince = time.Time{}
	}
	c.log.Debug().Str("worker_id", w.id).Str("from", string(w.health)).Str("to", string(h)).Msg("Worker health changed")
	w.health = h
	c.publishHealth()
}

// quarantine moves the pending tasks of w to other workers. Caller holds c.mu.
func (c *Coordinator) quarantine(w *workerState) []Move {
	c.log.Warn().
		Str("worker_id", w.id).
		Int("consecutive_failures", w.consecutiveFailures).
		Int("pending", len(w.pending)).
		Msg("Worker marked unhealthy")
	pending := w.pending
	w.pending = nil
	moves := c.spread(w.id, pending, "unhealthy")
	if len(moves) < len(pending) {
		// Nowhere to go; keep what could not be moved.
		for _, a := range pending[len(moves):] {
			w.insert(a)
		}
	}
	return moves
}

// spread hands pending round-robin to healthy workers other than from, falling back to
// any non-unhealthy worker. It returns the moves made, in pending order. Caller holds c.mu.
func (c *Coordinator) spread(from string, pending []Assignment, reason string) []Move {
	if len(pending) == 0 {
		return nil
	}
	var targets []*workerState
	for _, id := range c.order {
		if w := c.workers[id]; id != from && w.health == HealthHealthy {
			targets = append(targets, w)
		}
	}
	if len(targets) == 0 {
		for _, id := range c.order {
			if w := c.workers[id]; id != from && w.health != HealthUnhealthy {
				targets = append(targets, w)
			}
		}
	}
	if len(targets) == 0 {
		c.log.Error().Str("worker_id", from).Int("pending", len(pending)).Msg("No healthy worker to take over pending tasks")
		return nil
	}

	moves := make([]Move, 0, len(pending))
	for _, a := range pending {
		t := targets[c.rrNext%len(targets)]
		c.rrNext++
		t.insert(a)
		moves = append(moves, Move{TaskID: a.TaskID, From: from, To: t.id})
	}
	metrics.TasksRedistributed.WithLabelValues(reason).Add(float64(len(moves)))
	c.log.Info().Str("worker_id", from).Int("moved", len(moves)).Str("reason", reason).Msg("Pending tasks redistributed")
	return moves
}

// Redistribute moves every pending task of a worker to the others, e.g. when the worker
// is being restarted. It returns the moves made.
func (c *Coordinator) Redistribute(workerID, reason string) []Move {
	c.mu.Lock()
	w, ok := c.workers[workerID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	pending := w.pending
	w.pending = nil
	moves := c.spread(workerID, pending, reason)
	for _, a := range pending[len(moves):] {
		w.insert(a)
	}
	w.busy = false
	w.currentTask = ""
	c.mu.Unlock()

	c.fireRebalance(moves)
	return moves
}

// CheckHealth is the periodic health checkpoint. Workers whose heartbeat is older than
// WorkerTimeout become unhealthy; failure-quarantined workers whose QuarantinePeriod
// elapsed are put back on probation. It returns the IDs that became unhealthy.
func (c *Coordinator) CheckHealth() []string {
	now := c.now()
	var (
		failed []string
		moves  []Move
	)
	c.mu.Lock()
	for _, id := range c.order {
		w := c.workers[id]
		if w.health == HealthUnhealthy {
			if w.consecutiveFailures >= c.cfg.MaxConsecutiveFailures && now.Sub(w.unhealthySince) >= c.cfg.QuarantinePeriod {
				w.consecutiveFailures = 0
				c.setHealth(w, HealthUnknown)
				c.log.Info().Str("worker_id", id).Msg("Worker back on probation")
			}
			continue
		}
		if h := c.classify(w, now); h == HealthUnhealthy {
			c.setHealth(w, h)
			failed = append(failed, id)
			moves = append(moves, c.quarantine(w)...)
		}
	}
	c.mu.Unlock()

	for _, id := range failed {
		c.fireFailure(id, "heartbeat timeout")
	}
	c.fireRebalance(moves)
	return failed
}

// Metrics returns a snapshot of every worker ordered by ID.
func (c *Coordinator) Metrics() []WorkerMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WorkerMetrics, 0, len(c.order))
	for _, id := range c.order {
		w := c.workers[id]
		m := WorkerMetrics{
			WorkerID:             w.id,
			Health:               w.health,
			Busy:                 w.busy,
			CurrentTaskID:        w.currentTask,
			PendingTasks:         make([]string, 0, len(w.pending)),
			TasksCompleted:       w.completed,
			TasksFailed:          w.failed,
			ConsecutiveFailures:  w.consecutiveFailures,
			ConsecutiveSuccesses: w.consecutiveSuccesses,
			AvgTaskTime:          w.avg(),
			SuccessRate:          w.successRate(),
			LastHeartbeat:        w.lastHeartbeat,
		}
		for _, a := range w.pending {
			m.PendingTasks = append(m.PendingTasks, a.TaskID)
		}
		if !w.unhealthySince.IsZero() {
			t := w.unhealthySince
			m.UnhealthySince = &t
		}
		out = append(out, m)
	}
	return out
}

// publishHealth refreshes the per-health gauges. Caller holds c.mu.
func (c *Coordinator) publishHealth() {
	counts := map[Health]int{HealthUnknown: 0, HealthHealthy: 0, HealthDegraded: 0, HealthUnhealthy: 0}
	for _, w := range c.workers {
		counts[w.health]++
	}
	for h, n := range counts {
		metrics.WorkersByHealth.WithLabelValues(string(h)).Set(float64(n))
	}
}

func (c *Coordinator) fireFailure(workerID, reason string) {
	c.cbMu.RLock()
	cbs := append([]FailureCallback(nil), c.failureCallbacks...)
	c.cbMu.RUnlock()
	for _, cb := range cbs {
		c.safeCall(func() { cb(workerID, reason) })
	}
}

func (c *Coordinator) fireRebalance(moves []Move) {
	if len(moves) == 0 {
		return
	}
	c.cbMu.RLock()
	cbs := append([]RebalanceCallback(nil), c.rebalanceCallbacks...)
	c.cbMu.RUnlock()
	for _, cb := range cbs {
		c.safeCall(func() { cb(moves) })
	}
}

func (c *Coordinator) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("Coordinator callback panicked")
		}
	}()
	fn()
}
