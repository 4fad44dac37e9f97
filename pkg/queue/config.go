package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/mediaq/pkg/coordinator"
	"github.com/guido-cesarano/mediaq/pkg/tasks"
)

var (
	// ErrQueueFull is returned by Enqueue when MaxQueueSize tasks are already queued.
	ErrQueueFull = errors.New("queue is full")
	// ErrTaskNotFound is returned by TaskStatus for unknown IDs.
	ErrTaskNotFound = errors.New("task not found")
	// ErrDuplicateTask is returned by Enqueue when WithTaskID names a known task.
	ErrDuplicateTask = errors.New("task id already in use")
	// ErrAlreadyRunning is returned by Start on a running manager.
	ErrAlreadyRunning = errors.New("queue manager already running")
)

// Config configures a Manager.
type Config struct {
	MaxWorkers   int `mapstructure:"maxWorkers" validate:"gt=0"`
	MaxQueueSize int `mapstructure:"maxQueueSize" validate:"gt=0"`
	// BackpressureThreshold is the fraction of MaxQueueSize at which producers are warned.
	// The warning clears once depth falls below half of it.
	BackpressureThreshold float64 `mapstructure:"backpressureThreshold" validate:"gt=0,lte=1"`
	// MaxAttempts bounds handler executions per task unless overridden per task.
	MaxAttempts    int           `mapstructure:"maxAttempts" validate:"gt=0"`
	RetryBaseDelay time.Duration `mapstructure:"retryBaseDelay" validate:"gte=0"`
	RetryMaxDelay  time.Duration `mapstructure:"retryMaxDelay" validate:"gte=0"`
	// WorkerTimeout is how long a busy worker may go without activity before it is
	// considered stuck and restarted.
	WorkerTimeout time.Duration `mapstructure:"workerTimeout" validate:"gt=0"`
	// WorkerErrorPause is how long a worker rests in the error state after a fault.
	WorkerErrorPause time.Duration `mapstructure:"workerErrorPause" validate:"gte=0"`
	// TerminalRetention is how long finished tasks stay in memory for status lookups.
	TerminalRetention time.Duration `mapstructure:"terminalRetention" validate:"gt=0"`
	// HealthCheckSpec, RebalanceSpec and MetricsSpec are cron specs ("@every 30s").
	HealthCheckSpec string `mapstructure:"healthCheckSpec" validate:"required"`
	RebalanceSpec   string `mapstructure:"rebalanceSpec" validate:"required"`
	MetricsSpec     string `mapstructure:"metricsSpec" validate:"required"`
	WorkerIDPrefix  string `mapstructure:"workerIdPrefix"`
}

// DefaultConfig returns the default manager settings.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:            4,
		MaxQueueSize:          10000,
		BackpressureThreshold: 0.8,
		MaxAttempts:           3,
		RetryBaseDelay:        100 * time.Millisecond,
		RetryMaxDelay:         30 * time.Second,
		WorkerTimeout:         5 * time.Minute,
		WorkerErrorPause:      time.Second,
		TerminalRetention:     time.Hour,
		HealthCheckSpec:       "@every 30s",
		RebalanceSpec:         "@every 1m",
		MetricsSpec:           "@every 15s",
		WorkerIDPrefix:        "worker",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.BackpressureThreshold <= 0 || c.BackpressureThreshold > 1 {
		c.BackpressureThreshold = d.BackpressureThreshold
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBaseDelay < 0 {
		c.RetryBaseDelay = 0
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = d.WorkerTimeout
	}
	if c.WorkerErrorPause < 0 {
		c.WorkerErrorPause = 0
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = d.TerminalRetention
	}
	if c.HealthCheckSpec == "" {
		c.HealthCheckSpec = d.HealthCheckSpec
	}
	if c.RebalanceSpec == "" {
		c.RebalanceSpec = d.RebalanceSpec
	}
	if c.MetricsSpec == "" {
		c.MetricsSpec = d.MetricsSpec
	}
	if c.WorkerIDPrefix == "" {
		c.WorkerIDPrefix = d.WorkerIDPrefix
	}
	return c
}

// Store persists task records. LoadTask returns nil, nil for unknown IDs.
type Store interface {
	SaveTask(ctx context.Context, rec tasks.Record) error
	LoadTask(ctx context.Context, id string) (*tasks.Record, error)
}

// Handler executes one task. An error classified as retryable by ratelimit.Classify is
// retried in place until the task's MaxAttempts is reached.
type Handler[T any] func(ctx context.Context, task tasks.Task[T]) error

// BackpressureEvent describes a backpressure transition.
type BackpressureEvent struct {
	// High is true when depth crossed the threshold upward, false when it fell below half.
	High     bool
	Depth    int
	Capacity int
}

// BackpressureCallback lets producers throttle themselves.
type BackpressureCallback func(BackpressureEvent)

type options struct {
	coord *coordinator.Coordinator
	store Store
	log   *zerolog.Logger
}

// Option customises a Manager.
type Option func(*options)

// WithCoordinator sets the worker coordinator. By default a least-loaded one is created.
func WithCoordinator(c *coordinator.Coordinator) Option {
	return func(o *options) { o.coord = c }
}

// WithStore enables write-through persistence of task records.
func WithStore(s Store) Option {
	return func(o *options) { o.store = s }
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = &l }
}

type enqueueOptions struct {
	id          string
	maxAttempts int
}

// EnqueueOption customises a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// WithTaskID uses id instead of a generated UUID.
func WithTaskID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.id = id }
}

// WithMaxAttempts overrides Config.MaxAttempts for one task.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}
