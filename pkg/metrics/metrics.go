// Package metrics declares the Prometheus collectors shared by the queue, the worker
// coordinator and the rate limiter. Collectors are registered with the default registry
// through promauto and exposed by promhttp in cmd/server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mediaq"

var (
	// TasksProcessed tracks finished tasks by final status and priority.
	// Labels:
	//   - status: "completed", "failed" or "cancelled"
	//   - priority: priority name (e.g. "critical", "normal")
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "processed_total",
		Help:      "The total number of processed tasks",
	}, []string{"status", "priority"})

	// TaskDuration tracks handler latency in seconds.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Duration of task processing",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
	}, []string{"priority"})

	// QueueLatency tracks the time a task spends queued before a worker starts it.
	QueueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "queue_latency_seconds",
		Help:      "Time spent in queue before processing",
		Buckets:   prometheus.DefBuckets,
	}, []string{"priority"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Number of tasks waiting in the download queue",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_workers",
		Help:      "Number of workers currently processing a task",
	})

	// BackpressureTransitions counts high/low backpressure state changes.
	BackpressureTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backpressure_transitions_total",
		Help:      "Backpressure state transitions",
	}, []string{"state"})

	WorkersByHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_by_health",
		Help:      "Number of workers in each health state",
	}, []string{"health"})

	WorkerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_restarts_total",
		Help:      "Stuck workers restarted by the monitor",
	})

	TasksRedistributed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_redistributed_total",
		Help:      "Pending tasks moved between workers",
	}, []string{"reason"})

	// RateLimitEvents counts operation outcomes seen by the rate limiter.
	// Labels:
	//   - category: operation category
	//   - outcome: "success", "flood_wait", "rate_limited", "transient", "unknown", "permanent"
	RateLimitEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_events_total",
		Help:      "Remote operation outcomes by category",
	}, []string{"category", "outcome"})

	// RateLimitWait tracks time spent waiting before an operation was allowed to run.
	// Labels:
	//   - reason: "flood_wait", "burst", "steady", "shared", "backoff"
	RateLimitWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent throttled before running an operation",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"category", "reason"})

	RequestQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ratelimit_request_queue_depth",
		Help:      "Requests waiting in the rate limiter overflow queue",
	}, []string{"category"})
)
