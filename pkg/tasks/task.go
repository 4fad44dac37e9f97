// Package tasks defines the core data structures for task representation in mediaq.
// Tasks are units of work that are enqueued, picked up by workers and executed once,
// with their lifecycle tracked through Status.
package tasks

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders tasks in the download queue. A lower value always means higher
// precedence; comparisons anywhere in mediaq use the raw value.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

var priorityNames = []string{"critical", "high", "normal", "low", "background"}

func (p Priority) String() string {
	if p < PriorityCritical || p > PriorityBackground {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// IsHigh reports whether p belongs to the top two precedence levels.
func (p Priority) IsHigh() bool {
	return p <= PriorityHigh
}

// ParsePriority accepts a level name (case-insensitive) or its numeric value.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range priorityNames {
		if s == name || s == fmt.Sprint(i) {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether moving from s to next is allowed:
// queued→processing→{completed,failed}, queued→cancelled, processing→cancelled.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusProcessing || next == StatusCancelled
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	default:
		return false
	}
}

// Task represents a unit of work handled by the download queue.
//
// Payload is owned by the caller; the scheduler never inspects it. Timestamps and
// AssignedWorker are filled in by the queue as the task moves through its lifecycle.
type Task[T any] struct {
	// ID is a unique identifier for the task (typically UUID).
	ID string `json:"id"`

	// Priority determines the processing order of the task.
	Priority Priority `json:"priority"`

	Status Status `json:"status"`

	// CreatedAt is the timestamp when the task was first enqueued.
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	AssignedWorker string `json:"assigned_worker,omitempty"`

	// Attempts counts handler executions; MaxAttempts bounds in-place retries.
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	Error string `json:"error,omitempty"`

	Payload T `json:"payload"`
}

// Record is the payload-free view of a task that is persisted and reported.
type Record struct {
	ID             string     `json:"id"`
	Priority       Priority   `json:"priority"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	AssignedWorker string     `json:"assigned_worker,omitempty"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	Error          string     `json:"error,omitempty"`
}

// Record returns a copy of the task metadata without the payload.
func (t *Task[T]) Record() Record {
	return Record{
		ID:             t.ID,
		Priority:       t.Priority,
		Status:         t.Status,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
		AssignedWorker: t.AssignedWorker,
		Attempts:       t.Attempts,
		MaxAttempts:    t.MaxAttempts,
		Error:          t.Error,
	}
}

// Duration returns the processing time of a finished task, or zero.
func (r Record) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}
