package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrRequestQueueFull is returned by QueueRequest when the category queue is at capacity.
	ErrRequestQueueFull = errors.New("request queue is full")
	// ErrNotRunning is returned by QueueRequest before Start or after Stop.
	ErrNotRunning = errors.New("rate limiter is not running")
)

// Kind classifies an operation error for the retry policy.
type Kind int

const (
	KindNone Kind = iota
	// KindFloodWait is a mandatory cooldown with an exact wait.
	KindFloodWait
	// KindRateLimited is a 429-type rejection without an exact wait.
	KindRateLimited
	// KindTransient is an error the operation marked as safe to retry.
	KindTransient
	// KindUnknown is an unclassified error; it is retried under the category policy.
	KindUnknown
	// KindPermanent is never retried.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "success"
	case KindFloodWait:
		return "flood_wait"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindUnknown:
		return "unknown"
	case KindPermanent:
		return "permanent"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether an error of this kind may be retried.
func (k Kind) Retryable() bool {
	return k == KindFloodWait || k == KindRateLimited || k == KindTransient || k == KindUnknown
}

// FloodWaitError is returned by an operation when the remote API demands a cooldown.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry after %s", e.Wait)
}

// FloodWait builds a FloodWaitError for the given cooldown.
func FloodWait(wait time.Duration) error {
	return &FloodWaitError{Wait: wait}
}

// RateLimitedError is returned by an operation on a 429-type rejection. RetryAfter is
// optional; when zero the limiter's exponential backoff applies.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-recoverable, e.g. permission or malformed request errors.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as safe to retry under the category backoff curve.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Classify maps an error to its retry kind. Wrappers are inspected outermost first, so
// Permanent(FloodWait(...)) is permanent.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var (
		perm  *permanentError
		trans *transientError
		fw    *FloodWaitError
		rl    *RateLimitedError
	)
	switch {
	case errors.As(err, &perm):
		return KindPermanent
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindPermanent
	case errors.As(err, &fw):
		return KindFloodWait
	case errors.As(err, &rl):
		return KindRateLimited
	case errors.As(err, &trans):
		return KindTransient
	}
	return KindUnknown
}
