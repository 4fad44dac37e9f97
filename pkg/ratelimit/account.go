package ratelimit

import (
	"sync"
	"time"
)

// AccountHandle is a connection registered with the limiter. IsConnected reports whether
// the session is currently usable.
type AccountHandle interface {
	ID() string
	IsConnected() bool
}

// AccountStatus is the health of an account as seen by the limiter.
type AccountStatus string

const (
	AccountActive      AccountStatus = "active"
	AccountFloodWait   AccountStatus = "flood_wait"
	AccountRateLimited AccountStatus = "rate_limited"
	AccountError       AccountStatus = "error"
	AccountDisabled    AccountStatus = "disabled"
)

// accountErrorThreshold is the consecutive error count that moves an account to error.
const accountErrorThreshold = 5

// AccountInfo is a point-in-time copy of an account's state.
type AccountInfo struct {
	AccountID         string        `json:"account_id"`
	Status            AccountStatus `json:"status"`
	Connected         bool          `json:"connected"`
	FloodWaitUntil    *time.Time    `json:"flood_wait_until,omitempty"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	TotalRequests     int64         `json:"total_requests"`
	SuccessRate       float64       `json:"success_rate"`
	LastUsed          time.Time     `json:"last_used"`
}

type account struct {
	mu sync.Mutex

	handle            AccountHandle
	status            AccountStatus
	floodWaitUntil    time.Time
	consecutiveErrors int
	totalRequests     int64
	successRate       float64
	lastUsed          time.Time
	window            *RateWindow
}

func newAccount(h AccountHandle, burst int, window time.Duration) *account {
	a := &account{
		handle:      h,
		status:      AccountActive,
		successRate: 1,
	}
	if burst > 0 && window > 0 {
		a.window = NewRateWindow(burst, window)
	}
	return a
}

// refresh clears an expired flood wait. Caller holds a.mu.
func (a *account) refresh(now time.Time) {
	if a.status == AccountFloodWait && !a.floodWaitUntil.After(now) {
		a.status = AccountActive
	}
}

func (a *account) info(now time.Time) AccountInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refresh(now)
	info := AccountInfo{
		AccountID:         a.handle.ID(),
		Status:            a.status,
		Connected:         a.handle.IsConnected(),
		ConsecutiveErrors: a.consecutiveErrors,
		TotalRequests:     a.totalRequests,
		SuccessRate:       a.successRate,
		LastUsed:          a.lastUsed,
	}
	if a.floodWaitUntil.After(now) {
		t := a.floodWaitUntil
		info.FloodWaitUntil = &t
	}
	return info
}

// observe updates request counters with an incremental success average. Flood waits
// only set the cooldown; they do not count against the account's health.
func (a *account) observe(now time.Time, kind Kind, floodWait time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refresh(now)

	a.lastUsed = now
	if kind == KindFloodWait {
		if until := now.Add(floodWait); until.After(a.floodWaitUntil) {
			a.floodWaitUntil = until
		}
		if a.status != AccountDisabled {
			a.status = AccountFloodWait
		}
		return
	}

	a.totalRequests++
	outcome := 0.0
	if kind == KindNone {
		outcome = 1
	}
	a.successRate += (outcome - a.successRate) / float64(a.totalRequests)

	if a.status == AccountDisabled {
		return
	}
	switch kind {
	case KindNone:
		a.consecutiveErrors = 0
		a.status = AccountActive
	case KindRateLimited:
		a.consecutiveErrors++
		a.status = AccountRateLimited
	default:
		a.consecutiveErrors++
		if a.consecutiveErrors >= accountErrorThreshold {
			a.status = AccountError
		}
	}
}

// score ranks an eligible account; lower is better. ok is false when the account cannot
// be used at all right now.
func (a *account) score(now time.Time) (score float64, lastUsed time.Time, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refresh(now)

	if a.status == AccountDisabled || !a.handle.IsConnected() {
		return 0, time.Time{}, false
	}
	if a.floodWaitUntil.After(now) {
		return 0, time.Time{}, false
	}

	score = (1 - a.successRate) * 100
	score += float64(a.consecutiveErrors) * 10
	switch a.status {
	case AccountError:
		score += 50
	case AccountRateLimited:
		score += 25
	}
	// Recently used accounts are penalised for up to a minute.
	if !a.lastUsed.IsZero() {
		if idle := now.Sub(a.lastUsed); idle < time.Minute {
			score += (time.Minute - idle).Seconds() / 6
		}
	}
	return score, a.lastUsed, true
}

// selectAccount returns the best eligible account, or nil. Ties prefer the least
// recently used account, then the lowest ID for determinism.
func selectAccount(candidates []*account, now time.Time, exclude map[string]bool) *account {
	var (
		best      *account
		bestScore float64
		bestUsed  time.Time
	)
	for _, a := range candidates {
		if exclude[a.handle.ID()] {
			continue
		}
		s, used, ok := a.score(now)
		if !ok {
			continue
		}
		if best == nil ||
			s < bestScore ||
			(s == bestScore && used.Before(bestUsed)) ||
			(s == bestScore && used.Equal(bestUsed) && a.handle.ID() < best.handle.ID()) {
			best, bestScore, bestUsed = a, s, used
		}
	}
	return best
}
