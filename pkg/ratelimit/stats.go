package ratelimit

import (
	"sort"
	"time"
)

// RateLimitStatus describes the current budget of a category, optionally for one account.
type RateLimitStatus struct {
	Category           Category      `json:"category"`
	RequestsInWindow   int           `json:"requests_in_window"`
	BurstLimit         int           `json:"burst_limit"`
	WindowDuration     time.Duration `json:"window_duration"`
	RequestsPerSecond  float64       `json:"requests_per_second"`
	InFlight           int64         `json:"in_flight"`
	MaxConcurrent      int           `json:"max_concurrent"`
	FloodWaitUntil     *time.Time    `json:"flood_wait_until,omitempty"`
	FloodWaitRemaining time.Duration `json:"flood_wait_remaining"`
	Consecutive429     int           `json:"consecutive_429"`
	Account            *AccountInfo  `json:"account,omitempty"`
	AccountInWindow    int           `json:"account_requests_in_window,omitempty"`
}

// CategoryStatistics are cumulative counters for one category.
type CategoryStatistics struct {
	Requests         int64         `json:"requests"`
	Successes        int64         `json:"successes"`
	Failures         int64         `json:"failures"`
	FloodWaits       int64         `json:"flood_waits"`
	RateLimited      int64         `json:"rate_limited"`
	TransientErrors  int64         `json:"transient_errors"`
	PermanentErrors  int64         `json:"permanent_errors"`
	Retries          int64         `json:"retries"`
	TimeWaited       time.Duration `json:"time_waited"`
	LastFloodWait    time.Duration `json:"last_flood_wait"`
	LastError        string        `json:"last_error,omitempty"`
	LastErrorAt      *time.Time    `json:"last_error_at,omitempty"`
	InFlight         int64         `json:"in_flight"`
	RequestsInWindow int           `json:"requests_in_window"`
}

// QueueStatistics describe one QueueRequest overflow queue.
type QueueStatistics struct {
	Depth     int   `json:"depth"`
	Capacity  int   `json:"capacity"`
	Processed int64 `json:"processed"`
	Rejected  int64 `json:"rejected"`
}

// GlobalStatistics aggregate every category and account.
type GlobalStatistics struct {
	TotalRequests     int64   `json:"total_requests"`
	Successes         int64   `json:"successes"`
	Failures          int64   `json:"failures"`
	FloodWaits        int64   `json:"flood_waits"`
	RateLimited       int64   `json:"rate_limited"`
	SuccessRate       float64 `json:"success_rate"`
	Accounts          int     `json:"accounts"`
	AvailableAccounts int     `json:"available_accounts"`
	QueuedRequests    int     `json:"queued_requests"`
}

// Statistics is the full limiter report.
type Statistics struct {
	Categories map[Category]CategoryStatistics `json:"categories"`
	Accounts   map[string]AccountInfo          `json:"accounts"`
	Queues     map[Category]QueueStatistics    `json:"queues"`
	Global     GlobalStatistics                `json:"global"`
}

// RateLimitStatus reports the budget of category c, and of accountID when given.
func (rl *RateLimiter) RateLimitStatus(c Category, accountID string) RateLimitStatus {
	cs := rl.category(c)
	now := time.Now()

	cs.mu.Lock()
	st := RateLimitStatus{
		Category:           cs.name,
		RequestsInWindow:   cs.window.Count(now),
		BurstLimit:         cs.policy.BurstLimit,
		WindowDuration:     cs.policy.WindowDuration,
		RequestsPerSecond:  cs.policy.RequestsPerSecond,
		MaxConcurrent:      cs.policy.MaxConcurrent,
		FloodWaitUntil:     cs.window.FloodWaitUntil(now),
		FloodWaitRemaining: cs.window.FloodWaitRemaining(now),
		Consecutive429:     cs.consecutive429,
	}
	cs.mu.Unlock()
	st.InFlight = cs.inFlight.Load()

	if accountID != "" {
		if a := rl.lookupAccount(accountID); a != nil {
			info := a.info(now)
			st.Account = &info
			if info.FloodWaitUntil != nil && info.FloodWaitUntil.Sub(now) > st.FloodWaitRemaining {
				st.FloodWaitUntil = info.FloodWaitUntil
				st.FloodWaitRemaining = info.FloodWaitUntil.Sub(now)
			}
			a.mu.Lock()
			if a.window != nil {
				st.AccountInWindow = a.window.Count(now)
			}
			a.mu.Unlock()
		}
	}
	return st
}

// Statistics returns per-category, per-account, per-queue and global counters.
func (rl *RateLimiter) Statistics() Statistics {
	now := time.Now()
	out := Statistics{
		Categories: make(map[Category]CategoryStatistics),
		Accounts:   make(map[string]AccountInfo),
		Queues:     make(map[Category]QueueStatistics),
	}

	rl.mu.Lock()
	cats := make([]*categoryState, 0, len(rl.categories))
	for _, cs := range rl.categories {
		cats = append(cats, cs)
	}
	rl.mu.Unlock()
	sort.Slice(cats, func(i, j int) bool { return cats[i].name < cats[j].name })

	g := &out.Global
	for _, cs := range cats {
		cs.mu.Lock()
		s := CategoryStatistics{
			Requests:         cs.stats.requests,
			Successes:        cs.stats.successes,
			Failures:         cs.stats.failures,
			FloodWaits:       cs.stats.floodWaits,
			RateLimited:      cs.stats.rateLimited,
			TransientErrors:  cs.stats.transientErrors,
			PermanentErrors:  cs.stats.permanentErrors,
			Retries:          cs.stats.retries,
			TimeWaited:       cs.stats.waited,
			LastFloodWait:    cs.stats.lastFloodWait,
			LastError:        cs.stats.lastError,
			RequestsInWindow: cs.window.Count(now),
		}
		if !cs.stats.lastErrorAt.IsZero() {
			t := cs.stats.lastErrorAt
			s.LastErrorAt = &t
		}
		cs.mu.Unlock()
		s.InFlight = cs.inFlight.Load()
		out.Categories[cs.name] = s

		g.TotalRequests += s.Requests
		g.Successes += s.Successes
		g.Failures += s.Failures
		g.FloodWaits += s.FloodWaits
		g.RateLimited += s.RateLimited
	}
	if g.TotalRequests > 0 {
		g.SuccessRate = float64(g.Successes) / float64(g.TotalRequests)
	}

	for _, info := range rl.Accounts() {
		out.Accounts[info.AccountID] = info
		g.Accounts++
		if info.Connected && info.Status != AccountDisabled && info.FloodWaitUntil == nil {
			g.AvailableAccounts++
		}
	}

	rl.queuesMu.Lock()
	for c, q := range rl.queues {
		qs := q.stats()
		out.Queues[c] = qs
		g.QueuedRequests += qs.Depth
	}
	rl.queuesMu.Unlock()
	return out
}
