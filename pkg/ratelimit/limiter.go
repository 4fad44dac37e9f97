// Package ratelimit throttles remote operations per operation category and per account.
//
// Every category carries its own requests-per-second target, burst window, concurrency
// cap, retry budget and flood-wait deadline, so a cooldown on one category never stalls
// another. Execute runs an operation through the full pipeline:
//  1. Acquire a concurrency slot for the category
//  2. Pick the best account when multi-account mode is enabled
//  3. Wait out category and account flood-wait deadlines
//  4. Apply proactive throttling (burst window, then steady-state pacing)
//  5. Run the operation, retrying according to the typed error it returns
//  6. Update account and category statistics
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/guido-cesarano/mediaq/pkg/logger"
	"github.com/guido-cesarano/mediaq/pkg/metrics"
)

// Operation is the remote call executed under the limiter. accountID is the account the
// call is pinned to, or empty when no account was selected.
type Operation func(ctx context.Context, accountID string) error

// Request identifies the budget an operation is charged to.
type Request struct {
	Category Category
	// AccountID pins the operation to one account. Empty lets the limiter choose.
	AccountID string
}

// Config configures a RateLimiter.
type Config struct {
	Policies map[Category]Policy `mapstructure:"policies" validate:"dive"`
	// MultiAccount enables automatic account selection for requests without AccountID.
	MultiAccount bool `mapstructure:"multiAccount"`
	// AccountBurstLimit and AccountWindow add a per-account sliding window. Zero disables it.
	AccountBurstLimit int           `mapstructure:"accountBurstLimit" validate:"gte=0"`
	AccountWindow     time.Duration `mapstructure:"accountWindow" validate:"gte=0"`
}

// DefaultConfig returns the built-in policies with multi-account mode enabled.
func DefaultConfig() Config {
	return Config{
		Policies:          DefaultPolicies(),
		MultiAccount:      true,
		AccountBurstLimit: 30,
		AccountWindow:     time.Minute,
	}
}

// Option customises a RateLimiter.
type Option func(*RateLimiter)

// WithSharedWindow adds a cross-process window consulted after the local one.
func WithSharedWindow(w SharedWindow) Option {
	return func(rl *RateLimiter) { rl.shared = w }
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(rl *RateLimiter) { rl.log = l }
}

type categoryStats struct {
	requests        int64
	successes       int64
	failures        int64
	floodWaits      int64
	rateLimited     int64
	transientErrors int64
	permanentErrors int64
	retries         int64
	waited          time.Duration
	lastFloodWait   time.Duration
	lastError       string
	lastErrorAt     time.Time
}

type categoryState struct {
	name     Category
	policy   Policy
	sem      *semaphore.Weighted
	inFlight atomic.Int64

	mu             sync.Mutex
	window         *RateWindow
	pacer          *rate.Limiter
	consecutive429 int
	stats          categoryStats
}

// RateLimiter admits, throttles and retries remote operations.
// It is safe for concurrent use.
type RateLimiter struct {
	cfg    Config
	log    zerolog.Logger
	shared SharedWindow

	mu         sync.Mutex
	categories map[Category]*categoryState

	accountsMu sync.RWMutex
	accounts   map[string]*account

	queuesMu sync.Mutex
	queues   map[Category]*requestQueue
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a RateLimiter. Missing policy fields fall back to DefaultPolicy.
func New(cfg Config, opts ...Option) *RateLimiter {
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	rl := &RateLimiter{
		cfg:        cfg,
		log:        logger.With("ratelimit"),
		categories: make(map[Category]*categoryState),
		accounts:   make(map[string]*account),
		queues:     make(map[Category]*requestQueue),
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

func (rl *RateLimiter) category(c Category) *categoryState {
	if c == "" {
		c = CategoryDefault
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if cs, ok := rl.categories[c]; ok {
		return cs
	}
	p, ok := rl.cfg.Policies[c]
	if !ok && c != CategoryDefault {
		// Unconfigured names share the default state instead of growing the map.
		c = CategoryDefault
		if cs, ok := rl.categories[c]; ok {
			return cs
		}
		p = rl.cfg.Policies[CategoryDefault]
	}
	p = p.withDefaults()
	cs := &categoryState{
		name:   c,
		policy: p,
		sem:    semaphore.NewWeighted(int64(p.MaxConcurrent)),
		window: NewRateWindow(p.BurstLimit, p.WindowDuration),
		pacer:  rate.NewLimiter(rate.Limit(p.RequestsPerSecond), p.BurstLimit),
	}
	rl.categories[c] = cs
	return cs
}

// Policy returns the effective policy for a category.
func (rl *RateLimiter) Policy(c Category) Policy {
	return rl.category(c).policy
}

// AddAccount registers an account handle. Re-adding an ID replaces the handle but keeps
// its history.
func (rl *RateLimiter) AddAccount(h AccountHandle) {
	rl.accountsMu.Lock()
	defer rl.accountsMu.Unlock()
	if a, ok := rl.accounts[h.ID()]; ok {
		a.mu.Lock()
		a.handle = h
		a.mu.Unlock()
		return
	}
	rl.accounts[h.ID()] = newAccount(h, rl.cfg.AccountBurstLimit, rl.cfg.AccountWindow)
	rl.log.Info().Str("account_id", h.ID()).Msg("Account registered")
}

// RemoveAccount deregisters an account. It reports whether the account was known.
func (rl *RateLimiter) RemoveAccount(id string) bool {
	rl.accountsMu.Lock()
	defer rl.accountsMu.Unlock()
	if _, ok := rl.accounts[id]; !ok {
		return false
	}
	delete(rl.accounts, id)
	rl.log.Info().Str("account_id", id).Msg("Account removed")
	return true
}

// SetAccountDisabled excludes (or re-admits) an account from selection.
func (rl *RateLimiter) SetAccountDisabled(id string, disabled bool) bool {
	a := rl.lookupAccount(id)
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if disabled {
		a.status = AccountDisabled
	} else if a.status == AccountDisabled {
		a.status = AccountActive
	}
	return true
}

// Accounts returns a snapshot of every registered account ordered by ID.
func (rl *RateLimiter) Accounts() []AccountInfo {
	now := time.Now()
	rl.accountsMu.RLock()
	list := make([]*account, 0, len(rl.accounts))
	for _, a := range rl.accounts {
		list = append(list, a)
	}
	rl.accountsMu.RUnlock()

	out := make([]AccountInfo, 0, len(list))
	for _, a := range list {
		out = append(out, a.info(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (rl *RateLimiter) lookupAccount(id string) *account {
	rl.accountsMu.RLock()
	defer rl.accountsMu.RUnlock()
	return rl.accounts[id]
}

// SelectAccount returns the best account for the moment, or "" when none is usable.
func (rl *RateLimiter) SelectAccount() string {
	if a := rl.selectAccount(); a != nil {
		return a.handle.ID()
	}
	return ""
}

func (rl *RateLimiter) selectAccount() *account {
	rl.accountsMu.RLock()
	list := make([]*account, 0, len(rl.accounts))
	for _, a := range rl.accounts {
		list = append(list, a)
	}
	rl.accountsMu.RUnlock()
	return selectAccount(list, time.Now(), nil)
}

// execution carries the state of one Execute call across retries.
type execution struct {
	rl         *RateLimiter
	cs         *categoryState
	explicit   bool
	acct       *account
	accountID  string
	attempts   int
	retries    int
	floodWaits int
}

func (e *execution) pick() {
	if a := e.rl.selectAccount(); a != nil {
		e.acct = a
		e.accountID = a.handle.ID()
	}
}

// Execute runs op under the category and account limits, retrying transient failures.
// Flood waits are waited out and retried without consuming the retry budget.
// The last error is returned once retries are exhausted.
func (rl *RateLimiter) Execute(ctx context.Context, req Request, op Operation) error {
	cs := rl.category(req.Category)
	if err := cs.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrapf(err, "waiting for %s slot", cs.name)
	}
	cs.inFlight.Add(1)
	defer func() {
		cs.inFlight.Add(-1)
		cs.sem.Release(1)
	}()

	e := &execution{rl: rl, cs: cs, explicit: req.AccountID != ""}
	if e.explicit {
		e.accountID = req.AccountID
		e.acct = rl.lookupAccount(req.AccountID)
	} else if rl.cfg.MultiAccount {
		e.pick()
	}

	err := retry.Do(
		func() error { return e.attempt(ctx, op) },
		retry.Context(ctx),
		retry.Attempts(uint(cs.policy.MaxRetries)+1),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return Classify(err).Retryable() }),
		retry.DelayType(func(n uint, err error, _ *retry.Config) time.Duration {
			e.retries++
			d := cs.retryDelay(int(n), err)
			metrics.RateLimitWait.WithLabelValues(string(cs.name), "backoff").Observe(d.Seconds())
			return d
		}),
		retry.MaxDelay(cs.policy.maxBackoff()),
		retry.OnRetry(func(n uint, err error) {
			rl.log.Debug().
				Err(err).
				Str("category", string(cs.name)).
				Str("account_id", e.accountID).
				Uint("attempt", n+1).
				Str("kind", Classify(err).String()).
				Msg("Operation failed, backing off")
		}),
	)

	cs.mu.Lock()
	cs.stats.retries += int64(e.retries)
	if err != nil {
		cs.stats.failures++
	}
	cs.mu.Unlock()

	if err != nil {
		rl.log.Warn().
			Err(err).
			Str("category", string(cs.name)).
			Str("account_id", e.accountID).
			Int("attempts", e.attempts).
			Msg("Operation failed")
	}
	return err
}

// attempt waits for eligibility and runs op once, looping on flood waits.
func (e *execution) attempt(ctx context.Context, op Operation) error {
	for {
		if err := e.rl.waitFloodWait(ctx, e.cs, e.acct); err != nil {
			return Permanent(err)
		}
		if err := e.rl.throttle(ctx, e.cs, e.acct); err != nil {
			return Permanent(err)
		}

		e.attempts++
		err := op(ctx, e.accountID)
		kind := Classify(err)
		e.rl.observe(e.cs, e.acct, kind, err)
		if kind != KindFloodWait {
			return err
		}

		e.floodWaits++
		if e.floodWaits > e.cs.policy.MaxFloodWaits {
			return Permanent(err)
		}
		// An automatically chosen account in flood wait is swapped for another one if
		// any is usable; otherwise its deadline is waited out.
		if !e.explicit && e.acct != nil {
			if a := e.rl.selectAccount(); a != nil {
				e.acct = a
				e.accountID = a.handle.ID()
			}
		}
	}
}

func (cs *categoryState) retryDelay(attempt int, err error) time.Duration {
	if Classify(err) == KindRateLimited {
		var rle *RateLimitedError
		if errors.As(err, &rle) && rle.RetryAfter > 0 {
			return min(rle.RetryAfter, cs.policy.RateLimitCap)
		}
		cs.mu.Lock()
		n := cs.consecutive429
		cs.mu.Unlock()
		return cs.policy.RateLimitedDelay(n)
	}
	return cs.policy.TransientDelay(attempt)
}

func (rl *RateLimiter) observe(cs *categoryState, acct *account, kind Kind, err error) {
	now := time.Now()
	var floodWait time.Duration
	var fw *FloodWaitError
	if kind == KindFloodWait && errors.As(err, &fw) {
		floodWait = fw.Wait
	}

	cs.mu.Lock()
	cs.stats.requests++
	switch kind {
	case KindNone:
		cs.stats.successes++
		cs.consecutive429 = 0
	case KindFloodWait:
		cs.stats.floodWaits++
		cs.stats.lastFloodWait = floodWait
		if acct == nil {
			cs.window.SetFloodWait(now.Add(floodWait))
		}
	case KindRateLimited:
		cs.stats.rateLimited++
		cs.consecutive429++
	case KindPermanent:
		cs.stats.permanentErrors++
	default:
		cs.stats.transientErrors++
	}
	if err != nil {
		cs.stats.lastError = err.Error()
		cs.stats.lastErrorAt = now
	}
	cs.mu.Unlock()

	if acct != nil {
		acct.observe(now, kind, floodWait)
		// With no other account to fall back on, the whole category waits.
		if kind == KindFloodWait && rl.selectAccount() == nil {
			cs.mu.Lock()
			cs.window.SetFloodWait(now.Add(floodWait))
			cs.mu.Unlock()
		}
	}
	metrics.RateLimitEvents.WithLabelValues(string(cs.name), kind.String()).Inc()

	switch kind {
	case KindFloodWait:
		ev := rl.log.Warn().Str("category", string(cs.name)).Dur("wait", floodWait)
		if acct != nil {
			ev = ev.Str("account_id", acct.handle.ID())
		}
		ev.Msg("Flood wait received")
	case KindUnknown:
		rl.log.Warn().Err(err).Str("category", string(cs.name)).Msg("Unclassified operation error, retrying under category policy")
	}
}

func (rl *RateLimiter) waitFloodWait(ctx context.Context, cs *categoryState, acct *account) error {
	for {
		now := time.Now()
		cs.mu.Lock()
		d := cs.window.FloodWaitRemaining(now)
		cs.mu.Unlock()
		if acct != nil {
			acct.mu.Lock()
			if acct.floodWaitUntil.After(now) {
				if ad := acct.floodWaitUntil.Sub(now); ad > d {
					d = ad
				}
			}
			acct.mu.Unlock()
		}
		if d <= 0 {
			return nil
		}
		metrics.RateLimitWait.WithLabelValues(string(cs.name), "flood_wait").Observe(d.Seconds())
		cs.addWait(d)
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
}

// throttle blocks until the category window, the account window and the shared window
// all admit one more request, and records it.
func (rl *RateLimiter) throttle(ctx context.Context, cs *categoryState, acct *account) error {
	for {
		now := time.Now()
		cs.mu.Lock()
		if d := cs.window.Delay(now); d > 0 {
			cs.mu.Unlock()
			metrics.RateLimitWait.WithLabelValues(string(cs.name), "burst").Observe(d.Seconds())
			cs.addWait(d)
			if err := sleep(ctx, d); err != nil {
				return err
			}
			continue
		}
		steady := cs.pacer.ReserveN(now, 1).DelayFrom(now)
		cs.window.Record(now.Add(steady))
		cs.mu.Unlock()

		if steady > 0 {
			metrics.RateLimitWait.WithLabelValues(string(cs.name), "steady").Observe(steady.Seconds())
			cs.addWait(steady)
			if err := sleep(ctx, steady); err != nil {
				return err
			}
		}
		break
	}

	if acct != nil && acct.window != nil {
		for {
			now := time.Now()
			acct.mu.Lock()
			d := acct.window.Delay(now)
			if d <= 0 {
				acct.window.Record(now)
				acct.mu.Unlock()
				break
			}
			acct.mu.Unlock()
			cs.addWait(d)
			if err := sleep(ctx, d); err != nil {
				return err
			}
		}
	}

	if rl.shared != nil {
		key := "mediaq:ratelimit:" + string(cs.name)
		for {
			d, err := rl.shared.Reserve(ctx, key, cs.policy.BurstLimit, cs.policy.WindowDuration)
			if err != nil {
				// Fail open so a shared store outage never stalls downloads.
				rl.log.Error().Err(err).Str("category", string(cs.name)).Msg("Shared rate window check failed")
				break
			}
			if d <= 0 {
				break
			}
			metrics.RateLimitWait.WithLabelValues(string(cs.name), "shared").Observe(d.Seconds())
			cs.addWait(d)
			if err := sleep(ctx, d); err != nil {
				return err
			}
		}
	}
	return nil
}

func (cs *categoryState) addWait(d time.Duration) {
	cs.mu.Lock()
	cs.stats.waited += d
	cs.mu.Unlock()
}

// Do runs fn through rl.Execute and returns its result.
func Do[R any](ctx context.Context, rl *RateLimiter, req Request, fn func(ctx context.Context, accountID string) (R, error)) (R, error) {
	var out R
	err := rl.Execute(ctx, req, func(ctx context.Context, accountID string) error {
		r, err := fn(ctx, accountID)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
