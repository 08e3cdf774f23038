// Package ratelimit is the per-provider admission gate: request and token
// buckets, a daily spend budget and an adaptive throttle that backs off
// while a provider is erroring.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"golang.org/x/time/rate"

	"github.com/vnmchuo/inference-orchestrator/internal/provider"
)

const (
	outcomeWindow  = 10
	maxThrottle    = 5.0
	throttleRaise  = 1.5
	throttleDecay  = 0.9
	raiseAbove     = 0.3
	decayBelow     = 0.1
	clusterBackoff = time.Second
)

type Limits struct {
	RequestsPerMinute int     `yaml:"requests_per_minute" json:"requests_per_minute"`
	TokensPerMinute   int     `yaml:"tokens_per_minute" json:"tokens_per_minute"`
	Burst             int     `yaml:"burst" json:"burst"`
	DailyBudget       float64 `yaml:"daily_budget" json:"daily_budget"`
}

type Config struct {
	// BaseDelay is scaled by (throttle factor - 1) before bucket consumption.
	BaseDelay time.Duration
	MaxJitter time.Duration
	Now       func() time.Time
}

type Limiter struct {
	cfg     Config
	cluster extratelimit.Limiter

	mu        sync.RWMutex
	providers map[string]*providerState

	dayMu  sync.Mutex
	day    string
	closed []DaySpend
}

// DaySpend is the final spend of a UTC day that has been rolled over.
type DaySpend struct {
	Day   string
	Costs map[string]float64
}

// maxClosedDays bounds closed days kept when nobody collects them.
const maxClosedDays = 7

type providerState struct {
	mu       sync.Mutex
	limits   Limits
	requests *rate.Limiter
	tokens   *rate.Limiter
	spent    float64
	pending  float64
	outcomes [outcomeWindow]bool
	count    int
	next     int
	throttle float64
}

func NewLimiter(cfg Config) *Limiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	l := &Limiter{
		cfg:       cfg,
		providers: make(map[string]*providerState),
	}
	l.day = dayKey(cfg.Now())
	return l
}

// NewRedisCluster builds the cluster-wide tokens/minute limiter shared by
// every orchestrator instance pointed at the same Redis.
func NewRedisCluster(rdb *redis.Client, defaultTPM int64) extratelimit.Limiter {
	return extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultTPM)),
		extratelimit.WithWindow(time.Minute),
	)
}

// WithCluster makes Admit also consult store, keyed per provider.
func (l *Limiter) WithCluster(store extratelimit.Limiter) *Limiter {
	l.cluster = store
	return l
}

// Configure sets limits for a provider, keeping bucket contents when the
// provider already exists.
func (l *Limiter) Configure(name string, limits Limits) {
	now := l.cfg.Now()
	st := l.state(name)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.limits = limits
	st.requests = resize(st.requests, limits.RequestsPerMinute, requestBurst(limits), now)
	st.tokens = resize(st.tokens, limits.TokensPerMinute, limits.TokensPerMinute, now)
}

// Sync applies a full limits table and forgets providers missing from it.
func (l *Limiter) Sync(table map[string]Limits) {
	for name, limits := range table {
		l.Configure(name, limits)
	}
	l.mu.Lock()
	for name := range l.providers {
		if _, ok := table[name]; !ok {
			delete(l.providers, name)
		}
	}
	l.mu.Unlock()
}

func requestBurst(limits Limits) int {
	if limits.Burst > 0 {
		return limits.Burst
	}
	return limits.RequestsPerMinute
}

func resize(lim *rate.Limiter, perMinute, burst int, now time.Time) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	r := rate.Limit(float64(perMinute) / 60)
	if lim == nil {
		return rate.NewLimiter(r, burst)
	}
	lim.SetLimitAt(now, r)
	lim.SetBurstAt(now, burst)
	return lim
}

func (l *Limiter) state(name string) *providerState {
	l.mu.RLock()
	st, ok := l.providers[name]
	l.mu.RUnlock()
	if ok {
		return st
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.providers[name]; ok {
		return st
	}
	st = &providerState{throttle: 1}
	l.providers[name] = st
	return st
}

type AdmitRequest struct {
	Provider      string
	Tokens        int
	EstimatedCost float64
	// BudgetCeiling is the caller's per-request cap; 0 means none.
	BudgetCeiling float64
}

// Admission is a granted slot. Exactly one of Commit or Release must be
// called once the attempt ends.
type Admission struct {
	l         *Limiter
	st        *providerState
	reserved  []*rate.Reservation
	estimated float64
	once      sync.Once
}

// Admit checks budgets, applies the throttle delay, and reserves one
// request and req.Tokens tokens. It never waits on the buckets: a request
// that would have to wait fails with a RateLimited error instead.
func (l *Limiter) Admit(ctx context.Context, req AdmitRequest) (*Admission, error) {
	if req.BudgetCeiling > 0 && req.EstimatedCost > req.BudgetCeiling {
		return nil, provider.BudgetExceeded(req.Provider, 0,
			fmt.Sprintf("estimated cost $%.4f exceeds request ceiling $%.4f", req.EstimatedCost, req.BudgetCeiling))
	}

	l.maybeRollover()
	st := l.state(req.Provider)

	st.mu.Lock()
	if st.limits.DailyBudget > 0 && st.spent+st.pending+req.EstimatedCost > st.limits.DailyBudget {
		st.mu.Unlock()
		now := l.cfg.Now()
		return nil, provider.BudgetExceeded(req.Provider, nextMidnight(now).Sub(now), "daily budget exhausted")
	}
	st.pending += req.EstimatedCost
	delay := l.throttleDelay(st.throttle)
	st.mu.Unlock()

	adm := &Admission{l: l, st: st, estimated: req.EstimatedCost}

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			adm.Release()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	now := l.cfg.Now()
	st.mu.Lock()
	var wait time.Duration
	if st.requests != nil {
		r := st.requests.ReserveN(now, 1)
		adm.reserved = append(adm.reserved, r)
		wait = max(wait, reservationDelay(r, now))
	}
	if st.tokens != nil && req.Tokens > 0 {
		n := min(req.Tokens, st.tokens.Burst())
		r := st.tokens.ReserveN(now, n)
		adm.reserved = append(adm.reserved, r)
		wait = max(wait, reservationDelay(r, now))
	}
	st.mu.Unlock()

	if wait > 0 {
		adm.Release()
		return nil, provider.RateLimited(req.Provider, wait, "bucket empty")
	}

	if l.cluster != nil && req.Tokens > 0 {
		res, err := l.cluster.AllowN(ctx, clusterKey(req.Provider), req.Tokens)
		// A cluster store outage fails open; local buckets still apply.
		if err == nil && !res.Allowed {
			adm.Release()
			return nil, provider.RateLimited(req.Provider, clusterBackoff, "cluster token limit")
		}
	}

	return adm, nil
}

func reservationDelay(r *rate.Reservation, now time.Time) time.Duration {
	if !r.OK() {
		return time.Minute
	}
	return r.DelayFrom(now)
}

func clusterKey(name string) string {
	return fmt.Sprintf("ratelimit:provider:%s", name)
}

func (l *Limiter) throttleDelay(factor float64) time.Duration {
	if factor <= 1 {
		return 0
	}
	d := time.Duration(float64(l.cfg.BaseDelay) * (factor - 1))
	if l.cfg.MaxJitter > 0 {
		d += time.Duration(rand.Int64N(int64(l.cfg.MaxJitter)))
	}
	return d
}

// Release returns the reserved bucket tokens and drops the pending spend.
// Used when the attempt never reached the backend or was cancelled.
func (a *Admission) Release() {
	a.once.Do(func() {
		now := a.l.cfg.Now()
		a.st.mu.Lock()
		defer a.st.mu.Unlock()
		for _, r := range a.reserved {
			r.CancelAt(now)
		}
		a.st.pending -= a.estimated
	})
}

// Commit charges the actual cost of a completed attempt to today's spend.
func (a *Admission) Commit(cost float64) {
	a.once.Do(func() {
		a.st.mu.Lock()
		defer a.st.mu.Unlock()
		a.st.pending -= a.estimated
		a.st.spent += cost
	})
}

// RecordOutcome feeds the adaptive throttle. Cancelled attempts must not be
// recorded.
func (l *Limiter) RecordOutcome(name string, success bool) {
	st := l.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.outcomes[st.next] = success
	st.next = (st.next + 1) % outcomeWindow
	if st.count < outcomeWindow {
		st.count++
	}

	ratio := st.errorRatio()
	switch {
	case ratio > raiseAbove:
		st.throttle = min(st.throttle*throttleRaise, maxThrottle)
	case ratio < decayBelow:
		st.throttle = max(st.throttle*throttleDecay, 1)
	}
}

func (st *providerState) errorRatio() float64 {
	if st.count == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < st.count; i++ {
		if !st.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(st.count)
}

type Status struct {
	RequestsAvailable float64 `json:"requests_available"`
	TokensAvailable   float64 `json:"tokens_available"`
	DailySpend        float64 `json:"daily_spend"`
	DailyBudget       float64 `json:"daily_budget"`
	ThrottleFactor    float64 `json:"throttle_factor"`
	ErrorRatio        float64 `json:"error_ratio"`
}

// Snapshot reports a provider's admission state. Unlimited buckets report -1.
func (l *Limiter) Snapshot(name string) Status {
	now := l.cfg.Now()
	st := l.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	s := Status{
		RequestsAvailable: -1,
		TokensAvailable:   -1,
		DailySpend:        st.spent,
		DailyBudget:       st.limits.DailyBudget,
		ThrottleFactor:    st.throttle,
		ErrorRatio:        st.errorRatio(),
	}
	if st.requests != nil {
		s.RequestsAvailable = st.requests.TokensAt(now)
	}
	if st.tokens != nil {
		s.TokensAvailable = st.tokens.TokensAt(now)
	}
	return s
}

// DailySpend returns today's committed spend and the configured budget.
func (l *Limiter) DailySpend(name string) (spent, budget float64) {
	st := l.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.spent, st.limits.DailyBudget
}

// DailyCosts returns the UTC day key and each provider's committed spend.
func (l *Limiter) DailyCosts() (string, map[string]float64) {
	l.maybeRollover()

	l.dayMu.Lock()
	defer l.dayMu.Unlock()
	return l.day, l.spendLocked(false)
}

// RestoreDailyCosts reloads persisted spend. Costs from another day are
// ignored.
func (l *Limiter) RestoreDailyCosts(day string, costs map[string]float64) bool {
	l.maybeRollover()
	l.dayMu.Lock()
	current := l.day
	l.dayMu.Unlock()
	if day != current {
		return false
	}
	for name, spent := range costs {
		st := l.state(name)
		st.mu.Lock()
		st.spent = spent
		st.mu.Unlock()
	}
	return true
}

// Rollover starts a new UTC day if the clock has left the current one.
// The closing day's spend is kept for ClosedDays.
func (l *Limiter) Rollover() {
	l.maybeRollover()
}

// ClosedDays returns and forgets the spend of days rolled over since the
// last call, oldest first.
func (l *Limiter) ClosedDays() []DaySpend {
	l.dayMu.Lock()
	defer l.dayMu.Unlock()
	closed := l.closed
	l.closed = nil
	return closed
}

func (l *Limiter) maybeRollover() {
	today := dayKey(l.cfg.Now())
	l.dayMu.Lock()
	defer l.dayMu.Unlock()
	if l.day == today {
		return
	}
	l.closed = append(l.closed, DaySpend{Day: l.day, Costs: l.spendLocked(true)})
	if len(l.closed) > maxClosedDays {
		l.closed = l.closed[len(l.closed)-maxClosedDays:]
	}
	l.day = today
}

// spendLocked snapshots every provider's spend, zeroing it when reset is
// set. dayMu must be held.
func (l *Limiter) spendLocked(reset bool) map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	costs := make(map[string]float64, len(l.providers))
	for name, st := range l.providers {
		st.mu.Lock()
		costs[name] = st.spent
		if reset {
			st.spent = 0
		}
		st.mu.Unlock()
	}
	return costs
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func nextMidnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
