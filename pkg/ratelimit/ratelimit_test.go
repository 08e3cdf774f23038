package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"

	"github.com/vnmchuo/inference-orchestrator/internal/provider"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

type mockLimiterStore struct {
	allowed bool
	err     error
	keys    []string
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	m.keys = append(m.keys, key)
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func TestRequestBucket(t *testing.T) {
	clock := newClock()
	l := NewLimiter(Config{Now: clock.Now})
	l.Configure("openai", Limits{RequestsPerMinute: 2})

	for i := 0; i < 2; i++ {
		adm, err := l.Admit(context.Background(), AdmitRequest{Provider: "openai"})
		require.NoError(t, err)
		adm.Commit(0)
	}

	_, err := l.Admit(context.Background(), AdmitRequest{Provider: "openai"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrRateLimited))
	assert.Equal(t, 30*time.Second, provider.RetryAfter(err))

	clock.Advance(31 * time.Second)
	_, err = l.Admit(context.Background(), AdmitRequest{Provider: "openai"})
	assert.NoError(t, err)
}

func TestTokenBucketDenialCancelsRequestReservation(t *testing.T) {
	clock := newClock()
	l := NewLimiter(Config{Now: clock.Now})
	l.Configure("claude", Limits{RequestsPerMinute: 10, TokensPerMinute: 1000})

	_, err := l.Admit(context.Background(), AdmitRequest{Provider: "claude", Tokens: 900})
	require.NoError(t, err)

	_, err = l.Admit(context.Background(), AdmitRequest{Provider: "claude", Tokens: 500})
	require.ErrorIs(t, err, provider.ErrRateLimited)

	// the denied attempt must not have consumed a request slot
	assert.InDelta(t, 9.0, l.Snapshot("claude").RequestsAvailable, 0.001)
}

func TestReleaseReturnsTokens(t *testing.T) {
	clock := newClock()
	l := NewLimiter(Config{Now: clock.Now})
	l.Configure("gemini", Limits{RequestsPerMinute: 1, DailyBudget: 1})

	adm, err := l.Admit(context.Background(), AdmitRequest{Provider: "gemini", EstimatedCost: 0.9})
	require.NoError(t, err)

	_, err = l.Admit(context.Background(), AdmitRequest{Provider: "gemini", EstimatedCost: 0.05})
	require.Error(t, err)

	adm.Release()
	adm.Release()

	_, err = l.Admit(context.Background(), AdmitRequest{Provider: "gemini", EstimatedCost: 0.9})
	assert.NoError(t, err)
	assert.Equal(t, 0.0, l.Snapshot("gemini").DailySpend)
}

func TestRequestCeiling(t *testing.T) {
	l := NewLimiter(Config{})

	_, err := l.Admit(context.Background(), AdmitRequest{Provider: "openai", EstimatedCost: 0.07, BudgetCeiling: 0.05})
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrBudgetExceeded))
}

func TestDailyBudget(t *testing.T) {
	clock := newClock()
	l := NewLimiter(Config{Now: clock.Now})
	l.Configure("openai", Limits{DailyBudget: 1.0})

	adm, err := l.Admit(context.Background(), AdmitRequest{Provider: "openai", EstimatedCost: 0.5})
	require.NoError(t, err)
	adm.Commit(0.8)

	_, err = l.Admit(context.Background(), AdmitRequest{Provider: "openai", EstimatedCost: 0.3})
	require.ErrorIs(t, err, provider.ErrBudgetExceeded)
	assert.Equal(t, 12*time.Hour, provider.RetryAfter(err))

	clock.Advance(12 * time.Hour)
	_, err = l.Admit(context.Background(), AdmitRequest{Provider: "openai", EstimatedCost: 0.3})
	assert.NoError(t, err, "spend resets at UTC midnight")
}

func TestAdaptiveThrottle(t *testing.T) {
	l := NewLimiter(Config{})

	for i := 0; i < 4; i++ {
		l.RecordOutcome("local", false)
	}
	factor := l.Snapshot("local").ThrottleFactor
	assert.Greater(t, factor, 1.0)

	for i := 0; i < 40; i++ {
		l.RecordOutcome("local", false)
	}
	assert.Equal(t, maxThrottle, l.Snapshot("local").ThrottleFactor)

	for i := 0; i < 200; i++ {
		l.RecordOutcome("local", true)
	}
	assert.Equal(t, 1.0, l.Snapshot("local").ThrottleFactor)
	assert.Equal(t, 0.0, l.Snapshot("local").ErrorRatio)
}

func TestThrottleDelayHonoursCancellation(t *testing.T) {
	l := NewLimiter(Config{BaseDelay: time.Hour})
	l.Configure("slow", Limits{DailyBudget: 1})
	for i := 0; i < 10; i++ {
		l.RecordOutcome("slow", false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := l.Admit(ctx, AdmitRequest{Provider: "slow", EstimatedCost: 0.9})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	st := l.state("slow")
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, 0.0, st.pending)
}

func TestClusterLimiter(t *testing.T) {
	store := &mockLimiterStore{allowed: false}
	l := NewLimiter(Config{}).WithCluster(store)

	_, err := l.Admit(context.Background(), AdmitRequest{Provider: "openai", Tokens: 100})
	require.ErrorIs(t, err, provider.ErrRateLimited)
	assert.Equal(t, []string{"ratelimit:provider:openai"}, store.keys)

	store.allowed = true
	_, err = l.Admit(context.Background(), AdmitRequest{Provider: "openai", Tokens: 100})
	assert.NoError(t, err)

	store.allowed = false
	store.err = errors.New("redis down")
	_, err = l.Admit(context.Background(), AdmitRequest{Provider: "openai", Tokens: 100})
	assert.NoError(t, err, "cluster outage fails open")
}

func TestDailyCostsRestore(t *testing.T) {
	clock := newClock()
	l := NewLimiter(Config{Now: clock.Now})

	assert.True(t, l.RestoreDailyCosts("2026-03-14", map[string]float64{"openai": 1.25}))
	assert.False(t, l.RestoreDailyCosts("2026-03-13", map[string]float64{"openai": 9}))

	day, costs := l.DailyCosts()
	assert.Equal(t, "2026-03-14", day)
	assert.Equal(t, 1.25, costs["openai"])

	l.Rollover()
	_, costs = l.DailyCosts()
	assert.Equal(t, 1.25, costs["openai"], "rollover within the same day keeps spend")
	assert.Empty(t, l.ClosedDays())

	clock.Advance(12 * time.Hour)
	l.Rollover()
	day, costs = l.DailyCosts()
	assert.Equal(t, "2026-03-15", day)
	assert.Equal(t, 0.0, costs["openai"])

	closed := l.ClosedDays()
	require.Len(t, closed, 1)
	assert.Equal(t, "2026-03-14", closed[0].Day)
	assert.Equal(t, 1.25, closed[0].Costs["openai"])
	assert.Empty(t, l.ClosedDays())
}

func TestImplicitRolloverKeepsClosingSpend(t *testing.T) {
	clock := newClock()
	l := NewLimiter(Config{Now: clock.Now})
	l.Configure("openai", Limits{RequestsPerMinute: 10, DailyBudget: 5})

	adm, err := l.Admit(context.Background(), AdmitRequest{Provider: "openai", Tokens: 10, EstimatedCost: 0.5})
	require.NoError(t, err)
	adm.Commit(0.4)

	clock.Advance(13 * time.Hour)
	_, err = l.Admit(context.Background(), AdmitRequest{Provider: "openai", Tokens: 10, EstimatedCost: 0.5})
	require.NoError(t, err)

	closed := l.ClosedDays()
	require.Len(t, closed, 1)
	assert.Equal(t, "2026-03-14", closed[0].Day)
	assert.InDelta(t, 0.4, closed[0].Costs["openai"], 1e-12)
}

func TestSyncForgetsRemovedProviders(t *testing.T) {
	l := NewLimiter(Config{})
	l.Sync(map[string]Limits{"a": {RequestsPerMinute: 1}, "b": {}})
	l.Sync(map[string]Limits{"a": {RequestsPerMinute: 5}})

	_, costs := l.DailyCosts()
	assert.Len(t, costs, 1)
	assert.InDelta(t, 1.0, l.Snapshot("a").RequestsAvailable, 0.01)
}
