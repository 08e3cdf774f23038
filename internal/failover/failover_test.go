package failover

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/inference-orchestrator/internal/profile"
	"github.com/vnmchuo/inference-orchestrator/internal/provider"
	"github.com/vnmchuo/inference-orchestrator/internal/registry"
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
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func prof(name string, tier provider.Tier) registry.Profile {
	return registry.Profile{
		Name:    name,
		Tier:    tier,
		Enabled: true,
		Capabilities: provider.Capabilities{
			ContentTypes: []provider.ContentType{provider.ContentText, provider.ContentCode},
			CodeQuality:  0.5,
		},
		DefaultTimeout: 10 * time.Second,
	}
}

var textContent = profile.ContentProfile{Type: provider.ContentText, SizeEstimate: 100}

func TestHealthBoundsUnderArbitrarySequences(t *testing.T) {
	clock := newClock()
	m := NewManager(Config{Now: clock.Now})
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 2000; i++ {
		latency := time.Duration(rng.Int64N(int64(2 * time.Minute)))
		if rng.IntN(10) == 0 {
			latency = 0
		}
		m.Record("p", Outcome{Success: rng.IntN(3) > 0, Latency: latency})
		clock.Advance(time.Duration(rng.Int64N(int64(time.Hour))))
		if i%50 == 0 {
			m.Recompute()
		}

		s := m.Snapshot("p")
		require.GreaterOrEqual(t, s.Score, 0.0)
		require.LessOrEqual(t, s.Score, 1.0)
		require.GreaterOrEqual(t, s.Trend, -1.0)
		require.LessOrEqual(t, s.Trend, 1.0)
	}
}

func TestUnknownProviderIsHealthy(t *testing.T) {
	m := NewManager(Config{})
	assert.Equal(t, 1.0, m.HealthScore("never-seen"))
}

func TestHealthScoreFormula(t *testing.T) {
	clock := newClock()
	m := NewManager(Config{Now: clock.Now})

	m.Record("p", Outcome{Success: true, Latency: 3 * time.Second})
	m.Record("p", Outcome{Success: false, Latency: 9 * time.Second, ErrorKind: "timeout"})

	// success 0.5, avg 6s of 30s, last success just now
	assert.InDelta(t, 0.5*0.5+0.3*0.8+0.2*1.0, m.HealthScore("p"), 1e-9)

	clock.Advance(12 * time.Hour)
	m.Recompute()
	assert.InDelta(t, 0.5*0.5+0.3*0.8+0.2*0.5, m.HealthScore("p"), 1e-9)
	assert.Equal(t, 1, m.Snapshot("p").Errors["timeout"])
}

func TestTrendDetectsSlowdown(t *testing.T) {
	m := NewManager(Config{})
	for i := 0; i < 15; i++ {
		m.Record("p", Outcome{Success: true, Latency: time.Second})
	}
	assert.Equal(t, 0.0, m.Snapshot("p").Trend)

	for i := 0; i < 5; i++ {
		m.Record("p", Outcome{Success: true, Latency: 4 * time.Second})
	}
	assert.InDelta(t, -0.75, m.Snapshot("p").Trend, 1e-9)
}

func TestShouldFailoverReasons(t *testing.T) {
	m := NewManager(Config{})

	disabled := prof("off", provider.TierStandardCloud)
	disabled.Enabled = false
	ok, reason := m.ShouldFailover(disabled, textContent, Check{})
	assert.True(t, ok)
	assert.Equal(t, ReasonDisabled, reason)

	for i := 0; i < 3; i++ {
		m.Record("failing", Outcome{Success: false, Latency: time.Millisecond})
	}
	_, reason = m.ShouldFailover(prof("failing", provider.TierStandardCloud), textContent, Check{})
	assert.Equal(t, ReasonCircuitBreaker, reason)

	for i := 0; i < 15; i++ {
		m.Record("degrading", Outcome{Success: true, Latency: time.Second})
	}
	for i := 0; i < 5; i++ {
		m.Record("degrading", Outcome{Success: true, Latency: 3 * time.Second})
	}
	_, reason = m.ShouldFailover(prof("degrading", provider.TierStandardCloud), textContent, Check{})
	assert.Equal(t, ReasonDegradation, reason)

	for i := 0; i < 5; i++ {
		m.Record("slow", Outcome{Success: true, Latency: 9 * time.Second})
	}
	_, reason = m.ShouldFailover(prof("slow", provider.TierStandardCloud), textContent, Check{})
	assert.Equal(t, ReasonLatency, reason)

	private := profile.ContentProfile{Type: provider.ContentText, PrivacySensitive: true}
	_, reason = m.ShouldFailover(prof("cloud", provider.TierPremiumCloud), private, Check{LocalOnly: true})
	assert.Equal(t, ReasonPrivacy, reason)
	ok, _ = m.ShouldFailover(prof("gpu", provider.TierLocalGPU), private, Check{LocalOnly: true})
	assert.False(t, ok)

	_, reason = m.ShouldFailover(prof("cloud", provider.TierPremiumCloud), textContent, Check{BudgetCeiling: 0.05, EstimatedCost: 0.07})
	assert.Equal(t, ReasonBudget, reason)

	ok, reason = m.ShouldFailover(prof("fresh", provider.TierPremiumCloud), textContent, Check{})
	assert.False(t, ok)
	assert.Equal(t, ReasonNone, reason)
}

func TestShouldFailoverLowHealth(t *testing.T) {
	clock := newClock()
	m := NewManager(Config{Now: clock.Now, MaxConsecutiveFailures: 100})
	for i := 0; i < 10; i++ {
		m.Record("sick", Outcome{Success: false, Latency: 40 * time.Second})
	}
	_, reason := m.ShouldFailover(prof("sick", provider.TierStandardCloud), profile.ContentProfile{Type: provider.ContentText}, Check{})
	assert.Equal(t, ReasonLowHealth, reason)
}

func TestTargetsExcludeFailedAndUnhealthy(t *testing.T) {
	m := NewManager(Config{})
	for i := 0; i < 10; i++ {
		m.Record("sick", Outcome{Success: false, Latency: time.Minute})
	}
	require.LessOrEqual(t, m.HealthScore("sick"), 0.3)

	failed := prof("primary", provider.TierStandardCloud)
	candidates := []registry.Profile{failed, prof("sick", provider.TierStandardCloud), prof("ok", provider.TierLocalGPU)}

	for _, s := range Strategies {
		targets := m.Targets(failed, candidates, textContent, s)
		for _, tg := range targets {
			assert.NotEqual(t, "primary", tg.Profile.Name, s)
			assert.NotEqual(t, "sick", tg.Profile.Name, s)
		}
	}
}

func TestTierBasedWalksDown(t *testing.T) {
	m := NewManager(Config{})
	failed := prof("premium-a", provider.TierPremiumCloud)
	candidates := []registry.Profile{
		prof("cpu", provider.TierLocalCPU),
		prof("standard", provider.TierStandardCloud),
		prof("premium-b", provider.TierPremiumCloud),
		prof("gpu", provider.TierLocalGPU),
		failed,
	}

	targets := m.Targets(failed, candidates, textContent, StrategyTierBased)
	require.Len(t, targets, 4)
	assert.Equal(t, "premium-b", targets[0].Profile.Name)
	assert.Equal(t, "standard", targets[1].Profile.Name)
	assert.Equal(t, "gpu", targets[2].Profile.Name)
	assert.Equal(t, "cpu", targets[3].Profile.Name)

	assert.Equal(t, 1.0, targets[0].CostMultiplier)
	assert.Equal(t, time.Duration(0), targets[0].ExtraDelay)
	assert.InDelta(t, 0.7, targets[1].CostMultiplier, 1e-9)
	assert.Equal(t, 500*time.Millisecond, targets[1].ExtraDelay)
	assert.InDelta(t, 0.343, targets[3].CostMultiplier, 1e-9)
	assert.Equal(t, 1500*time.Millisecond, targets[3].ExtraDelay)
}

func TestTierSteps(t *testing.T) {
	tests := []struct {
		from, to provider.Tier
		want     int
	}{
		{provider.TierPremiumCloud, provider.TierPremiumCloud, 0},
		{provider.TierPremiumCloud, provider.TierStandardCloud, 1},
		{provider.TierStandardCloud, provider.TierLocalCPU, 2},
		{provider.TierLocalCPU, provider.TierPremiumCloud, -3},
		{provider.TierLocalGPU, provider.TierStandardCloud, -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tierSteps(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestPrivacyPreservingKeepsSensitiveLocal(t *testing.T) {
	m := NewManager(Config{})
	failed := prof("gpu-a", provider.TierLocalGPU)
	candidates := []registry.Profile{prof("cloud", provider.TierPremiumCloud), prof("gpu-b", provider.TierLocalGPU), prof("cpu", provider.TierLocalCPU)}

	private := profile.ContentProfile{Type: provider.ContentText, PrivacySensitive: true}
	targets := m.Targets(failed, candidates, private, StrategyPrivacyPreserving)
	require.Len(t, targets, 2)
	for _, tg := range targets {
		assert.True(t, tg.Profile.Tier.IsLocal())
	}
}

func TestCostAwarePrefersCheapest(t *testing.T) {
	m := NewManager(Config{})
	failed := prof("primary", provider.TierPremiumCloud)
	failed.Cost = registry.Cost{PerRequest: 0.10}
	cheap := prof("cheap", provider.TierStandardCloud)
	cheap.Cost = registry.Cost{PerRequest: 0.01}
	mid := prof("mid", provider.TierStandardCloud)
	mid.Cost = registry.Cost{PerRequest: 0.05}

	targets := m.Targets(failed, []registry.Profile{mid, cheap}, textContent, StrategyCostAware)
	require.Len(t, targets, 2)
	assert.Equal(t, "cheap", targets[0].Profile.Name)
	assert.InDelta(t, 0.1, targets[0].CostMultiplier, 1e-9)
}

func TestCapabilityPreservingPrefersSupport(t *testing.T) {
	m := NewManager(Config{})
	failed := prof("primary", provider.TierPremiumCloud)
	coder := prof("coder", provider.TierStandardCloud)
	coder.Capabilities.CodeQuality = 0.95
	textOnly := prof("text-only", provider.TierStandardCloud)
	textOnly.Capabilities.ContentTypes = []provider.ContentType{provider.ContentText}

	code := profile.ContentProfile{Type: provider.ContentCode}
	targets := m.Targets(failed, []registry.Profile{textOnly, coder}, code, StrategyCapabilityPreserving)
	require.Len(t, targets, 2)
	assert.Equal(t, "coder", targets[0].Profile.Name)
	assert.Equal(t, 0.0, targets[1].CapabilityMatch)
}

func TestEventHistoryIsBoundedAndHalved(t *testing.T) {
	m := NewManager(Config{HistorySize: 10})
	for i := 0; i < 11; i++ {
		m.RecordEvent(Event{From: "a", To: "b", Reason: ReasonError, Strategy: StrategyTierBased, Success: i%2 == 0})
	}
	h := m.History(0)
	assert.Len(t, h, 5)
	assert.NotEmpty(t, h[0].ID)

	for i := 0; i < 5; i++ {
		m.RecordEvent(Event{Reason: ReasonLatency})
	}
	assert.Len(t, m.History(0), 10)
	assert.Len(t, m.History(3), 3)

	stats := m.Stats()
	assert.Equal(t, 10, stats.Total)
	assert.Equal(t, 5, stats.ByReason[ReasonLatency])
}

func TestPrune(t *testing.T) {
	clock := newClock()
	m := NewManager(Config{Now: clock.Now})

	m.Record("idle", Outcome{Success: false, Latency: time.Second})
	m.RecordEvent(Event{From: "idle", To: "busy"})
	clock.Advance(2 * time.Hour)
	m.Record("busy", Outcome{Success: true, Latency: time.Second})
	m.RecordEvent(Event{From: "busy", To: "idle"})

	pruned := m.Prune(time.Hour)
	assert.Equal(t, 1, pruned)
	assert.Len(t, m.History(0), 1)
	assert.Equal(t, 0, m.Snapshot("idle").Samples)
	assert.Equal(t, 1.0, m.HealthScore("idle"))
	assert.Equal(t, 1, m.Snapshot("busy").Samples)
}
