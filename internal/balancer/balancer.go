// Package balancer keeps the short-horizon view of each backend: a circuit
// breaker, the number of in-flight attempts and a smoothed latency. It also
// offers simple pick strategies for deployments that do not want the full
// scoring engine.
package balancer

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vnmchuo/inference-orchestrator/internal/provider"
	"github.com/vnmchuo/inference-orchestrator/internal/registry"
)

type Strategy string

const (
	StrategyPriority           Strategy = "priority"
	StrategyWeightedRoundRobin Strategy = "weighted-round-robin"
	StrategyLeastConnections   Strategy = "least-connections"
	StrategyCostTiered         Strategy = "cost-tiered"
	StrategyResponseTime       Strategy = "response-time"
	StrategyHealthScore        Strategy = "health-score"
)

var Strategies = []Strategy{
	StrategyPriority, StrategyWeightedRoundRobin, StrategyLeastConnections,
	StrategyCostTiered, StrategyResponseTime, StrategyHealthScore,
}

func ParseStrategy(s string) (Strategy, error) {
	for _, st := range Strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown balancer strategy %q", s)
}

const ewmaAlpha = 0.3

type Config struct {
	Breaker BreakerConfig
	// Health returns a backend's long-horizon health score in [0,1].
	Health func(name string) float64
	// TierOrder is walked by the cost-tiered strategy.
	TierOrder     []provider.Tier
	Now           func() time.Time
	Rand          func() float64
	OnStateChange func(name string, from, to State)
}

type node struct {
	breaker *Breaker
	active  atomic.Int64

	mu      sync.Mutex
	ewma    time.Duration
	samples int
}

type Balancer struct {
	cfg Config

	mu    sync.RWMutex
	nodes map[string]*node
}

func New(cfg Config) *Balancer {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Health == nil {
		cfg.Health = func(string) float64 { return 1 }
	}
	if len(cfg.TierOrder) == 0 {
		cfg.TierOrder = provider.Tiers
	}
	return &Balancer{cfg: cfg, nodes: make(map[string]*node)}
}

func (b *Balancer) node(name string) *node {
	b.mu.RLock()
	n, ok := b.nodes[name]
	b.mu.RUnlock()
	if ok {
		return n
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if n, ok := b.nodes[name]; ok {
		return n
	}
	var onChange func(from, to State)
	if b.cfg.OnStateChange != nil {
		onChange = func(from, to State) { b.cfg.OnStateChange(name, from, to) }
	}
	n = &node{breaker: NewBreaker(b.cfg.Breaker, b.cfg.Now, onChange)}
	b.nodes[name] = n
	return n
}

// Retain drops state for backends no longer configured.
func (b *Balancer) Retain(names []string) {
	keep := make(map[string]struct{}, len(names))
	for _, n := range names {
		keep[n] = struct{}{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for name := range b.nodes {
		if _, ok := keep[name]; !ok {
			delete(b.nodes, name)
		}
	}
}

// Available filters out backends whose circuit is open. Degraded but
// closed backends stay eligible.
func (b *Balancer) Available(profiles []registry.Profile) []registry.Profile {
	out := make([]registry.Profile, 0, len(profiles))
	for _, p := range profiles {
		if b.node(p.Name).breaker.Allow() {
			out = append(out, p)
		}
	}
	return out
}

func (b *Balancer) Breaker(name string) BreakerSnapshot {
	return b.node(name).breaker.Snapshot()
}

// Lease tracks one in-flight attempt against a backend.
type Lease struct {
	name string
	n    *node
	once sync.Once
}

// Acquire admits an attempt through the backend's breaker.
func (b *Balancer) Acquire(name string) (*Lease, error) {
	n := b.node(name)
	if err := n.breaker.Acquire(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	n.active.Add(1)
	return &Lease{name: name, n: n}, nil
}

// Done ends the attempt. Latency feeds the response-time average unless
// the attempt was cancelled.
func (l *Lease) Done(o Outcome, latency time.Duration) {
	l.once.Do(func() {
		l.n.active.Add(-1)
		l.n.breaker.Record(o)
		if o == OutcomeCancelled || latency <= 0 {
			return
		}
		l.n.mu.Lock()
		if l.n.samples == 0 {
			l.n.ewma = latency
		} else {
			l.n.ewma = time.Duration(ewmaAlpha*float64(latency) + (1-ewmaAlpha)*float64(l.n.ewma))
		}
		l.n.samples++
		l.n.mu.Unlock()
	})
}

type NodeSnapshot struct {
	Breaker BreakerSnapshot `json:"breaker"`
	Active  int64           `json:"active"`
	EWMA    time.Duration   `json:"ewma_latency"`
}

func (b *Balancer) Snapshot(name string) NodeSnapshot {
	n := b.node(name)
	n.mu.Lock()
	ewma := n.ewma
	n.mu.Unlock()
	return NodeSnapshot{
		Breaker: n.breaker.Snapshot(),
		Active:  n.active.Load(),
		EWMA:    ewma,
	}
}

// Pick chooses one candidate under strategy. Candidates are expected to
// have passed Available already.
func (b *Balancer) Pick(strategy Strategy, candidates []registry.Profile) (registry.Profile, error) {
	if len(candidates) == 0 {
		return registry.Profile{}, provider.NewError(provider.KindNoProviderAvailable, "", "no candidates", nil)
	}
	sorted := make([]registry.Profile, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	switch strategy {
	case StrategyPriority:
		return b.byPriority(sorted), nil
	case StrategyWeightedRoundRobin:
		return b.weighted(sorted), nil
	case StrategyLeastConnections:
		return b.leastConnections(sorted), nil
	case StrategyCostTiered:
		return b.costTiered(sorted), nil
	case StrategyResponseTime:
		return b.responseTime(sorted), nil
	case StrategyHealthScore:
		return b.healthiest(sorted), nil
	default:
		return registry.Profile{}, fmt.Errorf("unknown balancer strategy %q", strategy)
	}
}

func (b *Balancer) byPriority(c []registry.Profile) registry.Profile {
	best := c[0]
	for _, p := range c[1:] {
		if p.Priority < best.Priority {
			best = p
		}
	}
	return best
}

// weighted samples proportionally to weight x health^2.
func (b *Balancer) weighted(c []registry.Profile) registry.Profile {
	weights := make([]float64, len(c))
	total := 0.0
	for i, p := range c {
		w := p.Weight
		if w == 0 {
			w = 1
		}
		h := b.cfg.Health(p.Name)
		weights[i] = w * h * h
		total += weights[i]
	}
	if total <= 0 {
		return c[0]
	}
	r := b.cfg.Rand() * total
	for i, w := range weights {
		if r < w {
			return c[i]
		}
		r -= w
	}
	return c[len(c)-1]
}

func (b *Balancer) leastConnections(c []registry.Profile) registry.Profile {
	best := c[0]
	bestActive := b.node(best.Name).active.Load()
	for _, p := range c[1:] {
		if a := b.node(p.Name).active.Load(); a < bestActive {
			best, bestActive = p, a
		}
	}
	return best
}

func (b *Balancer) costTiered(c []registry.Profile) registry.Profile {
	for _, tier := range b.cfg.TierOrder {
		var inTier []registry.Profile
		for _, p := range c {
			if p.Tier == tier {
				inTier = append(inTier, p)
			}
		}
		if len(inTier) > 0 {
			return b.healthiest(inTier)
		}
	}
	return b.healthiest(c)
}

// responseTime prefers untried backends, then the lowest smoothed latency.
func (b *Balancer) responseTime(c []registry.Profile) registry.Profile {
	var best registry.Profile
	bestLatency := time.Duration(-1)
	for _, p := range c {
		n := b.node(p.Name)
		n.mu.Lock()
		latency, samples := n.ewma, n.samples
		n.mu.Unlock()
		if samples == 0 {
			return p
		}
		if bestLatency < 0 || latency < bestLatency {
			best, bestLatency = p, latency
		}
	}
	return best
}

func (b *Balancer) healthiest(c []registry.Profile) registry.Profile {
	best := c[0]
	bestHealth := b.cfg.Health(best.Name)
	for _, p := range c[1:] {
		if h := b.cfg.Health(p.Name); h > bestHealth {
			best, bestHealth = p, h
		}
	}
	return best
}
