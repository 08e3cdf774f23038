package failover

import (
	"fmt"
	"sort"
	"time"

	"github.com/vnmchuo/inference-orchestrator/internal/profile"
	"github.com/vnmchuo/inference-orchestrator/internal/provider"
	"github.com/vnmchuo/inference-orchestrator/internal/registry"
)

type Strategy string

const (
	StrategyTierBased            Strategy = "tier-based"
	StrategyCapabilityPreserving Strategy = "capability-preserving"
	StrategyCostAware            Strategy = "cost-aware"
	StrategyPerformanceOptimized Strategy = "performance-optimized"
	StrategyPrivacyPreserving    Strategy = "privacy-preserving"
)

var Strategies = []Strategy{
	StrategyTierBased, StrategyCapabilityPreserving, StrategyCostAware,
	StrategyPerformanceOptimized, StrategyPrivacyPreserving,
}

func ParseStrategy(s string) (Strategy, error) {
	for _, st := range Strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown failover strategy %q", s)
}

const (
	tierCostDiscount = 0.7
	tierStepDelay    = 500 * time.Millisecond
	// a target must be strictly healthier than this to be offered
	minTargetHealth = 0.3
)

type Target struct {
	Profile             registry.Profile
	ExpectedPerformance float64
	CostMultiplier      float64
	CapabilityMatch     float64
	ExtraDelay          time.Duration

	rank float64
}

// Targets ranks fallback backends for a request that failed, or is about
// to fail, on the backend named failed. The failed backend and backends
// with health at or below 0.3 are never returned.
func (m *Manager) Targets(failed registry.Profile, candidates []registry.Profile, content profile.ContentProfile, strategy Strategy) []Target {
	failedCost := failed.Cost.Estimate(content.SizeEstimate)

	targets := make([]Target, 0, len(candidates))
	for _, p := range candidates {
		if p.Name == failed.Name || !p.Enabled {
			continue
		}
		health := m.HealthScore(p.Name)
		if health <= minTargetHealth {
			continue
		}
		t := Target{
			Profile:             p,
			ExpectedPerformance: health,
			CostMultiplier:      1,
			CapabilityMatch:     capabilityMatch(p, content),
		}
		cost := p.Cost.Estimate(content.SizeEstimate)

		switch strategy {
		case StrategyCapabilityPreserving:
			t.rank = t.CapabilityMatch*10 + health
		case StrategyCostAware:
			if failedCost > 0 {
				t.CostMultiplier = cost / failedCost
			}
			t.rank = -cost*1000 + health
		case StrategyPerformanceOptimized:
			t.rank = health*10 + t.CapabilityMatch
		case StrategyPrivacyPreserving:
			if content.PrivacySensitive && !p.Tier.IsLocal() {
				continue
			}
			local := 0.0
			if p.Tier.IsLocal() {
				local = 10
			}
			t.rank = local + health
		default:
			step := tierSteps(failed.Tier, p.Tier)
			group := 0.0
			switch {
			case step > 0:
				t.ExtraDelay = time.Duration(step) * tierStepDelay
				t.CostMultiplier = pow(tierCostDiscount, step)
				group = float64(step)
			case step < 0:
				// more expensive tiers are a last resort
				t.CostMultiplier = pow(1/tierCostDiscount, -step)
				group = float64(len(provider.Tiers) - step)
			}
			t.rank = -group*10 + health
		}
		targets = append(targets, t)
	}

	sort.SliceStable(targets, func(i, j int) bool {
		if targets[i].rank != targets[j].rank {
			return targets[i].rank > targets[j].rank
		}
		return targets[i].Profile.Name < targets[j].Profile.Name
	})
	return targets
}

// tierSteps counts the walk from one tier to another: positive going down
// toward local-cpu, negative going up.
func tierSteps(from, to provider.Tier) int {
	if n, ok := walkDown(from, to); ok {
		return n
	}
	if n, ok := walkDown(to, from); ok {
		return -n
	}
	return 0
}

func walkDown(from, to provider.Tier) (int, bool) {
	n := 0
	for t, ok := from, from.Valid(); ok; t, ok = t.Next() {
		if t == to {
			return n, true
		}
		n++
	}
	return 0, false
}

// capabilityMatch is 0 for unsupported content, else 0.5 plus half the
// relevant modality quality.
func capabilityMatch(p registry.Profile, content profile.ContentProfile) float64 {
	caps := p.Capabilities
	if !caps.Supports(content.Type) {
		return 0
	}
	q := 1.0
	switch content.Type {
	case provider.ContentImage:
		q = quality(caps.Vision, caps.VisionQuality)
	case provider.ContentMultimodal:
		q = quality(caps.Multimodal, caps.MultimodalQuality)
	case provider.ContentCode:
		q = caps.CodeQuality
	}
	return 0.5 + 0.5*q
}

func quality(flag bool, q float64) float64 {
	switch {
	case !flag:
		return 0
	case q == 0:
		return 1
	default:
		return q
	}
}

func pow(base float64, n int) float64 {
	r := 1.0
	for i := 0; i < n; i++ {
		r *= base
	}
	return r
}
