// Package selection ranks candidate backends for a request by a weighted
// blend of capability, cost, performance and reliability. Ranking reads
// snapshots only and never mutates shared state.
package selection

import (
	"fmt"
	"math"
	"sort"

	"github.com/vnmchuo/inference-orchestrator/internal/profile"
	"github.com/vnmchuo/inference-orchestrator/internal/provider"
	"github.com/vnmchuo/inference-orchestrator/internal/registry"
)

type Strategy string

const (
	StrategyBalanced    Strategy = "weighted-balanced"
	StrategyCost        Strategy = "cost-optimized"
	StrategyPerformance Strategy = "performance-optimized"
	StrategyCapability  Strategy = "capability-first"
	StrategyReliability Strategy = "reliability-first"
)

const (
	performanceMinSamples = 10
	reliabilityMinSamples = 5
	// spend above this share of the daily budget halves the cost score
	budgetPressure = 0.8
)

type Weights struct {
	Capability  float64 `yaml:"capability" json:"capability"`
	Cost        float64 `yaml:"cost" json:"cost"`
	Performance float64 `yaml:"performance" json:"performance"`
	Reliability float64 `yaml:"reliability" json:"reliability"`
}

func (w Weights) normalized() Weights {
	sum := w.Capability + w.Cost + w.Performance + w.Reliability
	if sum <= 0 {
		return Weights{0.25, 0.25, 0.25, 0.25}
	}
	return Weights{w.Capability / sum, w.Cost / sum, w.Performance / sum, w.Reliability / sum}
}

// DefaultPresets maps each strategy to its weight preset.
func DefaultPresets() map[Strategy]Weights {
	return map[Strategy]Weights{
		StrategyBalanced:    {Capability: 0.3, Cost: 0.25, Performance: 0.25, Reliability: 0.2},
		StrategyCost:        {Capability: 0.2, Cost: 0.5, Performance: 0.15, Reliability: 0.15},
		StrategyPerformance: {Capability: 0.2, Cost: 0.1, Performance: 0.5, Reliability: 0.2},
		StrategyCapability:  {Capability: 0.55, Cost: 0.1, Performance: 0.15, Reliability: 0.2},
		StrategyReliability: {Capability: 0.15, Cost: 0.1, Performance: 0.15, Reliability: 0.6},
	}
}

func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(s)
	if _, ok := DefaultPresets()[st]; !ok {
		return "", fmt.Errorf("unknown selection strategy %q", s)
	}
	return st, nil
}

type StatsSource interface {
	Stats(name string, ct provider.ContentType) ClassStats
}

// HealthView is the long-horizon picture of a backend.
type HealthView struct {
	Score       float64
	SuccessRate float64
	Samples     int
}

type HealthSource interface {
	Health(name string) HealthView
}

type SpendSource interface {
	DailySpend(name string) (spent, budget float64)
}

type Engine struct {
	stats   StatsSource
	health  HealthSource
	spend   SpendSource
	presets map[Strategy]Weights
}

func NewEngine(stats StatsSource, health HealthSource, spend SpendSource) *Engine {
	return &Engine{stats: stats, health: health, spend: spend, presets: DefaultPresets()}
}

// WithPresets overrides the weights of the given strategies.
func (e *Engine) WithPresets(overrides map[Strategy]Weights) *Engine {
	presets := DefaultPresets()
	for s, w := range overrides {
		presets[s] = w
	}
	return &Engine{stats: e.stats, health: e.health, spend: e.spend, presets: presets}
}

type Input struct {
	Candidates []registry.Profile
	Content    profile.ContentProfile
	Priority   provider.Priority
	Strategy   Strategy
	// OutputTokens is the expected completion length used for cost.
	OutputTokens int
}

type Score struct {
	Profile       registry.Profile `json:"-"`
	Provider      string           `json:"provider"`
	Total         float64          `json:"total"`
	Capability    float64          `json:"capability"`
	Cost          float64          `json:"cost"`
	Performance   float64          `json:"performance"`
	Reliability   float64          `json:"reliability"`
	EstimatedCost float64          `json:"estimated_cost"`
	AdjustedCost  float64          `json:"adjusted_cost"`
}

// Rank scores every candidate, best first. Ties go to the cheaper backend,
// then to name order.
func (e *Engine) Rank(in Input) []Score {
	w, ok := e.presets[in.Strategy]
	if !ok {
		w = e.presets[StrategyBalanced]
	}
	w = w.normalized()

	scores := make([]Score, 0, len(in.Candidates))
	for _, p := range in.Candidates {
		s := Score{Profile: p, Provider: p.Name}
		s.EstimatedCost = p.Cost.Estimate(in.Content.SizeEstimate + in.OutputTokens)
		s.AdjustedCost = s.EstimatedCost * in.Priority.CostMultiplier()
		s.Capability = capabilityScore(p, in.Content)
		s.Cost = e.costScore(p.Name, s.AdjustedCost)
		s.Performance = e.performanceScore(p, in.Content.Type)
		s.Reliability = e.reliabilityScore(p)
		s.Total = w.Capability*s.Capability + w.Cost*s.Cost + w.Performance*s.Performance + w.Reliability*s.Reliability
		scores = append(scores, s)
	}

	sort.SliceStable(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		if a.AdjustedCost != b.AdjustedCost {
			return a.AdjustedCost < b.AdjustedCost
		}
		return a.Provider < b.Provider
	})
	return scores
}

func (e *Engine) Select(in Input) (Score, error) {
	ranked := e.Rank(in)
	if len(ranked) == 0 {
		return Score{}, provider.NewError(provider.KindNoProviderAvailable, "", "no candidates to score", nil)
	}
	return ranked[0], nil
}

func capabilityScore(p registry.Profile, content profile.ContentProfile) float64 {
	caps := p.Capabilities
	score := 0.0
	if caps.Supports(content.Type) {
		score += 0.4
	}
	score += 0.3 * modalityQuality(caps, content.Type)

	fit := 1.0
	if caps.MaxTokens > 0 && content.SizeEstimate > 0 {
		fit = math.Min(float64(caps.MaxTokens)/float64(content.SizeEstimate), 1)
	}
	score += 0.2 * fit
	score += 0.1 * caps.InstructionFollowing
	return clamp01(score)
}

// modalityQuality picks the quality figure relevant to the content type.
// Plain text families need no special modality.
func modalityQuality(caps provider.Capabilities, ct provider.ContentType) float64 {
	switch ct {
	case provider.ContentImage:
		return flagQuality(caps.Vision, caps.VisionQuality)
	case provider.ContentMultimodal:
		return flagQuality(caps.Multimodal, caps.MultimodalQuality)
	case provider.ContentCode:
		return caps.CodeQuality
	default:
		return 1
	}
}

func flagQuality(flag bool, quality float64) float64 {
	if !flag {
		return 0
	}
	if quality == 0 {
		return 1
	}
	return quality
}

func (e *Engine) costScore(name string, adjusted float64) float64 {
	score := math.Exp(-adjusted * 10)
	if e.spend != nil {
		if spent, budget := e.spend.DailySpend(name); budget > 0 && spent > budgetPressure*budget {
			score *= 0.5
		}
	}
	return clamp01(score)
}

func (e *Engine) performanceScore(p registry.Profile, ct provider.ContentType) float64 {
	if e.stats == nil {
		return 0.5
	}
	s := e.stats.Stats(p.Name, ct)
	if s.Attempts < performanceMinSamples {
		return 0.5
	}

	timeout := p.Timeout(ct)
	latencyScore := math.Max(0, 1-float64(s.MeanLatency)/float64(timeout))

	stability := 1.0
	if s.MeanLatency > 0 {
		stability = math.Max(0, 1-float64(s.StdDev)/float64(s.MeanLatency))
	}
	return clamp01(0.4*s.SuccessRate() + 0.4*latencyScore + 0.2*stability)
}

func (e *Engine) reliabilityScore(p registry.Profile) float64 {
	r := p.Capabilities.Reliability
	if e.health != nil {
		if h := e.health.Health(p.Name); h.Samples >= reliabilityMinSamples {
			r = 0.3*r + 0.7*h.SuccessRate
		}
	}
	return clamp01(r * p.Tier.ReliabilityFactor())
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
