// Package bandit picks a model variant within an already chosen provider
// using UCB1, learning separately for every content category.
package bandit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/vnmchuo/inference-orchestrator/internal/state"
)

type Config struct {
	// Exploration is the UCB1 constant C.
	Exploration    float64
	WarmupPerModel int
	SuccessWeight  float64
	TimeWeight     float64
	CostWeight     float64
	LatencyCap     time.Duration
	CostCap        float64
	Now            func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Exploration == 0 {
		c.Exploration = math.Sqrt2
	}
	if c.WarmupPerModel <= 0 {
		c.WarmupPerModel = 5
	}
	if c.SuccessWeight == 0 && c.TimeWeight == 0 && c.CostWeight == 0 {
		c.SuccessWeight, c.TimeWeight, c.CostWeight = 0.5, 0.3, 0.2
	}
	if c.LatencyCap <= 0 {
		c.LatencyCap = 10 * time.Second
	}
	if c.CostCap <= 0 {
		c.CostCap = 0.10
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type Outcome struct {
	Success bool
	Latency time.Duration
	Cost    float64
}

type arm struct {
	mu    sync.Mutex
	stats state.ArmStats
	dirty bool
}

type group struct {
	provider string
	category string
}

type Selector struct {
	cfg Config

	mu      sync.RWMutex
	arms    map[state.ArmKey]*arm
	cursors map[group]*cursor
}

type cursor struct {
	mu   sync.Mutex
	next int
}

func New(cfg Config) *Selector {
	return &Selector{
		cfg:     cfg.withDefaults(),
		arms:    make(map[state.ArmKey]*arm),
		cursors: make(map[group]*cursor),
	}
}

func (s *Selector) arm(k state.ArmKey) *arm {
	s.mu.RLock()
	a, ok := s.arms[k]
	s.mu.RUnlock()
	if ok {
		return a
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.arms[k]; ok {
		return a
	}
	a = &arm{}
	s.arms[k] = a
	return a
}

func (s *Selector) cursor(g group) *cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[g]
	if !ok {
		c = &cursor{}
		s.cursors[g] = c
	}
	return c
}

// Select returns the model to use for providerName and category. During
// warmup models are cycled in order; afterwards the highest UCB1 score
// wins, with untested models first.
func (s *Selector) Select(providerName string, models []string, category string) string {
	switch len(models) {
	case 0:
		return ""
	case 1:
		return models[0]
	}

	stats := make([]state.ArmStats, len(models))
	var total int64
	for i, m := range models {
		stats[i] = s.Stats(state.ArmKey{Provider: providerName, Model: m, Category: category})
		total += stats[i].Pulls
	}

	if total < int64(len(models)*s.cfg.WarmupPerModel) {
		c := s.cursor(group{providerName, category})
		c.mu.Lock()
		m := models[c.next%len(models)]
		c.next++
		c.mu.Unlock()
		return m
	}

	best, bestScore := 0, math.Inf(-1)
	for i, st := range stats {
		score := s.ucb(st, total)
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return models[best]
}

func (s *Selector) ucb(st state.ArmStats, total int64) float64 {
	if st.Pulls == 0 {
		return math.Inf(1)
	}
	return s.Reward(st) + s.cfg.Exploration*math.Sqrt(math.Log(float64(total))/float64(st.Pulls))
}

// Reward blends success rate, a latency reward and a cost reward into [0,1].
func (s *Selector) Reward(st state.ArmStats) float64 {
	if st.Pulls == 0 {
		return 0
	}
	n := float64(st.Pulls)
	success := float64(st.Successes) / n
	timeReward := math.Max(0, 1-float64(st.TotalLatency)/n/float64(s.cfg.LatencyCap))
	costReward := math.Max(0, 1-st.TotalCost/n/s.cfg.CostCap)
	return s.cfg.SuccessWeight*success + s.cfg.TimeWeight*timeReward + s.cfg.CostWeight*costReward
}

// Update records a completed attempt. Cancelled attempts are not updates.
func (s *Selector) Update(k state.ArmKey, o Outcome) {
	a := s.arm(k)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Pulls++
	if o.Success {
		a.stats.Successes++
	}
	a.stats.TotalLatency += o.Latency
	a.stats.TotalCost += o.Cost
	a.stats.LastUsed = s.cfg.Now()
	a.dirty = true
}

func (s *Selector) Stats(k state.ArmKey) state.ArmStats {
	s.mu.RLock()
	a, ok := s.arms[k]
	s.mu.RUnlock()
	if !ok {
		return state.ArmStats{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Arms returns every arm sorted by key.
func (s *Selector) Arms() []state.Arm {
	s.mu.RLock()
	out := make([]state.Arm, 0, len(s.arms))
	for k, a := range s.arms {
		a.mu.Lock()
		out = append(out, state.Arm{Key: k, Stats: a.stats})
		a.mu.Unlock()
	}
	s.mu.RUnlock()
	SortArms(out)
	return out
}

func SortArms(arms []state.Arm) {
	sort.Slice(arms, func(i, j int) bool {
		a, b := arms[i].Key, arms[j].Key
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Model < b.Model
	})
}

// Load replaces in-memory arms with the persisted ones.
func (s *Selector) Load(ctx context.Context, store state.Store) error {
	arms, err := store.LoadArms(ctx)
	if err != nil {
		return fmt.Errorf("load arms: %w", err)
	}
	for _, in := range arms {
		a := s.arm(in.Key)
		a.mu.Lock()
		a.stats = in.Stats
		a.dirty = false
		a.mu.Unlock()
	}
	return nil
}

// Flush persists arms changed since the last flush.
func (s *Selector) Flush(ctx context.Context, store state.Store) (int, error) {
	s.mu.RLock()
	var (
		dirty   []state.Arm
		flushed []*arm
	)
	for k, a := range s.arms {
		a.mu.Lock()
		if a.dirty {
			dirty = append(dirty, state.Arm{Key: k, Stats: a.stats})
			flushed = append(flushed, a)
			a.dirty = false
		}
		a.mu.Unlock()
	}
	s.mu.RUnlock()

	if len(dirty) == 0 {
		return 0, nil
	}
	if err := store.SaveArms(ctx, dirty); err != nil {
		for _, a := range flushed {
			a.mu.Lock()
			a.dirty = true
			a.mu.Unlock()
		}
		return 0, fmt.Errorf("save arms: %w", err)
	}
	return len(dirty), nil
}
