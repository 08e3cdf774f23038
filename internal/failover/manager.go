package failover

import (
	"sync"
	"time"

	"github.com/vnmchuo/inference-orchestrator/internal/profile"
	"github.com/vnmchuo/inference-orchestrator/internal/registry"
)

type Reason string

const (
	ReasonNone           Reason = ""
	ReasonDisabled       Reason = "disabled"
	ReasonCircuitBreaker Reason = "circuit-breaker"
	ReasonLowHealth      Reason = "low-health"
	ReasonDegradation    Reason = "degradation"
	ReasonLatency        Reason = "latency"
	ReasonPrivacy        Reason = "privacy"
	ReasonBudget         Reason = "budget"
	// ReasonError marks a failover after the attempt itself failed.
	ReasonError Reason = "error"
)

type Manager struct {
	cfg Config

	mu      sync.RWMutex
	records map[string]*record

	eventsMu sync.Mutex
	events   []Event
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		records: make(map[string]*record),
	}
}

func (m *Manager) record(name string) *record {
	m.mu.RLock()
	r, ok := m.records[name]
	m.mu.RUnlock()
	if ok {
		return r
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[name]; ok {
		return r
	}
	r = newRecord()
	m.records[name] = r
	return r
}

// Record folds a completed attempt into the backend's health record and
// refreshes its score.
func (m *Manager) Record(name string, o Outcome) {
	now := m.cfg.Now()
	r := m.record(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(o, now)
	r.recompute(m.cfg, now)
}

// Recompute refreshes every score so recency decays for idle backends.
func (m *Manager) Recompute() {
	now := m.cfg.Now()
	m.mu.RLock()
	records := make([]*record, 0, len(m.records))
	for _, r := range m.records {
		records = append(records, r)
	}
	m.mu.RUnlock()

	for _, r := range records {
		r.mu.Lock()
		r.recompute(m.cfg, now)
		r.mu.Unlock()
	}
}

// HealthScore is 1 for backends with no recorded attempts.
func (m *Manager) HealthScore(name string) float64 {
	m.mu.RLock()
	r, ok := m.records[name]
	m.mu.RUnlock()
	if !ok {
		return 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.score
}

func (m *Manager) Snapshot(name string) HealthSnapshot {
	r := m.record(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

// Retain drops health records of backends no longer configured.
func (m *Manager) Retain(names []string) {
	keep := make(map[string]struct{}, len(names))
	for _, n := range names {
		keep[n] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.records {
		if _, ok := keep[name]; !ok {
			delete(m.records, name)
		}
	}
}

type Check struct {
	LocalOnly     bool
	BudgetCeiling float64
	EstimatedCost float64
}

// ShouldFailover reports whether p should be skipped for this request
// before any attempt is made, and why.
func (m *Manager) ShouldFailover(p registry.Profile, content profile.ContentProfile, chk Check) (bool, Reason) {
	if !p.Enabled {
		return true, ReasonDisabled
	}
	if content.PrivacySensitive && chk.LocalOnly && !p.Tier.IsLocal() {
		return true, ReasonPrivacy
	}
	if chk.BudgetCeiling > 0 && chk.EstimatedCost > chk.BudgetCeiling {
		return true, ReasonBudget
	}

	m.mu.RLock()
	r, ok := m.records[p.Name]
	m.mu.RUnlock()
	if !ok {
		return false, ReasonNone
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.consecutiveFailures >= m.cfg.MaxConsecutiveFailures:
		return true, ReasonCircuitBreaker
	case r.score < m.cfg.HealthThreshold:
		return true, ReasonLowHealth
	case r.trend < m.cfg.DegradationThreshold:
		return true, ReasonDegradation
	}
	if recent := r.recentLatency(); recent > 0 {
		limit := time.Duration(m.cfg.LatencyRatio * float64(p.Timeout(content.Type)))
		if recent > limit {
			return true, ReasonLatency
		}
	}
	return false, ReasonNone
}

// Prune forgets events and latency history older than maxAge. Health
// records of backends idle that long start over.
func (m *Manager) Prune(maxAge time.Duration) int {
	now := m.cfg.Now()
	cutoff := now.Add(-maxAge)

	m.mu.RLock()
	for _, r := range m.records {
		r.mu.Lock()
		if last := r.lastActivity(); !last.IsZero() && last.Before(cutoff) {
			r.latencies = nil
			r.outcomes = nil
			r.consecutiveFailures = 0
			r.consecutiveSuccesses = 0
			r.recompute(m.cfg, now)
		}
		r.mu.Unlock()
	}
	m.mu.RUnlock()

	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	kept := m.events[:0]
	for _, e := range m.events {
		if !e.Time.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	pruned := len(m.events) - len(kept)
	m.events = kept
	return pruned
}
