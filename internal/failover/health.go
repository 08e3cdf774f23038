// Package failover tracks long-horizon backend health, decides when a
// request should move away from its chosen backend and ranks where it
// should go instead.
package failover

import (
	"math"
	"sync"
	"time"
)

const (
	latencyWindow = 20
	outcomeWindow = 50
	recentSamples = 5
	olderSamples  = 15
)

type Config struct {
	MaxConsecutiveFailures int
	HealthThreshold        float64
	DegradationThreshold   float64
	// LatencyRatio is the share of the content timeout recent latency may reach.
	LatencyRatio     float64
	LatencyReference time.Duration
	RecencyWindow    time.Duration
	HistorySize      int
	Now              func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 3
	}
	if c.HealthThreshold == 0 {
		c.HealthThreshold = 0.3
	}
	if c.DegradationThreshold == 0 {
		c.DegradationThreshold = -0.3
	}
	if c.LatencyRatio == 0 {
		c.LatencyRatio = 0.8
	}
	if c.LatencyReference <= 0 {
		c.LatencyReference = 30 * time.Second
	}
	if c.RecencyWindow <= 0 {
		c.RecencyWindow = 24 * time.Hour
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 1000
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Outcome is a completed attempt as seen by the health tracker. Cancelled
// attempts are never recorded.
type Outcome struct {
	Success bool
	Latency time.Duration
	// ErrorKind tallies failures by type, e.g. "timeout".
	ErrorKind string
}

type record struct {
	mu                   sync.Mutex
	consecutiveSuccesses int
	consecutiveFailures  int
	latencies            []time.Duration
	outcomes             []bool
	errors               map[string]int
	score                float64
	trend                float64
	lastSuccess          time.Time
	lastFailure          time.Time
}

type HealthSnapshot struct {
	Score                float64        `json:"score"`
	Trend                float64        `json:"trend"`
	SuccessRate          float64        `json:"success_rate"`
	Samples              int            `json:"samples"`
	ConsecutiveSuccesses int            `json:"consecutive_successes"`
	ConsecutiveFailures  int            `json:"consecutive_failures"`
	RecentLatency        time.Duration  `json:"recent_latency"`
	Errors               map[string]int `json:"errors,omitempty"`
	LastSuccess          time.Time      `json:"last_success,omitempty"`
	LastFailure          time.Time      `json:"last_failure,omitempty"`
}

func newRecord() *record {
	return &record{score: 1, errors: make(map[string]int)}
}

func (r *record) add(o Outcome, now time.Time) {
	if o.Success {
		r.consecutiveSuccesses++
		r.consecutiveFailures = 0
		r.lastSuccess = now
	} else {
		r.consecutiveFailures++
		r.consecutiveSuccesses = 0
		r.lastFailure = now
		if o.ErrorKind != "" {
			r.errors[o.ErrorKind]++
		}
	}
	if o.Latency > 0 {
		r.latencies = appendBounded(r.latencies, o.Latency, latencyWindow)
	}
	r.outcomes = appendBounded(r.outcomes, o.Success, outcomeWindow)
}

func appendBounded[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if len(s) > limit {
		s = append(s[:0], s[len(s)-limit:]...)
	}
	return s
}

func (r *record) successRate() float64 {
	if len(r.outcomes) == 0 {
		return 1
	}
	ok := 0
	for _, o := range r.outcomes {
		if o {
			ok++
		}
	}
	return float64(ok) / float64(len(r.outcomes))
}

// recompute refreshes score and trend. Callers hold mu.
func (r *record) recompute(cfg Config, now time.Time) {
	if len(r.outcomes) == 0 {
		r.score, r.trend = 1, 0
		return
	}

	timeScore := 1.0
	if len(r.latencies) > 0 {
		timeScore = math.Max(0, 1-float64(mean(r.latencies))/float64(cfg.LatencyReference))
	}

	recency := 0.0
	if !r.lastSuccess.IsZero() {
		recency = math.Max(0, 1-float64(now.Sub(r.lastSuccess))/float64(cfg.RecencyWindow))
	}

	r.score = clamp(0.5*r.successRate()+0.3*timeScore+0.2*recency, 0, 1)
	r.trend = clamp(trend(r.latencies), -1, 1)
}

// trend compares the last five latencies with the fifteen before them.
// Negative means the backend is getting slower.
func trend(latencies []time.Duration) float64 {
	if len(latencies) <= recentSamples {
		return 0
	}
	recent := mean(latencies[len(latencies)-recentSamples:])
	olderStart := max(0, len(latencies)-recentSamples-olderSamples)
	older := mean(latencies[olderStart : len(latencies)-recentSamples])

	denom := math.Max(float64(older), float64(recent))
	if denom == 0 {
		return 0
	}
	return (float64(older) - float64(recent)) / denom
}

func (r *record) recentLatency() time.Duration {
	if len(r.latencies) == 0 {
		return 0
	}
	return mean(r.latencies[max(0, len(r.latencies)-recentSamples):])
}

func (r *record) snapshot() HealthSnapshot {
	errs := make(map[string]int, len(r.errors))
	for k, v := range r.errors {
		errs[k] = v
	}
	return HealthSnapshot{
		Score:                r.score,
		Trend:                r.trend,
		SuccessRate:          r.successRate(),
		Samples:              len(r.outcomes),
		ConsecutiveSuccesses: r.consecutiveSuccesses,
		ConsecutiveFailures:  r.consecutiveFailures,
		RecentLatency:        r.recentLatency(),
		Errors:               errs,
		LastSuccess:          r.lastSuccess,
		LastFailure:          r.lastFailure,
	}
}

func (r *record) lastActivity() time.Time {
	if r.lastSuccess.After(r.lastFailure) {
		return r.lastSuccess
	}
	return r.lastFailure
}

func mean(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum float64
	for _, d := range ds {
		sum += float64(d)
	}
	return time.Duration(sum / float64(len(ds)))
}

func clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return lo
	}
	return math.Max(lo, math.Min(hi, x))
}
