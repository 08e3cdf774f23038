package selection

import (
	"math"
	"sync"
	"time"

	"github.com/vnmchuo/inference-orchestrator/internal/provider"
)

type ClassStats struct {
	Attempts    int           `json:"attempts"`
	Successes   int           `json:"successes"`
	MeanLatency time.Duration `json:"mean_latency"`
	StdDev      time.Duration `json:"stddev_latency"`
}

func (s ClassStats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

type classKey struct {
	provider string
	content  provider.ContentType
}

// cell accumulates latency with Welford's online algorithm.
type cell struct {
	mu        sync.Mutex
	attempts  int
	successes int
	mean      float64
	m2        float64
}

// Tracker records attempt outcomes per (provider, content type).
type Tracker struct {
	mu    sync.RWMutex
	cells map[classKey]*cell
}

func NewTracker() *Tracker {
	return &Tracker{cells: make(map[classKey]*cell)}
}

func (t *Tracker) cell(name string, ct provider.ContentType) *cell {
	k := classKey{name, ct}
	t.mu.RLock()
	c, ok := t.cells[k]
	t.mu.RUnlock()
	if ok {
		return c
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.cells[k]; ok {
		return c
	}
	c = &cell{}
	t.cells[k] = c
	return c
}

func (t *Tracker) Record(name string, ct provider.ContentType, success bool, latency time.Duration) {
	c := t.cell(name, ct)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempts++
	if success {
		c.successes++
	}
	x := float64(latency)
	delta := x - c.mean
	c.mean += delta / float64(c.attempts)
	c.m2 += delta * (x - c.mean)
}

func (t *Tracker) Stats(name string, ct provider.ContentType) ClassStats {
	t.mu.RLock()
	c, ok := t.cells[classKey{name, ct}]
	t.mu.RUnlock()
	if !ok {
		return ClassStats{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s := ClassStats{
		Attempts:    c.attempts,
		Successes:   c.successes,
		MeanLatency: time.Duration(c.mean),
	}
	if c.attempts > 1 {
		s.StdDev = time.Duration(math.Sqrt(c.m2 / float64(c.attempts-1)))
	}
	return s
}
