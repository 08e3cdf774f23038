package failover

import (
	"time"

	"github.com/google/uuid"
)

// Event is the audit record of one executed failover.
type Event struct {
	ID         string        `json:"id"`
	Time       time.Time     `json:"time"`
	From       string        `json:"from"`
	To         string        `json:"to"`
	Reason     Reason        `json:"reason"`
	Strategy   Strategy      `json:"strategy"`
	Success    bool          `json:"success"`
	Latency    time.Duration `json:"latency"`
	CostImpact float64       `json:"cost_impact"`
}

// RecordEvent stamps e and appends it to the history. When the history
// outgrows its bound the oldest half is discarded.
func (m *Manager) RecordEvent(e Event) Event {
	e.ID = uuid.NewString()
	e.Time = m.cfg.Now()

	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	m.events = append(m.events, e)
	if len(m.events) > m.cfg.HistorySize {
		keep := m.cfg.HistorySize / 2
		m.events = append(m.events[:0:0], m.events[len(m.events)-keep:]...)
	}
	return e
}

// History returns up to limit most recent events, newest last. A limit of
// zero returns everything.
func (m *Manager) History(limit int) []Event {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	start := 0
	if limit > 0 && len(m.events) > limit {
		start = len(m.events) - limit
	}
	out := make([]Event, len(m.events)-start)
	copy(out, m.events[start:])
	return out
}

type EventStats struct {
	Total      int              `json:"total"`
	Successful int              `json:"successful"`
	ByReason   map[Reason]int   `json:"by_reason"`
	ByStrategy map[Strategy]int `json:"by_strategy"`
	CostImpact float64          `json:"cost_impact"`
}

func (m *Manager) Stats() EventStats {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	s := EventStats{
		Total:      len(m.events),
		ByReason:   make(map[Reason]int),
		ByStrategy: make(map[Strategy]int),
	}
	for _, e := range m.events {
		if e.Success {
			s.Successful++
		}
		s.ByReason[e.Reason]++
		s.ByStrategy[e.Strategy]++
		s.CostImpact += e.CostImpact
	}
	return s
}
