package state

import (
	"context"
	"sync"
)

// MemoryStore keeps state for the life of the process only.
type MemoryStore struct {
	mu    sync.Mutex
	arms  map[ArmKey]ArmStats
	costs map[string]map[string]float64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		arms:  make(map[ArmKey]ArmStats),
		costs: make(map[string]map[string]float64),
	}
}

func (s *MemoryStore) LoadArms(ctx context.Context) ([]Arm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Arm, 0, len(s.arms))
	for k, v := range s.arms {
		out = append(out, Arm{Key: k, Stats: v})
	}
	return out, nil
}

func (s *MemoryStore) SaveArms(ctx context.Context, arms []Arm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range arms {
		s.arms[a.Key] = a.Stats
	}
	return nil
}

func (s *MemoryStore) LoadCosts(ctx context.Context, day string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.costs[day]))
	for k, v := range s.costs[day] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) SaveCosts(ctx context.Context, day string, costs map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := make(map[string]float64, len(costs))
	for k, v := range costs {
		saved[k] = v
	}
	s.costs[day] = saved
	return nil
}

func (s *MemoryStore) Close() error { return nil }
