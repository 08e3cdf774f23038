package bandit

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/inference-orchestrator/internal/state"
)

type mockStore struct {
	state.Store
	saveArmsFunc func(ctx context.Context, arms []state.Arm) error
}

func (m *mockStore) SaveArms(ctx context.Context, arms []state.Arm) error {
	return m.saveArmsFunc(ctx, arms)
}

func key(model string) state.ArmKey {
	return state.ArmKey{Provider: "local", Model: model, Category: "code/high"}
}

func TestWarmupVisitsEveryModelBeforeUCB(t *testing.T) {
	s := New(Config{})
	models := []string{"llama3-8b", "llama3-70b", "qwen-coder"}

	seen := map[string]int{}
	for i := 0; i < len(models)*5; i++ {
		m := s.Select("local", models, "code/high")
		seen[m]++
		s.Update(key(m), Outcome{Success: true, Latency: time.Second})
	}
	for _, m := range models {
		assert.Equal(t, 5, seen[m], m)
	}
}

func TestWarmupIsDeterministicUnderReplay(t *testing.T) {
	run := func() []string {
		s := New(Config{})
		models := []string{"a", "b"}
		var picks []string
		for i := 0; i < 20; i++ {
			m := s.Select("p", models, "text/low")
			picks = append(picks, m)
			s.Update(state.ArmKey{Provider: "p", Model: m, Category: "text/low"}, Outcome{Success: m == "b", Latency: time.Second})
		}
		return picks
	}
	assert.Equal(t, run(), run())
}

func TestUCBPrefersBetterArm(t *testing.T) {
	s := New(Config{Exploration: 0.1})
	models := []string{"slow", "fast"}

	for i := 0; i < 10; i++ {
		m := s.Select("local", models, "code/high")
		if m == "fast" {
			s.Update(key(m), Outcome{Success: true, Latency: 500 * time.Millisecond})
		} else {
			s.Update(key(m), Outcome{Success: false, Latency: 9 * time.Second})
		}
	}
	for i := 0; i < 20; i++ {
		m := s.Select("local", models, "code/high")
		assert.Equal(t, "fast", m)
		s.Update(key(m), Outcome{Success: true, Latency: 500 * time.Millisecond})
	}
}

func TestUntestedModelIsExploredAfterWarmup(t *testing.T) {
	s := New(Config{WarmupPerModel: 1})
	for i := 0; i < 5; i++ {
		s.Update(key("old"), Outcome{Success: true})
	}
	// total pulls already exceed warmup, so UCB runs and +Inf wins
	assert.Equal(t, "new", s.Select("local", []string{"old", "new"}, "code/high"))
}

func TestReward(t *testing.T) {
	s := New(Config{})
	r := s.Reward(state.ArmStats{Pulls: 2, Successes: 1, TotalLatency: 10 * time.Second, TotalCost: 0.1})
	// success 0.5, avg latency 5s of 10s, avg cost 0.05 of 0.10
	assert.InDelta(t, 0.5*0.5+0.3*0.5+0.2*0.5, r, 1e-9)
	assert.Equal(t, 0.0, s.Reward(state.ArmStats{}))
	assert.True(t, math.IsInf(s.ucb(state.ArmStats{}, 10), 1))
}

func TestSingleAndNoModels(t *testing.T) {
	s := New(Config{})
	assert.Equal(t, "", s.Select("p", nil, "text/low"))
	assert.Equal(t, "only", s.Select("p", []string{"only"}, "text/low"))
}

func TestFlushAndLoad(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()

	s := New(Config{})
	s.Update(key("a"), Outcome{Success: true, Latency: time.Second, Cost: 0.01})
	s.Update(key("a"), Outcome{Success: false, Latency: 3 * time.Second})

	n, err := s.Flush(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Flush(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "only dirty arms are written")

	restored := New(Config{})
	require.NoError(t, restored.Load(ctx, store))
	st := restored.Stats(key("a"))
	assert.Equal(t, int64(2), st.Pulls)
	assert.Equal(t, int64(1), st.Successes)
	assert.Equal(t, 4*time.Second, st.TotalLatency)
	assert.Len(t, restored.Arms(), 1)
}

func TestFlushFailureKeepsArmsDirty(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})
	s.Update(key("a"), Outcome{Success: true})

	failing := &mockStore{saveArmsFunc: func(ctx context.Context, arms []state.Arm) error {
		return errors.New("disk full")
	}}
	_, err := s.Flush(ctx, failing)
	require.Error(t, err)

	n, err := s.Flush(ctx, state.NewMemoryStore())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
