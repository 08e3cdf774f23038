package state

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleArms() []Arm {
	used := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []Arm{
		{
			Key:   ArmKey{Provider: "openai", Model: "gpt-4o-mini", Category: "code/high"},
			Stats: ArmStats{Pulls: 12, Successes: 10, TotalLatency: 9 * time.Second, TotalCost: 0.042, LastUsed: used},
		},
		{
			Key:   ArmKey{Provider: "ollama", Model: "llama3", Category: "text/low"},
			Stats: ArmStats{Pulls: 3, Successes: 3, TotalLatency: 1500 * time.Millisecond},
		},
	}
}

func sortArms(arms []Arm) {
	sort.Slice(arms, func(i, j int) bool { return arms[i].Key.Provider < arms[j].Key.Provider })
}

// exerciseStore checks the behaviour every Store shares.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	arms, err := s.LoadArms(ctx)
	require.NoError(t, err)
	assert.Empty(t, arms)

	want := sampleArms()
	require.NoError(t, s.SaveArms(ctx, want))

	// Saving again upserts instead of duplicating.
	want[1].Stats.Pulls = 4
	require.NoError(t, s.SaveArms(ctx, want[1:]))

	got, err := s.LoadArms(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	sortArms(got)

	assert.Equal(t, want[1].Key, got[0].Key)
	assert.Equal(t, int64(4), got[0].Stats.Pulls)
	assert.True(t, got[0].Stats.LastUsed.IsZero())
	assert.Equal(t, want[0].Key, got[1].Key)
	assert.Equal(t, int64(10), got[1].Stats.Successes)
	assert.Equal(t, 9*time.Second, got[1].Stats.TotalLatency)
	assert.InDelta(t, 0.042, got[1].Stats.TotalCost, 1e-12)
	assert.True(t, want[0].Stats.LastUsed.Equal(got[1].Stats.LastUsed))

	costs, err := s.LoadCosts(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Empty(t, costs)

	require.NoError(t, s.SaveCosts(ctx, "2026-03-01", map[string]float64{"openai": 1.25, "claude": 0.5}))
	require.NoError(t, s.SaveCosts(ctx, "2026-03-01", map[string]float64{"openai": 2.5, "claude": 0.5}))
	require.NoError(t, s.SaveCosts(ctx, "2026-03-02", map[string]float64{"openai": 0.1}))

	costs, err = s.LoadCosts(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"openai": 2.5, "claude": 0.5}, costs)

	costs, err = s.LoadCosts(ctx, "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"openai": 0.1}, costs)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	// Data survives reopening.
	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	arms, err := s.LoadArms(context.Background())
	require.NoError(t, err)
	assert.Len(t, arms, 2)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	exerciseStore(t, NewRedisStore(rdb))

	assert.True(t, mr.Exists(armsKey))
	assert.Greater(t, mr.TTL(costsKeyPrefix+"2026-03-01"), time.Duration(0))
}

type mockStore struct {
	*MemoryStore
	saveCostsFunc func(ctx context.Context, day string, costs map[string]float64) error
	calls         int
}

func (m *mockStore) SaveCosts(ctx context.Context, day string, costs map[string]float64) error {
	m.calls++
	return m.saveCostsFunc(ctx, day, costs)
}

func TestGuardOpensAfterConsecutiveFailures(t *testing.T) {
	mock := &mockStore{
		MemoryStore: NewMemoryStore(),
		saveCostsFunc: func(ctx context.Context, day string, costs map[string]float64) error {
			return errors.New("connection refused")
		},
	}
	var transitions []gobreaker.State
	g := NewGuard("state", mock, GuardConfig{
		MaxFailures: 2,
		Timeout:     time.Hour,
		OnStateChange: func(name string, from, to gobreaker.State) {
			transitions = append(transitions, to)
		},
	})
	ctx := context.Background()

	for range 2 {
		err := g.SaveCosts(ctx, "2026-03-01", map[string]float64{"openai": 1})
		assert.EqualError(t, err, "connection refused")
	}
	assert.Equal(t, gobreaker.StateOpen, g.State())

	err := g.SaveCosts(ctx, "2026-03-01", map[string]float64{"openai": 1})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 2, mock.calls)
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)
}

func TestGuardIgnoresCancellation(t *testing.T) {
	mock := &mockStore{
		MemoryStore: NewMemoryStore(),
		saveCostsFunc: func(ctx context.Context, day string, costs map[string]float64) error {
			return ctx.Err()
		},
	}
	g := NewGuard("state", mock, GuardConfig{MaxFailures: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 3 {
		assert.ErrorIs(t, g.SaveCosts(ctx, "2026-03-01", nil), context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, g.State())
}

func TestGuardPassesThrough(t *testing.T) {
	g := NewGuard("state", NewMemoryStore(), GuardConfig{})
	exerciseStore(t, g)
}
