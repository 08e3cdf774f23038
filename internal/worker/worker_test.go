package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAddRejectsBadTasks(t *testing.T) {
	s := New(zap.NewNop())
	noop := func(ctx context.Context) error { return nil }

	assert.Error(t, s.Add(Task{Name: "sweep", Spec: "every so often", Run: noop}))
	assert.Error(t, s.Add(Task{Spec: "@every 1m", Run: noop}))
	require.NoError(t, s.Add(Task{Name: "sweep", Spec: "@every 1m", Run: noop}))
	assert.Error(t, s.Add(Task{Name: "sweep", Spec: "@every 1m", Run: noop}))
	require.NoError(t, s.Add(Task{Name: "rollover", Spec: "0 0 * * *", Run: noop}))

	status := s.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "rollover", status[0].Name)
	assert.Equal(t, JobStatusPending, status[1].Status)
}

func TestRunNowRecordsOutcome(t *testing.T) {
	s := New(zap.NewNop())
	fail := true
	require.NoError(t, s.Add(Task{
		Name: "flush",
		Spec: "@every 1m",
		Run: func(ctx context.Context) error {
			if fail {
				return errors.New("store down")
			}
			return nil
		},
	}))
	ctx := context.Background()

	assert.EqualError(t, s.RunNow(ctx, "flush"), "store down")
	st := s.Status()[0]
	assert.Equal(t, JobStatusFailed, st.Status)
	assert.Equal(t, "store down", st.LastErr)

	fail = false
	require.NoError(t, s.RunNow(ctx, "flush"))
	st = s.Status()[0]
	assert.Equal(t, JobStatusDone, st.Status)
	assert.Equal(t, int64(2), st.Runs)
	assert.Equal(t, int64(1), st.Failures)
	assert.Empty(t, st.LastErr)

	assert.ErrorIs(t, s.RunNow(ctx, "vacuum"), ErrUnknownTask)
}

func TestRunFiresScheduledTasksUntilCancelled(t *testing.T) {
	s := New(zap.NewNop())
	var runs atomic.Int32
	require.NoError(t, s.Add(Task{
		Name: "health",
		Spec: "@every 1s",
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
