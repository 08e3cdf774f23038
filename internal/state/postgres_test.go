package state

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDB struct {
	queryFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc  func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return m.queryFunc(ctx, sql, args...)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return m.execFunc(ctx, sql, args...)
}

// fakeRows serves fixed values; each Scan copies one row into the targets.
type fakeRows struct {
	data [][]any
	pos  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.data[r.pos-1], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.pos-1]
	if len(row) != len(dest) {
		return fmt.Errorf("scan: %d values into %d targets", len(row), len(dest))
	}
	for i, v := range row {
		target := reflect.ValueOf(dest[i]).Elem()
		if v == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		target.Set(reflect.ValueOf(v))
	}
	return nil
}

func TestPostgresLoadArms(t *testing.T) {
	used := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	db := &mockDB{
		queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			assert.Contains(t, sql, "FROM bandit_arms")
			return &fakeRows{data: [][]any{
				{"openai", "gpt-4o", "text/low", int64(7), int64(6), int64(3500), 0.07, &used},
				{"ollama", "llama3", "code/medium", int64(1), int64(0), int64(0), 0.0, nil},
			}}, nil
		},
	}

	arms, err := NewPostgresStore(db).LoadArms(context.Background())
	require.NoError(t, err)
	require.Len(t, arms, 2)
	assert.Equal(t, ArmKey{Provider: "openai", Model: "gpt-4o", Category: "text/low"}, arms[0].Key)
	assert.Equal(t, 3500*time.Millisecond, arms[0].Stats.TotalLatency)
	assert.Equal(t, used, arms[0].Stats.LastUsed)
	assert.True(t, arms[1].Stats.LastUsed.IsZero())
}

func TestPostgresSaveArmsUpserts(t *testing.T) {
	var statements []string
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			statements = append(statements, sql)
			assert.Len(t, args, 8)
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}

	err := NewPostgresStore(db).SaveArms(context.Background(), sampleArms())
	require.NoError(t, err)
	require.Len(t, statements, 2)
	assert.True(t, strings.Contains(statements[0], "ON CONFLICT (provider, model, category)"))
}

func TestPostgresCosts(t *testing.T) {
	saved := map[string]float64{}
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			assert.Equal(t, "2026-03-01", args[0])
			saved[args[1].(string)] = args[2].(float64)
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
		queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			var data [][]any
			for name, cost := range saved {
				data = append(data, []any{name, cost})
			}
			return &fakeRows{data: data}, nil
		},
	}
	s := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, s.SaveCosts(ctx, "2026-03-01", map[string]float64{"openai": 1.5, "claude": 0.25}))
	costs, err := s.LoadCosts(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"openai": 1.5, "claude": 0.25}, costs)
}

func TestPostgresErrorsAreWrapped(t *testing.T) {
	boom := errors.New("conn closed")
	db := &mockDB{
		queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			return nil, boom
		},
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, boom
		},
	}
	s := NewPostgresStore(db)
	ctx := context.Background()

	_, err := s.LoadArms(ctx)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.Migrate(ctx), boom)
	_, err = s.LoadCosts(ctx, "2026-03-01")
	assert.ErrorIs(t, err, boom)
}
