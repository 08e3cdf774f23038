package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return m.queryFunc(ctx, sql, args...)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.queryRowFunc(ctx, sql, args...)
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

func TestLogUsageFillsIDAndTimestamp(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			assert.Contains(t, sql, "INSERT INTO usage_logs")
			assert.Equal(t, []any{"req-1", "openai", "gpt-4o-mini", "code", 120, 40, 0.0021, int64(850)}, args)
			return mockRow{scanFunc: func(dest ...any) error {
				*dest[0].(*string) = "7d3c"
				*dest[1].(*time.Time) = created
				return nil
			}}
		},
	}

	log := &UsageLog{
		RequestID: "req-1", Provider: "openai", Model: "gpt-4o-mini", ContentType: "code",
		InputTokens: 120, OutputTokens: 40, CostUSD: 0.0021, LatencyMs: 850,
	}
	require.NoError(t, NewPostgresStore(db).LogUsage(context.Background(), log))
	assert.Equal(t, "7d3c", log.ID)
	assert.Equal(t, created, log.CreatedAt)
}

func TestGetTotalCostByProvider(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			assert.Equal(t, []any{"claude", from, to}, args)
			return mockRow{scanFunc: func(dest ...any) error {
				*dest[0].(*float64) = 3.75
				return nil
			}}
		},
	}

	total, err := NewPostgresStore(db).GetTotalCostByProvider(context.Background(), "claude", from, to)
	require.NoError(t, err)
	assert.Equal(t, 3.75, total)
}

func TestGetUsageByProviderWrapsQueryError(t *testing.T) {
	boom := errors.New("pool closed")
	db := &mockDB{
		queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			return nil, boom
		},
	}

	_, err := NewPostgresStore(db).GetUsageByProvider(context.Background(), "", time.Time{}, time.Now())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failed to query usage logs")
}
