package state

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS bandit_arms (
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	category TEXT NOT NULL,
	pulls BIGINT NOT NULL,
	successes BIGINT NOT NULL,
	total_latency_ms BIGINT NOT NULL,
	total_cost DOUBLE PRECISION NOT NULL,
	last_used TIMESTAMPTZ,
	PRIMARY KEY (provider, model, category)
);
CREATE TABLE IF NOT EXISTS daily_costs (
	day DATE NOT NULL,
	provider TEXT NOT NULL,
	cost DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (day, provider)
);
`

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate state tables: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadArms(ctx context.Context) ([]Arm, error) {
	query := `
		SELECT provider, model, category, pulls, successes, total_latency_ms, total_cost, last_used
		FROM bandit_arms
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query arms: %w", err)
	}
	defer rows.Close()

	var arms []Arm
	for rows.Next() {
		var (
			a         Arm
			latencyMs int64
			lastUsed  *time.Time
		)
		err := rows.Scan(
			&a.Key.Provider, &a.Key.Model, &a.Key.Category,
			&a.Stats.Pulls, &a.Stats.Successes, &latencyMs, &a.Stats.TotalCost, &lastUsed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan arm: %w", err)
		}
		a.Stats.TotalLatency = time.Duration(latencyMs) * time.Millisecond
		if lastUsed != nil {
			a.Stats.LastUsed = *lastUsed
		}
		arms = append(arms, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating arms: %w", err)
	}
	return arms, nil
}

func (s *PostgresStore) SaveArms(ctx context.Context, arms []Arm) error {
	query := `
		INSERT INTO bandit_arms (provider, model, category, pulls, successes, total_latency_ms, total_cost, last_used)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider, model, category) DO UPDATE SET
			pulls = EXCLUDED.pulls,
			successes = EXCLUDED.successes,
			total_latency_ms = EXCLUDED.total_latency_ms,
			total_cost = EXCLUDED.total_cost,
			last_used = EXCLUDED.last_used
	`
	for _, a := range arms {
		var lastUsed *time.Time
		if !a.Stats.LastUsed.IsZero() {
			t := a.Stats.LastUsed
			lastUsed = &t
		}
		_, err := s.db.Exec(ctx, query,
			a.Key.Provider, a.Key.Model, a.Key.Category,
			a.Stats.Pulls, a.Stats.Successes, a.Stats.TotalLatency.Milliseconds(), a.Stats.TotalCost, lastUsed,
		)
		if err != nil {
			return fmt.Errorf("failed to save arm %s/%s: %w", a.Key.Provider, a.Key.Model, err)
		}
	}
	return nil
}

func (s *PostgresStore) LoadCosts(ctx context.Context, day string) (map[string]float64, error) {
	rows, err := s.db.Query(ctx, `SELECT provider, cost FROM daily_costs WHERE day = $1`, day)
	if err != nil {
		return nil, fmt.Errorf("failed to query costs: %w", err)
	}
	defer rows.Close()

	costs := make(map[string]float64)
	for rows.Next() {
		var (
			name string
			cost float64
		)
		if err := rows.Scan(&name, &cost); err != nil {
			return nil, fmt.Errorf("failed to scan cost: %w", err)
		}
		costs[name] = cost
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating costs: %w", err)
	}
	return costs, nil
}

func (s *PostgresStore) SaveCosts(ctx context.Context, day string, costs map[string]float64) error {
	query := `
		INSERT INTO daily_costs (day, provider, cost)
		VALUES ($1, $2, $3)
		ON CONFLICT (day, provider) DO UPDATE SET cost = EXCLUDED.cost
	`
	for name, cost := range costs {
		if _, err := s.db.Exec(ctx, query, day, name, cost); err != nil {
			return fmt.Errorf("failed to save cost for %s: %w", name, err)
		}
	}
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }
