package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS bandit_arms (
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	category TEXT NOT NULL,
	pulls INTEGER NOT NULL,
	successes INTEGER NOT NULL,
	total_latency_ns INTEGER NOT NULL,
	total_cost REAL NOT NULL,
	last_used INTEGER NOT NULL,
	PRIMARY KEY (provider, model, category)
);
CREATE TABLE IF NOT EXISTS daily_costs (
	day TEXT NOT NULL,
	provider TEXT NOT NULL,
	cost REAL NOT NULL,
	PRIMARY KEY (day, provider)
);
`

// SQLiteStore is the default embedded store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "orchestrator.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadArms(ctx context.Context) ([]Arm, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, model, category, pulls, successes, total_latency_ns, total_cost, last_used FROM bandit_arms`)
	if err != nil {
		return nil, fmt.Errorf("query arms: %w", err)
	}
	defer rows.Close()

	var arms []Arm
	for rows.Next() {
		var (
			a         Arm
			latencyNs int64
			lastUsed  int64
		)
		if err := rows.Scan(&a.Key.Provider, &a.Key.Model, &a.Key.Category,
			&a.Stats.Pulls, &a.Stats.Successes, &latencyNs, &a.Stats.TotalCost, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan arm: %w", err)
		}
		a.Stats.TotalLatency = time.Duration(latencyNs)
		if lastUsed > 0 {
			a.Stats.LastUsed = time.Unix(0, lastUsed).UTC()
		}
		arms = append(arms, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate arms: %w", err)
	}
	return arms, nil
}

func (s *SQLiteStore) SaveArms(ctx context.Context, arms []Arm) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save arms: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO bandit_arms
		(provider, model, category, pulls, successes, total_latency_ns, total_cost, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare save arms: %w", err)
	}
	defer stmt.Close()

	for _, a := range arms {
		var lastUsed int64
		if !a.Stats.LastUsed.IsZero() {
			lastUsed = a.Stats.LastUsed.UnixNano()
		}
		if _, err := stmt.ExecContext(ctx, a.Key.Provider, a.Key.Model, a.Key.Category,
			a.Stats.Pulls, a.Stats.Successes, int64(a.Stats.TotalLatency), a.Stats.TotalCost, lastUsed); err != nil {
			return fmt.Errorf("save arm %s/%s: %w", a.Key.Provider, a.Key.Model, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadCosts(ctx context.Context, day string) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider, cost FROM daily_costs WHERE day = ?`, day)
	if err != nil {
		return nil, fmt.Errorf("query costs: %w", err)
	}
	defer rows.Close()

	costs := make(map[string]float64)
	for rows.Next() {
		var (
			name string
			cost float64
		)
		if err := rows.Scan(&name, &cost); err != nil {
			return nil, fmt.Errorf("scan cost: %w", err)
		}
		costs[name] = cost
	}
	return costs, rows.Err()
}

func (s *SQLiteStore) SaveCosts(ctx context.Context, day string, costs map[string]float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save costs: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_costs WHERE day = ?`, day); err != nil {
		return fmt.Errorf("clear costs: %w", err)
	}
	for name, cost := range costs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO daily_costs (day, provider, cost) VALUES (?, ?, ?)`, day, name, cost); err != nil {
			return fmt.Errorf("save cost %s: %w", name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
