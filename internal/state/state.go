// Package state persists what must survive a restart: bandit arm
// statistics and each provider's spend for the current day. Everything else
// the orchestrator keeps is rebuilt from live traffic.
package state

import (
	"context"
	"time"
)

// ArmKey identifies a bandit arm: one model of one provider, learned
// separately per content category.
type ArmKey struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Category string `json:"category"`
}

type ArmStats struct {
	Pulls        int64         `json:"pulls"`
	Successes    int64         `json:"successes"`
	TotalLatency time.Duration `json:"total_latency"`
	TotalCost    float64       `json:"total_cost"`
	LastUsed     time.Time     `json:"last_used"`
}

type Arm struct {
	Key   ArmKey   `json:"key"`
	Stats ArmStats `json:"stats"`
}

type Store interface {
	LoadArms(ctx context.Context) ([]Arm, error)
	SaveArms(ctx context.Context, arms []Arm) error
	// LoadCosts returns an empty map when nothing was saved for day.
	LoadCosts(ctx context.Context, day string) (map[string]float64, error)
	SaveCosts(ctx context.Context, day string, costs map[string]float64) error
	Close() error
}
