package orchestrator

import (
	"github.com/vnmchuo/inference-orchestrator/internal/balancer"
	"github.com/vnmchuo/inference-orchestrator/internal/cache"
	"github.com/vnmchuo/inference-orchestrator/internal/failover"
	"github.com/vnmchuo/inference-orchestrator/internal/provider"
	"github.com/vnmchuo/inference-orchestrator/internal/selection"
	"github.com/vnmchuo/inference-orchestrator/pkg/ratelimit"
)

const recentEvents = 20

type ProviderStatus struct {
	Name    string                  `json:"name"`
	Type    string                  `json:"type"`
	Tier    provider.Tier           `json:"tier"`
	Enabled bool                    `json:"enabled"`
	Models  []string                `json:"models"`
	Health  failover.HealthSnapshot `json:"health"`
	Circuit balancer.NodeSnapshot   `json:"circuit"`
	Limits  ratelimit.Status        `json:"limits"`
}

type Strategies struct {
	Selection selection.Strategy `json:"selection"`
	Balancer  balancer.Strategy  `json:"balancer,omitempty"`
	Failover  failover.Strategy  `json:"failover"`
	Cache     cache.Strategy     `json:"cache"`
}

type Status struct {
	Providers       []ProviderStatus    `json:"providers"`
	Strategies      Strategies          `json:"strategies"`
	Cache           cache.Stats         `json:"cache"`
	Failovers       failover.EventStats `json:"failovers"`
	RecentFailovers []failover.Event    `json:"recent_failovers"`
}

// Status is a point-in-time view of every configured backend.
func (o *Orchestrator) Status() Status {
	cfg := o.current().cfg
	all := o.registry.All()
	st := Status{
		Providers: make([]ProviderStatus, 0, len(all)),
		Strategies: Strategies{
			Selection: cfg.Selection,
			Balancer:  cfg.Balancer,
			Failover:  cfg.Failover,
			Cache:     o.cache.Strategy(),
		},
		Cache:           o.cache.Stats(),
		Failovers:       o.health.Stats(),
		RecentFailovers: o.health.History(recentEvents),
	}
	for _, p := range all {
		st.Providers = append(st.Providers, ProviderStatus{
			Name:    p.Name,
			Type:    p.Type,
			Tier:    p.Tier,
			Enabled: p.Enabled,
			Models:  p.Models,
			Health:  o.health.Snapshot(p.Name),
			Circuit: o.balancer.Snapshot(p.Name),
			Limits:  o.limiter.Snapshot(p.Name),
		})
	}
	return st
}
