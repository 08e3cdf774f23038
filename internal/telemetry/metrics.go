package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's Prometheus collectors. All of them are
// registered on the registry passed to NewMetrics.
type Metrics struct {
	RouteTotal       *prometheus.CounterVec
	AttemptDuration  *prometheus.HistogramVec
	AttemptsTotal    *prometheus.CounterVec
	FailoversTotal   *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheSavedCost   prometheus.Counter
	CacheEntries     prometheus.Gauge
	BreakerState     *prometheus.GaugeVec
	HealthScore      *prometheus.GaugeVec
	ThrottleFactor   *prometheus.GaugeVec
	DailySpend       *prometheus.GaugeVec
	BanditPulls      *prometheus.CounterVec
	MaintenanceRuns  *prometheus.CounterVec
	ConfigReloads    *prometheus.CounterVec
	ProfilerFallback prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RouteTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_route_total",
			Help: "Routed requests by terminal outcome.",
		}, []string{"outcome"}),
		AttemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_attempt_duration_seconds",
			Help:    "Backend call latency per attempt.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),
		AttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_attempts_total",
			Help: "Backend attempts by provider and result.",
		}, []string{"provider", "result"}),
		FailoversTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_failovers_total",
			Help: "Failovers by reason.",
		}, []string{"reason"}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_cache_hits_total",
			Help: "Response cache hits.",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_cache_misses_total",
			Help: "Response cache misses.",
		}),
		CacheSavedCost: f.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_cache_saved_cost_usd_total",
			Help: "Estimated spend avoided by cache hits.",
		}),
		CacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_cache_entries",
			Help: "Entries held by the response cache after the last sweep.",
		}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_breaker_state",
			Help: "Circuit state per provider (0 closed, 1 open, 2 half-open).",
		}, []string{"provider"}),
		HealthScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_health_score",
			Help: "Predictive health score per provider.",
		}, []string{"provider"}),
		ThrottleFactor: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_throttle_factor",
			Help: "Adaptive throttle factor per provider.",
		}, []string{"provider"}),
		DailySpend: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_daily_spend_usd",
			Help: "Spend accumulated today per provider.",
		}, []string{"provider"}),
		BanditPulls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_bandit_pulls_total",
			Help: "Model selections per provider, model and category.",
		}, []string{"provider", "model", "category"}),
		MaintenanceRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_maintenance_runs_total",
			Help: "Maintenance task runs by task and result.",
		}, []string{"task", "result"}),
		ConfigReloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_config_reloads_total",
			Help: "Provider table reloads by result.",
		}, []string{"result"}),
		ProfilerFallback: f.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_profiler_fallback_total",
			Help: "Requests profiled with the generic profile after the analyzer missed its deadline.",
		}),
	}
}
