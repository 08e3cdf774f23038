// Package orchestrator routes requests across the configured backends. It
// owns every piece of routing state and is the only place they meet.
package orchestrator

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/inference-orchestrator/internal/balancer"
	"github.com/vnmchuo/inference-orchestrator/internal/bandit"
	"github.com/vnmchuo/inference-orchestrator/internal/billing"
	"github.com/vnmchuo/inference-orchestrator/internal/cache"
	"github.com/vnmchuo/inference-orchestrator/internal/failover"
	"github.com/vnmchuo/inference-orchestrator/internal/profile"
	"github.com/vnmchuo/inference-orchestrator/internal/registry"
	"github.com/vnmchuo/inference-orchestrator/internal/selection"
	"github.com/vnmchuo/inference-orchestrator/internal/state"
	"github.com/vnmchuo/inference-orchestrator/internal/telemetry"
	"github.com/vnmchuo/inference-orchestrator/pkg/ratelimit"
)

// Config is the reloadable routing policy. Thresholds, Bandit, Breaker and
// the cache capacity are read once by New; Reload applies everything else.
type Config struct {
	Selection selection.Strategy
	// Balancer replaces the scoring engine for primary selection when set.
	Balancer balancer.Strategy
	Failover failover.Strategy
	Cache    cache.Strategy
	Weights  map[selection.Strategy]selection.Weights

	MaxAttempts    int
	RequestTimeout time.Duration
	// OutputTokens is the completion length assumed when a request sets no
	// max_tokens.
	OutputTokens int
	// HistoryMaxAge bounds failover history and idle health records.
	HistoryMaxAge time.Duration

	Thresholds      failover.Config
	Bandit          bandit.Config
	Breaker         balancer.BreakerConfig
	CacheMaxEntries int
	CacheMaxBytes   int64
}

func (c Config) withDefaults() Config {
	if c.Selection == "" {
		c.Selection = selection.StrategyBalanced
	}
	if c.Failover == "" {
		c.Failover = failover.StrategyTierBased
	}
	if c.Cache == "" {
		c.Cache = cache.StrategyPrivacyAware
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Minute
	}
	if c.OutputTokens <= 0 {
		c.OutputTokens = 512
	}
	if c.HistoryMaxAge <= 0 {
		c.HistoryMaxAge = 24 * time.Hour
	}
	return c
}

func (c Config) validate() error {
	if _, err := selection.ParseStrategy(string(c.Selection)); err != nil {
		return err
	}
	if c.Balancer != "" {
		if _, err := balancer.ParseStrategy(string(c.Balancer)); err != nil {
			return err
		}
	}
	if _, err := failover.ParseStrategy(string(c.Failover)); err != nil {
		return err
	}
	if _, err := cache.ParseStrategy(string(c.Cache)); err != nil {
		return err
	}
	return nil
}

// Deps are the collaborators built outside the orchestrator. Only Registry
// is required.
type Deps struct {
	Registry *registry.Registry
	Profiler profile.Profiler
	Limiter  *ratelimit.Limiter
	Store    state.Store
	Usage    billing.Store
	Metrics  *telemetry.Metrics
	Tracer   trace.Tracer
	Logger   *zap.Logger
	Now      func() time.Time
}

type policy struct {
	cfg    Config
	engine *selection.Engine
}

type Orchestrator struct {
	registry *registry.Registry
	profiler profile.Profiler
	limiter  *ratelimit.Limiter
	store    state.Store
	usage    billing.Store
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	log      *zap.Logger
	now      func() time.Time

	balancer *balancer.Balancer
	health   *failover.Manager
	tracker  *selection.Tracker
	bandit   *bandit.Selector
	cache    *cache.Cache

	policy atomic.Pointer[policy]
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("orchestrator: registry is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	o := &Orchestrator{
		registry: deps.Registry,
		profiler: deps.Profiler,
		limiter:  deps.Limiter,
		store:    deps.Store,
		usage:    deps.Usage,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		log:      deps.Logger,
		now:      deps.Now,
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer("orchestrator")
	}
	if o.profiler == nil {
		o.profiler = profile.NewHeuristic(profile.ApproxTokens)
	}
	if o.limiter == nil {
		o.limiter = ratelimit.NewLimiter(ratelimit.Config{Now: o.now})
	}
	if o.store == nil {
		o.store = state.NewMemoryStore()
	}

	thresholds := cfg.Thresholds
	thresholds.Now = o.now
	o.health = failover.NewManager(thresholds)

	o.balancer = balancer.New(balancer.Config{
		Breaker:       cfg.Breaker,
		Health:        o.health.HealthScore,
		Now:           o.now,
		OnStateChange: o.breakerChanged,
	})
	o.tracker = selection.NewTracker()

	banditCfg := cfg.Bandit
	banditCfg.Now = o.now
	o.bandit = bandit.New(banditCfg)

	o.cache = cache.New(cache.Config{
		Strategy:   cfg.Cache,
		MaxEntries: cfg.CacheMaxEntries,
		MaxBytes:   cfg.CacheMaxBytes,
		Now:        o.now,
	})

	o.syncLimits(o.registry.All())
	o.policy.Store(o.newPolicy(cfg))
	return o, nil
}

func (o *Orchestrator) newPolicy(cfg Config) *policy {
	engine := selection.NewEngine(o.tracker, healthView{o.health}, o.limiter)
	if len(cfg.Weights) > 0 {
		engine = engine.WithPresets(cfg.Weights)
	}
	return &policy{cfg: cfg, engine: engine}
}

func (o *Orchestrator) current() *policy {
	return o.policy.Load()
}

// Reload swaps in a new provider table and routing policy. Nothing changes
// when either fails validation.
func (o *Orchestrator) Reload(profiles []registry.Profile, cfg Config) error {
	prev := o.current().cfg
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		o.reloadMetric("invalid")
		return fmt.Errorf("reload: %w", err)
	}
	if err := o.registry.Replace(profiles); err != nil {
		o.reloadMetric("invalid")
		return fmt.Errorf("reload: %w", err)
	}

	all := o.registry.All()
	names := make([]string, 0, len(all))
	for _, p := range all {
		names = append(names, p.Name)
	}
	o.syncLimits(all)
	o.balancer.Retain(names)
	o.health.Retain(names)
	if cfg.Cache != o.cache.Strategy() {
		o.cache.SetStrategy(cfg.Cache)
	}
	if cfg.Breaker != prev.Breaker {
		o.log.Warn("breaker settings apply on restart only")
	}
	o.policy.Store(o.newPolicy(cfg))

	o.reloadMetric("ok")
	o.log.Info("routing table reloaded",
		zap.Int("providers", len(all)),
		zap.String("selection", string(cfg.Selection)),
		zap.String("balancer", string(cfg.Balancer)),
		zap.String("failover", string(cfg.Failover)),
		zap.String("cache", string(cfg.Cache)),
	)
	return nil
}

func (o *Orchestrator) reloadMetric(result string) {
	if o.metrics != nil {
		o.metrics.ConfigReloads.WithLabelValues(result).Inc()
	}
}

func (o *Orchestrator) syncLimits(profiles []registry.Profile) {
	table := make(map[string]ratelimit.Limits, len(profiles))
	for _, p := range profiles {
		table[p.Name] = ratelimit.Limits(p.Limits)
	}
	o.limiter.Sync(table)
}

func (o *Orchestrator) breakerChanged(name string, from, to balancer.State) {
	o.log.Warn("circuit state changed",
		zap.String("provider", name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if o.metrics != nil {
		o.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
	}
}

// Arms exposes the model selector's learned statistics.
func (o *Orchestrator) Arms() []state.Arm {
	return o.bandit.Arms()
}

// healthView adapts the failover manager to the scoring engine.
type healthView struct {
	m *failover.Manager
}

func (h healthView) Health(name string) selection.HealthView {
	s := h.m.Snapshot(name)
	return selection.HealthView{Score: s.Score, SuccessRate: s.SuccessRate, Samples: s.Samples}
}

// ensure the limiter keeps satisfying the engine's spend view
var _ selection.SpendSource = (*ratelimit.Limiter)(nil)
