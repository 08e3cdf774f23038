package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vnmchuo/inference-orchestrator/internal/worker"
)

// Maintenance schedules, in cron syntax evaluated in UTC.
const (
	healthEvery   = "@every 30s"
	pruneEvery    = "@every 5m"
	sweepEvery    = "@every 1m"
	flushEvery    = "@every 1m"
	rolloverDaily = "0 0 * * *"
)

// Tasks returns the periodic maintenance the orchestrator needs. They only
// touch shared stores, never each other.
func (o *Orchestrator) Tasks() []worker.Task {
	return []worker.Task{
		{Name: "health-recompute", Spec: healthEvery, Run: o.task("health-recompute", o.recomputeHealth)},
		{Name: "history-prune", Spec: pruneEvery, Run: o.task("history-prune", o.pruneHistory)},
		{Name: "cache-sweep", Spec: sweepEvery, Run: o.task("cache-sweep", o.sweepCache)},
		{Name: "state-flush", Spec: flushEvery, Run: o.task("state-flush", o.FlushState)},
		{Name: "daily-rollover", Spec: rolloverDaily, Run: o.task("daily-rollover", o.rollover)},
	}
}

func (o *Orchestrator) task(name string, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		err := fn(ctx)
		if o.metrics != nil {
			result := "ok"
			if err != nil {
				result = "error"
			}
			o.metrics.MaintenanceRuns.WithLabelValues(name, result).Inc()
		}
		return err
	}
}

func (o *Orchestrator) recomputeHealth(ctx context.Context) error {
	o.health.Recompute()
	if o.metrics == nil {
		return nil
	}
	for _, p := range o.registry.All() {
		o.metrics.HealthScore.WithLabelValues(p.Name).Set(o.health.HealthScore(p.Name))
		o.metrics.BreakerState.WithLabelValues(p.Name).Set(float64(o.balancer.Breaker(p.Name).State))
		lim := o.limiter.Snapshot(p.Name)
		o.metrics.ThrottleFactor.WithLabelValues(p.Name).Set(lim.ThrottleFactor)
		o.metrics.DailySpend.WithLabelValues(p.Name).Set(lim.DailySpend)
	}
	return nil
}

func (o *Orchestrator) pruneHistory(ctx context.Context) error {
	if n := o.health.Prune(o.current().cfg.HistoryMaxAge); n > 0 {
		o.log.Debug("failover history pruned", zap.Int("removed", n))
	}
	return nil
}

func (o *Orchestrator) sweepCache(ctx context.Context) error {
	res := o.cache.Sweep()
	if res.Expired+res.Evicted > 0 {
		o.log.Debug("cache swept", zap.Int("expired", res.Expired), zap.Int("evicted", res.Evicted))
	}
	if o.metrics != nil {
		o.metrics.CacheEntries.Set(float64(o.cache.Stats().Entries))
	}
	return nil
}

// rollover starts a new spend day and persists the one that closed.
func (o *Orchestrator) rollover(ctx context.Context) error {
	o.limiter.Rollover()
	day, _ := o.limiter.DailyCosts()
	o.log.Info("daily budgets reset", zap.String("day", day))
	return o.FlushState(ctx)
}

// LoadState restores bandit arms and today's spend from the state store.
func (o *Orchestrator) LoadState(ctx context.Context) error {
	if err := o.bandit.Load(ctx, o.store); err != nil {
		return err
	}
	day, _ := o.limiter.DailyCosts()
	costs, err := o.store.LoadCosts(ctx, day)
	if err != nil {
		return fmt.Errorf("load costs for %s: %w", day, err)
	}
	if !o.limiter.RestoreDailyCosts(day, costs) {
		o.log.Warn("persisted spend belongs to another day", zap.String("day", day))
	}
	o.log.Info("state restored", zap.Int("arms", len(o.bandit.Arms())), zap.Int("providers_with_spend", len(costs)))
	return nil
}

// FlushState writes dirty bandit arms, the final spend of days rolled over
// since the last flush, and today's spend. Every write is attempted even if
// an earlier one fails.
func (o *Orchestrator) FlushState(ctx context.Context) error {
	n, armsErr := o.bandit.Flush(ctx, o.store)
	day, costs := o.limiter.DailyCosts()
	var closedErr error
	for _, closed := range o.limiter.ClosedDays() {
		if err := o.store.SaveCosts(ctx, closed.Day, closed.Costs); err != nil {
			closedErr = errors.Join(closedErr, fmt.Errorf("save costs for %s: %w", closed.Day, err))
		}
	}
	costsErr := o.store.SaveCosts(ctx, day, costs)
	if costsErr != nil {
		costsErr = fmt.Errorf("save costs for %s: %w", day, costsErr)
	}
	if err := errors.Join(armsErr, closedErr, costsErr); err != nil {
		return err
	}
	if n > 0 {
		o.log.Debug("state flushed", zap.Int("arms", n), zap.String("day", day))
	}
	return nil
}

// Close flushes state one last time and closes the store.
func (o *Orchestrator) Close(ctx context.Context) error {
	flushErr := o.FlushState(ctx)
	return errors.Join(flushErr, o.store.Close())
}
