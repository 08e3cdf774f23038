package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/vnmchuo/inference-orchestrator/internal/balancer"
	"github.com/vnmchuo/inference-orchestrator/internal/bandit"
	"github.com/vnmchuo/inference-orchestrator/internal/billing"
	"github.com/vnmchuo/inference-orchestrator/internal/cache"
	"github.com/vnmchuo/inference-orchestrator/internal/failover"
	"github.com/vnmchuo/inference-orchestrator/internal/profile"
	"github.com/vnmchuo/inference-orchestrator/internal/provider"
	"github.com/vnmchuo/inference-orchestrator/internal/registry"
	"github.com/vnmchuo/inference-orchestrator/internal/selection"
	"github.com/vnmchuo/inference-orchestrator/internal/state"
	"github.com/vnmchuo/inference-orchestrator/pkg/ratelimit"
)

// Overrides adjust a single request's routing. Zero values keep the
// configured policy.
type Overrides struct {
	// Provider pins the request to one backend; failover is disabled.
	Provider  string
	Model     string
	Selection selection.Strategy
	Balancer  balancer.Strategy
	Failover  failover.Strategy
	SkipCache bool
}

// step is one planned attempt. from is empty for the primary.
type step struct {
	profile registry.Profile
	from    registry.Profile
	reason  failover.Reason
	target  *failover.Target
}

type routeState struct {
	req      *provider.Request
	content  profile.ContentProfile
	ov       Overrides
	pol      *policy
	strategy failover.Strategy
	tokens   int

	candidates []registry.Profile
	tried      map[string]bool
	attempts   int
	// admission holds the rejection with the shortest retry-after seen
	// while no backend call has failed.
	admission  error
	lastErr    error
	failedOver bool
}

// Route serves req: from the cache when possible, otherwise through the
// best backend with failover on retryable errors. The caller gets either a
// response or exactly one typed error.
func (o *Orchestrator) Route(ctx context.Context, req *provider.Request, ov Overrides) (*provider.Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	pol := o.current()
	ctx, cancel := context.WithTimeout(ctx, pol.cfg.RequestTimeout)
	defer cancel()

	ctx, span := o.tracer.Start(ctx, "orchestrator.route")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", req.ID))

	resp, err := o.route(ctx, req, ov, pol)
	outcome := "ok"
	switch {
	case err == nil && resp.Cached:
		outcome = "cached"
	case err != nil:
		outcome = provider.KindOf(err).String()
		if errors.Is(err, context.Canceled) {
			outcome = "cancelled"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if outcome == "cancelled" {
			o.log.Debug("route cancelled by caller", zap.String("request_id", req.ID))
		} else {
			o.log.Error("route failed", zap.String("request_id", req.ID), zap.Error(err))
		}
	}
	if o.metrics != nil {
		o.metrics.RouteTotal.WithLabelValues(outcome).Inc()
	}
	return resp, err
}

func (o *Orchestrator) route(ctx context.Context, req *provider.Request, ov Overrides, pol *policy) (*provider.Response, error) {
	content, err := o.profiler.Analyze(ctx, req)
	if err != nil {
		content = profile.Generic(req)
		if o.metrics != nil {
			o.metrics.ProfilerFallback.Inc()
		}
	}
	if req.LocalOnly {
		content.PrivacySensitive = true
	}

	key := cache.Key(req, content, ov.Model)
	if !ov.SkipCache {
		if resp, ok := o.cache.Get(key); ok {
			if o.metrics != nil {
				o.metrics.CacheHits.Inc()
			}
			resp.ID = req.ID
			o.log.Debug("cache hit", zap.String("request_id", req.ID), zap.String("provider", resp.Provider))
			return resp, nil
		}
		if o.metrics != nil {
			o.metrics.CacheMisses.Inc()
		}
	}

	rs := &routeState{
		req:      req,
		content:  content,
		ov:       ov,
		pol:      pol,
		strategy: pol.cfg.Failover,
		tokens:   content.SizeEstimate + outputTokens(req, pol.cfg),
		tried:    make(map[string]bool),
	}
	if ov.Failover != "" {
		rs.strategy = ov.Failover
	}

	rs.candidates = o.candidates(ctx, req, content, ov)
	if len(rs.candidates) == 0 {
		return nil, provider.NewError(provider.KindNoProviderAvailable, "", "no enabled backend serves "+string(content.Type), nil)
	}

	primary, err := o.primary(rs)
	if err != nil {
		return nil, err
	}

	queue, err := o.plan(rs, primary)
	if err != nil {
		return nil, err
	}

	for len(queue) > 0 && rs.attempts < pol.cfg.MaxAttempts {
		s := queue[0]
		queue = queue[1:]
		if rs.tried[s.profile.Name] {
			continue
		}
		rs.tried[s.profile.Name] = true

		resp, err := o.attempt(ctx, rs, s)
		if err == nil {
			if o.cache.Put(key, resp, content) {
				o.log.Debug("response cached", zap.String("request_id", req.ID))
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			return nil, provider.NewError(provider.KindTimeout, s.profile.Name, "request deadline exceeded", err)
		}
		if !provider.IsRetryable(err) {
			return nil, err
		}
		if ov.Provider != "" {
			continue
		}
		if len(queue) == 0 {
			reason := failover.ReasonError
			if provider.KindOf(err) == provider.KindBudgetExceeded {
				reason = failover.ReasonBudget
			}
			queue = o.fallbacks(rs, s.profile, reason)
		}
	}

	return nil, rs.terminal()
}

func outputTokens(req *provider.Request, cfg Config) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return cfg.OutputTokens
}

// candidates lists enabled backends for the content type, honouring the
// local-only flag, a pinned provider, backend availability and open circuits.
func (o *Orchestrator) candidates(ctx context.Context, req *provider.Request, content profile.ContentProfile, ov Overrides) []registry.Profile {
	listed := o.registry.List(content.Type)
	out := make([]registry.Profile, 0, len(listed))
	for _, p := range listed {
		if req.LocalOnly && !p.Tier.IsLocal() {
			continue
		}
		if ov.Provider != "" && p.Name != ov.Provider {
			continue
		}
		if !p.Backend.IsAvailable(ctx) {
			o.log.Debug("backend unavailable", zap.String("request_id", req.ID), zap.String("provider", p.Name))
			continue
		}
		out = append(out, p)
	}
	return o.balancer.Available(out)
}

func (o *Orchestrator) primary(rs *routeState) (registry.Profile, error) {
	strategy := rs.pol.cfg.Balancer
	if rs.ov.Balancer != "" {
		strategy = rs.ov.Balancer
	}
	if strategy != "" && rs.ov.Selection == "" {
		p, err := o.balancer.Pick(strategy, rs.candidates)
		if err == nil {
			o.log.Debug("primary picked",
				zap.String("request_id", rs.req.ID),
				zap.String("provider", p.Name),
				zap.String("reason", string(strategy)),
			)
		}
		return p, err
	}

	sel := rs.pol.cfg.Selection
	if rs.ov.Selection != "" {
		sel = rs.ov.Selection
	}
	best, err := rs.pol.engine.Select(selection.Input{
		Candidates:   rs.candidates,
		Content:      rs.content,
		Priority:     rs.req.Priority,
		Strategy:     sel,
		OutputTokens: outputTokens(rs.req, rs.pol.cfg),
	})
	if err != nil {
		return registry.Profile{}, err
	}
	o.log.Debug("primary scored",
		zap.String("request_id", rs.req.ID),
		zap.String("provider", best.Provider),
		zap.Float64("score", best.Total),
		zap.String("reason", string(sel)),
	)
	return best.Profile, nil
}

// plan runs the predictive check on the primary and returns the attempt
// queue. Health-based reasons are advisory when nothing else can serve the
// request: the backend still gets its chance, which is also how an open
// circuit reaches its half-open trial.
func (o *Orchestrator) plan(rs *routeState, primary registry.Profile) ([]step, error) {
	est := primary.Cost.Estimate(rs.tokens)
	skip, reason := o.health.ShouldFailover(primary, rs.content, failover.Check{
		LocalOnly:     rs.req.LocalOnly,
		BudgetCeiling: rs.req.BudgetCeiling,
		EstimatedCost: est,
	})
	if !skip {
		return []step{{profile: primary}}, nil
	}

	o.log.Warn("predictive failover",
		zap.String("request_id", rs.req.ID),
		zap.String("provider", primary.Name),
		zap.String("reason", string(reason)),
	)
	if o.metrics != nil {
		o.metrics.FailoversTotal.WithLabelValues(string(reason)).Inc()
	}

	var queue []step
	if rs.ov.Provider == "" {
		queue = o.fallbacks(rs, primary, reason)
	}
	if len(queue) > 0 {
		return queue, nil
	}

	switch reason {
	case failover.ReasonBudget:
		return nil, provider.BudgetExceeded(primary.Name, 0, "estimated cost exceeds request ceiling")
	case failover.ReasonDisabled, failover.ReasonPrivacy:
		return nil, provider.NewError(provider.KindNoProviderAvailable, primary.Name, string(reason), nil)
	default:
		return []step{{profile: primary}}, nil
	}
}

// fallbacks ranks untried targets away from failed.
func (o *Orchestrator) fallbacks(rs *routeState, failed registry.Profile, reason failover.Reason) []step {
	remaining := make([]registry.Profile, 0, len(rs.candidates))
	for _, p := range rs.candidates {
		if !rs.tried[p.Name] {
			remaining = append(remaining, p)
		}
	}
	targets := o.health.Targets(failed, remaining, rs.content, rs.strategy)
	steps := make([]step, 0, len(targets))
	for i := range targets {
		steps = append(steps, step{profile: targets[i].Profile, from: failed, reason: reason, target: &targets[i]})
	}
	return steps
}

func (rs *routeState) noteAdmission(err error) {
	if rs.admission == nil || provider.RetryAfter(err) < provider.RetryAfter(rs.admission) {
		rs.admission = err
	}
}

func (rs *routeState) terminal() error {
	if rs.attempts == 0 && rs.admission != nil {
		return rs.admission
	}
	if rs.lastErr == nil {
		return provider.NewError(provider.KindNoProviderAvailable, "", "no backend admitted the request", rs.admission)
	}
	if !rs.failedOver {
		return rs.lastErr
	}
	return provider.NewError(provider.KindFailoverExhausted, "", "every fallback target failed", rs.lastErr)
}

// attempt runs one backend call with full bookkeeping. Admission and
// breaker rejections do not count as attempts.
func (o *Orchestrator) attempt(ctx context.Context, rs *routeState, s step) (*provider.Response, error) {
	p := s.profile
	ctx, span := o.tracer.Start(ctx, "orchestrator.attempt")
	defer span.End()
	span.SetAttributes(attribute.String("provider", p.Name))

	est := p.Cost.Estimate(rs.tokens)
	adm, err := o.limiter.Admit(ctx, ratelimit.AdmitRequest{
		Provider:      p.Name,
		Tokens:        rs.tokens,
		EstimatedCost: est,
		BudgetCeiling: rs.req.BudgetCeiling,
	})
	if err != nil {
		if ctx.Err() == nil {
			rs.noteAdmission(err)
		}
		o.log.Debug("admission denied", zap.String("request_id", rs.req.ID), zap.String("provider", p.Name), zap.Error(err))
		return nil, err
	}

	lease, err := o.balancer.Acquire(p.Name)
	if err != nil {
		adm.Release()
		o.log.Debug("breaker rejected attempt", zap.String("request_id", rs.req.ID), zap.String("provider", p.Name), zap.Error(err))
		return nil, provider.NewError(provider.KindProviderError, p.Name, "circuit open", err)
	}

	model := rs.ov.Model
	category := rs.content.Category()
	if model == "" {
		model = o.bandit.Select(p.Name, p.Models, category)
	}
	if o.metrics != nil && model != "" {
		o.metrics.BanditPulls.WithLabelValues(p.Name, model, category).Inc()
	}

	call := *rs.req
	call.Model = model

	attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout(rs.content.Type))
	defer cancel()
	start := o.now()
	resp, err := p.Backend.Process(attemptCtx, &call)
	latency := o.now().Sub(start)
	rs.attempts++
	if s.from.Name != "" {
		rs.failedOver = true
	}

	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		adm.Release()
		lease.Done(balancer.OutcomeCancelled, 0)
		o.log.Debug("attempt cancelled by caller", zap.String("request_id", rs.req.ID), zap.String("provider", p.Name))
		return nil, ctx.Err()
	}
	if err == nil && resp == nil {
		err = provider.NewError(provider.KindProviderError, p.Name, "empty response", nil)
	}
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && provider.KindOf(err) != provider.KindTimeout {
		err = provider.NewError(provider.KindTimeout, p.Name, "attempt timed out", err)
	}

	if err != nil {
		adm.Commit(0)
		o.recordOutcome(rs, p, model, false, latency, 0, err)
		o.recordEvent(rs, s, false, latency, est)
		rs.lastErr = err
		span.RecordError(err)
		o.log.Warn("attempt failed",
			zap.String("request_id", rs.req.ID),
			zap.String("provider", p.Name),
			zap.String("model", model),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		lease.Done(balancer.OutcomeFailure, latency)
		return nil, err
	}

	resp.ID = rs.req.ID
	resp.Provider = p.Name
	if resp.Model == "" {
		resp.Model = model
	}
	resp.Latency = latency
	if resp.Cost == 0 {
		if used := resp.InputTokens + resp.OutputTokens; used > 0 {
			resp.Cost = p.Cost.Estimate(used)
		} else {
			resp.Cost = est
		}
	}

	adm.Commit(resp.Cost)
	lease.Done(balancer.OutcomeSuccess, latency)
	o.recordOutcome(rs, p, model, true, latency, resp.Cost, nil)
	o.recordEvent(rs, s, true, latency, resp.Cost)
	o.logUsage(rs, resp)
	o.log.Debug("attempt succeeded",
		zap.String("request_id", rs.req.ID),
		zap.String("provider", p.Name),
		zap.String("model", resp.Model),
		zap.Duration("latency", latency),
	)
	return resp, nil
}

func (o *Orchestrator) recordOutcome(rs *routeState, p registry.Profile, model string, success bool, latency time.Duration, cost float64, err error) {
	var kind string
	if err != nil {
		kind = provider.KindOf(err).String()
	}
	o.health.Record(p.Name, failover.Outcome{Success: success, Latency: latency, ErrorKind: kind})
	o.limiter.RecordOutcome(p.Name, success)
	o.tracker.Record(p.Name, rs.content.Type, success, latency)
	if model != "" {
		o.bandit.Update(
			state.ArmKey{Provider: p.Name, Model: model, Category: rs.content.Category()},
			bandit.Outcome{Success: success, Latency: latency, Cost: cost},
		)
	}
	if o.metrics != nil {
		result := "success"
		if !success {
			result = kind
		}
		o.metrics.AttemptsTotal.WithLabelValues(p.Name, result).Inc()
		o.metrics.AttemptDuration.WithLabelValues(p.Name).Observe(latency.Seconds())
	}
}

func (o *Orchestrator) recordEvent(rs *routeState, s step, success bool, latency time.Duration, cost float64) {
	if s.from.Name == "" {
		return
	}
	baseline := s.from.Cost.Estimate(rs.tokens)
	e := o.health.RecordEvent(failover.Event{
		From:       s.from.Name,
		To:         s.profile.Name,
		Reason:     s.reason,
		Strategy:   rs.strategy,
		Success:    success,
		Latency:    latency,
		CostImpact: cost - baseline,
	})
	if s.reason == failover.ReasonError && o.metrics != nil {
		o.metrics.FailoversTotal.WithLabelValues(string(s.reason)).Inc()
	}
	fields := []zap.Field{
		zap.String("request_id", rs.req.ID),
		zap.String("event_id", e.ID),
		zap.String("provider", s.profile.Name),
		zap.String("from", s.from.Name),
		zap.String("reason", string(s.reason)),
		zap.Bool("success", success),
		zap.Duration("latency", latency),
	}
	if s.target != nil {
		fields = append(fields,
			zap.Float64("cost_multiplier", s.target.CostMultiplier),
			zap.Float64("capability_match", s.target.CapabilityMatch),
			zap.Duration("extra_delay", s.target.ExtraDelay),
		)
	}
	o.log.Warn("failover", fields...)
}

func (o *Orchestrator) logUsage(rs *routeState, resp *provider.Response) {
	if o.usage == nil {
		return
	}
	entry := &billing.UsageLog{
		RequestID:    rs.req.ID,
		Provider:     resp.Provider,
		Model:        resp.Model,
		ContentType:  string(rs.content.Type),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      resp.Cost,
		LatencyMs:    resp.Latency.Milliseconds(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.usage.LogUsage(ctx, entry); err != nil {
			o.log.Warn("usage log failed", zap.String("request_id", entry.RequestID), zap.Error(err))
		}
	}()
}
