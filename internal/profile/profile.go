// Package profile classifies requests before routing: content type,
// complexity, size in tokens and whether the content must be treated as
// private.
package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/vnmchuo/inference-orchestrator/internal/provider"
)

type ContentProfile struct {
	Type             provider.ContentType `json:"type"`
	Complexity       float64              `json:"complexity"`
	SizeEstimate     int                  `json:"size_estimate"`
	PrivacySensitive bool                 `json:"privacy_sensitive"`
}

// ComplexityBucket maps the complexity score to low, medium or high.
func (p ContentProfile) ComplexityBucket() string {
	switch {
	case p.Complexity < 0.34:
		return "low"
	case p.Complexity < 0.67:
		return "medium"
	default:
		return "high"
	}
}

// Category is the key the model selector learns under, e.g. "code/high".
func (p ContentProfile) Category() string {
	return fmt.Sprintf("%s/%s", p.Type, p.ComplexityBucket())
}

type Profiler interface {
	Analyze(ctx context.Context, req *provider.Request) (ContentProfile, error)
}

// imageTokens approximates what a vision model charges per attached image.
const imageTokens = 765

// Generic is the profile used when the profiler is unavailable or too slow.
// It never downgrades an explicit local-only request.
func Generic(req *provider.Request) ContentProfile {
	p := ContentProfile{
		Type:             provider.ContentText,
		Complexity:       0.5,
		SizeEstimate:     ApproxTokens(req.Prompt) + len(req.Media)*imageTokens,
		PrivacySensitive: req.LocalOnly,
	}
	if len(req.Media) > 0 {
		p.Type = provider.ContentMultimodal
		if req.Prompt == "" {
			p.Type = provider.ContentImage
		}
	}
	return p
}

type budgeted struct {
	next   Profiler
	budget time.Duration
}

// WithBudget bounds the time spent in p. On timeout or error the request
// is routed with Generic instead.
func WithBudget(p Profiler, budget time.Duration) Profiler {
	return &budgeted{next: p, budget: budget}
}

type result struct {
	profile ContentProfile
	err     error
}

func (b *budgeted) Analyze(ctx context.Context, req *provider.Request) (ContentProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, b.budget)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		p, err := b.next.Analyze(ctx, req)
		done <- result{profile: p, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return Generic(req), nil
		}
		return r.profile, nil
	case <-ctx.Done():
		return Generic(req), nil
	}
}
