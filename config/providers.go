package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/inference-orchestrator/internal/balancer"
	"github.com/vnmchuo/inference-orchestrator/internal/bandit"
	"github.com/vnmchuo/inference-orchestrator/internal/cache"
	"github.com/vnmchuo/inference-orchestrator/internal/failover"
	"github.com/vnmchuo/inference-orchestrator/internal/orchestrator"
	"github.com/vnmchuo/inference-orchestrator/internal/provider"
	"github.com/vnmchuo/inference-orchestrator/internal/provider/claude"
	"github.com/vnmchuo/inference-orchestrator/internal/provider/gemini"
	"github.com/vnmchuo/inference-orchestrator/internal/provider/openai"
	"github.com/vnmchuo/inference-orchestrator/internal/provider/openaicompat"
	"github.com/vnmchuo/inference-orchestrator/internal/registry"
	"github.com/vnmchuo/inference-orchestrator/internal/selection"
)

// Providers is the reloadable routing surface: the backend table plus the
// routing policy.
type Providers struct {
	Providers []ProviderConfig `yaml:"providers"`
	Routing   RoutingConfig    `yaml:"routing"`
}

// ProviderConfig defines one backend. Type is openai, anthropic, gemini
// or openai-compatible (vLLM, Ollama, llama.cpp servers).
type ProviderConfig struct {
	Name           string                          `yaml:"name"`
	Type           string                          `yaml:"type"`
	BaseURL        string                          `yaml:"base_url"`
	APIKey         string                          `yaml:"api_key"`
	Tier           provider.Tier                   `yaml:"tier"`
	Models         []string                        `yaml:"models"`
	Capabilities   provider.Capabilities           `yaml:"capabilities"`
	Cost           registry.Cost                   `yaml:"cost"`
	Timeouts       map[provider.ContentType]string `yaml:"timeouts"`
	DefaultTimeout string                          `yaml:"default_timeout"`
	Limits         registry.Limits                 `yaml:"limits"`
	Priority       int                             `yaml:"priority"`
	Weight         float64                         `yaml:"weight"`
	Enabled        *bool                           `yaml:"enabled"`
	ProbeInterval  string                          `yaml:"probe_interval"`
}

type RoutingConfig struct {
	SelectionStrategy string                       `yaml:"selection_strategy"`
	BalancerStrategy  string                       `yaml:"balancer_strategy"`
	FailoverStrategy  string                       `yaml:"failover_strategy"`
	CacheStrategy     string                       `yaml:"cache_strategy"`
	MaxAttempts       int                          `yaml:"max_attempts"`
	OutputTokens      int                          `yaml:"default_output_tokens"`
	HistoryMaxAge     string                       `yaml:"history_max_age"`
	Weights           map[string]selection.Weights `yaml:"weights"`
	Failover          ThresholdsConfig             `yaml:"failover"`
	Bandit            BanditConfig                 `yaml:"bandit"`
	Breaker           BreakerConfig                `yaml:"breaker"`
	Cache             CacheConfig                  `yaml:"cache"`
}

type ThresholdsConfig struct {
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures"`
	HealthThreshold        float64 `yaml:"health_threshold"`
	DegradationThreshold   float64 `yaml:"degradation_threshold"`
	LatencyRatio           float64 `yaml:"latency_ratio"`
}

type BanditConfig struct {
	Exploration    float64 `yaml:"exploration"`
	WarmupPerModel int     `yaml:"warmup_per_model"`
	SuccessWeight  float64 `yaml:"success_weight"`
	TimeWeight     float64 `yaml:"time_weight"`
	CostWeight     float64 `yaml:"cost_weight"`
}

type BreakerConfig struct {
	MaxFailures int    `yaml:"max_failures"`
	Timeout     string `yaml:"timeout"`
}

type CacheConfig struct {
	MaxEntries int   `yaml:"max_entries"`
	MaxBytes   int64 `yaml:"max_bytes"`
}

// LoadProviders reads a providers file, expands ${ENV} references and
// validates the result.
func LoadProviders(path string) (*Providers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	return ParseProviders(data)
}

func ParseProviders(data []byte) (*Providers, error) {
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	var p Providers
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

var knownTypes = map[string]bool{
	"openai":            true,
	"anthropic":         true,
	"gemini":            true,
	"openai-compatible": true,
}

// Validate checks everything that can be checked without building
// backends.
func (p *Providers) Validate() error {
	seen := make(map[string]bool, len(p.Providers))
	for i, pc := range p.Providers {
		if pc.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if seen[pc.Name] {
			return fmt.Errorf("providers[%d]: duplicate name %s", i, pc.Name)
		}
		seen[pc.Name] = true
		if !knownTypes[pc.Type] {
			return fmt.Errorf("provider %s: unknown type %q", pc.Name, pc.Type)
		}
		if !pc.Tier.Valid() {
			return fmt.Errorf("provider %s: invalid tier", pc.Name)
		}
		if len(pc.Capabilities.ContentTypes) == 0 {
			return fmt.Errorf("provider %s: capabilities.content_types is empty", pc.Name)
		}
		for _, ct := range pc.Capabilities.ContentTypes {
			if !ct.Valid() {
				return fmt.Errorf("provider %s: unknown content type %q", pc.Name, ct)
			}
		}
		if pc.Cost.PerRequest < 0 || pc.Cost.PerToken < 0 {
			return fmt.Errorf("provider %s: cost must not be negative", pc.Name)
		}
		if _, _, err := pc.timeouts(); err != nil {
			return fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		if _, err := parseDuration(pc.ProbeInterval); err != nil {
			return fmt.Errorf("provider %s: probe_interval: %w", pc.Name, err)
		}
	}
	if _, err := p.Routing.Orchestrator(); err != nil {
		return err
	}
	return nil
}

func (pc ProviderConfig) enabled() bool {
	return pc.Enabled == nil || *pc.Enabled
}

func (pc ProviderConfig) timeouts() (map[provider.ContentType]time.Duration, time.Duration, error) {
	out := make(map[provider.ContentType]time.Duration, len(pc.Timeouts))
	for ct, s := range pc.Timeouts {
		if !ct.Valid() {
			return nil, 0, fmt.Errorf("timeouts: unknown content type %q", ct)
		}
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, 0, fmt.Errorf("timeouts.%s: invalid duration %q", ct, s)
		}
		out[ct] = d
	}
	def, err := parseDuration(pc.DefaultTimeout)
	if err != nil {
		return nil, 0, fmt.Errorf("default_timeout: %w", err)
	}
	return out, def, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// BackendFactory builds the client for one provider entry.
type BackendFactory func(pc ProviderConfig) (provider.Provider, error)

// NewBackend builds a client for the provider types shipped with the
// orchestrator.
func NewBackend(pc ProviderConfig) (provider.Provider, error) {
	model := ""
	if len(pc.Models) > 0 {
		model = pc.Models[0]
	}
	switch pc.Type {
	case "openai":
		return openai.New(openai.Config{Name: pc.Name, APIKey: pc.APIKey, BaseURL: pc.BaseURL, DefaultModel: model, Capabilities: pc.Capabilities}), nil
	case "anthropic":
		return claude.New(claude.Config{Name: pc.Name, APIKey: pc.APIKey, BaseURL: pc.BaseURL, DefaultModel: model, Capabilities: pc.Capabilities}), nil
	case "gemini":
		return gemini.New(gemini.Config{Name: pc.Name, APIKey: pc.APIKey, BaseURL: pc.BaseURL, DefaultModel: model, Capabilities: pc.Capabilities}), nil
	case "openai-compatible":
		if pc.BaseURL == "" {
			return nil, fmt.Errorf("provider %s: base_url is required for openai-compatible", pc.Name)
		}
		probe, err := parseDuration(pc.ProbeInterval)
		if err != nil {
			return nil, err
		}
		return openaicompat.New(openaicompat.Config{
			Name:          pc.Name,
			APIKey:        pc.APIKey,
			BaseURL:       pc.BaseURL,
			DefaultModel:  model,
			Capabilities:  pc.Capabilities,
			ProbeInterval: probe,
		}), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", pc.Name, pc.Type)
	}
}

// Profiles turns the file into registry profiles. Disabled entries keep
// their profile but get no backend.
func (p *Providers) Profiles(build BackendFactory) ([]registry.Profile, error) {
	if build == nil {
		build = NewBackend
	}
	out := make([]registry.Profile, 0, len(p.Providers))
	for _, pc := range p.Providers {
		timeouts, def, err := pc.timeouts()
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		prof := registry.Profile{
			Name:           pc.Name,
			Type:           pc.Type,
			Tier:           pc.Tier,
			Models:         pc.Models,
			Capabilities:   pc.Capabilities,
			Cost:           pc.Cost,
			Timeouts:       timeouts,
			DefaultTimeout: def,
			Limits:         pc.Limits,
			Priority:       pc.Priority,
			Weight:         pc.Weight,
			Enabled:        pc.enabled(),
		}
		if prof.Weight == 0 {
			prof.Weight = 1
		}
		if prof.Enabled {
			if prof.Backend, err = build(pc); err != nil {
				return nil, err
			}
		}
		out = append(out, prof)
	}
	return out, nil
}

// Orchestrator converts the routing section. Zero values fall back to the
// orchestrator defaults.
func (r RoutingConfig) Orchestrator() (orchestrator.Config, error) {
	cfg := orchestrator.Config{
		MaxAttempts:  r.MaxAttempts,
		OutputTokens: r.OutputTokens,
		Thresholds: failover.Config{
			MaxConsecutiveFailures: r.Failover.MaxConsecutiveFailures,
			HealthThreshold:        r.Failover.HealthThreshold,
			DegradationThreshold:   r.Failover.DegradationThreshold,
			LatencyRatio:           r.Failover.LatencyRatio,
		},
		Bandit: bandit.Config{
			Exploration:    r.Bandit.Exploration,
			WarmupPerModel: r.Bandit.WarmupPerModel,
			SuccessWeight:  r.Bandit.SuccessWeight,
			TimeWeight:     r.Bandit.TimeWeight,
			CostWeight:     r.Bandit.CostWeight,
		},
		Breaker:         balancer.BreakerConfig{MaxFailures: r.Breaker.MaxFailures},
		CacheMaxEntries: r.Cache.MaxEntries,
		CacheMaxBytes:   r.Cache.MaxBytes,
	}

	var err error
	if r.SelectionStrategy != "" {
		if cfg.Selection, err = selection.ParseStrategy(r.SelectionStrategy); err != nil {
			return cfg, fmt.Errorf("routing: %w", err)
		}
	}
	if r.BalancerStrategy != "" {
		if cfg.Balancer, err = balancer.ParseStrategy(r.BalancerStrategy); err != nil {
			return cfg, fmt.Errorf("routing: %w", err)
		}
	}
	if r.FailoverStrategy != "" {
		if cfg.Failover, err = failover.ParseStrategy(r.FailoverStrategy); err != nil {
			return cfg, fmt.Errorf("routing: %w", err)
		}
	}
	if r.CacheStrategy != "" {
		if cfg.Cache, err = cache.ParseStrategy(r.CacheStrategy); err != nil {
			return cfg, fmt.Errorf("routing: %w", err)
		}
	}
	if cfg.HistoryMaxAge, err = parseDuration(r.HistoryMaxAge); err != nil {
		return cfg, fmt.Errorf("routing.history_max_age: %w", err)
	}
	if cfg.Breaker.Timeout, err = parseDuration(r.Breaker.Timeout); err != nil {
		return cfg, fmt.Errorf("routing.breaker.timeout: %w", err)
	}

	if len(r.Weights) > 0 {
		cfg.Weights = make(map[selection.Strategy]selection.Weights, len(r.Weights))
		for name, w := range r.Weights {
			st, err := selection.ParseStrategy(name)
			if err != nil {
				return cfg, fmt.Errorf("routing.weights: %w", err)
			}
			if w.Capability < 0 || w.Cost < 0 || w.Performance < 0 || w.Reliability < 0 {
				return cfg, fmt.Errorf("routing.weights.%s: weights must not be negative", name)
			}
			cfg.Weights[st] = w
		}
	}
	if r.Failover.HealthThreshold < 0 || r.Failover.HealthThreshold > 1 {
		return cfg, fmt.Errorf("routing.failover.health_threshold must be within [0,1]")
	}
	return cfg, nil
}
