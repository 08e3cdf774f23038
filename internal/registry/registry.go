// Package registry holds the routing table of configured backends. The
// table is replaced as a whole so in-flight decisions never observe a
// partially applied reload.
package registry

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/vnmchuo/inference-orchestrator/internal/provider"
)

const defaultTimeout = 30 * time.Second

type Cost struct {
	PerRequest float64 `yaml:"per_request" json:"per_request"`
	PerToken   float64 `yaml:"per_token" json:"per_token"`
}

// Estimate prices a request of the given total token count.
func (c Cost) Estimate(tokens int) float64 {
	return c.PerRequest + c.PerToken*float64(tokens)
}

type Limits struct {
	RequestsPerMinute int     `yaml:"requests_per_minute" json:"requests_per_minute"`
	TokensPerMinute   int     `yaml:"tokens_per_minute" json:"tokens_per_minute"`
	Burst             int     `yaml:"burst" json:"burst"`
	DailyBudget       float64 `yaml:"daily_budget" json:"daily_budget"`
}

// Profile is one backend's routing configuration. Profiles are values;
// nothing mutates a Profile once it is in a table.
type Profile struct {
	Name           string
	Type           string
	Tier           provider.Tier
	Models         []string
	Capabilities   provider.Capabilities
	Cost           Cost
	Timeouts       map[provider.ContentType]time.Duration
	DefaultTimeout time.Duration
	Limits         Limits
	// Priority orders backends for the priority balancer; lower wins.
	Priority int
	Weight   float64
	Enabled  bool
	Backend  provider.Provider
}

// Timeout returns the per-attempt timeout for content of type ct.
func (p Profile) Timeout(ct provider.ContentType) time.Duration {
	if d, ok := p.Timeouts[ct]; ok && d > 0 {
		return d
	}
	if p.DefaultTimeout > 0 {
		return p.DefaultTimeout
	}
	return defaultTimeout
}

func (p Profile) validate() error {
	if p.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if !p.Tier.Valid() {
		return fmt.Errorf("provider %s: invalid tier %d", p.Name, p.Tier)
	}
	for ct, d := range p.Timeouts {
		if d <= 0 {
			return fmt.Errorf("provider %s: timeout for %s must be positive", p.Name, ct)
		}
	}
	if p.DefaultTimeout < 0 {
		return fmt.Errorf("provider %s: default timeout must be positive", p.Name)
	}
	if p.Weight < 0 {
		return fmt.Errorf("provider %s: weight must not be negative", p.Name)
	}
	if p.Enabled && p.Backend == nil {
		return fmt.Errorf("provider %s: enabled without a backend", p.Name)
	}
	return nil
}

type table struct {
	byName  map[string]Profile
	ordered []Profile
}

type Registry struct {
	current atomic.Pointer[table]
}

func New(profiles ...Profile) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(profiles); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace validates profiles and swaps them in as the new table. On error
// the previous table stays active.
func (r *Registry) Replace(profiles []Profile) error {
	t := &table{
		byName:  make(map[string]Profile, len(profiles)),
		ordered: make([]Profile, 0, len(profiles)),
	}
	for _, p := range profiles {
		if err := p.validate(); err != nil {
			return err
		}
		if _, dup := t.byName[p.Name]; dup {
			return fmt.Errorf("duplicate provider %s", p.Name)
		}
		t.byName[p.Name] = p
		t.ordered = append(t.ordered, p)
	}
	sort.Slice(t.ordered, func(i, j int) bool { return t.ordered[i].Name < t.ordered[j].Name })

	r.current.Store(t)
	return nil
}

func (r *Registry) Get(name string) (Profile, bool) {
	p, ok := r.current.Load().byName[name]
	return p, ok
}

// List returns enabled providers advertising ct, ordered by name.
func (r *Registry) List(ct provider.ContentType) []Profile {
	all := r.current.Load().ordered
	out := make([]Profile, 0, len(all))
	for _, p := range all {
		if p.Enabled && p.Capabilities.Supports(ct) {
			out = append(out, p)
		}
	}
	return out
}

// All returns every provider, enabled or not, ordered by name.
func (r *Registry) All() []Profile {
	all := r.current.Load().ordered
	out := make([]Profile, len(all))
	copy(out, all)
	return out
}
