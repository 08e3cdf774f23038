// Package cache short-circuits routing for repeated requests. Entries are
// partitioned by privacy flag so sensitive and non-sensitive content never
// share a key.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vnmchuo/inference-orchestrator/internal/profile"
	"github.com/vnmchuo/inference-orchestrator/internal/provider"
)

type Strategy string

const (
	StrategyPrivacyAware Strategy = "privacy-aware"
	StrategyAggressive   Strategy = "aggressive"
	StrategyConservative Strategy = "conservative"
	StrategyDisabled     Strategy = "disabled"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyPrivacyAware, StrategyAggressive, StrategyConservative, StrategyDisabled:
		return st, nil
	case "":
		return StrategyPrivacyAware, nil
	default:
		return "", fmt.Errorf("unknown cache strategy %q", s)
	}
}

const (
	shardCount        = 16
	minConfidence     = 0.7
	conservativeFloor = 0.85
	entryOverhead     = 256
	privateTTLCap     = 30 * time.Minute
)

var baseTTL = map[provider.ContentType]time.Duration{
	provider.ContentText:       time.Hour,
	provider.ContentImage:      2 * time.Hour,
	provider.ContentCode:       30 * time.Minute,
	provider.ContentMultimodal: 30 * time.Minute,
	provider.ContentDocument:   4 * time.Hour,
	provider.ContentStructured: 2 * time.Hour,
}

type Config struct {
	Strategy   Strategy
	MaxEntries int
	MaxBytes   int64
	Now        func() time.Time
}

type Entry struct {
	Key         string
	Response    provider.Response
	Content     profile.ContentProfile
	Created     time.Time
	LastAccess  time.Time
	Accesses    int
	TTL         time.Duration
	PrivacySafe bool
	Size        int
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

type Cache struct {
	now        func() time.Time
	maxEntries int
	maxBytes   int64
	strategy   atomic.Value

	shards [shardCount]*shard

	count     atomic.Int64
	bytes     atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	savedMu   sync.Mutex
	savedCost float64
	savedTime time.Duration
}

func New(cfg Config) *Cache {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 << 20
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyPrivacyAware
	}
	c := &Cache{now: cfg.Now, maxEntries: cfg.MaxEntries, maxBytes: cfg.MaxBytes}
	c.strategy.Store(cfg.Strategy)
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	return c
}

func (c *Cache) Strategy() Strategy {
	return c.strategy.Load().(Strategy)
}

// SetStrategy switches strategy. Switching to disabled drops every entry.
func (c *Cache) SetStrategy(s Strategy) {
	c.strategy.Store(s)
	if s == StrategyDisabled {
		c.Clear()
	}
}

// Key derives the cache key for a request as it will be sent to model.
func Key(req *provider.Request, content profile.ContentProfile, model string) string {
	prompt := sha256.Sum256([]byte(strings.Join(strings.Fields(req.Prompt), " ")))

	media := sha256.New()
	for _, m := range req.Media {
		media.Write([]byte(m.MimeType))
		media.Write(m.Data)
	}
	mediaSum := ""
	if len(req.Media) > 0 {
		mediaSum = hex.EncodeToString(media.Sum(nil))
	}

	return fmt.Sprintf("%s|%s|%s|%s|%d|%.2f|%t",
		hex.EncodeToString(prompt[:]), content.Type, mediaSum,
		model, req.MaxTokens, req.Temperature, content.PrivacySensitive)
}

// TTL is the lifetime of a response for content with the given confidence.
func TTL(content profile.ContentProfile, confidence float64) time.Duration {
	ttl, ok := baseTTL[content.Type]
	if !ok {
		ttl = time.Hour
	}
	if confidence < 0.8 {
		ttl /= 2
	}
	if content.Complexity > 0.8 {
		ttl = ttl * 3 / 2
	}
	if content.PrivacySensitive && ttl > privateTTLCap {
		ttl = privateTTLCap
	}
	return ttl
}

func (c *Cache) shard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns a copy of the cached response stamped as a zero-cost hit.
func (c *Cache) Get(key string) (*provider.Response, bool) {
	if c.Strategy() == StrategyDisabled {
		return nil, false
	}
	start := time.Now()
	now := c.now()

	s := c.shard(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok && now.Sub(e.Created) >= e.TTL {
		c.remove(s, key, e)
		ok = false
	}
	if !ok {
		s.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	e.Accesses++
	e.LastAccess = now
	resp := e.Response
	s.mu.Unlock()

	c.hits.Add(1)
	c.savedMu.Lock()
	c.savedCost += resp.Cost
	c.savedTime += resp.Latency
	c.savedMu.Unlock()

	resp.Cached = true
	resp.Cost = 0
	resp.Latency = time.Since(start)
	return &resp, true
}

// Admits reports whether the active strategy would store resp.
func (c *Cache) Admits(resp *provider.Response, content profile.ContentProfile) bool {
	if resp == nil || resp.Confidence < minConfidence {
		return false
	}
	switch c.Strategy() {
	case StrategyAggressive:
		return true
	case StrategyConservative:
		return !content.PrivacySensitive && resp.Confidence >= conservativeFloor
	case StrategyDisabled:
		return false
	default:
		return !content.PrivacySensitive
	}
}

// Put stores resp if the strategy admits it and reports whether it did.
func (c *Cache) Put(key string, resp *provider.Response, content profile.ContentProfile) bool {
	if !c.Admits(resp, content) {
		return false
	}
	now := c.now()
	e := &Entry{
		Key:         key,
		Response:    *resp,
		Content:     content,
		Created:     now,
		LastAccess:  now,
		TTL:         TTL(content, resp.Confidence),
		PrivacySafe: !content.PrivacySensitive,
		Size:        len(key) + len(resp.Content) + entryOverhead,
	}
	e.Response.Cached = false

	s := c.shard(key)
	s.mu.Lock()
	if old, ok := s.entries[key]; ok {
		c.remove(s, key, old)
	}
	s.entries[key] = e
	c.count.Add(1)
	c.bytes.Add(int64(e.Size))
	s.mu.Unlock()

	if c.overCapacity() {
		c.Sweep()
	}
	return true
}

// remove deletes key from s. Callers hold s.mu.
func (c *Cache) remove(s *shard, key string, e *Entry) {
	delete(s.entries, key)
	c.count.Add(-1)
	c.bytes.Add(-int64(e.Size))
}

func (c *Cache) overCapacity() bool {
	return c.count.Load() > int64(c.maxEntries) || c.bytes.Load() > c.maxBytes
}

type SweepResult struct {
	Expired int
	Evicted int
}

// Sweep drops expired entries, then evicts the least recently accessed
// quarter if the cache is still over capacity.
func (c *Cache) Sweep() SweepResult {
	var res SweepResult
	now := c.now()

	type candidate struct {
		s          *shard
		key        string
		lastAccess time.Time
	}
	var live []candidate

	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if now.Sub(e.Created) >= e.TTL {
				c.remove(s, k, e)
				res.Expired++
				continue
			}
			live = append(live, candidate{s, k, e.LastAccess})
		}
		s.mu.Unlock()
	}

	if !c.overCapacity() {
		return res
	}

	sort.Slice(live, func(i, j int) bool { return live[i].lastAccess.Before(live[j].lastAccess) })
	n := (len(live) + 3) / 4
	for _, cand := range live[:n] {
		cand.s.mu.Lock()
		if e, ok := cand.s.entries[cand.key]; ok && e.LastAccess.Equal(cand.lastAccess) {
			c.remove(cand.s, cand.key, e)
			res.Evicted++
		}
		cand.s.mu.Unlock()
	}
	c.evictions.Add(int64(res.Evicted))
	return res
}

func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			c.remove(s, k, e)
		}
		s.mu.Unlock()
	}
}

type Stats struct {
	Strategy  Strategy      `json:"strategy"`
	Entries   int64         `json:"entries"`
	Bytes     int64         `json:"bytes"`
	Hits      int64         `json:"hits"`
	Misses    int64         `json:"misses"`
	HitRate   float64       `json:"hit_rate"`
	Evictions int64         `json:"evictions"`
	SavedCost float64       `json:"saved_cost"`
	SavedTime time.Duration `json:"saved_time"`
}

func (c *Cache) Stats() Stats {
	s := Stats{
		Strategy:  c.Strategy(),
		Entries:   c.count.Load(),
		Bytes:     c.bytes.Load(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	c.savedMu.Lock()
	s.SavedCost, s.SavedTime = c.savedCost, c.savedTime
	c.savedMu.Unlock()
	return s
}
