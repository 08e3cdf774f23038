package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/inference-orchestrator/internal/profile"
	"github.com/vnmchuo/inference-orchestrator/internal/provider"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var t0 = time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)

func response(confidence float64) *provider.Response {
	return &provider.Response{
		Content:    "Paris",
		Provider:   "openai",
		Model:      "gpt-4o-mini",
		Cost:       0.002,
		Latency:    800 * time.Millisecond,
		Confidence: confidence,
	}
}

var plainText = profile.ContentProfile{Type: provider.ContentText, Complexity: 0.2, SizeEstimate: 10}

// Text, confidence 0.9, non-sensitive: one hour TTL, hit at +3000s and miss
// at +3700s.
func TestTextEntryLifetime(t *testing.T) {
	clock := &fakeClock{now: t0}
	c := New(Config{Now: clock.Now})
	req := &provider.Request{Prompt: "capital of France?"}
	key := Key(req, plainText, "gpt-4o-mini")

	require.True(t, c.Put(key, response(0.9), plainText))

	clock.Set(t0.Add(3000 * time.Second))
	resp, ok := c.Get(key)
	require.True(t, ok)
	assert.True(t, resp.Cached)
	assert.Equal(t, 0.0, resp.Cost)
	assert.Equal(t, "Paris", resp.Content)
	assert.Less(t, resp.Latency, 100*time.Millisecond)

	clock.Set(t0.Add(3700 * time.Second))
	_, ok = c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Stats().Entries)
}

func TestHitAccountsSavings(t *testing.T) {
	c := New(Config{})
	key := Key(&provider.Request{Prompt: "hi"}, plainText, "m")
	c.Put(key, response(0.95), plainText)

	c.Get(key)
	c.Get(key)
	c.Get("missing")

	s := c.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.InDelta(t, 0.004, s.SavedCost, 1e-12)
	assert.Equal(t, 1600*time.Millisecond, s.SavedTime)
	assert.InDelta(t, 2.0/3.0, s.HitRate, 1e-9)
}

func TestKeyNormalizesAndPartitions(t *testing.T) {
	a := Key(&provider.Request{Prompt: "  hello   world "}, plainText, "m")
	b := Key(&provider.Request{Prompt: "hello world"}, plainText, "m")
	assert.Equal(t, a, b)

	private := plainText
	private.PrivacySensitive = true
	assert.NotEqual(t, a, Key(&provider.Request{Prompt: "hello world"}, private, "m"))
	assert.NotEqual(t, a, Key(&provider.Request{Prompt: "hello world"}, plainText, "other-model"))
	assert.NotEqual(t, a, Key(&provider.Request{Prompt: "hello world", Temperature: 0.7}, plainText, "m"))
	assert.NotEqual(t, a, Key(&provider.Request{Prompt: "hello world", Media: []provider.Media{{MimeType: "image/png", Data: []byte{1}}}}, plainText, "m"))
}

func TestTTLRules(t *testing.T) {
	tests := []struct {
		name       string
		content    profile.ContentProfile
		confidence float64
		want       time.Duration
	}{
		{"text", profile.ContentProfile{Type: provider.ContentText}, 0.9, time.Hour},
		{"document", profile.ContentProfile{Type: provider.ContentDocument}, 0.9, 4 * time.Hour},
		{"code low confidence", profile.ContentProfile{Type: provider.ContentCode}, 0.75, 15 * time.Minute},
		{"complex image", profile.ContentProfile{Type: provider.ContentImage, Complexity: 0.9}, 0.9, 3 * time.Hour},
		{"private document", profile.ContentProfile{Type: provider.ContentDocument, PrivacySensitive: true}, 0.9, 30 * time.Minute},
		{"private code low confidence", profile.ContentProfile{Type: provider.ContentCode, PrivacySensitive: true}, 0.7, 15 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TTL(tt.content, tt.confidence))
		})
	}
}

func TestStrategies(t *testing.T) {
	private := profile.ContentProfile{Type: provider.ContentText, PrivacySensitive: true}

	tests := []struct {
		strategy   Strategy
		content    profile.ContentProfile
		confidence float64
		want       bool
	}{
		{StrategyPrivacyAware, plainText, 0.9, true},
		{StrategyPrivacyAware, private, 0.9, false},
		{StrategyPrivacyAware, plainText, 0.69, false},
		{StrategyAggressive, private, 0.9, true},
		{StrategyAggressive, plainText, 0.6, false},
		{StrategyConservative, plainText, 0.8, false},
		{StrategyConservative, plainText, 0.9, true},
		{StrategyConservative, private, 0.95, false},
		{StrategyDisabled, plainText, 1.0, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%v/%.2f", tt.strategy, tt.content.PrivacySensitive, tt.confidence), func(t *testing.T) {
			c := New(Config{Strategy: tt.strategy})
			key := Key(&provider.Request{Prompt: "q"}, tt.content, "m")
			assert.Equal(t, tt.want, c.Put(key, response(tt.confidence), tt.content))
			_, hit := c.Get(key)
			assert.Equal(t, tt.want, hit)
		})
	}
}

func TestSweepExpiresThenEvictsLeastRecentlyUsed(t *testing.T) {
	clock := &fakeClock{now: t0}
	c := New(Config{Now: clock.Now, MaxEntries: 1000})

	code := profile.ContentProfile{Type: provider.ContentCode}
	c.Put("short", response(0.9), code)
	for i := 0; i < 8; i++ {
		clock.Set(t0.Add(time.Duration(i) * time.Second))
		c.Put(fmt.Sprintf("k%d", i), response(0.9), plainText)
	}

	clock.Set(t0.Add(31 * time.Minute))
	res := c.Sweep()
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 0, res.Evicted)

	c.maxEntries = 4
	res = c.Sweep()
	assert.Equal(t, 2, res.Evicted)
	_, ok := c.Get("k0")
	assert.False(t, ok)
	_, ok = c.Get("k1")
	assert.False(t, ok)
	_, ok = c.Get("k7")
	assert.True(t, ok)
}

func TestPutOverCapacityEvicts(t *testing.T) {
	c := New(Config{MaxEntries: 4})
	for i := 0; i < 10; i++ {
		c.Put(fmt.Sprintf("k%d", i), response(0.9), plainText)
	}
	assert.LessOrEqual(t, c.Stats().Entries, int64(5))
	assert.Greater(t, c.Stats().Evictions, int64(0))
}

func TestDisableClears(t *testing.T) {
	c := New(Config{})
	c.Put("k", response(0.9), plainText)
	c.SetStrategy(StrategyDisabled)
	assert.Equal(t, int64(0), c.Stats().Entries)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyPrivacyAware, s)
	_, err = ParseStrategy("forever")
	assert.Error(t, err)
}
