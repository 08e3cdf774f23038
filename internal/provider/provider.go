package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Tier is the coarse cost/performance class of a backend.
// Lower values are more expensive and more capable.
type Tier int

const (
	TierPremiumCloud Tier = iota
	TierStandardCloud
	TierLocalGPU
	TierLocalCPU
)

// Tiers lists every tier in failover walk order.
var Tiers = []Tier{TierPremiumCloud, TierStandardCloud, TierLocalGPU, TierLocalCPU}

func (t Tier) String() string {
	switch t {
	case TierPremiumCloud:
		return "premium-cloud"
	case TierStandardCloud:
		return "standard-cloud"
	case TierLocalGPU:
		return "local-gpu"
	case TierLocalCPU:
		return "local-cpu"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// ParseTier accepts the names produced by String.
func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// IsLocal reports whether requests served by this tier stay on-premise.
func (t Tier) IsLocal() bool {
	return t == TierLocalGPU || t == TierLocalCPU
}

// Next returns the tier below t in walk order; ok is false past local-cpu.
func (t Tier) Next() (next Tier, ok bool) {
	if t >= TierLocalCPU || !t.Valid() {
		return t, false
	}
	return t + 1, true
}

func (t Tier) Valid() bool {
	return t >= TierPremiumCloud && t <= TierLocalCPU
}

// ReliabilityFactor scales the reliability sub-score by tier.
func (t Tier) ReliabilityFactor() float64 {
	switch t {
	case TierPremiumCloud:
		return 1.0
	case TierStandardCloud:
		return 0.9
	case TierLocalGPU:
		return 0.8
	case TierLocalCPU:
		return 0.7
	default:
		return 0.5
	}
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

type ContentType string

const (
	ContentText       ContentType = "text"
	ContentImage      ContentType = "image"
	ContentCode       ContentType = "code"
	ContentMultimodal ContentType = "multimodal"
	ContentDocument   ContentType = "document"
	ContentStructured ContentType = "structured"
)

var ContentTypes = []ContentType{
	ContentText, ContentImage, ContentCode, ContentMultimodal, ContentDocument, ContentStructured,
}

func (c ContentType) Valid() bool {
	return slices.Contains(ContentTypes, c)
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
	PriorityBatch    Priority = "batch"
)

// CostMultiplier weights the estimated cost when scoring; urgent
// requests care less about price than batch work does.
func (p Priority) CostMultiplier() float64 {
	switch p {
	case PriorityCritical:
		return 0.5
	case PriorityHigh:
		return 0.75
	case PriorityLow:
		return 1.25
	case PriorityBatch:
		return 1.5
	default:
		return 1.0
	}
}

// Capabilities is the capability vector a backend advertises.
// Quality scores are in [0,1].
type Capabilities struct {
	ContentTypes         []ContentType `yaml:"content_types" json:"content_types"`
	MaxTokens            int           `yaml:"max_tokens" json:"max_tokens"`
	Vision               bool          `yaml:"vision" json:"vision"`
	VisionQuality        float64       `yaml:"vision_quality" json:"vision_quality"`
	CodeQuality          float64       `yaml:"code_quality" json:"code_quality"`
	Multimodal           bool          `yaml:"multimodal" json:"multimodal"`
	MultimodalQuality    float64       `yaml:"multimodal_quality" json:"multimodal_quality"`
	InstructionFollowing float64       `yaml:"instruction_following" json:"instruction_following"`
	Reliability          float64       `yaml:"reliability" json:"reliability"`
}

func (c Capabilities) Supports(ct ContentType) bool {
	return slices.Contains(c.ContentTypes, ct)
}

type Media struct {
	MimeType string
	Data     []byte
}

type Request struct {
	ID            string
	Prompt        string
	Media         []Media
	Priority      Priority
	BudgetCeiling float64 // USD, 0 means no ceiling
	LocalOnly     bool
	// Model is filled in by the orchestrator once a backend and variant are chosen.
	Model       string
	MaxTokens   int
	Temperature float64
}

type Response struct {
	ID           string        `json:"id,omitempty"`
	Content      string        `json:"content"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Cost         float64       `json:"cost_usd"`
	Latency      time.Duration `json:"latency"`
	Confidence   float64       `json:"confidence"`
	Cached       bool          `json:"cached"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
}

// Provider is implemented once per inference backend. The engine never
// looks past this contract.
type Provider interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	Process(ctx context.Context, req *Request) (*Response, error)
	Capabilities() Capabilities
}

// DataURL encodes attached media the way the chat APIs accept inline images.
func DataURL(m Media) string {
	return "data:" + m.MimeType + ";base64," + base64.StdEncoding.EncodeToString(m.Data)
}
