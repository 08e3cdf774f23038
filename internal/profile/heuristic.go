package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/vnmchuo/inference-orchestrator/internal/provider"
)

// TokenCounter returns the token length of s.
type TokenCounter func(s string) int

// ApproxTokens is the four-characters-per-token rule of thumb.
func ApproxTokens(s string) int {
	return (len(s) + 3) / 4
}

// LoadTiktoken loads the cl100k_base encoding and returns a counter over
// it. The first load may download the BPE file, so call it at startup
// rather than on the request path.
func LoadTiktoken() (TokenCounter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load cl100k_base: %w", err)
	}
	return func(s string) int {
		return len(enc.Encode(s, nil, nil))
	}, nil
}

const documentTokens = 2000

var (
	codeFence   = regexp.MustCompile("(?m)^```")
	codeMarkers = regexp.MustCompile(`(?m)^\s*(func |def |class |import |package |#include|public static|SELECT .+ FROM|const .+ = |let .+ = )`)

	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern  = regexp.MustCompile(`(\+\d{1,3}[\s.-]?)?\(?\d{3}\)?[\s.-]\d{3}[\s.-]\d{4}\b`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
	ssnPattern    = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	secretPattern = regexp.MustCompile(`(?i)\b(password|passwd|api[_-]?key|secret|private key|access[_-]?token|bearer)\b`)

	reasoningWords = []string{
		"analyze", "analyse", "explain why", "prove", "compare", "step by step",
		"reason", "design", "optimize", "evaluate", "trade-off", "derive", "refactor",
	}
)

// Heuristic is the built-in profiler. It only looks at the request text and
// attachments, so it is fast enough to run inline.
type Heuristic struct {
	count TokenCounter
}

func NewHeuristic(counter TokenCounter) *Heuristic {
	if counter == nil {
		counter = ApproxTokens
	}
	return &Heuristic{count: counter}
}

func (h *Heuristic) Analyze(ctx context.Context, req *provider.Request) (ContentProfile, error) {
	if err := ctx.Err(); err != nil {
		return ContentProfile{}, err
	}

	size := h.count(req.Prompt) + len(req.Media)*imageTokens
	ct := classify(req, size)

	return ContentProfile{
		Type:             ct,
		Complexity:       complexity(req.Prompt, ct, size),
		SizeEstimate:     size,
		PrivacySensitive: req.LocalOnly || sensitive(req.Prompt),
	}, nil
}

func classify(req *provider.Request, size int) provider.ContentType {
	text := strings.TrimSpace(req.Prompt)
	switch {
	case len(req.Media) > 0 && text == "":
		return provider.ContentImage
	case len(req.Media) > 0:
		return provider.ContentMultimodal
	case isJSON(text):
		return provider.ContentStructured
	case codeFence.MatchString(text) || len(codeMarkers.FindAllString(text, 3)) >= 2:
		return provider.ContentCode
	case size > documentTokens:
		return provider.ContentDocument
	default:
		return provider.ContentText
	}
}

func isJSON(s string) bool {
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return false
	}
	return json.Valid([]byte(s))
}

// complexity blends size, reasoning vocabulary and structure into [0,1].
func complexity(prompt string, ct provider.ContentType, size int) float64 {
	sizeScore := float64(size) / 4000
	if sizeScore > 1 {
		sizeScore = 1
	}

	lower := strings.ToLower(prompt)
	hits := 0
	for _, w := range reasoningWords {
		if strings.Contains(lower, w) {
			hits++
		}
	}
	reasoning := float64(hits) / 3
	if reasoning > 1 {
		reasoning = 1
	}

	structure := 0.0
	switch ct {
	case provider.ContentCode, provider.ContentMultimodal, provider.ContentStructured:
		structure = 1
	default:
		if strings.Count(prompt, "\n") > 20 {
			structure = 0.5
		}
	}

	c := 0.4*sizeScore + 0.4*reasoning + 0.2*structure
	if c > 1 {
		c = 1
	}
	return c
}

func sensitive(prompt string) bool {
	return emailPattern.MatchString(prompt) ||
		ssnPattern.MatchString(prompt) ||
		cardPattern.MatchString(prompt) ||
		phonePattern.MatchString(prompt) ||
		secretPattern.MatchString(prompt)
}
