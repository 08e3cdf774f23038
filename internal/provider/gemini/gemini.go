package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/inference-orchestrator/internal/provider"
)

type Config struct {
	Name         string
	APIKey       string
	BaseURL      string
	DefaultModel string
	Capabilities provider.Capabilities
	HTTPClient   *http.Client
}

type GeminiProvider struct {
	name         string
	apiKey       string
	baseURL      string
	defaultModel string
	caps         provider.Capabilities
	client       *http.Client
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

func New(cfg Config) *GeminiProvider {
	p := &GeminiProvider{
		name:         cfg.Name,
		apiKey:       cfg.APIKey,
		baseURL:      cfg.BaseURL,
		defaultModel: cfg.DefaultModel,
		caps:         cfg.Capabilities,
		client:       cfg.HTTPClient,
	}
	if p.name == "" {
		p.name = "gemini"
	}
	if p.baseURL == "" {
		p.baseURL = "https://generativelanguage.googleapis.com"
	}
	if p.defaultModel == "" {
		p.defaultModel = "gemini-1.5-flash"
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	return p
}

func (p *GeminiProvider) Process(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, provider.NewError(provider.KindProviderError, p.name, "encode request", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, provider.NewError(provider.KindProviderError, p.name, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.TransportError(p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, provider.StatusError(p.name, resp.StatusCode, string(respBody))
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, provider.TransportError(p.name, err)
	}

	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, provider.NewError(provider.KindProviderError, p.name, "no candidates returned", nil)
	}

	candidate := geminiResp.Candidates[0]
	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
	}

	return &provider.Response{
		Content:      text.String(),
		InputTokens:  geminiResp.UsageMetadata.PromptTokenCount,
		OutputTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
		Model:        model,
		Provider:     p.name,
		Latency:      time.Since(start),
		Confidence:   confidence(candidate.FinishReason),
	}, nil
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	parts := []geminiPart{{Text: req.Prompt}}
	for _, m := range req.Media {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: m.MimeType,
			Data:     base64.StdEncoding.EncodeToString(m.Data),
		}})
	}

	return geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
}

func confidence(finishReason string) float64 {
	switch finishReason {
	case "STOP", "":
		return 1.0
	case "MAX_TOKENS":
		return 0.6
	default:
		return 0.5
	}
}

func (p *GeminiProvider) IsAvailable(ctx context.Context) bool {
	return p.apiKey != ""
}

func (p *GeminiProvider) Name() string {
	return p.name
}

func (p *GeminiProvider) Capabilities() provider.Capabilities {
	return p.caps
}
