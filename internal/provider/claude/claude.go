package claude

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

type ClaudeProvider struct {
	name         string
	apiKey       string
	baseURL      string
	defaultModel string
	caps         provider.Capabilities
	client       *http.Client
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
}

type claudeMessage struct {
	Role    string        `json:"role"`
	Content []claudeBlock `json:"content"`
}

type claudeBlock struct {
	Type   string        `json:"type"`
	Text   string        `json:"text,omitempty"`
	Source *claudeSource `json:"source,omitempty"`
}

type claudeSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeResponse struct {
	ID         string          `json:"id"`
	Content    []claudeContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Usage      claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func New(cfg Config) *ClaudeProvider {
	p := &ClaudeProvider{
		name:         cfg.Name,
		apiKey:       cfg.APIKey,
		baseURL:      cfg.BaseURL,
		defaultModel: cfg.DefaultModel,
		caps:         cfg.Capabilities,
		client:       cfg.HTTPClient,
	}
	if p.name == "" {
		p.name = "claude"
	}
	if p.baseURL == "" {
		p.baseURL = "https://api.anthropic.com/v1"
	}
	if p.defaultModel == "" {
		p.defaultModel = "claude-3-5-haiku-20241022"
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	return p
}

func (p *ClaudeProvider) Process(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, provider.NewError(provider.KindProviderError, p.name, "encode request", err)
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, provider.NewError(provider.KindProviderError, p.name, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

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

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, provider.TransportError(p.name, err)
	}

	var text strings.Builder
	for _, c := range claudeResp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if text.Len() == 0 {
		return nil, provider.NewError(provider.KindProviderError, p.name, "no content returned", nil)
	}

	return &provider.Response{
		ID:           claudeResp.ID,
		Content:      text.String(),
		InputTokens:  claudeResp.Usage.InputTokens,
		OutputTokens: claudeResp.Usage.OutputTokens,
		Model:        claudeResp.Model,
		Provider:     p.name,
		Latency:      time.Since(start),
		Confidence:   confidence(claudeResp.StopReason),
	}, nil
}

func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	blocks := make([]claudeBlock, 0, len(req.Media)+1)
	for _, m := range req.Media {
		blocks = append(blocks, claudeBlock{
			Type: "image",
			Source: &claudeSource{
				Type:      "base64",
				MediaType: m.MimeType,
				Data:      base64.StdEncoding.EncodeToString(m.Data),
			},
		})
	}
	blocks = append(blocks, claudeBlock{Type: "text", Text: req.Prompt})

	return claudeRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    []claudeMessage{{Role: "user", Content: blocks}},
		Temperature: req.Temperature,
	}
}

func confidence(stopReason string) float64 {
	switch stopReason {
	case "end_turn", "stop_sequence", "":
		return 1.0
	case "max_tokens":
		return 0.6
	default:
		return 0.5
	}
}

func (p *ClaudeProvider) IsAvailable(ctx context.Context) bool {
	return p.apiKey != ""
}

func (p *ClaudeProvider) Name() string {
	return p.name
}

func (p *ClaudeProvider) Capabilities() provider.Capabilities {
	return p.caps
}
