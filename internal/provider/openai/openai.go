package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
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

type OpenAIProvider struct {
	name         string
	apiKey       string
	baseURL      string
	defaultModel string
	caps         provider.Capabilities
	client       *http.Client
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

// openAIMessage content is either a plain string or a list of parts when
// images are attached.
type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message      openAIResponseMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

type openAIResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func New(cfg Config) *OpenAIProvider {
	p := &OpenAIProvider{
		name:         cfg.Name,
		apiKey:       cfg.APIKey,
		baseURL:      cfg.BaseURL,
		defaultModel: cfg.DefaultModel,
		caps:         cfg.Capabilities,
		client:       cfg.HTTPClient,
	}
	if p.name == "" {
		p.name = "openai"
	}
	if p.baseURL == "" {
		p.baseURL = "https://api.openai.com/v1"
	}
	if p.defaultModel == "" {
		p.defaultModel = "gpt-4o-mini"
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	return p
}

func (p *OpenAIProvider) Process(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, provider.NewError(provider.KindProviderError, p.name, "encode request", err)
	}

	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, provider.NewError(provider.KindProviderError, p.name, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))

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

	var openAIResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		return nil, provider.TransportError(p.name, err)
	}

	if len(openAIResp.Choices) == 0 {
		return nil, provider.NewError(provider.KindProviderError, p.name, "no choices returned", nil)
	}

	choice := openAIResp.Choices[0]
	return &provider.Response{
		ID:           openAIResp.ID,
		Content:      choice.Message.Content,
		InputTokens:  openAIResp.Usage.PromptTokens,
		OutputTokens: openAIResp.Usage.CompletionTokens,
		Model:        openAIResp.Model,
		Provider:     p.name,
		Latency:      time.Since(start),
		Confidence:   confidence(choice.FinishReason),
	}, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openAIRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var content any = req.Prompt
	if len(req.Media) > 0 {
		parts := []openAIPart{{Type: "text", Text: req.Prompt}}
		for _, m := range req.Media {
			parts = append(parts, openAIPart{
				Type:     "image_url",
				ImageURL: &openAIImageURL{URL: provider.DataURL(m)},
			})
		}
		content = parts
	}

	return openAIRequest{
		Model:       model,
		Messages:    []openAIMessage{{Role: "user", Content: content}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

// confidence derives a response confidence from the finish reason:
// truncated or filtered output is worth less than a clean stop.
func confidence(finishReason string) float64 {
	switch finishReason {
	case "stop", "":
		return 1.0
	case "length":
		return 0.6
	default:
		return 0.5
	}
}

func (p *OpenAIProvider) IsAvailable(ctx context.Context) bool {
	return p.apiKey != ""
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

func (p *OpenAIProvider) Capabilities() provider.Capabilities {
	return p.caps
}
