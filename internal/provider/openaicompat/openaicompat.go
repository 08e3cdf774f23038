// Package openaicompat serves local inference servers (vLLM, llama.cpp,
// Ollama) that expose an OpenAI-compatible chat endpoint.
package openaicompat

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/vnmchuo/inference-orchestrator/internal/provider"
)

type Config struct {
	Name         string
	APIKey       string
	BaseURL      string
	DefaultModel string
	Capabilities provider.Capabilities
	HTTPClient   *http.Client
	// ProbeInterval bounds how often IsAvailable hits the models endpoint.
	ProbeInterval time.Duration
}

type Provider struct {
	name         string
	defaultModel string
	caps         provider.Capabilities
	client       *openai.Client

	probeInterval time.Duration
	mu            sync.Mutex
	lastProbe     time.Time
	lastResult    bool
}

func New(cfg Config) *Provider {
	// Local servers usually ignore the key but the client insists on one.
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "local"
	}

	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.BaseURL = cfg.BaseURL
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}

	interval := cfg.ProbeInterval
	if interval == 0 {
		interval = 10 * time.Second
	}

	return &Provider{
		name:          cfg.Name,
		defaultModel:  cfg.DefaultModel,
		caps:          cfg.Capabilities,
		client:        openai.NewClientWithConfig(clientConfig),
		probeInterval: interval,
	}
}

func (p *Provider) Process(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if len(req.Media) == 0 {
		msg.Content = req.Prompt
	} else {
		msg.MultiContent = []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: req.Prompt}}
		for _, m := range req.Media {
			msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: provider.DataURL(m)},
			})
		}
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    []openai.ChatCompletionMessage{msg},
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	})
	if err != nil {
		return nil, p.mapError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, provider.NewError(provider.KindProviderError, p.name, "no choices returned", nil)
	}

	choice := resp.Choices[0]
	confidence := 1.0
	switch choice.FinishReason {
	case openai.FinishReasonStop, "":
	case openai.FinishReasonLength:
		confidence = 0.6
	default:
		confidence = 0.5
	}

	return &provider.Response{
		ID:           resp.ID,
		Content:      choice.Message.Content,
		Provider:     p.name,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Latency:      time.Since(start),
		Confidence:   confidence,
	}, nil
}

func (p *Provider) mapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return provider.StatusError(p.name, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return provider.StatusError(p.name, reqErr.HTTPStatusCode, reqErr.Error())
	}
	return provider.TransportError(p.name, err)
}

// IsAvailable lists models on the server, caching the answer for the
// probe interval so routing does not pay a round trip per request.
func (p *Provider) IsAvailable(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lastProbe.IsZero() && time.Since(p.lastProbe) < p.probeInterval {
		return p.lastResult
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := p.client.ListModels(probeCtx)
	p.lastProbe = time.Now()
	p.lastResult = err == nil
	return p.lastResult
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Capabilities() provider.Capabilities {
	return p.caps
}
