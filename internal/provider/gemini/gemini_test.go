package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vnmchuo/inference-orchestrator/internal/provider"
)

func TestProcess_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-pro:generateContent") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("Expected key query param, got %q", r.URL.Query().Get("key"))
		}
		resp := geminiResponse{
			Candidates: []geminiCandidate{
				{
					Content: geminiContent{
						Parts: []geminiPart{{Text: "Hello from mock!"}},
					},
					FinishReason: "STOP",
				},
			},
			UsageMetadata: geminiUsageMetadata{
				PromptTokenCount:     10,
				CandidatesTokenCount: 20,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := New(Config{APIKey: "test-key", BaseURL: server.URL})

	resp, err := p.Process(context.Background(), &provider.Request{Prompt: "hi", Model: "gemini-pro"})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if resp.Content != "Hello from mock!" {
		t.Errorf("Expected 'Hello from mock!', got %s", resp.Content)
	}
	if resp.InputTokens != 10 {
		t.Errorf("Expected 10 input tokens, got %d", resp.InputTokens)
	}
	if resp.OutputTokens != 20 {
		t.Errorf("Expected 20 output tokens, got %d", resp.OutputTokens)
	}
	if resp.Model != "gemini-pro" {
		t.Errorf("Expected model gemini-pro, got %s", resp.Model)
	}
}

func TestProcess_NoCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(geminiResponse{})
	}))
	defer server.Close()

	p := New(Config{APIKey: "k", BaseURL: server.URL})
	_, err := p.Process(context.Background(), &provider.Request{Prompt: "hi"})
	if !errors.Is(err, provider.ErrProvider) {
		t.Fatalf("Expected provider error, got %v", err)
	}
}

func TestProcess_RateLimitedUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	p := New(Config{APIKey: "k", BaseURL: server.URL})
	_, err := p.Process(context.Background(), &provider.Request{Prompt: "hi"})
	if err == nil || !provider.IsRetryable(err) {
		t.Fatalf("Expected retryable error, got %v", err)
	}
}

func TestMapRequest_InlineImages(t *testing.T) {
	p := New(Config{APIKey: "k"})
	req := p.mapRequest(&provider.Request{
		Prompt:    "what is this",
		MaxTokens: 128,
		Media:     []provider.Media{{MimeType: "image/png", Data: []byte{0x89}}},
	})
	parts := req.Contents[0].Parts
	if len(parts) != 2 || parts[1].InlineData == nil {
		t.Fatalf("Expected inline image part, got %+v", parts)
	}
	if req.GenerationConfig.MaxOutputTokens != 128 {
		t.Errorf("Expected max output tokens 128, got %d", req.GenerationConfig.MaxOutputTokens)
	}
}
