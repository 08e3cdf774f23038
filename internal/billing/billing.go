// Package billing records one usage row per backend attempt that returned a
// response and answers spend queries over them.
package billing

import (
	"context"
	"time"
)

type UsageLog struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	ContentType  string    `json:"content_type"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	// GetUsageByProvider returns every provider's rows when provider is empty.
	GetUsageByProvider(ctx context.Context, provider string, from, to time.Time) ([]*UsageLog, error)
	GetTotalCostByProvider(ctx context.Context, provider string, from, to time.Time) (float64, error)
}
