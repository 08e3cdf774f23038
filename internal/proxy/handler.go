package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/inference-orchestrator/internal/balancer"
	"github.com/vnmchuo/inference-orchestrator/internal/billing"
	"github.com/vnmchuo/inference-orchestrator/internal/failover"
	"github.com/vnmchuo/inference-orchestrator/internal/orchestrator"
	"github.com/vnmchuo/inference-orchestrator/internal/provider"
	"github.com/vnmchuo/inference-orchestrator/internal/selection"
)

const (
	maxBodyBytes  = 32 << 20
	defaultWindow = 30 * 24 * time.Hour
)

// Engine is the part of the orchestrator the HTTP API needs.
type Engine interface {
	Route(ctx context.Context, req *provider.Request, ov orchestrator.Overrides) (*provider.Response, error)
	Status() orchestrator.Status
}

type Handler struct {
	engine  Engine
	billing billing.Store
	tracer  trace.Tracer
	log     *zap.Logger
	now     func() time.Time
}

// NewHandler wires the API handlers. billing may be nil, in which case
// /v1/usage reports that usage logging is disabled.
func NewHandler(engine Engine, billing billing.Store, tracer trace.Tracer, log *zap.Logger) *Handler {
	return &Handler{
		engine:  engine,
		billing: billing,
		tracer:  tracer,
		log:     log,
		now:     time.Now,
	}
}

type mediaPart struct {
	MimeType string `json:"mime_type"`
	// Data is base64 in JSON.
	Data []byte `json:"data"`
}

type overrides struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Selection string `json:"selection_strategy"`
	Balancer  string `json:"balancer_strategy"`
	Failover  string `json:"failover_strategy"`
	SkipCache bool   `json:"skip_cache"`
}

type routeRequest struct {
	Prompt        string      `json:"prompt"`
	Media         []mediaPart `json:"media"`
	Priority      string      `json:"priority"`
	BudgetCeiling float64     `json:"budget_ceiling"`
	LocalOnly     bool        `json:"local_only"`
	MaxTokens     int         `json:"max_tokens"`
	Temperature   float64     `json:"temperature"`
	Overrides     overrides   `json:"overrides"`
}

type routeResponse struct {
	ID           string  `json:"id"`
	Content      string  `json:"content"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	CostUSD      float64 `json:"cost_usd"`
	LatencyMs    int64   `json:"latency_ms"`
	Confidence   float64 `json:"confidence"`
	Cached       bool    `json:"cached"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	Provider   string `json:"provider,omitempty"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

func (rr routeRequest) toRequest(id string) (*provider.Request, orchestrator.Overrides, error) {
	if rr.Prompt == "" && len(rr.Media) == 0 {
		return nil, orchestrator.Overrides{}, errors.New("prompt or media is required")
	}
	if rr.BudgetCeiling < 0 {
		return nil, orchestrator.Overrides{}, errors.New("budget_ceiling must not be negative")
	}
	if rr.MaxTokens < 0 {
		return nil, orchestrator.Overrides{}, errors.New("max_tokens must not be negative")
	}
	priority, err := parsePriority(rr.Priority)
	if err != nil {
		return nil, orchestrator.Overrides{}, err
	}

	req := &provider.Request{
		ID:            id,
		Prompt:        rr.Prompt,
		Priority:      priority,
		BudgetCeiling: rr.BudgetCeiling,
		LocalOnly:     rr.LocalOnly,
		MaxTokens:     rr.MaxTokens,
		Temperature:   rr.Temperature,
	}
	for i, m := range rr.Media {
		if m.MimeType == "" || len(m.Data) == 0 {
			return nil, orchestrator.Overrides{}, fmt.Errorf("media[%d]: mime_type and data are required", i)
		}
		req.Media = append(req.Media, provider.Media{MimeType: m.MimeType, Data: m.Data})
	}

	ov := orchestrator.Overrides{
		Provider:  rr.Overrides.Provider,
		Model:     rr.Overrides.Model,
		SkipCache: rr.Overrides.SkipCache,
	}
	if s := rr.Overrides.Selection; s != "" {
		if ov.Selection, err = selection.ParseStrategy(s); err != nil {
			return nil, ov, err
		}
	}
	if s := rr.Overrides.Balancer; s != "" {
		if ov.Balancer, err = balancer.ParseStrategy(s); err != nil {
			return nil, ov, err
		}
	}
	if s := rr.Overrides.Failover; s != "" {
		if ov.Failover, err = failover.ParseStrategy(s); err != nil {
			return nil, ov, err
		}
	}
	return req, ov, nil
}

func parsePriority(s string) (provider.Priority, error) {
	switch p := provider.Priority(s); p {
	case "":
		return provider.PriorityNormal, nil
	case provider.PriorityCritical, provider.PriorityHigh, provider.PriorityNormal,
		provider.PriorityLow, provider.PriorityBatch:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

func (h *Handler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chimiddleware.GetReqID(ctx)

	var body routeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	req, ov, err := body.toRequest(requestID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	ctx, span := h.tracer.Start(ctx, "proxy.route")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("priority", string(req.Priority)),
		attribute.Bool("local_only", req.LocalOnly),
	)

	resp, err := h.engine.Route(ctx, req, ov)
	if err != nil {
		h.writeRouteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, routeResponse{
		ID:           resp.ID,
		Content:      resp.Content,
		Provider:     resp.Provider,
		Model:        resp.Model,
		CostUSD:      resp.Cost,
		LatencyMs:    resp.Latency.Milliseconds(),
		Confidence:   resp.Confidence,
		Cached:       resp.Cached,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	})
}

// writeRouteError maps the routing error taxonomy onto HTTP statuses.
func (h *Handler) writeRouteError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		// client went away; nobody is left to read a response
		return
	}

	var perr *provider.Error
	if !errors.As(err, &perr) {
		h.log.Error("untyped routing error", zap.String("request_id", chimiddleware.GetReqID(r.Context())), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	body := errorResponse{Error: err.Error(), Kind: perr.Kind.String(), Provider: perr.Provider}
	if perr.RetryAfter > 0 {
		body.RetryAfter = int(math.Ceil(perr.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	writeJSON(w, statusFor(perr.Kind), body)
}

func statusFor(kind provider.ErrorKind) int {
	switch kind {
	case provider.KindNoProviderAvailable:
		return http.StatusServiceUnavailable
	case provider.KindRateLimited:
		return http.StatusTooManyRequests
	case provider.KindBudgetExceeded:
		return http.StatusPaymentRequired
	case provider.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if h.billing == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "usage logging is disabled"})
		return
	}
	ctx := r.Context()
	q := r.URL.Query()
	providerName := q.Get("provider")

	to := h.now()
	from := to.Add(-defaultWindow)
	var err error
	if s := q.Get("from"); s != "" {
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid 'from' date format (use RFC3339)"})
			return
		}
	}
	if s := q.Get("to"); s != "" {
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid 'to' date format (use RFC3339)"})
			return
		}
	}
	if to.Before(from) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "'to' is before 'from'"})
		return
	}

	logs, err := h.billing.GetUsageByProvider(ctx, providerName, from, to)
	if err != nil {
		h.log.Error("usage query failed", zap.String("provider", providerName), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "usage query failed"})
		return
	}
	total, err := h.billing.GetTotalCostByProvider(ctx, providerName, from, to)
	if err != nil {
		h.log.Error("usage total failed", zap.String("provider", providerName), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "usage query failed"})
		return
	}
	if logs == nil {
		logs = []*billing.UsageLog{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"provider":       providerName,
		"total_requests": len(logs),
		"total_cost_usd": total,
		"logs":           logs,
		"from":           from,
		"to":             to,
	})
}

func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "inference-orchestrator"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
