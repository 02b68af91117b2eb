package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmitriz/llm-univ-sub001/internal/auth"
	"github.com/dmitriz/llm-univ-sub001/internal/billing"
	"github.com/dmitriz/llm-univ-sub001/internal/models"
	"github.com/dmitriz/llm-univ-sub001/internal/provider"
	"github.com/dmitriz/llm-univ-sub001/internal/worker"
	"github.com/dmitriz/llm-univ-sub001/pkg/tenantlimit"
)

type Handler struct {
	router  *Router
	billing billing.Store
	limiter *tenantlimit.Limiter
	catalog *models.Catalog
	queue   worker.Queue
	tracer  trace.Tracer
}

func NewHandler(router *Router, billing billing.Store, limiter *tenantlimit.Limiter, catalog *models.Catalog, queue worker.Queue, tracer trace.Tracer) *Handler {
	return &Handler{
		router:  router,
		billing: billing,
		limiter: limiter,
		catalog: catalog,
		queue:   queue,
		tracer:  tracer,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a pipeline failure onto the client response. Denied
// admission becomes 429 with a Retry-After hint; everything else from the
// upstream side is a bad gateway.
func writeError(w http.ResponseWriter, err error) {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		secs := int(math.Ceil(rle.Wait.Seconds()))
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate limit exceeded",
			"reason":      rle.Reason,
			"retry_after": secs,
		})
		return
	}
	writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	tenantID, requestID, req, selectedProvider, err := h.prepare(w, r)
	if err != nil {
		return
	}

	response, err := h.router.Execute(r.Context(), req, selectedProvider)
	if err != nil {
		writeError(w, err)
		return
	}

	// Log usage asynchronously
	go func() {
		_ = h.billing.LogUsage(context.Background(), &billing.UsageLog{
			TenantID:     tenantID,
			RequestID:    requestID,
			Provider:     response.Provider,
			Model:        response.Model,
			InputTokens:  response.InputTokens,
			OutputTokens: response.OutputTokens,
			CostUSD:      float64(response.InputTokens)*selectedProvider.CostPerInputToken() + float64(response.OutputTokens)*selectedProvider.CostPerOutputToken(),
			LatencyMs:    response.LatencyMs,
		})
	}()

	respID := response.ID
	if respID == "" {
		respID = uuid.New().String()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":       respID,
		"object":   "chat.completion",
		"model":    response.Model,
		"provider": response.Provider,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": response.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     response.InputTokens,
			"completion_tokens": response.OutputTokens,
			"total_tokens":      response.InputTokens + response.OutputTokens,
		},
	})
}

func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	tenantID, requestID, req, selectedProvider, err := h.prepare(w, r)
	if err != nil {
		return
	}

	ch, err := h.router.ExecuteStream(r.Context(), req, selectedProvider)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	for chunk := range ch {
		if chunk.Err != nil {
			fmt.Fprintf(w, "event: error\ndata: {\"error\": \"%s\"}\n\n", chunk.Err.Error())
			flusher.Flush()
			break
		}

		if chunk.Done {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			break
		}

		escaped := strings.ReplaceAll(chunk.Delta, `"`, `\"`)
		escaped = strings.ReplaceAll(escaped, "\n", `\n`)
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"%s\"},\"index\":0}]}\n\n", escaped)
		flusher.Flush()
	}

	go func() {
		_ = h.billing.LogUsage(context.Background(), &billing.UsageLog{
			TenantID:  tenantID,
			RequestID: requestID,
			Provider:  selectedProvider.Name(),
			Model:     req.Model,
		})
	}()
}

func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (string, string, *provider.Request, provider.Provider, error) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return "", "", nil, nil, fmt.Errorf("unauthorized")
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req provider.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return "", "", nil, nil, err
	}
	req.TenantID = tenantID
	req.RequestID = requestID

	_, span := h.tracer.Start(ctx, "proxy.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
	)

	// Tenant budget is charged up front on the token estimate; the
	// per-provider ledger guards each attempt later.
	allowed, err := h.limiter.Allow(ctx, tenantID, int(estimateCost(&req)))
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate limit exceeded",
			"retry_after": 60,
		})
		return "", "", nil, nil, fmt.Errorf("rate limit exceeded")
	}

	selectedProvider, err := h.router.Route(ctx, &req)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return "", "", nil, nil, err
	}
	span.SetAttributes(attribute.String("provider", selectedProvider.Name()))

	return tenantID, requestID, &req, selectedProvider, nil
}

func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	listing, err := h.catalog.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   listing.Models,
	})
}

// HandleProviderUsage reports each provider's current rate-limit windows
// alongside its persisted totals for the last 24 hours.
func (h *Handler) HandleProviderUsage(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	totals, err := h.billing.GetProviderTotals(r.Context(), now.Add(-24*time.Hour), now)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	totalsByName := make(map[string]*billing.ProviderTotal, len(totals))
	for _, t := range totals {
		totalsByName[t.Provider] = t
	}

	snapshots := make([]any, 0, len(h.router.providers))
	for _, p := range h.router.providers {
		s := h.router.Usage(p.Name())
		entry := map[string]any{
			"provider":        s.Provider,
			"minute_requests": s.MinuteRequests,
			"minute_tokens":   s.MinuteTokens,
			"day_requests":    s.DayRequests,
			"day_tokens":      s.DayTokens,
			"limits": map[string]any{
				"requests_per_minute": s.Limits.RequestsPerMinute,
				"tokens_per_minute":   s.Limits.TokensPerMinute,
				"requests_per_day":    s.Limits.RequestsPerDay,
				"tokens_per_day":      s.Limits.TokensPerDay,
			},
		}
		if t, ok := totalsByName[p.Name()]; ok {
			entry["last_24h"] = t
		}
		snapshots = append(snapshots, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": snapshots})
}

func (h *Handler) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var body struct {
		Request     *provider.Request `json:"request"`
		CallbackURL string            `json:"callback_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Request == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	body.Request.TenantID = tenantID

	job := &worker.AsyncJob{
		TenantID:    tenantID,
		Request:     body.Request,
		CallbackURL: body.CallbackURL,
	}
	if err := h.queue.Enqueue(ctx, job); err != nil {
		if errors.Is(err, worker.ErrQueueFull) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "job queue is full"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     job.ID,
		"status": string(job.Status),
	})
}

func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.GetTenantID(r.Context())
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	job, ok := h.queue.Get(chi.URLParam(r, "id"))
	if !ok || job.TenantID != tenantID {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	out := map[string]any{
		"id":         job.ID,
		"status":     string(job.Status),
		"created_at": job.CreatedAt.Format(time.RFC3339),
	}
	if job.Response != nil {
		out["response"] = map[string]any{
			"content":       job.Response.Content,
			"model":         job.Response.Model,
			"provider":      job.Response.Provider,
			"input_tokens":  job.Response.InputTokens,
			"output_tokens": job.Response.OutputTokens,
		}
	}
	if job.Error != "" {
		out["error"] = job.Error
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}

	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	logs, err := h.billing.GetUsageByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	totalCost, err := h.billing.GetTotalCostByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":      tenantID,
		"total_requests": len(logs),
		"total_cost_usd": totalCost,
		"logs":           logs,
		"from":           from,
		"to":             to,
	})
}
