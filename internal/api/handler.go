// Package api implements the OpenAI-compatible HTTP surface of the gateway.
package api

import (
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokengate/tokengate/internal/coordination"
	"github.com/tokengate/tokengate/internal/generator"
	"github.com/tokengate/tokengate/internal/limiter"
	"github.com/tokengate/tokengate/internal/limits"
	"github.com/tokengate/tokengate/internal/metrics"
	"github.com/tokengate/tokengate/internal/resilience"
	apierrors "github.com/tokengate/tokengate/pkg/errors"
	"github.com/tokengate/tokengate/pkg/types"
)

const maxAPIKeyBytes = 256

// Handler serves the gateway's HTTP endpoints.
type Handler struct {
	logger *slog.Logger
	engine *limiter.Engine
	gen    *generator.Generator
	client redis.UniversalClient
	sem    *resilience.Semaphore
	tracer trace.Tracer

	// resolver is swapped atomically on config reload.
	resolver atomic.Pointer[limits.Resolver]
}

// NewHandler wires the request path dependencies together.
func NewHandler(logger *slog.Logger, engine *limiter.Engine, resolver *limits.Resolver,
	gen *generator.Generator, client redis.UniversalClient, maxInflight int, tracer trace.Tracer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		logger: logger,
		engine: engine,
		gen:    gen,
		client: client,
		sem:    resilience.NewSemaphore(maxInflight),
		tracer: tracer,
	}
	h.resolver.Store(resolver)
	return h
}

// SetResolver swaps the limit resolver, typically on config reload.
func (h *Handler) SetResolver(r *limits.Resolver) {
	h.resolver.Store(r)
}

// Routes registers all endpoints on mux with per-route metrics.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.Handle("POST /v1/chat/completions",
		metrics.Middleware("chat_completions", http.HandlerFunc(h.ChatCompletions)))
	mux.Handle("GET /v1/models",
		metrics.Middleware("models", http.HandlerFunc(h.ListModels)))
	mux.Handle("GET /v1/usage/{api_key}",
		metrics.Middleware("usage", http.HandlerFunc(h.Usage)))
	mux.Handle("GET /health",
		metrics.Middleware("health", http.HandlerFunc(h.HealthCheck)))
}

// HealthCheck reports liveness plus coordination store reachability.
// A node that cannot reach the store cannot make admission decisions, so it
// reports degraded with a 503.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := limiterContext(r, time.Second)
	defer cancel()

	if !coordination.Healthy(ctx, h.client) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":       "degraded",
			"coordination": "unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// modelCatalog is the fixed set of models the mock generator answers for.
var modelCatalog = []types.Model{
	{ID: "gpt-3.5-turbo", Object: "model", Created: 1677610602, OwnedBy: "tokengate"},
	{ID: "gpt-4", Object: "model", Created: 1687882411, OwnedBy: "tokengate"},
}

// ListModels returns the static model catalog.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelList{Object: "list", Data: modelCatalog})
}

// Usage returns the caller-visible window counters for one API key. The read
// is purely observational and never mutates any counter.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := bearerToken(r); apiErr != nil {
		writeError(w, apiErr)
		return
	}

	apiKey := r.PathValue("api_key")
	if apiKey == "" || len(apiKey) > maxAPIKeyBytes {
		writeError(w, apierrors.NewInvalidRequestError("invalid api key"))
		return
	}

	ctx, cancel := limiterContext(r, time.Second)
	defer cancel()

	usage, err := h.engine.Usage(ctx, apiKey)
	if err != nil {
		h.logger.Error("usage read failed", "error", err)
		writeError(w, apierrors.NewCoordinationUnavailableError("coordination store unavailable"))
		return
	}

	cfg := h.resolver.Load().Resolve(apiKey)
	writeJSON(w, http.StatusOK, types.UsageStats{
		InputTokensUsed:   usage.InputTokens,
		InputTokensLimit:  cfg.InputTPM,
		OutputTokensUsed:  usage.OutputTokens,
		OutputTokensLimit: cfg.OutputTPM,
		RequestsUsed:      usage.Requests,
		RequestsLimit:     cfg.RPM,
		WindowSeconds:     int(h.engine.Window() / time.Second),
	})
}

// bearerToken extracts and validates the Authorization bearer token.
func bearerToken(r *http.Request) (string, *apierrors.APIError) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", apierrors.NewAuthenticationError("missing Authorization header")
	}
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return "", apierrors.NewAuthenticationError("Authorization header must use Bearer scheme")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apierrors.NewAuthenticationError("empty API key")
	}
	if len(token) > maxAPIKeyBytes {
		return "", apierrors.NewAuthenticationError("API key too long")
	}
	return token, nil
}
