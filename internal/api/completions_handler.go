package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/tokengate/tokengate/internal/limiter"
	"github.com/tokengate/tokengate/internal/metrics"
	"github.com/tokengate/tokengate/internal/observability"
	"github.com/tokengate/tokengate/internal/tokenizer"
	apierrors "github.com/tokengate/tokengate/pkg/errors"
	"github.com/tokengate/tokengate/pkg/types"
)

const (
	// defaultMaxOutputTokens is the output estimate when the request omits
	// max_tokens. Matches the generator's average completion size.
	defaultMaxOutputTokens = 150

	maxRequestBodyBytes = 1 << 20 // 1 MiB

	admitTimeout    = 50 * time.Millisecond
	generateTimeout = 2 * time.Second
)

// ChatCompletions is the admission-gated completion endpoint. The shed order
// is deliberate: the in-flight ceiling is checked before any byte of the body
// is read, and the coordination store is only consulted for well-formed,
// authenticated requests.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	if !h.sem.TryAcquire() {
		writeError(w, apierrors.NewOverloadedError("too many in-flight requests"))
		return
	}
	defer h.sem.Release()
	metrics.InflightRequests.Inc()
	defer metrics.InflightRequests.Dec()

	var req types.ChatRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, apierrors.NewInvalidRequestError("malformed request body: "+err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, apierrors.NewInvalidRequestError(err.Error()))
		return
	}
	if req.Stream {
		writeError(w, apierrors.NewInvalidRequestError("streaming responses are not supported"))
		return
	}

	apiKey, apiErr := bearerToken(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	cfg := h.resolver.Load().Resolve(apiKey)

	estIn := tokenizer.CountInput(req.Messages)
	estOut := req.MaxTokens
	if estOut <= 0 {
		estOut = defaultMaxOutputTokens
	}

	ctx, span := observability.StartAdmissionSpan(r.Context(), h.tracer, req.Model, estIn, estOut)
	defer span.End()

	admitCtx, cancel := context.WithTimeout(ctx, admitTimeout)
	decision, err := h.engine.Admit(admitCtx, apiKey, estIn, estOut, cfg)
	cancel()
	if err != nil {
		observability.RecordError(span, err)
		if errors.Is(err, limiter.ErrCoordinationUnavailable) {
			h.logger.Error("admission unavailable",
				"request_id", observability.RequestIDFromContext(ctx),
				"error", err,
			)
			writeError(w, apierrors.NewCoordinationUnavailableError("rate limit coordination unavailable"))
			return
		}
		writeError(w, apierrors.NewInvalidRequestError(err.Error()))
		return
	}

	observability.RecordAdmissionResult(span, decision.Admitted, string(decision.Dimension))
	if !decision.Admitted {
		h.logger.Info("request denied",
			"request_id", observability.RequestIDFromContext(ctx),
			"dimension", decision.Dimension,
			"retry_after", decision.RetryAfter,
		)
		writeError(w, apierrors.NewRateLimitError(string(decision.Dimension), decision.RetryAfter))
		return
	}

	// Generation is detached from client cancellation: the admission is
	// already committed, and an aborted connection must not free the booked
	// quota. Only the generation timeout can abort it.
	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), generateTimeout)
	resp, err := h.gen.Complete(genCtx, &req, estOut)
	cancel()
	if err != nil {
		observability.RecordError(span, err)
		h.logger.Error("generation failed",
			"request_id", observability.RequestIDFromContext(ctx),
			"event_id", decision.EventID,
			"error", err,
		)
		h.reconcile(ctx, apiKey, decision.EventID, estOut, 0)
		writeError(w, apierrors.NewGeneratorFailedError("completion generation failed"))
		return
	}

	if resp.Usage != nil && resp.Usage.CompletionTokens != estOut {
		h.reconcile(ctx, apiKey, decision.EventID, estOut, resp.Usage.CompletionTokens)
	}

	writeJSON(w, http.StatusOK, resp)
}

// reconcile replaces the admitted output estimate with the actual completion
// cost. Failures are logged and dropped; the response is already decided.
func (h *Handler) reconcile(ctx context.Context, apiKey, eventID string, estOut, actualOut int) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()

	if err := h.engine.Reconcile(rctx, apiKey, eventID, estOut, actualOut); err != nil {
		h.logger.Warn("reconcile failed",
			"request_id", observability.RequestIDFromContext(ctx),
			"event_id", eventID,
			"error", err,
		)
	}
}

// limiterContext derives a bounded context for coordination store reads.
func limiterContext(r *http.Request, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), timeout)
}
