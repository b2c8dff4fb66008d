package api

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/tokengate/tokengate/internal/generator"
	"github.com/tokengate/tokengate/internal/limiter"
	"github.com/tokengate/tokengate/internal/limits"
	"github.com/tokengate/tokengate/pkg/types"
)

const testKey = "sk-test-key"

func newTestHandler(t *testing.T, maxInflight int) (*Handler, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	engine := limiter.NewEngine(client, time.Minute, slog.Default())
	resolver := limits.NewResolver(map[string]limits.RateLimitConfig{
		testKey: {InputTPM: 100000, OutputTPM: 50000, RPM: 3},
	}, limits.RateLimitConfig{})
	gen := generator.New(generator.DefaultConfig())

	h := NewHandler(slog.Default(), engine, resolver, gen, client, maxInflight, otel.Tracer("test"))
	return h, s
}

func newTestServer(t *testing.T, maxInflight int) (*http.ServeMux, *Handler, *miniredis.Miniredis) {
	t.Helper()
	h, s := newTestHandler(t, maxInflight)
	mux := http.NewServeMux()
	h.Routes(mux)
	return mux, h, s
}

func completionRequest(t *testing.T, apiKey string, req types.ChatRequest) *http.Request {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	if apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+apiKey)
	}
	r.Header.Set("Content-Type", "application/json")
	return r
}

func validRequest() types.ChatRequest {
	return types.ChatRequest{
		Model: "gpt-3.5-turbo",
		Messages: []types.ChatMessage{
			{Role: "user", Content: "Hello there"},
		},
		MaxTokens: 20,
	}
}

func TestChatCompletionsSuccess(t *testing.T) {
	mux, _, _ := newTestServer(t, 16)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, completionRequest(t, testKey, validRequest()))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "gpt-3.5-turbo", resp.Model)
	require.Len(t, resp.Choices, 1)
	require.NotNil(t, resp.Usage)
	assert.GreaterOrEqual(t, resp.Usage.CompletionTokens, 1)
	assert.LessOrEqual(t, resp.Usage.CompletionTokens, 20)
}

func TestChatCompletionsMissingAuth(t *testing.T) {
	mux, _, _ := newTestServer(t, 16)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, completionRequest(t, "", validRequest()))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatCompletionsMalformedBody(t *testing.T) {
	mux, _, _ := newTestServer(t, 16)

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString("{not json"))
	r.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletionsValidation(t *testing.T) {
	mux, _, _ := newTestServer(t, 16)

	req := validRequest()
	req.Model = ""
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, completionRequest(t, testKey, req))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletionsStreamRejected(t *testing.T) {
	mux, _, _ := newTestServer(t, 16)

	req := validRequest()
	req.Stream = true
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, completionRequest(t, testKey, req))

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Contains(t, envelope.Error.Message, "streaming")
}

func TestChatCompletionsRPMDenied(t *testing.T) {
	mux, _, _ := newTestServer(t, 16)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, completionRequest(t, testKey, validRequest()))
		require.Equal(t, http.StatusOK, rec.Code, "request %d should be admitted", i+1)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, completionRequest(t, testKey, validRequest()))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "rate_limit_exceeded", envelope.Error.Type)
	assert.Equal(t, "RPM", envelope.Error.Dimension)
	assert.GreaterOrEqual(t, envelope.Error.RetryAfter, 1)
	assert.LessOrEqual(t, envelope.Error.RetryAfter, 60)
}

func TestChatCompletionsCoordinationDown(t *testing.T) {
	mux, _, s := newTestServer(t, 16)
	s.Close()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, completionRequest(t, testKey, validRequest()))

	require.Equal(t, http.StatusBadGateway, rec.Code)

	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "coordination_unavailable", envelope.Error.Type)
}

func TestChatCompletionsOverloaded(t *testing.T) {
	mux, h, _ := newTestServer(t, 1)

	require.True(t, h.sem.TryAcquire())
	defer h.sem.Release()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, completionRequest(t, testKey, validRequest()))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// cancelAfterAdmitHook cancels a context as soon as an admission script
// round trip succeeds, simulating a client that disconnects right after
// its quota is committed.
type cancelAfterAdmitHook struct {
	cancel context.CancelFunc
}

func (h cancelAfterAdmitHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h cancelAfterAdmitHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if name := cmd.Name(); err == nil && (name == "eval" || name == "evalsha") {
			h.cancel()
		}
		return err
	}
}

func (h cancelAfterAdmitHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestChatCompletionsClientCancelKeepsBooking(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.AddHook(cancelAfterAdmitHook{cancel: cancel})

	engine := limiter.NewEngine(client, time.Minute, slog.Default())
	resolver := limits.NewResolver(map[string]limits.RateLimitConfig{
		testKey: {InputTPM: 100000, OutputTPM: 50000, RPM: 3},
	}, limits.RateLimitConfig{})
	gen := generator.New(generator.DefaultConfig())
	h := NewHandler(slog.Default(), engine, resolver, gen, client, 16, otel.Tracer("test"))

	req := completionRequest(t, testKey, validRequest()).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, req)

	// The admission was committed before the disconnect, so the response
	// must still be produced and the booked quota must not be freed.
	require.Equal(t, http.StatusOK, rec.Code)

	usage, err := engine.Usage(context.Background(), testKey)
	require.NoError(t, err)
	assert.Positive(t, usage.OutputTokens, "cancellation after admission must not free booked output quota")
	assert.Equal(t, int64(1), usage.Requests)
}

func TestChatCompletionsReconcileReleasesQuota(t *testing.T) {
	mux, h, _ := newTestServer(t, 16)

	// Admit with a large output estimate; the sampled completion is far
	// smaller, so reconcile must shrink the output counter.
	req := validRequest()
	req.MaxTokens = 40000
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, completionRequest(t, testKey, req))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Usage)
	require.Less(t, resp.Usage.CompletionTokens, 40000)

	usage, err := h.engine.Usage(t.Context(), testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(resp.Usage.CompletionTokens), usage.OutputTokens)
}

func TestListModels(t *testing.T) {
	mux, _, _ := newTestServer(t, 16)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var list types.ModelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 2)
	assert.Equal(t, "gpt-3.5-turbo", list.Data[0].ID)
}

func TestUsageEndpoint(t *testing.T) {
	mux, _, _ := newTestServer(t, 16)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, completionRequest(t, testKey, validRequest()))
	require.Equal(t, http.StatusOK, rec.Code)

	r := httptest.NewRequest(http.MethodGet, "/v1/usage/"+testKey, nil)
	r.Header.Set("Authorization", "Bearer "+testKey)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)

	var stats types.UsageStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.RequestsUsed)
	assert.Positive(t, stats.InputTokensUsed)
	assert.Positive(t, stats.OutputTokensUsed)
	assert.Equal(t, int64(100000), stats.InputTokensLimit)
	assert.Equal(t, int64(50000), stats.OutputTokensLimit)
	assert.Equal(t, int64(3), stats.RequestsLimit)
	assert.Equal(t, 60, stats.WindowSeconds)
}

func TestUsageRequiresAuth(t *testing.T) {
	mux, _, _ := newTestServer(t, 16)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/usage/"+testKey, nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	mux, _, s := newTestServer(t, 16)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	s.Close()

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
