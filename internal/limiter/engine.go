// Package limiter implements the distributed sliding-window admission engine.
// All counter state lives in the coordination store; every decision is a
// single atomic script round trip, so concurrent nodes can never over-admit.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tokengate/tokengate/internal/limits"
	"github.com/tokengate/tokengate/internal/metrics"
)

// Dimension identifies one of the three limited quantities.
type Dimension string

// Dimensions in fixed check order.
const (
	DimensionInputTPM  Dimension = "INPUT_TPM"
	DimensionOutputTPM Dimension = "OUTPUT_TPM"
	DimensionRPM       Dimension = "RPM"
)

// ErrCoordinationUnavailable is returned when the coordination store cannot
// be reached or the admission script fails. The engine never admits on
// failure.
var ErrCoordinationUnavailable = errors.New("coordination store unavailable")

const maxAPIKeyBytes = 256

// Decision is the outcome of one admission attempt.
type Decision struct {
	Admitted bool

	// Set on admit.
	EventID      string
	InputTokens  int
	OutputTokens int

	// Set on deny.
	Dimension  Dimension
	RetryAfter int // seconds, clamped to [1, window]
}

// Usage holds the current non-expired sums for one API key.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Requests     int64
}

// Engine evaluates admissions against the coordination store.
type Engine struct {
	client redis.UniversalClient
	window time.Duration
	logger *slog.Logger

	admit     *redis.Script
	reconcile *redis.Script

	// now is swappable for tests.
	now func() time.Time
}

// NewEngine creates an admission engine with the given sliding window.
func NewEngine(client redis.UniversalClient, window time.Duration, logger *slog.Logger) *Engine {
	if window <= 0 {
		window = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client:    client,
		window:    window,
		logger:    logger,
		admit:     redis.NewScript(admitScript),
		reconcile: redis.NewScript(reconcileScript),
		now:       time.Now,
	}
}

// Window returns the configured sliding window.
func (e *Engine) Window() time.Duration {
	return e.window
}

// Admit decides whether a request with the given estimated costs may proceed
// under cfg. Exactly one atomic script round trip; no local pre-check may
// short-circuit either outcome.
func (e *Engine) Admit(ctx context.Context, apiKey string, estIn, estOut int, cfg limits.RateLimitConfig) (*Decision, error) {
	if apiKey == "" {
		return nil, errors.New("limiter: empty api key")
	}
	if len(apiKey) > maxAPIKeyBytes {
		return nil, fmt.Errorf("limiter: api key exceeds %d bytes", maxAPIKeyBytes)
	}
	if estIn < 0 || estOut < 0 {
		return nil, errors.New("limiter: negative token estimate")
	}

	eventID := uuid.NewString()
	nowSec := float64(e.now().UnixNano()) / float64(time.Second)
	windowSec := int(e.window / time.Second)

	keys := counterKeys(apiKey)
	args := []interface{}{
		strconv.FormatFloat(nowSec, 'f', 6, 64),
		windowSec,
		estIn,
		estOut,
		cfg.InputTPM,
		cfg.OutputTPM,
		cfg.RPM,
		eventID,
		windowSec * 2, // TTL, refreshed on every insert
	}

	start := time.Now()
	res, err := e.admit.Run(ctx, e.client, keys, args...).Result()
	metrics.AdmissionLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CoordinationErrors.WithLabelValues("admit").Inc()
		return nil, fmt.Errorf("%w: %v", ErrCoordinationUnavailable, err)
	}

	decision, err := parseAdmitReply(res, nowSec, windowSec)
	if err != nil {
		metrics.CoordinationErrors.WithLabelValues("admit").Inc()
		return nil, fmt.Errorf("%w: %v", ErrCoordinationUnavailable, err)
	}

	if decision.Admitted {
		decision.EventID = eventID
		decision.InputTokens = estIn
		decision.OutputTokens = estOut
		metrics.RecordCommit(estIn, estOut)
	}
	metrics.RecordDecision(decision.Admitted, string(decision.Dimension))
	return decision, nil
}

// Reconcile replaces a committed admission's output cost with the actual
// completion token count. Expired events no-op. Failures are surfaced so the
// caller can log and drop them; subsequent accounting never blocks on this.
func (e *Engine) Reconcile(ctx context.Context, apiKey, eventID string, oldOut, actualOut int) error {
	if actualOut == oldOut {
		metrics.Reconciles.WithLabelValues("skipped").Inc()
		return nil
	}

	outputKey := counterKeys(apiKey)[1]
	res, err := e.reconcile.Run(ctx, e.client, []string{outputKey},
		eventID, oldOut, actualOut).Result()
	if err != nil {
		metrics.Reconciles.WithLabelValues("failed").Inc()
		metrics.CoordinationErrors.WithLabelValues("reconcile").Inc()
		return fmt.Errorf("%w: %v", ErrCoordinationUnavailable, err)
	}

	if n, ok := res.(int64); ok && n == 1 {
		metrics.Reconciles.WithLabelValues("replaced").Inc()
	} else {
		metrics.Reconciles.WithLabelValues("expired").Inc()
	}
	return nil
}

// Usage returns the current non-expired sums for an API key without mutating
// any counter.
func (e *Engine) Usage(ctx context.Context, apiKey string) (*Usage, error) {
	keys := counterKeys(apiKey)
	windowStart := float64(e.now().UnixNano())/float64(time.Second) - e.window.Seconds()
	cutoff := strconv.FormatFloat(windowStart, 'f', 6, 64)

	pipe := e.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: cutoff, Max: "+inf"})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.CoordinationErrors.WithLabelValues("usage").Inc()
		return nil, fmt.Errorf("%w: %v", ErrCoordinationUnavailable, err)
	}

	sums := make([]int64, len(keys))
	for i, cmd := range cmds {
		for _, member := range cmd.Val() {
			sums[i] += memberCost(member)
		}
	}
	return &Usage{InputTokens: sums[0], OutputTokens: sums[1], Requests: sums[2]}, nil
}

// counterKeys returns the three coordination store keys for an API key, in
// check order: input, output, requests.
func counterKeys(apiKey string) []string {
	base := "rate_limit:" + apiKey
	return []string{
		base + ":input_tokens",
		base + ":output_tokens",
		base + ":requests",
	}
}

// memberCost extracts the cost suffix from an "<event_id>:<cost>" member.
func memberCost(member string) int64 {
	idx := strings.LastIndexByte(member, ':')
	if idx < 0 || idx == len(member)-1 {
		return 0
	}
	cost, err := strconv.ParseInt(member[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return cost
}

func parseAdmitReply(res interface{}, nowSec float64, windowSec int) (*Decision, error) {
	reply, ok := res.([]interface{})
	if !ok || len(reply) == 0 {
		return nil, fmt.Errorf("unexpected script reply type %T", res)
	}

	status, ok := reply[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected status type %T", reply[0])
	}
	if status == 1 {
		return &Decision{Admitted: true}, nil
	}

	if len(reply) < 3 {
		return nil, fmt.Errorf("short deny reply: %d elements", len(reply))
	}
	dim, ok := reply[1].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected dimension type %T", reply[1])
	}
	oldestStr, ok := reply[2].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected oldest-score type %T", reply[2])
	}

	// An empty violating counter means the request alone exceeds the limit:
	// no event needs to expire, so the hint is the minimum.
	if oldestStr == "" {
		return &Decision{
			Admitted:   false,
			Dimension:  Dimension(dim),
			RetryAfter: 1,
		}, nil
	}

	oldest, err := strconv.ParseFloat(oldestStr, 64)
	if err != nil {
		return nil, fmt.Errorf("parse oldest score %q: %v", oldestStr, err)
	}

	// Earliest wall time at which the violation could resolve is the oldest
	// surviving event plus one window.
	retry := int(math.Ceil(oldest + float64(windowSec) - nowSec))
	if retry < 1 {
		retry = 1
	}
	if retry > windowSec {
		retry = windowSec
	}

	return &Decision{
		Admitted:   false,
		Dimension:  Dimension(dim),
		RetryAfter: retry,
	}, nil
}
