// Package coordination owns the connection to the shared coordination store
// (Redis). It is deliberately thin: client construction, the startup
// handshake, and a health probe. All counter semantics live in the limiter.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokengate/tokengate/internal/metrics"
)

// ErrHandshakeFailed is returned when the startup PING retry budget is
// exhausted. The binary maps it to exit code 2.
var ErrHandshakeFailed = errors.New("coordination store handshake failed")

const (
	defaultPoolSize    = 16
	handshakeAttempts  = 5
	handshakeBaseDelay = time.Second
)

// Config describes the coordination store connection.
type Config struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// NewClient builds a Redis client from cfg. The pool uses FIFO acquisition
// so waiters are served in arrival order; acquisition failure surfaces to
// callers as a coordination error.
func NewClient(cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse coordination url: %w", err)
	}

	opts.PoolSize = cfg.PoolSize
	if opts.PoolSize < defaultPoolSize {
		opts.PoolSize = defaultPoolSize
	}
	opts.PoolFIFO = true
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	return redis.NewClient(opts), nil
}

// Handshake verifies the store is reachable at startup. It retries with
// exponential backoff before giving up with ErrHandshakeFailed.
func Handshake(ctx context.Context, client redis.UniversalClient, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	delay := handshakeBaseDelay
	var lastErr error
	for attempt := 1; attempt <= handshakeAttempts; attempt++ {
		if err := client.Ping(ctx).Err(); err == nil {
			logger.Info("coordination store connected", "attempt", attempt)
			return nil
		} else {
			lastErr = err
		}

		metrics.CoordinationErrors.WithLabelValues("ping").Inc()
		logger.Warn("coordination store handshake failed",
			"attempt", attempt,
			"error", lastErr,
		)

		if attempt == handshakeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}

	return fmt.Errorf("%w: %v", ErrHandshakeFailed, lastErr)
}

// Healthy reports whether the store currently answers PING.
func Healthy(ctx context.Context, client redis.UniversalClient) bool {
	return client.Ping(ctx).Err() == nil
}
