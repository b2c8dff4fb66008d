package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokengate/tokengate/internal/limits"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: ":9090"
  max_inflight: 32
coordination:
  url: redis://redis.internal:6379/1
rate_limit:
  window_seconds: 30
  rpm_default: 100
limits:
  sk-team-alpha:
    input_tpm: 500000
    output_tpm: 100000
    rpm: 2000
logging:
  level: debug
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 32, cfg.Server.MaxInflight)
	assert.Equal(t, "redis://redis.internal:6379/1", cfg.Coordination.URL)
	assert.Equal(t, 30, cfg.RateLimit.WindowSeconds)
	assert.Equal(t, int64(100), cfg.RateLimit.RPMDefault)
	assert.Equal(t, 30*time.Second, cfg.Window())
	assert.Equal(t, "debug", cfg.Logging.Level)

	lim, ok := cfg.Limits["sk-team-alpha"]
	require.True(t, ok)
	assert.Equal(t, int64(500000), lim.InputTPM)
	assert.Equal(t, int64(100000), lim.OutputTPM)
	assert.Equal(t, int64(2000), lim.RPM)
}

func TestLoadFromFileDefaultsPreserved(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: warn
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 60, cfg.RateLimit.WindowSeconds)
	assert.Equal(t, 150, cfg.Generator.AvgOutputTokens)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COORDINATION_URL", "redis://env-host:6379/0")
	t.Setenv("WINDOW_SECONDS", "15")
	t.Setenv("MAX_INFLIGHT", "8")
	t.Setenv("LISTEN_ADDR", ":7070")
	t.Setenv("INPUT_TPM_DEFAULT", "40000")

	path := writeConfig(t, `
coordination:
  url: redis://file-host:6379/0
rate_limit:
  window_seconds: 60
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "redis://env-host:6379/0", cfg.Coordination.URL)
	assert.Equal(t, 15, cfg.RateLimit.WindowSeconds)
	assert.Equal(t, 8, cfg.Server.MaxInflight)
	assert.Equal(t, ":7070", cfg.Server.ListenAddr)
	assert.Equal(t, int64(40000), cfg.RateLimit.InputTPMDefault)
}

func TestEnvOverrideMalformed(t *testing.T) {
	t.Setenv("WINDOW_SECONDS", "not-a-number")

	_, err := Load("")
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero window", func(c *Config) { c.RateLimit.WindowSeconds = 0 }},
		{"huge window", func(c *Config) { c.RateLimit.WindowSeconds = 7200 }},
		{"empty listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
		{"zero inflight", func(c *Config) { c.Server.MaxInflight = 0 }},
		{"empty coordination url", func(c *Config) { c.Coordination.URL = "" }},
		{"bad sample rate", func(c *Config) { c.Tracing.SampleRate = 1.5 }},
		{"non-positive override", func(c *Config) {
			c.Limits = map[string]limits.RateLimitConfig{"sk-x": {InputTPM: 0, OutputTPM: 1, RPM: 1}}
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestManagerHotReload(t *testing.T) {
	path := writeConfig(t, `
rate_limit:
  window_seconds: 60
`)

	m, err := NewManager(path, slog.Default())
	require.NoError(t, err)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Watch(ctx))

	changed := make(chan *Config, 1)
	m.OnChange(func(c *Config) { changed <- c })

	require.NoError(t, os.WriteFile(path, []byte(`
rate_limit:
  window_seconds: 30
`), 0o644))

	select {
	case cfg := <-changed:
		assert.Equal(t, 30, cfg.RateLimit.WindowSeconds)
		assert.Equal(t, 30, m.Get().RateLimit.WindowSeconds)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestManagerKeepsConfigOnBadReload(t *testing.T) {
	path := writeConfig(t, `
rate_limit:
  window_seconds: 60
`)

	m, err := NewManager(path, slog.Default())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, os.WriteFile(path, []byte("rate_limit: {window_seconds: -5}"), 0o644))
	m.reload()

	assert.Equal(t, 60, m.Get().RateLimit.WindowSeconds)
}
