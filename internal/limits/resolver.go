// Package limits resolves per-API-key rate limit configurations.
// Resolution is deterministic: nodes sharing no state agree on the limits
// for every key, so the config plane needs no coordination.
package limits

import (
	"crypto/md5"
	"encoding/binary"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// RateLimitConfig holds the three per-minute quotas for one API key.
// Immutable for the process lifetime of the key.
type RateLimitConfig struct {
	InputTPM  int64 `yaml:"input_tpm" json:"input_tpm"`
	OutputTPM int64 `yaml:"output_tpm" json:"output_tpm"`
	RPM       int64 `yaml:"rpm" json:"rpm"`
}

// Tier tables indexed by disjoint fields of the key hash.
// These sets are deployment constants and must be identical on every node.
var (
	inputTPMTiers  = []int64{10000, 20000, 40000, 60000, 100000, 500000, 1000000}
	outputTPMTiers = []int64{5000, 10000, 20000, 30000, 50000, 100000}
	rpmTiers       = []int64{60, 100, 200, 500, 1000, 2000}
)

const cacheTTL = 10 * time.Minute

// Resolver maps API keys to their RateLimitConfig.
type Resolver struct {
	overrides map[string]RateLimitConfig
	ceiling   RateLimitConfig

	// cache is advisory only: resolution is pure, so a cached value can
	// never diverge from a fresh one.
	cache *gocache.Cache
}

// NewResolver creates a resolver with an optional static override table and
// optional quota ceilings. Zero ceiling fields disable clamping for that
// dimension.
func NewResolver(overrides map[string]RateLimitConfig, ceiling RateLimitConfig) *Resolver {
	copied := make(map[string]RateLimitConfig, len(overrides))
	for k, v := range overrides {
		copied[k] = v
	}
	return &Resolver{
		overrides: copied,
		ceiling:   ceiling,
		cache:     gocache.New(cacheTTL, 2*cacheTTL),
	}
}

// Resolve returns the rate limit configuration for an API key.
// Override table first, deterministic derivation as the fallback.
func (r *Resolver) Resolve(apiKey string) RateLimitConfig {
	if cached, ok := r.cache.Get(apiKey); ok {
		return cached.(RateLimitConfig)
	}

	cfg, ok := r.overrides[apiKey]
	if !ok {
		cfg = derive(apiKey)
	}
	cfg = r.clamp(cfg)

	r.cache.SetDefault(apiKey, cfg)
	return cfg
}

// derive maps a key to tier values via disjoint 16-bit fields of a 128-bit
// digest. MD5 keeps the derivation byte-identical across implementations.
func derive(apiKey string) RateLimitConfig {
	sum := md5.Sum([]byte(apiKey))
	return RateLimitConfig{
		InputTPM:  inputTPMTiers[int(binary.BigEndian.Uint16(sum[0:2]))%len(inputTPMTiers)],
		OutputTPM: outputTPMTiers[int(binary.BigEndian.Uint16(sum[2:4]))%len(outputTPMTiers)],
		RPM:       rpmTiers[int(binary.BigEndian.Uint16(sum[4:6]))%len(rpmTiers)],
	}
}

func (r *Resolver) clamp(cfg RateLimitConfig) RateLimitConfig {
	if r.ceiling.InputTPM > 0 && cfg.InputTPM > r.ceiling.InputTPM {
		cfg.InputTPM = r.ceiling.InputTPM
	}
	if r.ceiling.OutputTPM > 0 && cfg.OutputTPM > r.ceiling.OutputTPM {
		cfg.OutputTPM = r.ceiling.OutputTPM
	}
	if r.ceiling.RPM > 0 && cfg.RPM > r.ceiling.RPM {
		cfg.RPM = r.ceiling.RPM
	}
	return cfg
}
