package config

import (
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// RateLimitConfig bounds query submissions through the UI bridge.
type RateLimitConfig struct {
	Enabled bool
	Window  time.Duration
	MaxHits int
}

// GetBridgeAddr returns the listen address of the local UI bridge.
func GetBridgeAddr() string {
	return GetEnvOrDefault("BRIDGE_ADDR", "127.0.0.1:8787")
}

// GetQueryRateLimitConfig returns the rate limit applied to query
// submissions from the UI.
func GetQueryRateLimitConfig() RateLimitConfig {
	cfg := RateLimitConfig{
		Enabled: GetEnvOrDefault("BRIDGE_RATE_LIMIT_ENABLED", "true") == "true",
		Window:  GetDurationOrDefault("BRIDGE_RATE_LIMIT_WINDOW", time.Minute),
		MaxHits: 30,
	}

	raw := GetEnvOrDefault("BRIDGE_RATE_LIMIT_MAX_HITS", "")
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			log.Warn().Str("value", raw).Msg("Invalid BRIDGE_RATE_LIMIT_MAX_HITS, using default")
		} else {
			cfg.MaxHits = n
		}
	}

	return cfg
}
