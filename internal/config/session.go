package config

import (
	"time"

	"github.com/rs/zerolog/log"
)

// GetSessionSecret returns the HMAC secret used to sign session
// tokens. A missing secret is tolerated for local development but
// logged loudly.
func GetSessionSecret() string {
	value := GetEnvOrDefault("SESSION_SECRET", "")
	if value == "" {
		log.Warn().Msg("SESSION_SECRET not set - using insecure development secret")
		return "dev-insecure-secret"
	}
	return value
}

// GetSessionTTL returns the lifetime of a minted session token.
func GetSessionTTL() time.Duration {
	return GetDurationOrDefault("SESSION_TTL", 1*time.Hour)
}
