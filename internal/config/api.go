package config

import (
	"strings"
	"time"
)

const defaultAPIBaseURL = "http://localhost:8000/api/v1"

// GetAPIBaseURL returns the base URL of the seemantic server, without
// a trailing slash.
func GetAPIBaseURL() string {
	return strings.TrimRight(GetEnvOrDefault("SEEMANTIC_API_URL", defaultAPIBaseURL), "/")
}

// GetAPITimeout returns the timeout applied to non-streaming requests.
// Streaming subscriptions are bounded by their context, not by this.
func GetAPITimeout() time.Duration {
	return GetDurationOrDefault("SEEMANTIC_API_TIMEOUT", 30*time.Second)
}
