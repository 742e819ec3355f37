package config

// GetRedisURL returns the Redis address used for conversation history
// persistence. Empty means the in-memory fallback store is used.
func GetRedisURL() string {
	return GetEnvOrDefault("REDIS_URL", "")
}

// GetRedisPassword returns the Redis password, empty when unset.
func GetRedisPassword() string {
	return GetEnvOrDefault("REDIS_PASSWORD", "")
}
