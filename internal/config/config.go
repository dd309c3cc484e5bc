// Package config handles loading application configuration from environment
// variables. All settings have sensible defaults for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application settings loaded from environment variables.
type Config struct {
	Port         string
	DatabasePath string

	// PublisherKey guards the privileged publish and room-close endpoints.
	// When empty, those endpoints reject every request.
	PublisherKey string

	CORSAllowedOrigins []string
	TrustedProxies     []string
	RateLimitPerMinute int

	// Room broadcast engine tuning.
	HeartbeatInterval time.Duration
	IdleTickThreshold int
	BroadcastBacklog  int

	ShutdownGrace time.Duration

	SentryDSN         string
	SentryEnvironment string
}

// Load reads configuration from environment variables, using defaults where
// not set.
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8800"),
		DatabasePath:       getEnv("DATABASE_PATH", "./roomcast.db"),
		PublisherKey:       os.Getenv("PUBLISHER_KEY"),
		CORSAllowedOrigins: getStringSliceEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://127.0.0.1:3000"}),
		TrustedProxies:     getStringSliceEnv("TRUSTED_PROXIES", nil),
		RateLimitPerMinute: getIntEnv("RATE_LIMIT_PER_MINUTE", 30),
		HeartbeatInterval:  getDurationEnv("HEARTBEAT_INTERVAL", 30*time.Second),
		IdleTickThreshold:  getIntEnv("IDLE_TICK_THRESHOLD", 20),
		BroadcastBacklog:   getIntEnv("BROADCAST_BACKLOG", 32),
		ShutdownGrace:      getDurationEnv("SHUTDOWN_GRACE", 2*time.Second),
		SentryDSN:          os.Getenv("SENTRY_DSN"),
		SentryEnvironment:  getEnv("SENTRY_ENVIRONMENT", "production"),
	}
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var result []string
	for _, s := range strings.Split(value, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}
	return result
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
