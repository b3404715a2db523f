// Package config loads server configuration from the environment and
// policy sets from YAML.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisAddr   string
	RedisDB     int

	// SigningKey signs observer events, proof batches, and webhook
	// payloads. JWTKey signs session tokens.
	SigningKey string
	JWTKey     string
	SessionTTL time.Duration

	// PolicyDir holds policyset_*.yaml files; empty disables the CEL
	// policy hook.
	PolicyDir string

	// Per-IP request rate for the HTTP surface.
	RequestsPerSecond int
	RequestBurst      int

	// Per-agent budget for authorize calls and proof batches.
	AgentRPM   int
	AgentBurst int
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:              envOr("PORT", "8080"),
		LogLevel:          envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisDB:           envInt("REDIS_DB", 0),
		SigningKey:        envOr("ARBITER_SIGNING_KEY", "dev-signing-key"),
		JWTKey:            envOr("ARBITER_JWT_KEY", "dev-jwt-key"),
		SessionTTL:        envDuration("SESSION_TTL", time.Hour),
		PolicyDir:         os.Getenv("POLICY_DIR"),
		RequestsPerSecond: envInt("REQUESTS_PER_SECOND", 50),
		RequestBurst:      envInt("REQUEST_BURST", 100),
		AgentRPM:          envInt("AGENT_RPM", 60),
		AgentBurst:        envInt("AGENT_BURST", 10),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
