package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port string
	Env  string

	// Storage: SQLite is the default local store; DATABASE_URL selects
	// Postgres, REDIS_STORE_URL the key-value backend.
	SQLitePath    string
	DatabaseURL   string
	RedisStoreURL string

	// Real-time backend. Empty means loopback mode.
	RedisURL string

	// ConnectTimeout bounds a whole connection attempt.
	ConnectTimeout time.Duration
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "7080"),
		Env:            getEnv("ENV", "development"),
		SQLitePath:     getEnv("SQLITE_PATH", ""),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisStoreURL:  os.Getenv("REDIS_STORE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		ConnectTimeout: getDurationEnv("CONNECT_TIMEOUT", 10*time.Second),
	}

	// In production a real backend is required; loopback is a
	// development convenience only.
	if cfg.Env == "production" && cfg.RedisURL == "" {
		panic("REDIS_URL is required in production")
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}
