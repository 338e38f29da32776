// Package config loads kernel configuration from the environment and tenant
// settlement profiles from YAML.
package config

import (
	"os"
	"strconv"
)

// Config holds kernel configuration.
type Config struct {
	Port             string
	LogLevel         string
	DatabaseURL      string
	StoreBackend     string // "memory" | "sqlite" | "postgres" | "redis"
	DataDir          string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	OTLPEndpoint     string
	TelemetryEnabled bool
	CommitsPerSecond float64
	CommitBurst      int
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://settld@localhost:5432/settld?sslmode=disable"
	}

	backend := os.Getenv("STORE_BACKEND")
	if backend == "" {
		backend = "memory"
	}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}

	redisDB := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			redisDB = n
		}
	}

	commitsPerSecond := 0.0
	if raw := os.Getenv("COMMITS_PER_SECOND"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			commitsPerSecond = f
		}
	}
	commitBurst := 10
	if raw := os.Getenv("COMMIT_BURST"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			commitBurst = n
		}
	}

	return &Config{
		Port:             port,
		LogLevel:         logLevel,
		DatabaseURL:      dbURL,
		StoreBackend:     backend,
		DataDir:          dataDir,
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          redisDB,
		OTLPEndpoint:     os.Getenv("OTLP_ENDPOINT"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
		CommitsPerSecond: commitsPerSecond,
		CommitBurst:      commitBurst,
	}
}
