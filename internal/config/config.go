// Package config provides configuration for the scenario engine.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the scenario engine configuration.
type Config struct {
	// Server settings
	HTTPPort     int
	InternalPort int
	RPCPort      int

	// Database
	DatabaseURL string

	// Generation
	LLMBaseURL         string
	LLMAPIKey          string
	LLMModel           string
	GenerationTimeout  time.Duration
	GenerationRPS      float64
	GenerationBurst    int
	RemoteAgentTimeout time.Duration

	// Coordination
	RedisAddr string
	LeaseTTL  time.Duration

	// Audit mirror
	AuditNATSURL string
	AuditSubject string

	// Suite worker
	WorkerInterval time.Duration
	WorkerBatch    int

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables, after reading an
// optional .env file from the working directory.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPPort:           getEnvInt("HTTP_PORT", 8080),
		InternalPort:       getEnvInt("INTERNAL_PORT", 8081),
		RPCPort:            getEnvInt("RPC_PORT", 0),
		DatabaseURL:        getEnv("DATABASE_URL", "file:scenarios.db?cache=shared&mode=rwc"),
		LLMBaseURL:         getEnv("LLM_BASE_URL", "http://localhost:4000"),
		LLMAPIKey:          getEnv("LLM_API_KEY", ""),
		LLMModel:           getEnv("LLM_MODEL", "gpt-4o-mini"),
		GenerationTimeout:  time.Duration(getEnvInt("GENERATION_TIMEOUT_MS", 60000)) * time.Millisecond,
		GenerationRPS:      getEnvFloat("GENERATION_RPS", 5),
		GenerationBurst:    getEnvInt("GENERATION_BURST", 5),
		RemoteAgentTimeout: time.Duration(getEnvInt("REMOTE_AGENT_TIMEOUT_MS", 120000)) * time.Millisecond,
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		LeaseTTL:           time.Duration(getEnvInt("LEASE_TTL_MS", 300000)) * time.Millisecond,
		AuditNATSURL:       getEnv("AUDIT_NATS_URL", ""),
		AuditSubject:       getEnv("AUDIT_NATS_SUBJECT", "scenarios.audit"),
		WorkerInterval:     time.Duration(getEnvInt("SUITE_WORKER_INTERVAL_MS", 2000)) * time.Millisecond,
		WorkerBatch:        getEnvInt("SUITE_WORKER_BATCH", 20),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
