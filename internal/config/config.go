// Package config loads and validates memory-core configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all memory-core configuration.
type Config struct {
	// Data directory. Vector JSON, BM25 SQLite, and graph SQLite live under it.
	MemoryDir string

	// Embedding settings.
	EmbeddingProvider   string // "openai", "anthropic", "local", or "simple"
	EmbeddingModel      string
	EmbeddingDimensions int
	EmbeddingTimeout    time.Duration
	EmbeddingMaxRetries int
	EmbeddingCacheTTL   time.Duration
	EmbeddingCacheSize  int
	OpenAIAPIKey        string
	OllamaURL           string // base URL for the "local" provider

	// Token budget settings.
	TokenBudget int

	// Compression settings.
	CompressionEnabled             bool
	CompressionAuto                bool
	CompressionTokenThresholdPct   float64
	CompressionCountLimit          int
	CompressionAgeDays             int
	CompressionRedundancyThreshold float64

	// Lifecycle settings.
	LifecycleEnabled    bool
	LifecycleInterval   time.Duration
	MaxMemoriesPerUser  int
	LifecycleEnforceCap bool

	// SQL timeouts.
	SQLQueryTimeout time.Duration
	SQLWriteTimeout time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with the documented
// defaults. Absent EMBEDDING_PROVIDER forces the deterministic "simple"
// provider so the core works with no external services at all.
func Load() (Config, error) {
	cfg := Config{
		MemoryDir:                      envStr("MEMORY_DIR", "data"),
		EmbeddingProvider:              envStr("EMBEDDING_PROVIDER", "simple"),
		EmbeddingModel:                 envStr("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions:            envInt("EMBEDDING_DIMENSIONS", 384),
		EmbeddingTimeout:               envMillis("EMBEDDING_TIMEOUT", 30*time.Second),
		EmbeddingMaxRetries:            envInt("EMBEDDING_MAX_RETRIES", 3),
		EmbeddingCacheTTL:              envMillis("EMBEDDING_CACHE_TTL", 24*time.Hour),
		EmbeddingCacheSize:             envInt("EMBEDDING_CACHE_SIZE", 5000),
		OpenAIAPIKey:                   envStr("OPENAI_API_KEY", ""),
		OllamaURL:                      envStr("OLLAMA_URL", "http://localhost:11434"),
		TokenBudget:                    envInt("MEMORY_TOKEN_BUDGET", 100_000),
		CompressionEnabled:             envBool("COMPRESSION_ENABLED", true),
		CompressionAuto:                envBool("COMPRESSION_AUTO", false),
		CompressionTokenThresholdPct:   envFloat("COMPRESSION_TOKEN_THRESHOLD_PERCENT", 0.8),
		CompressionCountLimit:          envInt("COMPRESSION_COUNT_LIMIT", 1000),
		CompressionAgeDays:             envInt("COMPRESSION_AGE_DAYS", 30),
		CompressionRedundancyThreshold: envFloat("COMPRESSION_REDUNDANCY_THRESHOLD", 0.3),
		LifecycleEnabled:               envBool("LIFECYCLE_ENABLED", true),
		LifecycleInterval:              envMillis("LIFECYCLE_INTERVAL", 24*time.Hour),
		MaxMemoriesPerUser:             envInt("LIFECYCLE_MAX_MEMORIES_PER_USER", 2000),
		LifecycleEnforceCap:            envBool("LIFECYCLE_ENFORCE_CAP", true),
		SQLQueryTimeout:                envMillis("MEMORY_SQL_QUERY_TIMEOUT", 200*time.Millisecond),
		SQLWriteTimeout:                envMillis("MEMORY_SQL_WRITE_TIMEOUT", 500*time.Millisecond),
		OTELEndpoint:                   envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:                   envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:                    envStr("OTEL_SERVICE_NAME", "omoide"),
		LogLevel:                       envStr("OMOIDE_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that configuration values are usable.
func (c Config) Validate() error {
	if c.MemoryDir == "" {
		return fmt.Errorf("config: MEMORY_DIR must not be empty")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: EMBEDDING_DIMENSIONS must be positive")
	}
	switch c.EmbeddingProvider {
	case "openai", "anthropic", "local", "simple":
	default:
		return fmt.Errorf("config: unknown EMBEDDING_PROVIDER %q", c.EmbeddingProvider)
	}
	if c.TokenBudget <= 0 {
		return fmt.Errorf("config: MEMORY_TOKEN_BUDGET must be positive")
	}
	if c.CompressionTokenThresholdPct <= 0 || c.CompressionTokenThresholdPct > 1 {
		return fmt.Errorf("config: COMPRESSION_TOKEN_THRESHOLD_PERCENT must be in (0, 1]")
	}
	if c.LifecycleInterval <= 0 {
		return fmt.Errorf("config: LIFECYCLE_INTERVAL must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envMillis reads an integer number of milliseconds, matching the units the
// configuration surface documents for timeouts and intervals.
func envMillis(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return defaultVal
}
