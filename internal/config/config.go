// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port           string
	Env            string // "development", "staging", "production"
	LogLevel       string
	LogFormat      string // "json" or "text"
	MaxRequestSize int64
	AllowedOrigins []string

	// Ingestion throttling per log source (0 disables)
	IngestRateLimit int
	IngestBurst     int

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Risk oracle
	OracleURL     string
	OracleTimeout time.Duration

	// Dashboard cache (optional, caching disabled if not set)
	RedisURL          string
	DashboardCacheTTL time.Duration

	// Kafka (optional, stream ingestion disabled if no brokers)
	KafkaBrokers     []string
	KafkaEventsTopic string
	KafkaAlertsTopic string
	KafkaGroupID     string
	StreamWorkers    int

	// AI summaries (optional)
	GeminiAPIKey string
	GeminiModel  string

	// Batch processing
	RecalcInterval      time.Duration // 0 disables the periodic recalculation worker
	BackfillConcurrency int

	// Tracing (optional)
	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultMaxRequestSize      = 1 << 20
	DefaultDBMaxOpenConns      = 25
	DefaultDBMaxIdleConns      = 5
	DefaultOracleURL           = "http://localhost:8000"
	DefaultOracleTimeout       = 5 * time.Second
	DefaultDashboardCacheTTL   = 10 * time.Second
	DefaultKafkaEventsTopic    = "activity-events"
	DefaultKafkaAlertsTopic    = "risk-alerts"
	DefaultKafkaGroupID        = "riskwatch"
	DefaultStreamWorkers       = 8
	DefaultGeminiModel         = "gemini-pro"
	DefaultBackfillConcurrency = 4
	DefaultIngestRateLimit     = 600
	DefaultIngestBurst         = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		MaxRequestSize:      getEnvInt64("MAX_REQUEST_SIZE", DefaultMaxRequestSize),
		AllowedOrigins:      getEnvList("CORS_ALLOWED_ORIGINS"),
		IngestRateLimit:     int(getEnvInt64("INGEST_RATE_LIMIT", DefaultIngestRateLimit)),
		IngestBurst:         int(getEnvInt64("INGEST_BURST", DefaultIngestBurst)),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:      int(getEnvInt64("DB_MAX_OPEN_CONNS", DefaultDBMaxOpenConns)),
		DBMaxIdleConns:      int(getEnvInt64("DB_MAX_IDLE_CONNS", DefaultDBMaxIdleConns)),
		OracleURL:           strings.TrimRight(getEnv("ORACLE_URL", DefaultOracleURL), "/"),
		OracleTimeout:       getEnvDuration("ORACLE_TIMEOUT", DefaultOracleTimeout),
		RedisURL:            os.Getenv("REDIS_URL"),
		DashboardCacheTTL:   getEnvDuration("DASHBOARD_CACHE_TTL", DefaultDashboardCacheTTL),
		KafkaBrokers:        getEnvList("KAFKA_BROKERS"),
		KafkaEventsTopic:    getEnv("KAFKA_EVENTS_TOPIC", DefaultKafkaEventsTopic),
		KafkaAlertsTopic:    getEnv("KAFKA_ALERTS_TOPIC", DefaultKafkaAlertsTopic),
		KafkaGroupID:        getEnv("KAFKA_GROUP_ID", DefaultKafkaGroupID),
		StreamWorkers:       int(getEnvInt64("STREAM_WORKERS", DefaultStreamWorkers)),
		GeminiAPIKey:        os.Getenv("GEMINI_API_KEY"),
		GeminiModel:         getEnv("GEMINI_MODEL", DefaultGeminiModel),
		RecalcInterval:      getEnvDuration("RECALC_INTERVAL", 0),
		BackfillConcurrency: int(getEnvInt64("BACKFILL_CONCURRENCY", DefaultBackfillConcurrency)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.OracleURL == "" {
		return fmt.Errorf("ORACLE_URL is required")
	}
	u, err := url.Parse(c.OracleURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("ORACLE_URL must be an absolute http(s) URL")
	}
	if c.OracleTimeout <= 0 {
		return fmt.Errorf("ORACLE_TIMEOUT must be positive")
	}
	if c.BackfillConcurrency < 1 {
		return fmt.Errorf("BACKFILL_CONCURRENCY must be at least 1")
	}
	if c.StreamWorkers < 1 {
		return fmt.Errorf("STREAM_WORKERS must be at least 1")
	}
	if c.RecalcInterval < 0 {
		return fmt.Errorf("RECALC_INTERVAL must not be negative")
	}
	if c.IngestRateLimit < 0 {
		return fmt.Errorf("INGEST_RATE_LIMIT must not be negative")
	}
	if c.IngestRateLimit > 0 && c.IngestBurst < 1 {
		return fmt.Errorf("INGEST_BURST must be at least 1 when rate limiting is enabled")
	}
	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("MAX_REQUEST_SIZE must be positive")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// StreamEnabled reports whether kafka ingestion and alert fan-out are configured.
func (c *Config) StreamEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("5s") or bare seconds ("5").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
