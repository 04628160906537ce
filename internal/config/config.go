// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Security
	AdminSecret        string   // Admin API secret
	CORSOrigins        []string // Browser origins allowed to call /v1
	TenantRateLimitRPM int      // Job admissions per tenant per minute (0 = unlimited)

	// Job execution
	WorkerCount        int
	QueueSize          int
	JobMaxRetries      int
	ImageTimeout       time.Duration
	VideoTimeout       time.Duration
	AudioTimeout       time.Duration
	ProviderPoll       time.Duration
	RefundOnBulkCancel bool

	// Upstream generation provider (simulated when ProviderURL is empty)
	ProviderURL    string
	ProviderAPIKey string

	// Text generation for campaign scripts (template-only when key is empty)
	OpenAIAPIKey string
	OpenAIModel  string

	// Credit purchases
	StripeWebhookSecret string
	CreditsPerCent      int64

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
	DefaultWorkerCount  = 8
	DefaultQueueSize    = 256
	DefaultMaxRetries   = 3
	DefaultImageTimeout = 60 * time.Second
	DefaultVideoTimeout = 10 * time.Minute
	DefaultAudioTimeout = 5 * time.Minute
	DefaultProviderPoll = 5 * time.Second
	DefaultOpenAIModel  = "gpt-4o-mini"
	DefaultTenantRPM    = 120
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
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		CORSOrigins:         getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		TenantRateLimitRPM:  getEnvInt("TENANT_RATE_LIMIT_RPM", DefaultTenantRPM),
		WorkerCount:         getEnvInt("WORKER_COUNT", DefaultWorkerCount),
		QueueSize:           getEnvInt("QUEUE_SIZE", DefaultQueueSize),
		JobMaxRetries:       getEnvInt("JOB_MAX_RETRIES", DefaultMaxRetries),
		ImageTimeout:        getEnvDuration("IMAGE_TIMEOUT", DefaultImageTimeout),
		VideoTimeout:        getEnvDuration("VIDEO_TIMEOUT", DefaultVideoTimeout),
		AudioTimeout:        getEnvDuration("AUDIO_TIMEOUT", DefaultAudioTimeout),
		ProviderPoll:        getEnvDuration("PROVIDER_POLL_INTERVAL", DefaultProviderPoll),
		RefundOnBulkCancel:  getEnvBool("REFUND_ON_BULK_CANCEL", false),
		ProviderURL:         os.Getenv("PROVIDER_URL"),
		ProviderAPIKey:      os.Getenv("PROVIDER_API_KEY"),
		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:         getEnv("OPENAI_MODEL", DefaultOpenAIModel),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CreditsPerCent:      int64(getEnvInt("CREDITS_PER_CENT", 1)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be positive")
	}
	if c.JobMaxRetries < 0 {
		return fmt.Errorf("JOB_MAX_RETRIES must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"IMAGE_TIMEOUT":          c.ImageTimeout,
		"VIDEO_TIMEOUT":          c.VideoTimeout,
		"AUDIO_TIMEOUT":          c.AudioTimeout,
		"PROVIDER_POLL_INTERVAL": c.ProviderPoll,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}
	if c.ProviderPoll >= c.ImageTimeout {
		return fmt.Errorf("PROVIDER_POLL_INTERVAL must be shorter than IMAGE_TIMEOUT")
	}
	if c.ProviderURL != "" && c.ProviderAPIKey == "" {
		return fmt.Errorf("PROVIDER_API_KEY is required when PROVIDER_URL is set")
	}
	if c.CreditsPerCent <= 0 {
		return fmt.Errorf("CREDITS_PER_CENT must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
