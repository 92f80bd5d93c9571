package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/crypto"
)

const (
	SecretsBackendEnv = "env"
	SecretsBackendAWS = "aws"
)

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string

	// EncryptionSecret derives every tenant key. Changing it makes stored
	// credentials unreadable.
	EncryptionSecret string
	RotationToken    string
	ProxySecret      string

	CredentialCacheTTL time.Duration
	CatalogTTL         time.Duration
	StreamIdleTimeout  time.Duration

	OpenAIBaseURL     string
	AnthropicBaseURL  string
	GeminiBaseURL     string
	OpenRouterBaseURL string
	OpenRouterReferer string
	OpenRouterTitle   string
	GroqBaseURL       string

	AWSRegion      string
	BedrockEnabled bool
	SecretsBackend string
	SecretsPrefix  string
	AlertTopicARN  string
	AuditQueueURL  string

	OTLPEndpoint string

	ShutdownTimeout time.Duration
}

// Load reads the environment, after applying a .env file when one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Addr:               getEnv("ADDR", ":8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		RedisURL:           getEnv("REDIS_URL", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		EncryptionSecret:   getEnv("VAULT_ENCRYPTION_SECRET", ""),
		RotationToken:      getEnv("ENCRYPTION_ROTATION_TOKEN", ""),
		ProxySecret:        getEnv("PROXY_SECRET", ""),
		CredentialCacheTTL: getDurationEnv("CREDENTIAL_CACHE_TTL", 5*time.Minute),
		CatalogTTL:         getDurationEnv("CATALOG_TTL", 5*time.Minute),
		StreamIdleTimeout:  getDurationEnv("STREAM_IDLE_TIMEOUT", 0),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicBaseURL:   getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
		GeminiBaseURL:      getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		OpenRouterBaseURL:  getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterReferer:  getEnv("OPENROUTER_REFERER", ""),
		OpenRouterTitle:    getEnv("OPENROUTER_TITLE", ""),
		GroqBaseURL:        getEnv("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
		AWSRegion:          getEnv("AWS_REGION", ""),
		BedrockEnabled:     getBoolEnv("BEDROCK_ENABLED", false),
		SecretsBackend:     strings.ToLower(getEnv("SECRETS_BACKEND", SecretsBackendEnv)),
		SecretsPrefix:      getEnv("SECRETS_PREFIX", ""),
		AlertTopicARN:      getEnv("ALERT_TOPIC_ARN", ""),
		AuditQueueURL:      getEnv("AUDIT_QUEUE_URL", ""),
		OTLPEndpoint:       getEnv("OTLP_ENDPOINT", ""),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

// Validate reports configuration the gateway must not start with.
func (c *Config) Validate() error {
	if err := crypto.ValidateSecret(c.EncryptionSecret); err != nil {
		return fmt.Errorf("VAULT_ENCRYPTION_SECRET: %w", err)
	}

	switch c.SecretsBackend {
	case SecretsBackendEnv:
	case SecretsBackendAWS:
		if c.AWSRegion == "" {
			return errors.New("SECRETS_BACKEND=aws requires AWS_REGION")
		}
	default:
		return fmt.Errorf("SECRETS_BACKEND: unknown backend %q", c.SecretsBackend)
	}

	if c.BedrockEnabled && c.AWSRegion == "" {
		return errors.New("BEDROCK_ENABLED requires AWS_REGION")
	}
	if (c.AlertTopicARN != "" || c.AuditQueueURL != "") && c.AWSRegion == "" {
		return errors.New("ALERT_TOPIC_ARN and AUDIT_QUEUE_URL require AWS_REGION")
	}
	if c.StreamIdleTimeout < 0 {
		return errors.New("STREAM_IDLE_TIMEOUT must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("90s", "5m") or a bare number of seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
