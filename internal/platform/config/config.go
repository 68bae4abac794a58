package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"aipgate/internal/pool"
)

// Config captures everything the gateway needs at startup. Loaded once;
// never mutated afterwards.
type Config struct {
	Addr     string
	LogLevel string

	// APIKey protects the caller-facing endpoints. Empty disables the check.
	APIKey string

	RedisURL      string
	RedisPassword string

	Credentials []pool.Credential

	TokenMaxUses         int
	MonthlyQuotaLimit    int
	QPSLimit             int
	MaxConsecutiveErrors int
	HealthCheckInterval  time.Duration

	TokenURL     string
	RecognizeURL string

	// ClearTokensOnStart wipes cached tokens and the round-robin cursors at
	// boot. Off by default: concurrent replicas booting would thrash each
	// other's cache.
	ClearTokensOnStart bool

	AuditBrokers []string
	AuditTopic   string
}

// FromEnv builds a Config from environment variables so main stays lean.
// A .env file in the working directory is honored when present.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Addr:                 getEnv("AIPGATE_ADDR", ":8182"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		APIKey:               os.Getenv("API_KEY"),
		RedisURL:             getEnv("REDIS_URL", "redis://localhost:6379/8"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		TokenMaxUses:         getEnvInt("TOKEN_MAX_USES", 900),
		MonthlyQuotaLimit:    getEnvInt("MONTHLY_QUOTA_LIMIT", 1000),
		QPSLimit:             getEnvInt("QPS_LIMIT", 2),
		MaxConsecutiveErrors: getEnvInt("MAX_CONSECUTIVE_ERRORS", 3),
		HealthCheckInterval:  time.Duration(getEnvInt("HEALTH_CHECK_INTERVAL", 3600)) * time.Second,
		TokenURL:             getEnv("UPSTREAM_TOKEN_URL", "https://aip.baidubce.com/oauth/2.0/token"),
		RecognizeURL:         getEnv("UPSTREAM_RECOGNIZE_URL", "https://aip.baidubce.com/rest/2.0/ocr/v1/multiple_invoice"),
		ClearTokensOnStart:   os.Getenv("POOL_CLEAR_TOKENS_ON_START") == "true",
		AuditTopic:           getEnv("AUDIT_TOPIC", "aipgate.audit"),
	}

	if brokers := os.Getenv("AUDIT_BROKERS"); brokers != "" {
		cfg.AuditBrokers = splitAndTrim(brokers)
	}

	raw := os.Getenv("UPSTREAM_CREDENTIALS")
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Credentials); err != nil {
			return Config{}, fmt.Errorf("parse UPSTREAM_CREDENTIALS: %w (expected JSON array [{\"client_id\":...,\"client_secret\":...}])", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the startup invariants. An empty credential list is a
// hard failure: the pool cannot produce tokens without at least one.
func (c Config) Validate() error {
	if len(c.Credentials) == 0 {
		return fmt.Errorf("UPSTREAM_CREDENTIALS is empty: at least one credential is required")
	}
	for i, cred := range c.Credentials {
		if cred.ID == "" || cred.Secret == "" {
			return fmt.Errorf("credential %d: client_id and client_secret are both required", i)
		}
	}
	if c.TokenMaxUses <= 0 {
		return fmt.Errorf("TOKEN_MAX_USES must be positive, got %d", c.TokenMaxUses)
	}
	if c.MonthlyQuotaLimit <= 0 {
		return fmt.Errorf("MONTHLY_QUOTA_LIMIT must be positive, got %d", c.MonthlyQuotaLimit)
	}
	if c.QPSLimit <= 0 {
		return fmt.Errorf("QPS_LIMIT must be positive, got %d", c.QPSLimit)
	}
	if c.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("MAX_CONSECUTIVE_ERRORS must be positive, got %d", c.MaxConsecutiveErrors)
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("HEALTH_CHECK_INTERVAL must be positive, got %s", c.HealthCheckInterval)
	}
	if c.TokenURL == "" {
		return fmt.Errorf("UPSTREAM_TOKEN_URL is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
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

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
