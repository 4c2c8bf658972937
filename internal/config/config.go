// Package config loads service configuration from environment variables,
// applying defaults and normalizing values used across the dispatcher,
// scheduler, webhook engine, and vector search components.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig controls the HTTP-layer per-key rate limiter (distinct
// from the per-queue reservation rate limit in queue.Definition.RateLimit).
type RateLimitConfig struct {
	WindowMs          int `yaml:"window_ms"`
	MaxRequests       int `yaml:"max_requests"`
}

// CORSConfig controls the allowed origins for the HTTP API.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// QueueDefault describes the default job options pre-registered for a
// named queue (spec.md §4.2).
type QueueDefault struct {
	Name              string `yaml:"name"`
	Attempts          int    `yaml:"attempts"`
	BackoffKind       string `yaml:"backoff_kind"` // exponential | fixed | linear
	BackoffBaseMs     int64  `yaml:"backoff_base_ms"`
	MaxConcurrentJobs int    `yaml:"max_concurrent_jobs"`
}

// Config is the fully-resolved, validated service configuration.
type Config struct {
	BrokerAddr string `yaml:"broker_addr"`
	DBURI      string `yaml:"db_uri"`
	DBName     string `yaml:"db_name"`

	EmbeddingProviderKey string `yaml:"embedding_provider_key"`
	EmbeddingBaseURL     string `yaml:"embedding_base_url"`
	EmbeddingModel       string `yaml:"embedding_model"`
	EmbeddingDimensions  int    `yaml:"embedding_dimensions"`

	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`

	ShutdownGraceMs int `yaml:"shutdown_grace_ms"`

	// ServiceDefaultRemoveOnComplete / ServiceDefaultRemoveOnFail apply to
	// ad-hoc queues auto-created on first enqueue (spec.md §4.2).
	ServiceDefaultRemoveOnCompleteAgeSec int `yaml:"service_default_remove_on_complete_age_sec"`
	ServiceDefaultRemoveOnCompleteCount  int `yaml:"service_default_remove_on_complete_count"`
	ServiceDefaultRemoveOnFailAgeSec     int `yaml:"service_default_remove_on_fail_age_sec"`
	ServiceDefaultRemoveOnFailCount      int `yaml:"service_default_remove_on_fail_count"`

	DeclaredQueues []QueueDefault `yaml:"declared_queues"`
}

// Fingerprint returns a stable hash of the resolved config that identifies
// which config an instance loaded without printing secrets. No endpoint
// serves it; /health returns only the status.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "port=%d|metrics=%d|log=%s|broker=%s|db=%s|embed_dims=%d|queues=%d",
		c.Port, c.MetricsPort, c.LogLevel, c.BrokerAddr, c.DBName, c.EmbeddingDimensions, len(c.DeclaredQueues))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// defaultDeclaredQueues mirrors spec.md §4.2's worked examples: "email"
// (attempts=3, exponential 2s) and "webhook" (attempts=5, exponential 5s).
func defaultDeclaredQueues() []QueueDefault {
	return []QueueDefault{
		{Name: "email", Attempts: 3, BackoffKind: "exponential", BackoffBaseMs: 2000, MaxConcurrentJobs: 10},
		{Name: "webhook", Attempts: 5, BackoffKind: "exponential", BackoffBaseMs: 5000, MaxConcurrentJobs: 20},
	}
}

func defaultConfig() Config {
	return Config{
		BrokerAddr:          "127.0.0.1:6379",
		DBURI:               "postgres://localhost:5432",
		DBName:              "mechqueue",
		EmbeddingBaseURL:    "https://api.openai.com/v1",
		EmbeddingModel:      "text-embedding-3-small",
		EmbeddingDimensions: 1536,
		Port:                8080,
		MetricsPort:         9090,
		LogLevel:            "info",
		RateLimit: RateLimitConfig{
			WindowMs:    60_000,
			MaxRequests: 600,
		},
		ShutdownGraceMs:                       10_000,
		ServiceDefaultRemoveOnCompleteAgeSec:   3600,
		ServiceDefaultRemoveOnCompleteCount:    1000,
		ServiceDefaultRemoveOnFailAgeSec:       86400,
		ServiceDefaultRemoveOnFailCount:        5000,
		DeclaredQueues:                         defaultDeclaredQueues(),
	}
}

// Load reads configuration from an optional YAML file (MECHQUEUE_CONFIG_FILE,
// defaulting to ./mechqueue.yaml) and then the environment (spec.md §6),
// applying defaults and normalizing the result. A missing config file is not
// an error; environment variables always take precedence over file values.
func Load() (Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("MECHQUEUE_CONFIG_FILE")
	if configPath == "" {
		configPath = "mechqueue.yaml"
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read %s: %w", configPath, err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BROKER_ADDR"); v != "" {
		cfg.BrokerAddr = v
	}
	if v := os.Getenv("DB_URI"); v != "" {
		cfg.DBURI = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.DBName = v
	}
	if v := os.Getenv("EMBEDDING_PROVIDER_KEY"); v != "" {
		cfg.EmbeddingProviderKey = v
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.EmbeddingBaseURL = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.EmbeddingModel = v
	}
	if v, err := intEnv("EMBEDDING_DIMENSIONS"); err != nil {
		return err
	} else if v != 0 {
		cfg.EmbeddingDimensions = v
	}
	if v, err := intEnv("PORT"); err != nil {
		return err
	} else if v != 0 {
		cfg.Port = v
	}
	if v, err := intEnv("METRICS_PORT"); err != nil {
		return err
	} else if v != 0 {
		cfg.MetricsPort = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v, err := intEnv("RATE_LIMIT_WINDOW_MS"); err != nil {
		return err
	} else if v != 0 {
		cfg.RateLimit.WindowMs = v
	}
	if v, err := intEnv("RATE_LIMIT_MAX_REQUESTS"); err != nil {
		return err
	} else if v != 0 {
		cfg.RateLimit.MaxRequests = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORS.Origins = splitAndTrim(v)
	}
	if v, err := intEnv("SHUTDOWN_GRACE_MS"); err != nil {
		return err
	} else if v != 0 {
		cfg.ShutdownGraceMs = v
	}
	return nil
}

func intEnv(name string) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalize(cfg *Config) {
	if cfg.Port <= 0 {
		cfg.Port = 8080
	}
	if cfg.MetricsPort <= 0 {
		cfg.MetricsPort = 9090
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ShutdownGraceMs <= 0 {
		cfg.ShutdownGraceMs = 10_000
	}
	if cfg.RateLimit.WindowMs <= 0 {
		cfg.RateLimit.WindowMs = 60_000
	}
	if cfg.RateLimit.MaxRequests <= 0 {
		cfg.RateLimit.MaxRequests = 600
	}
	if cfg.EmbeddingDimensions <= 0 {
		cfg.EmbeddingDimensions = 1536
	}
	if len(cfg.DeclaredQueues) == 0 {
		cfg.DeclaredQueues = defaultDeclaredQueues()
	}
}

// ShutdownGrace returns the shutdown grace period as a time.Duration.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMs) * time.Millisecond
}

// RateLimitWindow returns the HTTP rate-limit window as a time.Duration.
func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowMs) * time.Millisecond
}
