package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BROKER_ADDR", "")
	t.Setenv("PORT", "")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.RateLimit.MaxRequests != 600 {
		t.Fatalf("RateLimit.MaxRequests = %d, want 600", cfg.RateLimit.MaxRequests)
	}
	if len(cfg.DeclaredQueues) != 2 {
		t.Fatalf("DeclaredQueues = %d, want 2", len(cfg.DeclaredQueues))
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("RATE_LIMIT_WINDOW_MS", "1000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("Port = %d, want 9000", cfg.Port)
	}
	if len(cfg.CORS.Origins) != 2 {
		t.Fatalf("CORS.Origins = %v, want 2 entries", cfg.CORS.Origins)
	}
	if cfg.RateLimit.WindowMs != 1000 {
		t.Fatalf("RateLimit.WindowMs = %d, want 1000", cfg.RateLimit.WindowMs)
	}
}

func TestLoad_InvalidIntErrors(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want error for invalid PORT")
	}
}

func TestLoad_YAMLFileOverridesDefaultsAndEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mechqueue.yaml")
	yamlBody := "port: 9500\nlog_level: debug\nrate_limit:\n  max_requests: 42\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("MECHQUEUE_CONFIG_FILE", path)
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9500 {
		t.Fatalf("Port = %d, want 9500 from config file", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug from config file", cfg.LogLevel)
	}
	if cfg.RateLimit.MaxRequests != 42 {
		t.Fatalf("RateLimit.MaxRequests = %d, want 42 from config file", cfg.RateLimit.MaxRequests)
	}

	t.Setenv("PORT", "9600")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9600 {
		t.Fatalf("Port = %d, want 9600; env must win over config file", cfg.Port)
	}
}

func TestFingerprint_StableForSameConfig(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("Fingerprint() not stable: %s != %s", a.Fingerprint(), b.Fingerprint())
	}
}
