package doctor

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestCheckRedis_NoClientConfigured(t *testing.T) {
	result := checkRedis(context.Background(), nil)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN for unconfigured broker, got %s", result.Status)
	}
}

func TestCheckRedis_Reachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	result := checkRedis(context.Background(), rdb)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckRedis_Unreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { _ = rdb.Close() })

	result := checkRedis(context.Background(), rdb)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for unreachable broker, got %s", result.Status)
	}
}

func TestCheckPostgres_NoConnectionConfigured(t *testing.T) {
	result := checkPostgres(context.Background(), nil)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN for unconfigured database, got %s", result.Status)
	}
}

func TestCheckMigrations_NoConnectionConfigured(t *testing.T) {
	result := checkMigrations(nil)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN for unconfigured database, got %s", result.Status)
	}
}

func TestRunReportsSystemInfo(t *testing.T) {
	d := Run(context.Background(), Config{}, "test-version")
	if d.System.Version != "test-version" {
		t.Fatalf("System.Version = %q, want test-version", d.System.Version)
	}
	if len(d.Results) != 3 {
		t.Fatalf("len(Results) = %d, want 3", len(d.Results))
	}
}
