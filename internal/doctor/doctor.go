// Package doctor runs startup preflight checks against the broker and
// database, generalizing the teacher's diagnostic CLI
// (internal/doctor/doctor.go) from LLM-provider/tool checks to this
// service's own dependencies.
package doctor

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/mechlabs/mech-queue/internal/storage/postgres"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN"
	Message string `json:"message"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Config names the dependencies to probe; any zero-valued field skips its
// check with a WARN rather than a FAIL, so doctor runs standalone even
// before a database or broker is configured.
type Config struct {
	Redis    redis.UniversalClient
	Postgres *sqlx.DB
}

func Run(ctx context.Context, cfg Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS: runtime.GOOS, Arch: runtime.GOARCH, Go: runtime.Version(), Version: version,
		},
	}
	d.Results = append(d.Results,
		checkRedis(ctx, cfg.Redis),
		checkPostgres(ctx, cfg.Postgres),
		checkMigrations(cfg.Postgres),
	)
	return d
}

func checkRedis(ctx context.Context, rdb redis.UniversalClient) CheckResult {
	if rdb == nil {
		return CheckResult{Name: "Broker", Status: "WARN", Message: "no Redis client configured"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return CheckResult{Name: "Broker", Status: "FAIL", Message: fmt.Sprintf("ping failed: %v", err)}
	}
	return CheckResult{Name: "Broker", Status: "PASS", Message: "Redis reachable"}
}

func checkPostgres(ctx context.Context, db *sqlx.DB) CheckResult {
	if db == nil {
		return CheckResult{Name: "Database", Status: "WARN", Message: "no Postgres connection configured"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("ping failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Postgres reachable"}
}

func checkMigrations(db *sqlx.DB) CheckResult {
	if db == nil {
		return CheckResult{Name: "Migrations", Status: "WARN", Message: "no Postgres connection configured"}
	}
	version, err := postgres.Status(db)
	if err != nil {
		return CheckResult{Name: "Migrations", Status: "FAIL", Message: fmt.Sprintf("status check failed: %v", err)}
	}
	return CheckResult{Name: "Migrations", Status: "PASS", Message: fmt.Sprintf("at version %d", version)}
}
