package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mechlabs/mech-queue/internal/audit"
	"github.com/mechlabs/mech-queue/internal/broker"
	"github.com/mechlabs/mech-queue/internal/config"
	"github.com/mechlabs/mech-queue/internal/dispatcher"
	"github.com/mechlabs/mech-queue/internal/embedding"
	"github.com/mechlabs/mech-queue/internal/eventbus"
	"github.com/mechlabs/mech-queue/internal/httpapi"
	mqotel "github.com/mechlabs/mech-queue/internal/otel"
	"github.com/mechlabs/mech-queue/internal/queue"
	"github.com/mechlabs/mech-queue/internal/reasoning"
	"github.com/mechlabs/mech-queue/internal/scheduler"
	"github.com/mechlabs/mech-queue/internal/session"
	"github.com/mechlabs/mech-queue/internal/storage/postgres"
	"github.com/mechlabs/mech-queue/internal/telemetry"
	"github.com/mechlabs/mech-queue/internal/vectorsearch"
	"github.com/mechlabs/mech-queue/internal/webhook"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                    Start the service (broker, dispatcher, scheduler, webhook engine, HTTP API)
  %s doctor [-json|-text]  Run startup diagnostic checks against Redis and Postgres
  %s help               Show this message

ENVIRONMENT VARIABLES are documented in internal/config/config.go; the
most common are BROKER_ADDR, DB_URI, DB_NAME, PORT, LOG_LEVEL.
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) > 1 {
		switch strings.ToLower(strings.TrimSpace(os.Args[1])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "doctor":
			os.Exit(runDoctorCommand(ctx, os.Args[2:]))
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger := telemetry.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")

	otelProvider, err := mqotel.Init(ctx, mqotel.Config{Enabled: false})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := mqotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	db, err := postgres.Connect(ctx, buildDSN(cfg))
	if err != nil {
		fatalStartup(logger, "E_DB_CONNECT", err)
	}
	defer db.Close()
	if err := postgres.Migrate(db); err != nil {
		fatalStartup(logger, "E_DB_MIGRATE", err)
	}
	logger.Info("startup phase", "phase", "schema_migrated")

	brk := broker.New(cfg.BrokerAddr, logger)
	defer brk.Close()

	eventBus := eventbus.NewWithLogger(logger)

	declared := make([]queue.Definition, 0, len(cfg.DeclaredQueues))
	for _, q := range cfg.DeclaredQueues {
		declared = append(declared, queue.Definition{
			Name:     q.Name,
			Attempts: q.Attempts,
			Backoff: queue.Backoff{
				Kind:      queue.BackoffKind(q.BackoffKind),
				BaseDelay: time.Duration(q.BackoffBaseMs) * time.Millisecond,
			},
			MaxConcurrency: q.MaxConcurrentJobs,
		})
	}
	serviceDefaults := queue.ServiceDefaults{
		RemoveOnComplete: queue.RemovalPolicy{
			AgeSec:   cfg.ServiceDefaultRemoveOnCompleteAgeSec,
			MaxCount: cfg.ServiceDefaultRemoveOnCompleteCount,
		},
		RemoveOnFail: queue.RemovalPolicy{
			AgeSec:   cfg.ServiceDefaultRemoveOnFailAgeSec,
			MaxCount: cfg.ServiceDefaultRemoveOnFailCount,
		},
		Attempts: 3,
	}
	registry := queue.New(declared, serviceDefaults)

	disp := dispatcher.New(dispatcher.Config{
		Broker:   brk,
		Registry: registry,
		Bus:      eventBus,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err := disp.Start(ctx); err != nil {
		fatalStartup(logger, "E_DISPATCHER_START", err)
	}
	defer disp.Stop()
	logger.Info("startup phase", "phase", "dispatcher_started")

	scheduleStore := postgres.NewScheduleStore(db)
	sched := scheduler.New(scheduler.Config{
		Store:  scheduleStore,
		Bus:    eventBus,
		Logger: logger,
	})
	sched.Start(ctx)
	defer sched.Stop()

	webhookStore := postgres.NewWebhookStore(db)
	hooks := webhook.New(webhook.Config{
		Store:  webhookStore,
		Bus:    eventBus,
		Logger: logger,
	})
	hooks.Start(ctx)
	defer hooks.Stop()

	embedProvider := embedding.NewHTTPProvider(cfg.EmbeddingBaseURL, cfg.EmbeddingProviderKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	vectorStore := postgres.NewVectorSearchStore(db)
	vsService := vectorsearch.New(vectorStore, embedProvider)

	reasoningStore := postgres.NewReasoningStore(db)
	reasoningService := reasoning.New(reasoningStore)

	sessionStore := postgres.NewSessionStore(db)
	sessionService := session.New(sessionStore)

	auditLogger := audit.New(db, logger)

	readiness := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := brk.Ping(pingCtx); err != nil {
			return fmt.Errorf("broker unreachable: %w", err)
		}
		if err := db.PingContext(pingCtx); err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
		return nil
	}

	keyResolver := httpapi.StaticKeyResolver(loadAPIKeys())
	rateLimiter := httpapi.NewRateLimiter(cfg.RateLimit.WindowMs, cfg.RateLimit.MaxRequests)
	rateLimiter.StartEviction(ctx, 5*time.Minute, 30*time.Minute)

	router := httpapi.NewRouter(httpapi.Config{
		Dispatcher:    disp,
		Scheduler:     sched,
		ScheduleStore: scheduleStore,
		WebhookStore:  webhookStore,
		VectorSearch:  vsService,
		Reasoning:     reasoningService,
		Session:       sessionService,
		Audit:         auditLogger,
		Logger:        logger,
		KeyResolver:   keyResolver,
		RateLimiter:   rateLimiter,
		CORSOrigins:   cfg.CORS.Origins,
		Readiness:     readiness,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: router}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// buildDSN joins DBURI and DBName into a single Postgres connection string.
// DBURI is expected to carry host/port/credentials only, with no database
// path or query string: a non-empty DBName is appended to it as
// "/<DBName>?sslmode=disable". An empty DBName returns DBURI unchanged.
func buildDSN(cfg config.Config) string {
	if cfg.DBName == "" {
		return cfg.DBURI
	}
	return fmt.Sprintf("%s/%s?sslmode=disable", strings.TrimRight(cfg.DBURI, "/"), cfg.DBName)
}

// loadAPIKeys reads tenant API keys from MECHQUEUE_API_KEYS, a comma
// separated list of key:applicationID pairs (e.g. "sk-abc:tenant-1,sk-def:tenant-2").
// There is no multi-tenant key-management UI in this service; keys are
// provisioned out of band and injected via environment at deploy time.
func loadAPIKeys() map[string]string {
	out := make(map[string]string)
	raw := strings.TrimSpace(os.Getenv("MECHQUEUE_API_KEYS"))
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		appID := strings.TrimSpace(parts[1])
		if key == "" || appID == "" {
			continue
		}
		out[key] = appID
	}
	return out
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
