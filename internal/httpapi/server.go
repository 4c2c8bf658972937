// Package httpapi exposes the REST surface spec.md §6 describes: jobs,
// schedules, subscriptions, reasoning, code search, and sessions, behind
// the response envelope and middleware chain described in SPEC_FULL.md §6.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/mechlabs/mech-queue/internal/audit"
	"github.com/mechlabs/mech-queue/internal/dispatcher"
	"github.com/mechlabs/mech-queue/internal/reasoning"
	"github.com/mechlabs/mech-queue/internal/scheduler"
	"github.com/mechlabs/mech-queue/internal/session"
	"github.com/mechlabs/mech-queue/internal/vectorsearch"
	"github.com/mechlabs/mech-queue/internal/webhook"
)

// Handlers bundles the component services the HTTP layer calls into.
// Stores are wired directly (not just their owning services) where a
// component has no service wrapper of its own, e.g. schedules and
// subscriptions are CRUD over their Store with the scheduler/engine only
// consuming the same Store in the background.
type Handlers struct {
	dispatcher    *dispatcher.Dispatcher
	scheduler     *scheduler.Scheduler
	scheduleStore scheduler.Store
	webhookStore  webhook.Store
	vectorsearch  *vectorsearch.Service
	reasoning     *reasoning.Service
	session       *session.Service
	audit         *audit.Logger
	readiness     func() error
}

// Config collects the dependencies a Router needs.
type Config struct {
	Dispatcher    *dispatcher.Dispatcher
	Scheduler     *scheduler.Scheduler
	ScheduleStore scheduler.Store
	WebhookStore  webhook.Store
	VectorSearch  *vectorsearch.Service
	Reasoning     *reasoning.Service
	Session       *session.Service
	Audit         *audit.Logger

	Logger      *slog.Logger
	KeyResolver KeyResolver
	RateLimiter *RateLimiter
	CORSOrigins []string

	// Readiness reports a non-nil error while a downstream dependency
	// (broker, database) is unreachable; /readyz reflects it, /healthz
	// does not.
	Readiness func() error
}

// NewRouter builds the full middleware chain and route table described in
// SPEC_FULL.md §6: request-id, logging, recovery, auth, rate-limit.
func NewRouter(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		dispatcher:    cfg.Dispatcher,
		scheduler:     cfg.Scheduler,
		scheduleStore: cfg.ScheduleStore,
		webhookStore:  cfg.WebhookStore,
		vectorsearch:  cfg.VectorSearch,
		reasoning:     cfg.Reasoning,
		session:       cfg.Session,
		audit:         cfg.Audit,
		readiness:     cfg.Readiness,
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogging(logger))
	r.Use(recoverPanic(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Api-Key", "X-Session-Id", "X-Project-Id", "X-Request-Id"},
		MaxAge:           3600,
	}))

	r.Get("/health", h.health)
	r.Get("/healthz", h.health)
	r.Get("/readyz", h.readyz)
	r.Get("/metrics", h.metrics)

	r.Route("/api", func(api chi.Router) {
		api.Use(auth(cfg.KeyResolver))
		if cfg.RateLimiter != nil {
			api.Use(rateLimit(cfg.RateLimiter))
		}

		api.Route("/jobs/{queue}", func(jr chi.Router) {
			jr.Post("/", h.submitJob)
			jr.Get("/{id}", h.getJob)
			jr.Delete("/{id}", h.deleteJob)
		})
		api.Route("/queues/{queue}", func(qr chi.Router) {
			qr.Get("/stats", h.queueStats)
			qr.Post("/pause", h.pauseQueue)
			qr.Post("/resume", h.resumeQueue)
		})

		api.Route("/schedules", func(sr chi.Router) {
			sr.Post("/", h.createSchedule)
			sr.Get("/", h.listSchedules)
			sr.Get("/{id}", h.getSchedule)
			sr.Put("/{id}", h.updateSchedule)
			sr.Delete("/{id}", h.deleteSchedule)
			sr.Post("/{id}/execute", h.executeSchedule)
			sr.Patch("/{id}/toggle", h.toggleSchedule)
		})

		api.Route("/subscriptions", func(sr chi.Router) {
			sr.Post("/", h.createSubscription)
			sr.Get("/", h.listSubscriptions)
			sr.Delete("/{id}", h.deleteSubscription)
		})

		api.Route("/reasoning", func(rr chi.Router) {
			rr.Post("/store", h.storeReasoningStep)
			rr.Get("/chain/{sessionId}", h.getReasoningChain)
			rr.Post("/search", h.searchReasoning)
			rr.Post("/analyze/{sessionId}", h.analyzeReasoning)
		})

		api.Route("/code", func(cr chi.Router) {
			cr.Post("/search", h.searchCode)
			cr.Post("/index", h.indexCode)
		})

		api.Route("/sessions", func(sr chi.Router) {
			sr.Post("/", h.createSession)
			sr.Get("/", h.listSessions)
			sr.Get("/{id}", h.getSession)
			sr.Patch("/{id}", h.updateSession)
			sr.Post("/{id}/end", h.endSession)
			sr.Post("/{id}/checkpoints", h.createCheckpoint)
			sr.Get("/{id}/checkpoints", h.listCheckpoints)
			sr.Post("/{id}/checkpoints/{checkpointId}/restore", h.restoreCheckpoint)
		})
	})

	return r
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) readyz(w http.ResponseWriter, r *http.Request) {
	if h.readiness != nil {
		if err := h.readiness(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "reason": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func (h *Handlers) metrics(w http.ResponseWriter, r *http.Request) {
	// This path answers with an empty 200 text/plain body; no Prometheus
	// exporter is wired in cmd/mechqueue, so no metrics are exposed here.
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
}
