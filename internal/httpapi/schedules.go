package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mechlabs/mech-queue/internal/audit"
	"github.com/mechlabs/mech-queue/internal/scheduler"
)

type endpointRequest struct {
	URL       string            `json:"url" validate:"required,url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	TimeoutMs int               `json:"timeoutMs"`
}

type retryPolicyRequest struct {
	MaxAttempts       int     `json:"maxAttempts"`
	InitialDelayMs    int     `json:"initialDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
}

type createScheduleRequest struct {
	Name        string              `json:"name" validate:"required"`
	CronExpr    string              `json:"cronExpr"`
	Timezone    string              `json:"timezone"`
	At          *time.Time          `json:"at"`
	EndDate     *time.Time          `json:"endDate"`
	Limit       int                 `json:"limit"`
	Endpoint    endpointRequest     `json:"endpoint" validate:"required"`
	RetryPolicy *retryPolicyRequest `json:"retryPolicy"`
}

func (h *Handlers) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	appID := applicationIDFromContext(r.Context())
	now := time.Now()
	sched := &scheduler.Schedule{
		ID:             uuid.NewString(),
		ApplicationID:  appID,
		Name:           req.Name,
		CronExpr:       req.CronExpr,
		Timezone:       req.Timezone,
		At:             req.At,
		EndDate:        req.EndDate,
		Limit:          req.Limit,
		Endpoint: scheduler.Endpoint{
			URL: req.Endpoint.URL, Method: req.Endpoint.Method, Headers: req.Endpoint.Headers,
			Body: req.Endpoint.Body, TimeoutMs: req.Endpoint.TimeoutMs,
		},
		Enabled:   true,
		CreatedBy: appID,
		CreatedAt: now,
	}
	if req.RetryPolicy != nil {
		sched.RetryPolicy = scheduler.RetryPolicy{
			MaxAttempts: req.RetryPolicy.MaxAttempts, InitialDelayMs: req.RetryPolicy.InitialDelayMs,
			BackoffMultiplier: req.RetryPolicy.BackoffMultiplier,
		}
	}
	next, err := scheduler.NextFire(sched, now)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sched.NextExecutionAt = next

	if err := h.scheduleStore.Create(r.Context(), sched); err != nil {
		writeError(w, r, err)
		return
	}
	h.audit.Record(r.Context(), audit.Entry{ApplicationID: appID, Action: "schedule.create", ResourceType: "schedule", ResourceID: sched.ID})
	writeData(w, http.StatusCreated, sched)
}

func (h *Handlers) listSchedules(w http.ResponseWriter, r *http.Request) {
	appID := applicationIDFromContext(r.Context())
	schedules, err := h.scheduleStore.List(r.Context(), appID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, schedules)
}

func (h *Handlers) getSchedule(w http.ResponseWriter, r *http.Request) {
	appID := applicationIDFromContext(r.Context())
	sched, err := h.scheduleStore.Get(r.Context(), appID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sched)
}

func (h *Handlers) updateSchedule(w http.ResponseWriter, r *http.Request) {
	appID := applicationIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	sched, err := h.scheduleStore.Get(r.Context(), appID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req createScheduleRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sched.Name = req.Name
	sched.CronExpr = req.CronExpr
	sched.Timezone = req.Timezone
	sched.At = req.At
	sched.EndDate = req.EndDate
	sched.Limit = req.Limit
	sched.Endpoint = scheduler.Endpoint{
		URL: req.Endpoint.URL, Method: req.Endpoint.Method, Headers: req.Endpoint.Headers,
		Body: req.Endpoint.Body, TimeoutMs: req.Endpoint.TimeoutMs,
	}
	if req.RetryPolicy != nil {
		sched.RetryPolicy = scheduler.RetryPolicy{
			MaxAttempts: req.RetryPolicy.MaxAttempts, InitialDelayMs: req.RetryPolicy.InitialDelayMs,
			BackoffMultiplier: req.RetryPolicy.BackoffMultiplier,
		}
	}
	next, err := scheduler.NextFire(sched, time.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	sched.NextExecutionAt = next
	if err := h.scheduleStore.Update(r.Context(), sched); err != nil {
		writeError(w, r, err)
		return
	}
	h.audit.Record(r.Context(), audit.Entry{ApplicationID: appID, Action: "schedule.update", ResourceType: "schedule", ResourceID: sched.ID})
	writeData(w, http.StatusOK, sched)
}

func (h *Handlers) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	appID := applicationIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.scheduleStore.Delete(r.Context(), appID, id); err != nil {
		writeError(w, r, err)
		return
	}
	h.audit.Record(r.Context(), audit.Entry{ApplicationID: appID, Action: "schedule.delete", ResourceType: "schedule", ResourceID: id})
	writeData(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handlers) executeSchedule(w http.ResponseWriter, r *http.Request) {
	appID := applicationIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.scheduler.ExecuteNow(r.Context(), appID, id); err != nil {
		writeError(w, r, err)
		return
	}
	h.audit.Record(r.Context(), audit.Entry{ApplicationID: appID, Action: "schedule.execute", ResourceType: "schedule", ResourceID: id})
	writeData(w, http.StatusOK, map[string]string{"status": "executed"})
}

type toggleScheduleRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handlers) toggleSchedule(w http.ResponseWriter, r *http.Request) {
	appID := applicationIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	var req toggleScheduleRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.scheduleStore.SetEnabled(r.Context(), appID, id, req.Enabled, time.Now()); err != nil {
		writeError(w, r, err)
		return
	}
	h.audit.Record(r.Context(), audit.Entry{ApplicationID: appID, Action: "schedule.toggle", ResourceType: "schedule", ResourceID: id, Detail: map[string]any{"enabled": req.Enabled}})
	writeData(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}
