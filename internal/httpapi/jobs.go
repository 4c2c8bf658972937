package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mechlabs/mech-queue/internal/apperrors"
	"github.com/mechlabs/mech-queue/internal/audit"
	"github.com/mechlabs/mech-queue/internal/queue"
)

type jobOptionsRequest struct {
	DelayMs   int64             `json:"delayMs"`
	Priority  int64             `json:"priority"`
	Attempts  int               `json:"attempts"`
	TimeoutMs int               `json:"timeoutMs"`
	Metadata  map[string]string `json:"metadata"`
}

func (o jobOptionsRequest) toQueueOptions() queue.JobOptions {
	var delayUntil time.Time
	if o.DelayMs > 0 {
		delayUntil = time.Now().Add(time.Duration(o.DelayMs) * time.Millisecond)
	}
	return queue.JobOptions{
		Priority:   o.Priority,
		DelayUntil: delayUntil,
		Attempts:   o.Attempts,
		TimeoutMs:  o.TimeoutMs,
		Metadata:   o.Metadata,
	}
}

type submitJobRequest struct {
	Data    map[string]any    `json:"data"`
	Options jobOptionsRequest `json:"options"`
}

func (h *Handlers) submitJob(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	var req submitJobRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	payload, err := json.Marshal(req.Data)
	if err != nil {
		writeError(w, r, apperrors.Validation("invalid job data", map[string]string{"data": err.Error()}))
		return
	}
	appID := applicationIDFromContext(r.Context())
	jobID, err := h.dispatcher.Submit(r.Context(), queueName, appID, payload, req.Options.toQueueOptions())
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.audit.Record(r.Context(), audit.Entry{ApplicationID: appID, Action: "job.submit", ResourceType: "job", ResourceID: jobID, Detail: map[string]any{"queue": queueName}})
	writeData(w, http.StatusCreated, map[string]string{"jobId": jobID})
}

func (h *Handlers) getJob(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	jobID := chi.URLParam(r, "id")
	job, err := h.dispatcher.Status(r.Context(), queueName, jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, job)
}

func (h *Handlers) deleteJob(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	jobID := chi.URLParam(r, "id")
	if err := h.dispatcher.Cancel(r.Context(), queueName, jobID); err != nil {
		writeError(w, r, err)
		return
	}
	appID := applicationIDFromContext(r.Context())
	h.audit.Record(r.Context(), audit.Entry{ApplicationID: appID, Action: "job.cancel", ResourceType: "job", ResourceID: jobID, Detail: map[string]any{"queue": queueName}})
	writeData(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *Handlers) queueStats(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	counts, err := h.dispatcher.Stats(r.Context(), queueName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, counts)
}

func (h *Handlers) pauseQueue(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	if err := h.dispatcher.Pause(r.Context(), queueName); err != nil {
		writeError(w, r, err)
		return
	}
	appID := applicationIDFromContext(r.Context())
	h.audit.Record(r.Context(), audit.Entry{ApplicationID: appID, Action: "queue.pause", ResourceType: "queue", ResourceID: queueName})
	writeData(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *Handlers) resumeQueue(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	if err := h.dispatcher.Resume(r.Context(), queueName); err != nil {
		writeError(w, r, err)
		return
	}
	appID := applicationIDFromContext(r.Context())
	h.audit.Record(r.Context(), audit.Entry{ApplicationID: appID, Action: "queue.resume", ResourceType: "queue", ResourceID: queueName})
	writeData(w, http.StatusOK, map[string]string{"status": "resumed"})
}
