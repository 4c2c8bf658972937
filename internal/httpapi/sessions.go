package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mechlabs/mech-queue/internal/audit"
	"github.com/mechlabs/mech-queue/internal/session"
)

type createSessionRequest struct {
	ProjectID string `json:"projectId"`
	Title     string `json:"title"`
}

func (h *Handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	appID := applicationIDFromContext(r.Context())
	sess, err := h.session.Create(r.Context(), appID, req.ProjectID, req.Title)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.audit.Record(r.Context(), audit.Entry{ApplicationID: appID, Action: "session.create", ResourceType: "session", ResourceID: sess.ID})
	writeData(w, http.StatusCreated, sess)
}

func (h *Handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	appID := applicationIDFromContext(r.Context())
	sessions, err := h.session.List(r.Context(), appID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sessions)
}

func (h *Handlers) getSession(w http.ResponseWriter, r *http.Request) {
	appID := applicationIDFromContext(r.Context())
	sess, err := h.session.Get(r.Context(), appID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sess)
}

type updateSessionRequest struct {
	Title              *string            `json:"title"`
	Status             *session.Status    `json:"status"`
	Context            *session.Context   `json:"context"`
	StatisticsCounters map[string]int     `json:"statisticsCounters"`
}

func (h *Handlers) updateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	appID := applicationIDFromContext(r.Context())
	sess, err := h.session.Update(r.Context(), appID, chi.URLParam(r, "id"), session.Update{
		Title: req.Title, Status: req.Status, Context: req.Context, StatisticsCounters: req.StatisticsCounters,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sess)
}

type endSessionRequest struct {
	Status session.Status `json:"status" validate:"required"`
}

func (h *Handlers) endSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	appID := applicationIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.session.End(r.Context(), appID, id, req.Status); err != nil {
		writeError(w, r, err)
		return
	}
	h.audit.Record(r.Context(), audit.Entry{ApplicationID: appID, Action: "session.end", ResourceType: "session", ResourceID: id})
	writeData(w, http.StatusOK, map[string]string{"status": "ended"})
}

type createCheckpointRequest struct {
	Label string         `json:"label" validate:"required"`
	State map[string]any `json:"state"`
}

func (h *Handlers) createCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req createCheckpointRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sessionID := chi.URLParam(r, "id")
	cp, err := h.session.Checkpoint(r.Context(), sessionID, req.Label, req.State)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.audit.Record(r.Context(), audit.Entry{ApplicationID: applicationIDFromContext(r.Context()), Action: "session.checkpoint", ResourceType: "session", ResourceID: sessionID})
	writeData(w, http.StatusCreated, cp)
}

func (h *Handlers) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := h.session.ListCheckpoints(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, cps)
}

func (h *Handlers) restoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	err := h.session.RestoreCheckpoint(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "checkpointId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "restored"})
}
