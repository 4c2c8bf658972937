package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mechlabs/mech-queue/internal/audit"
	"github.com/mechlabs/mech-queue/internal/webhook"
)

type createSubscriptionRequest struct {
	URL       string            `json:"url" validate:"required,url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Secret    string            `json:"secret" validate:"required"`
	Events    []string          `json:"events" validate:"required,min=1"`
	Filter    webhook.Filter    `json:"filter"`
	TimeoutMs int               `json:"timeoutMs"`
}

func (h *Handlers) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sub := &webhook.Subscription{
		ID:            uuid.NewString(),
		ApplicationID: applicationIDFromContext(r.Context()),
		URL:           req.URL,
		Method:        req.Method,
		Headers:       req.Headers,
		Secret:        req.Secret,
		Events:        req.Events,
		Filter:        req.Filter,
		Active:        true,
		TimeoutMs:     req.TimeoutMs,
		CreatedAt:     time.Now(),
	}
	if err := h.webhookStore.Create(r.Context(), sub); err != nil {
		writeError(w, r, err)
		return
	}
	h.audit.Record(r.Context(), audit.Entry{ApplicationID: sub.ApplicationID, Action: "subscription.create", ResourceType: "subscription", ResourceID: sub.ID})
	writeData(w, http.StatusCreated, sub)
}

func (h *Handlers) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	appID := applicationIDFromContext(r.Context())
	subs, err := h.webhookStore.List(r.Context(), appID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, subs)
}

func (h *Handlers) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	appID := applicationIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.webhookStore.Delete(r.Context(), appID, id); err != nil {
		writeError(w, r, err)
		return
	}
	h.audit.Record(r.Context(), audit.Entry{ApplicationID: appID, Action: "subscription.delete", ResourceType: "subscription", ResourceID: id})
	writeData(w, http.StatusOK, map[string]string{"status": "deleted"})
}
