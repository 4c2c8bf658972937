package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mechlabs/mech-queue/internal/reasoning"
)

type storeStepRequest struct {
	SessionID string               `json:"sessionId" validate:"required"`
	Type      reasoning.StepType   `json:"type" validate:"required"`
	Content   reasoning.Content    `json:"content"`
	Context   reasoning.StepContext `json:"context"`
	Quality   reasoning.Quality    `json:"quality"`
	Metadata  reasoning.Metadata   `json:"metadata"`
}

func (h *Handlers) storeReasoningStep(w http.ResponseWriter, r *http.Request) {
	var req storeStepRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	step := reasoning.Step{
		ApplicationID: applicationIDFromContext(r.Context()),
		SessionID:     req.SessionID,
		Type:          req.Type,
		Content:       req.Content,
		Context:       req.Context,
		Quality:       req.Quality,
		Metadata:      req.Metadata,
	}
	stored, err := h.reasoning.StoreStep(r.Context(), step)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, stored)
}

func (h *Handlers) getReasoningChain(w http.ResponseWriter, r *http.Request) {
	appID := applicationIDFromContext(r.Context())
	chain, err := h.reasoning.GetChain(r.Context(), appID, chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, chain)
}

type searchReasoningRequest struct {
	Query     string               `json:"query" validate:"required"`
	SessionID string               `json:"sessionId"`
	Types     []reasoning.StepType `json:"types"`
}

func (h *Handlers) searchReasoning(w http.ResponseWriter, r *http.Request) {
	var req searchReasoningRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	appID := applicationIDFromContext(r.Context())
	results, err := h.reasoning.Search(r.Context(), appID, req.Query, reasoning.SearchFilters{
		SessionID: req.SessionID, Types: req.Types,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, results)
}

func (h *Handlers) analyzeReasoning(w http.ResponseWriter, r *http.Request) {
	appID := applicationIDFromContext(r.Context())
	analysis, err := h.reasoning.Analyze(r.Context(), appID, chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, analysis)
}
