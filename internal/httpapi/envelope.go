package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mechlabs/mech-queue/internal/apperrors"
)

// envelope is the response shape every handler writes, per spec.md §6:
// {success, data?, error?: {code, message, details?, timestamp, requestId}}.
type envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Code      apperrors.Code    `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	RequestID string            `json:"requestId"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := requestIDFromContext(r.Context())
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Internal("internal error", err)
	}
	if appErr.Code == apperrors.CodeInternal {
		slog.Error("request failed", "error", err, "requestId", requestID, "path", r.URL.Path)
	}
	writeJSON(w, appErr.HTTPStatus(), envelope{
		Success: false,
		Error: &envelopeError{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Details:   appErr.Details,
			Timestamp: time.Now(),
			RequestID: requestID,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encode response", "error", err)
	}
}
