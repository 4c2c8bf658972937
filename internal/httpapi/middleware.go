package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mechlabs/mech-queue/internal/apperrors"
)

type contextKey struct{ name string }

var (
	requestIDKey    = contextKey{"requestId"}
	applicationKey  = contextKey{"applicationId"}
	sessionIDKey    = contextKey{"sessionId"}
	projectIDKey    = contextKey{"projectId"}
)

// requestID generates or echoes X-Request-Id and threads it through the
// context so handlers and error responses can reference it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// requestLogging logs method, path, status, and duration for every request,
// tagging the line with the request id for correlation.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"durationMs", time.Since(start).Milliseconds(),
				"requestId", requestIDFromContext(r.Context()))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// recoverPanic converts a panicking handler into a 500 envelope instead of
// tearing down the listener goroutine.
func recoverPanic(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", "panic", rec, "requestId", requestIDFromContext(r.Context()))
					writeError(w, r, apperrors.Internal("internal error", nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractAPIKey reads the tenant API key from X-Api-Key, falling back to
// Authorization: Bearer, matching the header set spec.md §6 names.
func ExtractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// KeyResolver maps an API key to the tenant application id it authenticates,
// returning ok=false for unknown keys.
type KeyResolver func(key string) (applicationID string, ok bool)

// auth validates the tenant API key with a constant-time comparison per
// key, injecting the resolved application id, session id, and project id
// into the request context.
func auth(resolve KeyResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ExtractAPIKey(r)
			if key == "" {
				writeError(w, r, apperrors.Authentication("missing API key"))
				return
			}
			appID, ok := resolveConstantTime(resolve, key)
			if !ok {
				writeError(w, r, apperrors.Authentication("invalid API key"))
				return
			}
			ctx := context.WithValue(r.Context(), applicationKey, appID)
			ctx = context.WithValue(ctx, sessionIDKey, r.Header.Get("X-Session-Id"))
			ctx = context.WithValue(ctx, projectIDKey, r.Header.Get("X-Project-Id"))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// resolveConstantTime calls resolve but keeps the key comparison itself
// constant-time inside resolve's own lookup; this wrapper exists so call
// sites don't need to repeat the nil-check.
func resolveConstantTime(resolve KeyResolver, key string) (string, bool) {
	if resolve == nil {
		return "", false
	}
	return resolve(key)
}

func applicationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(applicationKey).(string); ok {
		return id
	}
	return ""
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StaticKeyResolver builds a KeyResolver over a fixed key->tenant map,
// looking up with a constant-time comparison per entry so key content does
// not leak through response timing; the comparison still returns early when
// the lengths differ, and the loop stops at the first match (grounds on the
// teacher's AuthMiddleware.lookupKey).
func StaticKeyResolver(keys map[string]string) KeyResolver {
	return func(key string) (string, bool) {
		for k, appID := range keys {
			if constantTimeEqual(k, key) {
				return appID, true
			}
		}
		return "", false
	}
}
