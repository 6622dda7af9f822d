// Package api provides HTTP handlers for the attune API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/attune/internal/identity"
	"github.com/ashureev/attune/internal/reconciler"
	"github.com/ashureev/attune/internal/store"
)

// maxBodyBytes bounds request bodies; guesses and intents are short prose.
const maxBodyBytes = 64 << 10

// Handler provides common handler utilities.
type Handler struct {
	svc    *reconciler.Service
	logger *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(svc *reconciler.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps reconciler errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, reconciler.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, reconciler.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, reconciler.ErrFeedbackRequired):
		return http.StatusUnprocessableEntity, "feedback_required"
	case errors.Is(err, reconciler.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, reconciler.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// fail writes the error response for a failed service call. Details of
// internal failures stay in the log.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "op", op, "error", err, "user_id", identity.UserIDFromContext(r.Context()))
		Error(w, status, code)
		return
	}
	h.logger.Debug("Request rejected", "op", op, "error", err, "status", status)
	JSON(w, status, map[string]string{"error": code, "detail": err.Error()})
}

// decode reads a JSON request body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed body: %w", reconciler.ErrInvalidInput, err)
	}
	return nil
}

// caller returns the acting user, writing 401 when there is none.
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userID, true
}
