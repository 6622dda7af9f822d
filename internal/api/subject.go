package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/attune/internal/domain"
)

// SubjectHandler handles the subject's side: share offers and verdicts.
type SubjectHandler struct {
	*Handler
}

// NewSubjectHandler creates a subject handler.
func NewSubjectHandler(base *Handler) *SubjectHandler {
	return &SubjectHandler{Handler: base}
}

// RegisterRoutes registers subject routes.
func (h *SubjectHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/sessions/{sessionID}/about-me", h.View)
	r.Route("/api/offers/{offerID}", func(r chi.Router) {
		r.Post("/decision", h.Decide)
		r.Post("/decline/confirm", h.ConfirmDecline)
		r.Post("/decline/cancel", h.CancelDecline)
	})
	r.Post("/api/attempts/{attemptID}/verdict", h.Verdict)
}

// View returns what the caller may see about the guess made about them.
func (h *SubjectHandler) View(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	v, err := h.svc.SubjectView(r.Context(), chi.URLParam(r, "sessionID"), userID)
	if err != nil {
		h.fail(w, r, "subject_view", err)
		return
	}
	JSON(w, http.StatusOK, v)
}

type decisionRequest struct {
	Decision string `json:"decision"`
	Intent   string `json:"intent"`
}

// Decide answers a share offer with accept or decline.
func (h *SubjectHandler) Decide(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "subject_decision", err)
		return
	}
	if err := h.svc.OnSubjectDecision(r.Context(), userID, chi.URLParam(r, "offerID"), req.Decision, req.Intent); err != nil {
		h.fail(w, r, "subject_decision", err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// ConfirmDecline confirms a pending decline.
func (h *SubjectHandler) ConfirmDecline(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.svc.ConfirmDecline(r.Context(), userID, chi.URLParam(r, "offerID")); err != nil {
		h.fail(w, r, "confirm_decline", err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "declined"})
}

// CancelDecline withdraws a pending decline; the offer stays open.
func (h *SubjectHandler) CancelDecline(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.svc.CancelDecline(r.Context(), userID, chi.URLParam(r, "offerID")); err != nil {
		h.fail(w, r, "cancel_decline", err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

type verdictRequest struct {
	Verdict string `json:"verdict"`
	Intent  string `json:"intent"`
}

// Verdict records the caller's accuracy verdict on a revealed attempt.
func (h *SubjectHandler) Verdict(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req verdictRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "subject_verdict", err)
		return
	}
	err := h.svc.OnSubjectVerdict(r.Context(), userID, chi.URLParam(r, "attemptID"), domain.Verdict(req.Verdict), req.Intent)
	if err != nil {
		h.fail(w, r, "subject_verdict", err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}
