package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/attune/internal/domain"
)

// GuesserHandler handles the guesser's side of a direction. The direction is
// always the caller's own: the guesser id comes from identity, never the URL.
type GuesserHandler struct {
	*Handler
}

// NewGuesserHandler creates a guesser handler.
func NewGuesserHandler(base *Handler) *GuesserHandler {
	return &GuesserHandler{Handler: base}
}

// RegisterRoutes registers guesser routes.
func (h *GuesserHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions/{sessionID}/guess", func(r chi.Router) {
		r.Get("/", h.View)
		r.Post("/", h.Submit)
		r.Post("/refinement", h.SubmitRefinement)
		r.Post("/accept", h.AcceptWithoutRevising)
		r.Post("/help", h.RequestHelp)
	})
	r.Route("/api/feedback/{feedbackID}", func(r chi.Router) {
		r.Post("/accept", h.AcceptFeedback)
		r.Post("/refine", h.RefineAfterFeedback)
	})
}

func (h *GuesserHandler) key(w http.ResponseWriter, r *http.Request) (domain.DirectionKey, bool) {
	userID, ok := caller(w, r)
	if !ok {
		return domain.DirectionKey{}, false
	}
	return domain.DirectionKey{SessionID: chi.URLParam(r, "sessionID"), GuesserID: userID}, true
}

type submitGuessRequest struct {
	SubjectID string `json:"subject_id"`
	Text      string `json:"text"`
}

// Submit records or revises the caller's guess about the subject.
func (h *GuesserHandler) Submit(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	var req submitGuessRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "submit_guess", err)
		return
	}
	if err := h.svc.SubmitGuess(r.Context(), key, req.SubjectID, req.Text); err != nil {
		h.fail(w, r, "submit_guess", err)
		return
	}
	h.writeView(w, r, key, http.StatusAccepted)
}

// View returns the caller's view of their direction.
func (h *GuesserHandler) View(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	h.writeView(w, r, key, http.StatusOK)
}

func (h *GuesserHandler) writeView(w http.ResponseWriter, r *http.Request, key domain.DirectionKey, status int) {
	v, err := h.svc.GuesserView(r.Context(), key)
	if err != nil {
		h.fail(w, r, "guesser_view", err)
		return
	}
	JSON(w, status, v)
}

type refinementRequest struct {
	Text string `json:"text"`
}

// SubmitRefinement submits a revised guess from REFINING.
func (h *GuesserHandler) SubmitRefinement(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	var req refinementRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "submit_refinement", err)
		return
	}
	if err := h.svc.OnGuesserRefinementSubmitted(r.Context(), key, req.Text); err != nil {
		h.fail(w, r, "submit_refinement", err)
		return
	}
	h.writeView(w, r, key, http.StatusAccepted)
}

// AcceptWithoutRevising keeps the current guess after shared context.
func (h *GuesserHandler) AcceptWithoutRevising(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	if err := h.svc.OnGuesserAcceptedWithoutRevising(r.Context(), key); err != nil {
		h.fail(w, r, "accept_without_revising", err)
		return
	}
	h.writeView(w, r, key, http.StatusOK)
}

type helpRequest struct {
	Message string `json:"message"`
}

// RequestHelp asks for coaching while refining.
func (h *GuesserHandler) RequestHelp(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	var req helpRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "refinement_help", err)
		return
	}
	reply, err := h.svc.RequestRefinementHelp(r.Context(), key, req.Message)
	if err != nil {
		h.fail(w, r, "refinement_help", err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"reply": reply})
}

// AcceptFeedback accepts the subject's inaccurate verdict as final.
func (h *GuesserHandler) AcceptFeedback(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.svc.AcceptFeedback(r.Context(), userID, chi.URLParam(r, "feedbackID")); err != nil {
		h.fail(w, r, "accept_feedback", err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// RefineAfterFeedback reopens refinement after an inaccurate verdict.
func (h *GuesserHandler) RefineAfterFeedback(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.svc.RefineAfterFeedback(r.Context(), userID, chi.URLParam(r, "feedbackID")); err != nil {
		h.fail(w, r, "refine_after_feedback", err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "refining"})
}
