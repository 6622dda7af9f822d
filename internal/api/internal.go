package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/attune/internal/domain"
	"github.com/ashureev/attune/internal/reconciler"
	"github.com/ashureev/attune/internal/telemetry"
)

// InternalHandler serves the routes called by the session stage engine and
// by operators. They are not user-facing.
type InternalHandler struct {
	*Handler
	token     string
	anomalies *telemetry.Anomalies
}

// NewInternalHandler creates an internal handler. A non-empty token must be
// presented as a bearer token on every internal route.
func NewInternalHandler(base *Handler, token string, anomalies *telemetry.Anomalies) *InternalHandler {
	return &InternalHandler{Handler: base, token: token, anomalies: anomalies}
}

// RegisterRoutes registers internal routes.
func (h *InternalHandler) RegisterRoutes(r chi.Router) {
	r.Route("/internal", func(r chi.Router) {
		r.Use(h.requireToken)
		r.Post("/stage-ready", h.StageReady)
		r.Get("/sessions/{sessionID}/history", h.SessionHistory)
		r.Get("/sessions/{sessionID}/directions/{guesserID}/history", h.DirectionHistory)
		r.Post("/sweep", h.Sweep)
		r.Get("/anomalies", h.Anomalies)
	})
}

func (h *InternalHandler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
				Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type stageReadyRequest struct {
	SessionID   string `json:"session_id"`
	GuesserID   string `json:"guesser_id"`
	SubjectID   string `json:"subject_id"`
	GuessText   string `json:"guess_text"`
	GroundTruth string `json:"ground_truth"`
}

// StageReady starts analysis once the subject's ground truth is available.
func (h *InternalHandler) StageReady(w http.ResponseWriter, r *http.Request) {
	var req stageReadyRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "stage_ready", err)
		return
	}
	err := h.svc.OnStageReadyForAnalysis(r.Context(), reconciler.StageReady{
		SessionID:   req.SessionID,
		GuesserID:   req.GuesserID,
		SubjectID:   req.SubjectID,
		GuessText:   req.GuessText,
		GroundTruth: req.GroundTruth,
	})
	if err != nil {
		h.fail(w, r, "stage_ready", err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "analyzing"})
}

// SessionHistory returns the audit trail of every direction in a session.
func (h *InternalHandler) SessionHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := h.svc.SessionHistory(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.fail(w, r, "session_history", err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"directions": hist})
}

// DirectionHistory returns the audit trail of one direction.
func (h *InternalHandler) DirectionHistory(w http.ResponseWriter, r *http.Request) {
	key := domain.DirectionKey{SessionID: chi.URLParam(r, "sessionID"), GuesserID: chi.URLParam(r, "guesserID")}
	hist, err := h.svc.History(r.Context(), key)
	if err != nil {
		h.fail(w, r, "direction_history", err)
		return
	}
	JSON(w, http.StatusOK, hist)
}

// Sweep restarts analyses that have been running too long.
func (h *InternalHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Sweep(r.Context())
	if err != nil {
		h.fail(w, r, "sweep", err)
		return
	}
	JSON(w, http.StatusOK, map[string]int{"restarted": n})
}

// Anomalies returns the process-local anomaly counts.
func (h *InternalHandler) Anomalies(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.anomalies.Snapshot())
}
