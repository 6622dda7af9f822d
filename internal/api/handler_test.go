//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/attune/internal/alignment"
	"github.com/ashureev/attune/internal/completion"
	"github.com/ashureev/attune/internal/gatekeeper"
	"github.com/ashureev/attune/internal/identity"
	"github.com/ashureev/attune/internal/reconciler"
	"github.com/ashureev/attune/internal/store"
	"github.com/ashureev/attune/internal/telemetry"
)

const testToken = "internal-secret"

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("offer o1: %w", reconciler.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("offer o1: %w", reconciler.ErrForbidden), http.StatusForbidden},
		{reconciler.ErrFeedbackRequired, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: empty", reconciler.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("%w: not refining", reconciler.ErrInvalidState), http.StatusConflict},
		{fmt.Errorf("apply: %w", store.ErrVersionConflict), http.StatusConflict},
		{reconciler.ErrConsentViolation, http.StatusInternalServerError},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

type testServer struct {
	t      *testing.T
	router http.Handler
	svc    *reconciler.Service
	stub   *completion.Stub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stub := completion.NewStub()
	anomalies := telemetry.NewAnomalies()
	repo := store.NewMemory()

	analyzer := alignment.NewAnalyzer(stub, alignment.Options{InitialInterval: time.Millisecond}, logger)
	gk := gatekeeper.New(stub, gatekeeper.Options{}, anomalies, logger)
	svc := reconciler.New(repo, analyzer, gk, anomalies, reconciler.Options{RevealPolicy: reconciler.RevealIndependent}, logger)
	t.Cleanup(svc.Wait)

	base := NewHandler(svc, logger)
	r := chi.NewRouter()
	r.Use(identity.Middleware(identity.Options{TrustHeader: true}))
	NewGuesserHandler(base).RegisterRoutes(r)
	NewSubjectHandler(base).RegisterRoutes(r)
	NewInternalHandler(base, testToken, anomalies).RegisterRoutes(r)
	NewHealthHandler(repo, time.Second).RegisterHealth(r)

	return &testServer{t: t, router: r, svc: svc, stub: stub}
}

func (s *testServer) do(method, path, userID string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("marshal body: %v", err)
		}
		rd = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, rd)
	if userID != "" {
		req.Header.Set(identity.UserHeaderName, userID)
	}
	if strings.HasPrefix(path, "/internal") {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func (s *testServer) proceedAnalysis() {
	s.stub.Respond(completion.TaskAlignmentAnalysis, map[string]any{
		"score":              92,
		"gap_severity":       "none",
		"missed_feelings":    []string{"unappreciated"},
		"most_important_gap": "",
		"recommendation": map[string]any{
			"action":                "PROCEED",
			"rationale":             "close match",
			"suggested_share_focus": "",
		},
	})
}

func TestRequestsWithoutUserAreUnauthorized(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/api/sessions/s1/guess", "/api/sessions/s1/about-me"} {
		if w := s.do(http.MethodGet, path, "", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s: status %d, want 401", path, w.Code)
		}
	}
	if w := s.do(http.MethodPost, "/api/offers/o1/decision", "", map[string]string{"decision": "accept"}); w.Code != http.StatusUnauthorized {
		t.Errorf("POST decision: status %d, want 401", w.Code)
	}
}

func TestInvalidUserHeaderRejected(t *testing.T) {
	s := newTestServer(t)
	if w := s.do(http.MethodGet, "/api/sessions/s1/guess", "not a valid id!", nil); w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}

func TestInternalRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/internal/sweep", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("without token: status %d, want 401", w.Code)
	}

	w = s.do(http.MethodPost, "/internal/sweep", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("with token: status %d, want 200: %s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["restarted"]; got != float64(0) {
		t.Errorf("restarted = %v, want 0", got)
	}
}

func TestSubmitGuessValidation(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/sessions/s1/guess", "alice", map[string]string{"subject_id": "alice", "text": "hi"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("self-guess: status %d, want 400", w.Code)
	}

	w = s.do(http.MethodPost, "/api/sessions/s1/guess", "alice", map[string]any{"subject_id": "bob", "text": "x", "extra": 1})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown field: status %d, want 400", w.Code)
	}

	if w := s.do(http.MethodGet, "/api/sessions/s1/guess", "carol", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing direction: status %d, want 404", w.Code)
	}
}

func TestGuessToVerdictOverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.proceedAnalysis()

	w := s.do(http.MethodPost, "/api/sessions/s1/guess", "alice", map[string]string{
		"subject_id": "bob",
		"text":       "You have been worn down by work.",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: status %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["status"]; got != reconciler.GuesserWaiting {
		t.Errorf("status after submit = %v, want %s", got, reconciler.GuesserWaiting)
	}

	w = s.do(http.MethodPost, "/internal/stage-ready", "", map[string]string{
		"session_id":   "s1",
		"guesser_id":   "alice",
		"subject_id":   "bob",
		"guess_text":   "You have been worn down by work.",
		"ground_truth": "Work has been exhausting and I feel unseen.",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("stage-ready: status %d: %s", w.Code, w.Body.String())
	}
	s.svc.Wait()

	w = s.do(http.MethodGet, "/api/sessions/s1/guess", "alice", nil)
	if got := decodeBody(t, w)["status"]; got != reconciler.GuesserRevealed {
		t.Fatalf("guesser status = %v, want %s", got, reconciler.GuesserRevealed)
	}

	w = s.do(http.MethodGet, "/api/sessions/s1/about-me", "bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("subject view: status %d: %s", w.Code, w.Body.String())
	}
	var sv reconciler.SubjectView
	if err := json.Unmarshal(w.Body.Bytes(), &sv); err != nil {
		t.Fatalf("decode subject view: %v", err)
	}
	if sv.Revealed == nil {
		t.Fatal("subject should see the revealed attempt")
	}
	verdictPath := "/api/attempts/" + sv.Revealed.ID + "/verdict"

	if w := s.do(http.MethodPost, verdictPath, "alice", map[string]string{"verdict": "accurate"}); w.Code != http.StatusForbidden {
		t.Errorf("guesser verdict: status %d, want 403", w.Code)
	}
	if w := s.do(http.MethodPost, verdictPath, "bob", map[string]string{"verdict": "inaccurate"}); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("inaccurate without intent: status %d, want 422", w.Code)
	}
	if w := s.do(http.MethodPost, verdictPath, "bob", map[string]string{"verdict": "accurate"}); w.Code != http.StatusOK {
		t.Fatalf("verdict: status %d: %s", w.Code, w.Body.String())
	}

	w = s.do(http.MethodGet, "/api/sessions/s1/guess", "alice", nil)
	var gv reconciler.GuesserView
	if err := json.Unmarshal(w.Body.Bytes(), &gv); err != nil {
		t.Fatalf("decode guesser view: %v", err)
	}
	if gv.Feedback == nil || gv.Feedback.Verdict != "accurate" {
		t.Errorf("guesser feedback = %+v, want accurate verdict", gv.Feedback)
	}

	w = s.do(http.MethodGet, "/internal/sessions/s1/history", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history: status %d", w.Code)
	}
	dirs, _ := decodeBody(t, w)["directions"].([]any)
	if len(dirs) != 1 {
		t.Errorf("history directions = %d, want 1", len(dirs))
	}
}

func TestOfferRoutesCheckOwnership(t *testing.T) {
	s := newTestServer(t)
	if w := s.do(http.MethodPost, "/api/offers/missing/decision", "bob", map[string]string{"decision": "accept"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown offer: status %d, want 404", w.Code)
	}
	if w := s.do(http.MethodPost, "/api/offers/missing/decision", "bob", map[string]string{"decision": "maybe"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad decision: status %d, want 400", w.Code)
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealth(t *testing.T) {
	h := NewHealthHandler(store.NewMemory(), time.Second)
	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", w.Code)
	}

	h.Check("redis", failingPinger{})
	w = httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
}
