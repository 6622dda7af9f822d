package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/attune/internal/alignment"
	"github.com/ashureev/attune/internal/completion"
	"github.com/ashureev/attune/internal/domain"
	"github.com/ashureev/attune/internal/gatekeeper"
	"github.com/ashureev/attune/internal/store"
	"github.com/ashureev/attune/internal/telemetry"
)

func TestMain(m *testing.M) {
	// genai pulls in opencensus, which starts a worker in init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const (
	sessionID = "session-1"
	alice     = "alice"
	bob       = "bob"

	aliceGuess = "You have been tired because of the commute."
	bobTruth   = "Work has been crushing me and nobody notices what I do."
	bobGuess   = "You seemed worried about your sister."
	aliceTruth = "I am worried about my sister's surgery."
)

var aliceKey = domain.DirectionKey{SessionID: sessionID, GuesserID: alice}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

// Now advances by a millisecond per call so every timestamp is distinct.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	repo      *store.MemoryStore
	stub      *completion.Stub
	clock     *fakeClock
	anomalies *telemetry.Anomalies
	svc       *Service
	commits   atomic.Int64
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		t:         t,
		ctx:       context.Background(),
		repo:      store.NewMemory(),
		stub:      completion.NewStub(),
		clock:     &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		anomalies: telemetry.NewAnomalies(),
	}
	var ids atomic.Int64
	opts := Options{
		Now:      h.clock.Now,
		NewID:    func() string { return fmt.Sprintf("id-%d", ids.Add(1)) },
		OnCommit: func() { h.commits.Add(1) },
	}
	for _, fn := range configure {
		fn(&opts)
	}

	analyzer := alignment.NewAnalyzer(h.stub, alignment.Options{MaxRetries: 0, InitialInterval: time.Millisecond}, logger)
	gk := gatekeeper.New(h.stub, gatekeeper.Options{Strict: true}, h.anomalies, logger)
	h.svc = New(h.repo, analyzer, gk, h.anomalies, opts, logger)
	t.Cleanup(h.checkEventKinds)
	t.Cleanup(h.svc.Wait)
	return h
}

// checkEventKinds fails the test if the service emitted a kind missing from
// domain.KnownEventKinds. It runs after in-flight analyses finish.
func (h *harness) checkEventKinds() {
	known := make(map[domain.EventKind]bool, len(domain.KnownEventKinds))
	for _, k := range domain.KnownEventKinds {
		known[k] = true
	}
	for _, e := range h.repo.Events() {
		if !known[e.Kind] {
			h.t.Errorf("event %d has unlisted kind %q", e.Seq, e.Kind)
		}
	}
}

func independentReveal(o *Options) { o.RevealPolicy = RevealIndependent }

// analyze makes every alignment analysis return the given score and severity.
func (h *harness) analyze(score int, severity domain.Severity, focus string) {
	h.stub.Respond(completion.TaskAlignmentAnalysis, analysisResponse(score, severity, focus))
}

func analysisResponse(score int, severity domain.Severity, focus string) map[string]any {
	action := map[domain.Severity]string{
		domain.SeverityNone:        "PROCEED",
		domain.SeverityModerate:    "OFFER_OPTIONAL",
		domain.SeveritySignificant: "OFFER_SHARING",
	}[severity]
	gap := ""
	if severity != domain.SeverityNone {
		gap = focus
	}
	return map[string]any{
		"score":              score,
		"gap_severity":       string(severity),
		"missed_feelings":    []string{"unappreciated"},
		"most_important_gap": gap,
		"recommendation": map[string]any{
			"action":                action,
			"rationale":             "fixture",
			"suggested_share_focus": focus,
		},
	}
}

func (h *harness) submitAndAnalyze(key domain.DirectionKey, subject, guess, truth string) {
	h.t.Helper()
	require.NoError(h.t, h.svc.SubmitGuess(h.ctx, key, subject, guess))
	require.NoError(h.t, h.svc.OnStageReadyForAnalysis(h.ctx, StageReady{
		SessionID:   key.SessionID,
		GuesserID:   key.GuesserID,
		SubjectID:   subject,
		GuessText:   guess,
		GroundTruth: truth,
	}))
	h.svc.Wait()
}

func (h *harness) direction(key domain.DirectionKey) *domain.Direction {
	h.t.Helper()
	d, err := h.repo.GetDirection(h.ctx, key)
	require.NoError(h.t, err)
	require.NotNil(h.t, d)
	return d
}

func (h *harness) results(key domain.DirectionKey) []*domain.ReconcilerResult {
	h.t.Helper()
	rs, err := h.repo.ListResults(h.ctx, key)
	require.NoError(h.t, err)
	return rs
}

func (h *harness) offers(key domain.DirectionKey) []*domain.ShareOffer {
	h.t.Helper()
	os, err := h.repo.ListOffers(h.ctx, key)
	require.NoError(h.t, err)
	return os
}

func (h *harness) pendingOffer(key domain.DirectionKey) *domain.ShareOffer {
	h.t.Helper()
	o, err := h.repo.PendingOffer(h.ctx, key)
	require.NoError(h.t, err)
	require.NotNil(h.t, o, "expected a pending offer")
	return o
}

func (h *harness) guesserView(key domain.DirectionKey) *GuesserView {
	h.t.Helper()
	v, err := h.svc.GuesserView(h.ctx, key)
	require.NoError(h.t, err)
	return v
}

// eventsFor returns the events addressed to a user, in commit order.
func (h *harness) eventsFor(userID string) []*domain.Event {
	var out []*domain.Event
	for _, e := range h.repo.Events() {
		if e.RecipientID == userID {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) countEvents(kind domain.EventKind) int {
	n := 0
	for _, e := range h.repo.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func payload(t *testing.T, e *domain.Event) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(e.Payload, &m))
	return m
}
