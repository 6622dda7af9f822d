package gatekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ashureev/attune/internal/completion"
	"github.com/ashureev/attune/internal/domain"
	"github.com/ashureev/attune/internal/telemetry"
)

func TestShareDraftProducesMediated(t *testing.T) {
	t.Parallel()

	stub := completion.NewStub().Respond(completion.TaskShareDraft, map[string]string{"draft": "  Work has been heavy.  "})
	gk := New(stub, Options{Strict: true}, nil, nil)

	m, err := gk.ShareDraft(context.Background(), "work stress", "my boss yells at me", "")
	if err != nil {
		t.Fatalf("ShareDraft: %v", err)
	}
	if m.IsZero() {
		t.Fatal("expected sealed value")
	}
	if m.Text() != "Work has been heavy." {
		t.Fatalf("unexpected text %q", m.Text())
	}
	if m.Task() != completion.TaskShareDraft {
		t.Fatalf("unexpected task %s", m.Task())
	}
	if err := gk.Verify(context.Background(), m); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	calls := stub.Calls(completion.TaskShareDraft)
	if len(calls) != 1 {
		t.Fatalf("expected 1 completion call, got %d", len(calls))
	}
	if _, ok := calls[0].Inputs[completion.InputIntent]; ok {
		t.Fatal("empty intent should not be sent")
	}
}

func TestMediateRejectsUnusableResponses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		stub *completion.Stub
	}{
		{name: "missing field", stub: completion.NewStub().Respond(completion.TaskFeedbackRewrite, map[string]string{"text": "x"})},
		{name: "blank", stub: completion.NewStub().Respond(completion.TaskFeedbackRewrite, map[string]string{"feedback": "  "})},
		{name: "wrong type", stub: completion.NewStub().Respond(completion.TaskFeedbackRewrite, map[string]int{"feedback": 3})},
		{name: "backend error", stub: completion.NewStub().Fail(completion.TaskFeedbackRewrite, errors.New("unavailable"))},
		{name: "not an object", stub: completion.NewStub().On(completion.TaskFeedbackRewrite, func(completion.Request) (json.RawMessage, error) {
			return json.RawMessage(`"just text"`), nil
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gk := New(tt.stub, Options{}, nil, nil)
			m, err := gk.FeedbackRewrite(context.Background(), domain.VerdictInaccurate, "you were bored", "I was scared")
			if !errors.Is(err, ErrMediationFailed) {
				t.Fatalf("expected ErrMediationFailed, got %v", err)
			}
			if !m.IsZero() {
				t.Fatal("failed mediation must not yield a deliverable value")
			}
		})
	}
}

func TestFeedbackRewriteRequiresIntent(t *testing.T) {
	t.Parallel()

	stub := completion.NewStub()
	gk := New(stub, Options{}, nil, nil)
	if _, err := gk.FeedbackRewrite(context.Background(), domain.VerdictInaccurate, "attempt", " "); !errors.Is(err, ErrMediationFailed) {
		t.Fatalf("expected ErrMediationFailed, got %v", err)
	}
	if len(stub.Calls(completion.TaskFeedbackRewrite)) != 0 {
		t.Fatal("completion should not be called without intent")
	}
}

func TestVerifyUnmediatedLenient(t *testing.T) {
	t.Parallel()

	anomalies := telemetry.NewAnomalies()
	gk := New(completion.NewStub(), Options{Strict: false}, anomalies, nil)
	if err := gk.Verify(context.Background(), Mediated{}); !errors.Is(err, ErrConsentViolation) {
		t.Fatalf("expected ErrConsentViolation, got %v", err)
	}
	if anomalies.Count(telemetry.AnomalyConsentViolation) != 1 {
		t.Fatal("expected consent violation to be counted")
	}
}

func TestVerifyUnmediatedStrictPanics(t *testing.T) {
	t.Parallel()

	gk := New(completion.NewStub(), Options{Strict: true}, nil, nil)
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrConsentViolation) {
			t.Fatalf("expected panic with ErrConsentViolation, got %v", r)
		}
	}()
	_ = gk.Verify(context.Background(), Mediated{})
}

func TestMediatedMarshalsTextOnly(t *testing.T) {
	t.Parallel()

	stub := completion.NewStub().Respond(completion.TaskRefinementHelp, map[string]string{"reply": "Try naming the feeling."})
	gk := New(stub, Options{}, nil, nil)
	m, err := gk.RefinementHelp(context.Background(), "you were tired", "", "what did I miss?")
	if err != nil {
		t.Fatalf("RefinementHelp: %v", err)
	}
	b, err := json.Marshal(struct {
		Reply Mediated `json:"reply"`
	}{m})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"reply":"Try naming the feeling."}` {
		t.Fatalf("unexpected json %s", b)
	}
}
