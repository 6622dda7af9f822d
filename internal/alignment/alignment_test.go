package alignment

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/attune/internal/completion"
	"github.com/ashureev/attune/internal/domain"
)

func analysisJSON(score int, severity, action, focus string) map[string]any {
	return map[string]any{
		"score":              score,
		"gap_severity":       severity,
		"missed_feelings":    []string{"unappreciated", " "},
		"most_important_gap": "Work stress",
		"recommendation": map[string]any{
			"action":                action,
			"rationale":             "because",
			"suggested_share_focus": focus,
		},
	}
}

func fastAnalyzer(client completion.Client, retries int) *Analyzer {
	return NewAnalyzer(client, Options{MaxRetries: retries, InitialInterval: time.Millisecond}, nil)
}

func TestAnalyzeParsesValidResponse(t *testing.T) {
	t.Parallel()

	stub := completion.NewStub().Respond(completion.TaskAlignmentAnalysis,
		analysisJSON(70, "moderate", "OFFER_OPTIONAL", "Work stress and feeling unappreciated"))
	got, err := fastAnalyzer(stub, 2).Analyze(context.Background(), "you were tired", "I feel unappreciated", "")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got.Score != 70 || got.GapSeverity != domain.SeverityModerate {
		t.Fatalf("unexpected analysis %+v", got)
	}
	if got.Recommendation.Action != domain.ActionOfferOptional {
		t.Fatalf("unexpected action %s", got.Recommendation.Action)
	}
	if got.Recommendation.SuggestedShareFocus != "Work stress and feeling unappreciated" {
		t.Fatalf("unexpected focus %q", got.Recommendation.SuggestedShareFocus)
	}
	if len(got.MissedFeelings) != 1 {
		t.Fatalf("blank feelings should be dropped: %v", got.MissedFeelings)
	}
	calls := stub.Calls(completion.TaskAlignmentAnalysis)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if _, ok := calls[0].Inputs[completion.InputSharedContext]; ok {
		t.Fatal("empty shared context should not be sent")
	}
}

func TestAnalyzeRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	stub := completion.NewStub()
	_, err := fastAnalyzer(stub, 2).Analyze(context.Background(), "  ", "truth", "")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if errors.Is(err, ErrAnalysisFailed) {
		t.Fatal("invalid input is not an analysis failure")
	}
	if len(stub.Calls(completion.TaskAlignmentAnalysis)) != 0 {
		t.Fatal("completion must not be called for invalid input")
	}
}

func TestAnalyzeRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	good, _ := json.Marshal(analysisJSON(92, "none", "PROCEED", ""))
	stub := completion.NewStub().On(completion.TaskAlignmentAnalysis, func(completion.Request) (json.RawMessage, error) {
		switch n.Add(1) {
		case 1:
			return nil, errors.New("unavailable")
		case 2:
			return json.RawMessage(`{"score": "high"}`), nil
		default:
			return good, nil
		}
	})

	got, err := fastAnalyzer(stub, 2).Analyze(context.Background(), "guess", "truth", "")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got.Score != 92 || n.Load() != 3 {
		t.Fatalf("score=%d calls=%d", got.Score, n.Load())
	}
}

func TestAnalyzeBudgetExhausted(t *testing.T) {
	t.Parallel()

	cause := errors.New("model overloaded")
	stub := completion.NewStub().Fail(completion.TaskAlignmentAnalysis, cause)
	_, err := fastAnalyzer(stub, 2).Analyze(context.Background(), "guess", "truth", "")

	if !errors.Is(err, ErrAnalysisFailed) {
		t.Fatalf("expected ErrAnalysisFailed, got %v", err)
	}
	var ae *AnalysisError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AnalysisError, got %T", err)
	}
	if ae.Attempts != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", ae.Attempts)
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause should be preserved")
	}
}

func TestParseAnalysisValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body any
	}{
		{name: "missing score", body: map[string]any{"gap_severity": "none", "recommendation": map[string]any{"action": "PROCEED"}}},
		{name: "score too high", body: analysisJSON(140, "none", "PROCEED", "")},
		{name: "score negative", body: analysisJSON(-1, "none", "PROCEED", "")},
		{name: "unknown severity", body: analysisJSON(50, "huge", "OFFER_SHARING", "x")},
		{name: "unknown action", body: analysisJSON(50, "moderate", "ESCALATE", "x")},
		{name: "none with sharing", body: analysisJSON(95, "none", "OFFER_SHARING", "x")},
		{name: "missing recommendation", body: map[string]any{"score": 50, "gap_severity": "moderate"}},
		{name: "gap without focus", body: map[string]any{
			"score": 40, "gap_severity": "significant", "most_important_gap": "",
			"recommendation": map[string]any{"action": "OFFER_SHARING"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := json.Marshal(tt.body)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if _, err := ParseAnalysis(raw); !errors.Is(err, errMalformed) {
				t.Fatalf("expected malformed error, got %v", err)
			}
		})
	}
}

func TestParseAnalysisFocusFallsBackToGap(t *testing.T) {
	t.Parallel()

	raw, _ := json.Marshal(analysisJSON(45, "Significant", "offer_sharing", ""))
	got, err := ParseAnalysis(raw)
	if err != nil {
		t.Fatalf("ParseAnalysis: %v", err)
	}
	if got.Recommendation.SuggestedShareFocus != "Work stress" {
		t.Fatalf("expected fallback focus, got %q", got.Recommendation.SuggestedShareFocus)
	}
	if got.GapSeverity != domain.SeveritySignificant || got.Recommendation.Action != domain.ActionOfferSharing {
		t.Fatalf("case-insensitive parsing failed: %+v", got)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		severity domain.Severity
		want     domain.Action
	}{
		{domain.SeverityNone, domain.ActionProceed},
		{domain.SeverityModerate, domain.ActionOfferOptional},
		{domain.SeveritySignificant, domain.ActionOfferSharing},
	}
	for _, tt := range tests {
		got, err := Classify(tt.severity)
		if err != nil {
			t.Fatalf("Classify(%s): %v", tt.severity, err)
		}
		if got != tt.want {
			t.Fatalf("Classify(%s) = %s, want %s", tt.severity, got, tt.want)
		}
	}
	if _, err := Classify("extreme"); err == nil {
		t.Fatal("expected error for unknown severity")
	}
}
