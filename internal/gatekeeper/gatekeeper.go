// Package gatekeeper mediates every piece of text that crosses from one party
// to the other. A user only ever talks to the model; the model writes what
// the other party receives.
//
// Mediated values can only be produced inside this package, so any payload
// typed as Mediated has been through the completion service.
package gatekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/attune/internal/completion"
	"github.com/ashureev/attune/internal/domain"
	"github.com/ashureev/attune/internal/telemetry"
)

var (
	// ErrConsentViolation is returned when unmediated content is about to be delivered.
	ErrConsentViolation = errors.New("consent violation: content was not mediated")
	// ErrMediationFailed wraps completion errors and unusable responses.
	ErrMediationFailed = errors.New("mediation failed")
)

// Mediated is text produced by the completion service for delivery across
// the consent boundary. The zero value is not deliverable.
type Mediated struct {
	text   string
	task   completion.Task
	sealed bool
}

// Text returns the deliverable text.
func (m Mediated) Text() string { return m.text }

// Task returns the completion task that produced the text.
func (m Mediated) Task() completion.Task { return m.task }

// IsZero reports whether m was never produced by a Gatekeeper.
func (m Mediated) IsZero() bool { return !m.sealed }

// MarshalJSON encodes the deliverable text only.
func (m Mediated) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.text)
}

// Options configures a Gatekeeper.
type Options struct {
	// Strict makes consent violations panic instead of returning an error.
	Strict bool
}

// Gatekeeper produces and checks Mediated content.
type Gatekeeper struct {
	client    completion.Client
	strict    bool
	logger    *slog.Logger
	anomalies *telemetry.Anomalies
}

// New creates a Gatekeeper.
func New(client completion.Client, opts Options, anomalies *telemetry.Anomalies, logger *slog.Logger) *Gatekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gatekeeper{
		client:    client,
		strict:    opts.Strict,
		logger:    logger,
		anomalies: anomalies,
	}
}

// ShareDraft turns the subject's ground truth into a message for the guesser
// about the offered topic. intent is optional.
func (g *Gatekeeper) ShareDraft(ctx context.Context, topic, groundTruth, intent string) (Mediated, error) {
	if strings.TrimSpace(topic) == "" || strings.TrimSpace(groundTruth) == "" {
		return Mediated{}, fmt.Errorf("%w: share draft needs a topic and ground truth", ErrMediationFailed)
	}
	inputs := map[string]string{
		completion.InputTopic:       topic,
		completion.InputGroundTruth: groundTruth,
	}
	if intent != "" {
		inputs[completion.InputIntent] = intent
	}
	return g.mediate(ctx, completion.TaskShareDraft, inputs, "draft", intent)
}

// FeedbackRewrite turns the subject's feedback intent into feedback for the guesser.
func (g *Gatekeeper) FeedbackRewrite(ctx context.Context, verdict domain.Verdict, attempt, intent string) (Mediated, error) {
	if strings.TrimSpace(intent) == "" {
		return Mediated{}, fmt.Errorf("%w: feedback needs an intent", ErrMediationFailed)
	}
	return g.mediate(ctx, completion.TaskFeedbackRewrite, map[string]string{
		completion.InputVerdict: string(verdict),
		completion.InputAttempt: attempt,
		completion.InputIntent:  intent,
	}, "feedback", intent)
}

// RefinementHelp answers the guesser's question about revising their attempt.
// The reply goes back to the guesser only.
func (g *Gatekeeper) RefinementHelp(ctx context.Context, attempt, sharedContext, message string) (Mediated, error) {
	if strings.TrimSpace(message) == "" {
		return Mediated{}, fmt.Errorf("%w: refinement help needs a message", ErrMediationFailed)
	}
	inputs := map[string]string{
		completion.InputAttempt: attempt,
		completion.InputMessage: message,
	}
	if sharedContext != "" {
		inputs[completion.InputSharedContext] = sharedContext
	}
	return g.mediate(ctx, completion.TaskRefinementHelp, inputs, "reply", "")
}

func (g *Gatekeeper) mediate(ctx context.Context, task completion.Task, inputs map[string]string, field, raw string) (Mediated, error) {
	resp, err := g.client.Complete(ctx, completion.Request{Task: task, Inputs: inputs})
	if err != nil {
		return Mediated{}, fmt.Errorf("%w: %s: %w", ErrMediationFailed, task, err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(resp, &obj); err != nil {
		return Mediated{}, fmt.Errorf("%w: %s: %w", ErrMediationFailed, task, err)
	}
	var text string
	if err := json.Unmarshal(obj[field], &text); err != nil || strings.TrimSpace(text) == "" {
		return Mediated{}, fmt.Errorf("%w: %s response has no %q text", ErrMediationFailed, task, field)
	}
	text = strings.TrimSpace(text)

	if raw != "" && text == strings.TrimSpace(raw) {
		g.logger.Warn("mediated text is identical to the user's input", "task", task)
	}
	return Mediated{text: text, task: task, sealed: true}, nil
}

// Verify checks that m came from this package before it is delivered.
// In strict mode a violation panics.
func (g *Gatekeeper) Verify(ctx context.Context, m Mediated) error {
	if !m.IsZero() {
		return nil
	}
	g.anomalies.Record(ctx, telemetry.AnomalyConsentViolation)
	if g.strict {
		panic(ErrConsentViolation)
	}
	g.logger.Error("refusing to deliver unmediated content")
	return ErrConsentViolation
}
