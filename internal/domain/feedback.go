package domain

import (
	"fmt"
	"time"
)

// Verdict is the subject's post-reveal judgement of an attempt.
type Verdict string

const (
	VerdictAccurate   Verdict = "accurate"
	VerdictPartial    Verdict = "partial"
	VerdictInaccurate Verdict = "inaccurate"
)

// ParseVerdict validates a wire value.
func ParseVerdict(s string) (Verdict, error) {
	switch Verdict(s) {
	case VerdictAccurate, VerdictPartial, VerdictInaccurate:
		return Verdict(s), nil
	}
	return "", fmt.Errorf("unknown verdict %q", s)
}

// Disposition is what the guesser did with the feedback.
type Disposition string

const (
	// DispositionNone applies to verdicts that finalize immediately.
	DispositionNone     Disposition = "none"
	DispositionPending  Disposition = "pending"
	DispositionAccepted Disposition = "accepted"
	DispositionRefined  Disposition = "refined"
)

// AccuracyFeedback records the subject's verdict on a revealed attempt.
type AccuracyFeedback struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"session_id"`
	GuesserID   string      `json:"guesser_id"`
	SubjectID   string      `json:"subject_id"`
	AttemptID   string      `json:"attempt_id"`
	Verdict     Verdict     `json:"verdict"`
	Text        string      `json:"text,omitempty"`
	Disposition Disposition `json:"disposition"`
	CreatedAt   time.Time   `json:"created_at"`
	ResolvedAt  *time.Time  `json:"resolved_at,omitempty"`
}

// Key returns the direction the feedback belongs to.
func (f *AccuracyFeedback) Key() DirectionKey {
	return DirectionKey{SessionID: f.SessionID, GuesserID: f.GuesserID}
}

// AwaitingGuesser reports whether the guesser still has to accept or refine.
func (f *AccuracyFeedback) AwaitingGuesser() bool {
	return f.Disposition == DispositionPending
}
