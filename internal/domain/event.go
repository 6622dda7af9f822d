package domain

import (
	"encoding/json"
	"time"
)

// EventKind names a downstream event. The set is closed; see KnownEventKinds.
type EventKind string

const (
	EventGuessHeld           EventKind = "empathy.guess_held"
	EventAnalysisStarted     EventKind = "empathy.analysis_started"
	EventAnalysisCompleted   EventKind = "empathy.analysis_completed"
	EventAnalysisFailed      EventKind = "empathy.analysis_failed"
	EventDirectionReady      EventKind = "empathy.direction_ready"
	EventShareOffered        EventKind = "empathy.share_offered"
	EventDeclineConfirmation EventKind = "empathy.decline_confirmation_required"
	EventDeclineCancelled    EventKind = "empathy.decline_cancelled"
	EventShareDelivered      EventKind = "empathy.shared_context_delivered"
	EventShareSent           EventKind = "empathy.shared_context_sent"
	EventRefinementStarted   EventKind = "empathy.refinement_started"
	EventRefinementHelp      EventKind = "empathy.refinement_help"
	EventRevealed            EventKind = "empathy.revealed"
	EventVerdictRecorded     EventKind = "empathy.verdict_recorded"
	EventFeedbackDelivered   EventKind = "empathy.feedback_delivered"
	EventFeedbackResolved    EventKind = "empathy.feedback_resolved"
	EventStageAdvanced       EventKind = "empathy.stage_advanced"
)

// KnownEventKinds lists every kind the reconciler emits.
var KnownEventKinds = []EventKind{
	EventGuessHeld, EventAnalysisStarted, EventAnalysisCompleted, EventAnalysisFailed,
	EventDirectionReady, EventShareOffered, EventDeclineConfirmation, EventDeclineCancelled,
	EventShareDelivered, EventShareSent, EventRefinementStarted, EventRefinementHelp,
	EventRevealed, EventVerdictRecorded, EventFeedbackDelivered, EventFeedbackResolved,
	EventStageAdvanced,
}

// Audience controls which side of the consent boundary may receive an event.
type Audience string

const (
	AudienceGuesser Audience = "guesser"
	AudienceSubject Audience = "subject"
	// AudienceInternal events go to persistence and the stage engine only.
	AudienceInternal Audience = "internal"
)

// Event is a structured downstream notification, persisted in the outbox
// in the same commit as the transition that produced it.
type Event struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	Kind        EventKind       `json:"event"`
	SessionID   string          `json:"session_id"`
	GuesserID   string          `json:"guesser_id"`
	TriggeredBy string          `json:"triggered_by_user_id,omitempty"`
	Audience    Audience        `json:"audience"`
	RecipientID string          `json:"recipient_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
}

// Deliverable reports whether the event may be pushed to a user. Internal
// events carry analysis details and never leave the server.
func (e *Event) Deliverable() bool {
	return e.Audience != AudienceInternal && e.RecipientID != ""
}
