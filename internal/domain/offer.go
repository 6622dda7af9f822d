package domain

import (
	"fmt"
	"time"
)

// Decision is the subject's answer to a share offer.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionAccepted Decision = "accepted"
	DecisionDeclined Decision = "declined"
)

// LanguageTier is how strongly the offer is worded to the subject.
type LanguageTier string

const (
	TierSoft   LanguageTier = "soft"
	TierStrong LanguageTier = "strong"
)

// TierFor returns the language tier for a sharing action.
func TierFor(a Action) (LanguageTier, error) {
	switch a {
	case ActionOfferOptional:
		return TierSoft, nil
	case ActionOfferSharing:
		return TierStrong, nil
	case ActionProceed:
		return "", fmt.Errorf("action %s does not offer sharing", a)
	}
	return "", fmt.Errorf("unknown action %d", int(a))
}

// ShareOffer proposes to the subject that additional context be shared with the guesser.
type ShareOffer struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	GuesserID string       `json:"guesser_id"`
	SubjectID string       `json:"subject_id"`
	ResultID  string       `json:"result_id"`
	Topic     string       `json:"topic"`
	Tier      LanguageTier `json:"tier"`
	Decision  Decision     `json:"decision"`

	// DeclineRequestedAt is set while a decline awaits confirmation.
	DeclineRequestedAt *time.Time `json:"decline_requested_at,omitempty"`

	// Draft is the mediated text, present only after acceptance.
	Draft     string     `json:"draft,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// Key returns the direction the offer belongs to.
func (o *ShareOffer) Key() DirectionKey {
	return DirectionKey{SessionID: o.SessionID, GuesserID: o.GuesserID}
}

// IsPending reports whether the subject has not finalized a decision.
func (o *ShareOffer) IsPending() bool {
	return o.Decision == DecisionPending
}
