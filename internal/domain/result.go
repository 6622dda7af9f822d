package domain

import (
	"fmt"
	"time"
)

// Severity is the gap severity reported by alignment analysis.
type Severity string

const (
	SeverityNone        Severity = "none"
	SeverityModerate    Severity = "moderate"
	SeveritySignificant Severity = "significant"
)

// ParseSeverity validates a wire value.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityNone, SeverityModerate, SeveritySignificant:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown gap severity %q", s)
}

// Action is the reconciler's decision for an analysis result.
type Action int

const (
	ActionProceed Action = iota + 1
	ActionOfferOptional
	ActionOfferSharing
)

var actionNames = map[Action]string{
	ActionProceed:       "PROCEED",
	ActionOfferOptional: "OFFER_OPTIONAL",
	ActionOfferSharing:  "OFFER_SHARING",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// ParseAction maps a wire name back to an Action.
func ParseAction(s string) (Action, error) {
	for a, name := range actionNames {
		if name == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// OffersSharing reports whether the action creates a share offer.
func (a Action) OffersSharing() bool {
	switch a {
	case ActionOfferOptional, ActionOfferSharing:
		return true
	case ActionProceed:
		return false
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	name, ok := actionNames[a]
	if !ok {
		return nil, fmt.Errorf("cannot marshal action %d", int(a))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(b []byte) error {
	parsed, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ForcedBy records why a result converged regardless of what the analyzer said.
type ForcedBy string

const (
	ForcedByNone    ForcedBy = ""
	ForcedByGuard   ForcedBy = "guard"
	ForcedByBreaker ForcedBy = "circuit_breaker"
)

// Recommendation is the analyzer's suggested next step.
type Recommendation struct {
	Action              Action `json:"action"`
	Rationale           string `json:"rationale"`
	SuggestedShareFocus string `json:"suggested_share_focus,omitempty"`
}

// Analysis is the validated output of an alignment analysis.
type Analysis struct {
	Score            int            `json:"score"`
	GapSeverity      Severity       `json:"gap_severity"`
	MissedFeelings   []string       `json:"missed_feelings"`
	MostImportantGap string         `json:"most_important_gap"`
	Recommendation   Recommendation `json:"recommendation"`
}

// ReconcilerResult is the persisted outcome of one analysis run.
type ReconcilerResult struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	GuesserID        string    `json:"guesser_id"`
	AttemptID        string    `json:"attempt_id"`
	Round            int       `json:"round"`
	Score            int       `json:"score"`
	GapSeverity      Severity  `json:"gap_severity"`
	Action           Action    `json:"action"`
	Rationale        string    `json:"rationale"`
	MissedFeelings   []string  `json:"missed_feelings"`
	MostImportantGap string    `json:"most_important_gap"`
	ShareFocus       string    `json:"suggested_share_focus,omitempty"`
	ForcedBy         ForcedBy  `json:"forced_by,omitempty"`
	SupersededBy     string    `json:"superseded_by,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
