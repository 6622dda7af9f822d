// Package domain contains core domain types for the attune reconciler.
package domain

import (
	"fmt"
	"time"
)

// State is the per-direction reconciliation state.
type State string

const (
	// StateHeld means the guess is submitted and the subject's ground truth is pending.
	StateHeld State = "HELD"
	// StateAnalyzing means an alignment analysis is in flight.
	StateAnalyzing State = "ANALYZING"
	// StateReady means the direction converged and may be revealed.
	StateReady State = "READY"
	// StateAwaitingSharing means a share offer waits on the subject's decision.
	StateAwaitingSharing State = "AWAITING_SHARING"
	// StateRefining means the guesser may revise after receiving context.
	StateRefining State = "REFINING"
	// StateRevealed is terminal for the direction's reconciliation.
	StateRevealed State = "REVEALED"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateHeld, StateAnalyzing, StateReady, StateAwaitingSharing, StateRefining, StateRevealed:
		return true
	}
	return false
}

// DirectionKey identifies one direction of a session: the guesser's guess about the subject.
// The subject is implied by the guesser within a two-party session.
type DirectionKey struct {
	SessionID string `json:"session_id"`
	GuesserID string `json:"guesser_id"`
}

func (k DirectionKey) String() string {
	return k.SessionID + ":" + k.GuesserID
}

// Validate checks that both parts of the key are present.
func (k DirectionKey) Validate() error {
	if k.SessionID == "" || k.GuesserID == "" {
		return fmt.Errorf("direction key requires session_id and guesser_id")
	}
	return nil
}

// Direction is the arena row for one (session, guesser) pairing.
// All cross-call mutable state of the reconciler lives here.
type Direction struct {
	SessionID string `json:"session_id"`
	GuesserID string `json:"guesser_id"`
	SubjectID string `json:"subject_id"`
	State     State  `json:"state"`

	// PreAnalysisState is where the direction returns if an analysis fails.
	PreAnalysisState State `json:"pre_analysis_state,omitempty"`

	// ContextShared is the shared-context guard. Once true it is never reset.
	ContextShared bool `json:"context_shared"`

	// AnalysisRound counts ANALYZING entries since the last reveal.
	AnalysisRound int `json:"analysis_round"`

	GroundTruth       string     `json:"ground_truth,omitempty"`
	CurrentAttemptID  string     `json:"current_attempt_id"`
	AnalysisStartedAt *time.Time `json:"analysis_started_at,omitempty"`
	RevealedAt        *time.Time `json:"revealed_at,omitempty"`

	// Version is bumped on every commit and used for optimistic locking.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the direction's arena key.
func (d *Direction) Key() DirectionKey {
	return DirectionKey{SessionID: d.SessionID, GuesserID: d.GuesserID}
}

// Clone returns a copy safe to mutate independently.
func (d *Direction) Clone() *Direction {
	c := *d
	if d.AnalysisStartedAt != nil {
		ts := *d.AnalysisStartedAt
		c.AnalysisStartedAt = &ts
	}
	if d.RevealedAt != nil {
		ts := *d.RevealedAt
		c.RevealedAt = &ts
	}
	return &c
}
