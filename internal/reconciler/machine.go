package reconciler

import (
	"fmt"
	"time"

	"github.com/ashureev/attune/internal/domain"
)

// transitions lists every allowed edge of the per-direction state machine.
var transitions = map[domain.State][]domain.State{
	domain.StateHeld: {domain.StateAnalyzing},
	domain.StateAnalyzing: {
		domain.StateReady,
		domain.StateAwaitingSharing,
		// Failure reverts to the pre-analysis state.
		domain.StateHeld,
		domain.StateRefining,
	},
	domain.StateAwaitingSharing: {domain.StateRefining, domain.StateReady},
	domain.StateRefining:        {domain.StateAnalyzing},
	domain.StateReady:           {domain.StateRevealed},
	domain.StateRevealed:        {domain.StateRefining},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to domain.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves d to the given state. It is the only place Direction.State changes.
func transition(d *domain.Direction, to domain.State, now time.Time) error {
	from := d.State
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	if from == domain.StateAnalyzing && (to == domain.StateHeld || to == domain.StateRefining) && to != d.PreAnalysisState {
		return fmt.Errorf("%w: analysis can only revert to %s", ErrInvalidState, d.PreAnalysisState)
	}

	switch to {
	case domain.StateAnalyzing:
		d.PreAnalysisState = from
		d.AnalysisRound++
		ts := now
		d.AnalysisStartedAt = &ts
	case domain.StateHeld, domain.StateRefining:
		if from == domain.StateAnalyzing {
			// Reverting a failed analysis restores the round count too.
			d.AnalysisRound--
		}
		d.AnalysisStartedAt = nil
	case domain.StateRevealed:
		ts := now
		d.RevealedAt = &ts
		d.AnalysisRound = 0
	default:
		d.AnalysisStartedAt = nil
	}

	d.State = to
	d.UpdatedAt = now
	return nil
}

// setGuard marks context as shared. It reports false when the guard was already set.
func setGuard(d *domain.Direction) bool {
	if d.ContextShared {
		return false
	}
	d.ContextShared = true
	return true
}
