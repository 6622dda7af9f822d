package reconciler

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/attune/internal/domain"
	"github.com/ashureev/attune/internal/store"
)

// resolve decides where an analysis with the given action takes d.
// The guard and the round limit both force convergence; neither lets a
// second offer be created.
func (s *Service) resolve(d *domain.Direction, action domain.Action) (domain.State, domain.ForcedBy) {
	if !action.OffersSharing() {
		return domain.StateReady, domain.ForcedByNone
	}
	if d.ContextShared {
		return domain.StateReady, domain.ForcedByGuard
	}
	if d.AnalysisRound >= s.opts.MaxAnalysisRounds {
		return domain.StateReady, domain.ForcedByBreaker
	}
	return domain.StateAwaitingSharing, domain.ForcedByNone
}

// OnGuesserRefinementSubmitted records a revised attempt and re-enters analysis.
// Replaying the same text after the direction has moved on is a no-op.
func (s *Service) OnGuesserRefinementSubmitted(ctx context.Context, key domain.DirectionKey, newText string) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	newText = strings.TrimSpace(newText)
	if newText == "" {
		return fmt.Errorf("%w: revised attempt is empty", ErrInvalidInput)
	}

	unlock := s.lock(key)
	defer unlock()

	d, err := s.loadDirection(ctx, key)
	if err != nil {
		return err
	}
	current, err := s.repo.GetAttempt(ctx, d.CurrentAttemptID)
	if err != nil {
		return fmt.Errorf("load attempt: %w", err)
	}

	if d.State != domain.StateRefining {
		if current != nil && current.Revision > 1 && current.Text == newText && isPostRefinement(d.State) {
			s.dirLogger(d).Debug("refinement replay ignored", "state", d.State)
			return nil
		}
		return fmt.Errorf("%w: no refinement in progress", ErrInvalidState)
	}

	prev := d.Version
	cs := &store.Changeset{}
	s.appendRevision(d, current, newText, cs)
	if err := s.beginAnalysis(d, key.GuesserID, cs); err != nil {
		return err
	}
	if err := s.update(ctx, d, prev, cs); err != nil {
		return err
	}
	s.launchAnalysis(d)
	return nil
}

// OnGuesserAcceptedWithoutRevising re-enters analysis with the current attempt.
// The guard is already set, so the analysis converges to READY.
func (s *Service) OnGuesserAcceptedWithoutRevising(ctx context.Context, key domain.DirectionKey) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	unlock := s.lock(key)
	defer unlock()

	d, err := s.loadDirection(ctx, key)
	if err != nil {
		return err
	}
	if d.State != domain.StateRefining {
		if d.ContextShared && isPostRefinement(d.State) {
			s.dirLogger(d).Debug("accept-without-revising replay ignored", "state", d.State)
			return nil
		}
		return fmt.Errorf("%w: no refinement in progress", ErrInvalidState)
	}

	prev := d.Version
	cs := &store.Changeset{}
	if err := s.beginAnalysis(d, key.GuesserID, cs); err != nil {
		return err
	}
	if err := s.update(ctx, d, prev, cs); err != nil {
		return err
	}
	s.launchAnalysis(d)
	return nil
}

// isPostRefinement reports states a direction reaches after leaving REFINING.
func isPostRefinement(st domain.State) bool {
	return st == domain.StateAnalyzing || st == domain.StateReady || st == domain.StateRevealed
}

// RequestRefinementHelp asks the gatekeeper to help the guesser revise.
// The reply is private to the guesser and does not change the direction.
func (s *Service) RequestRefinementHelp(ctx context.Context, key domain.DirectionKey, message string) (string, error) {
	if err := key.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return "", fmt.Errorf("%w: message is required", ErrInvalidInput)
	}

	d, err := s.loadDirection(ctx, key)
	if err != nil {
		return "", err
	}
	if d.State != domain.StateRefining {
		return "", fmt.Errorf("%w: no refinement in progress", ErrInvalidState)
	}
	attempt, err := s.repo.GetAttempt(ctx, d.CurrentAttemptID)
	if err != nil {
		return "", fmt.Errorf("load attempt: %w", err)
	}
	if attempt == nil {
		return "", fmt.Errorf("attempt %s: %w", d.CurrentAttemptID, ErrNotFound)
	}
	shared, err := s.sharedContext(ctx, key)
	if err != nil {
		return "", err
	}

	reply, err := s.gk.RefinementHelp(ctx, attempt.Text, shared, message)
	if err != nil {
		return "", fmt.Errorf("refinement help: %w", err)
	}
	if err := s.gk.Verify(ctx, reply); err != nil {
		return "", err
	}

	cs := withEvents(s.newEvent(d, domain.EventRefinementHelp, domain.AudienceGuesser, key.GuesserID, map[string]any{
		"reply": reply,
	}))
	if err := s.commit(ctx, cs); err != nil {
		return "", err
	}
	return reply.Text(), nil
}
