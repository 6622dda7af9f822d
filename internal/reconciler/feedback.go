package reconciler

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/attune/internal/domain"
	"github.com/ashureev/attune/internal/gatekeeper"
)

// OnSubjectVerdict records the subject's verdict on a revealed attempt.
//
// Accurate finalizes. Partial finalizes after mediating the optional intent.
// Inaccurate requires an intent, delivers mediated feedback to the guesser
// and sets the guard; the guesser then calls AcceptFeedback or
// RefineAfterFeedback. One verdict per attempt; replays are no-ops.
func (s *Service) OnSubjectVerdict(ctx context.Context, subjectID, attemptID string, verdict domain.Verdict, intent string) error {
	if _, err := domain.ParseVerdict(string(verdict)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	intent = strings.TrimSpace(intent)
	if verdict == domain.VerdictInaccurate && intent == "" {
		return ErrFeedbackRequired
	}

	attempt, err := s.repo.GetAttempt(ctx, attemptID)
	if err != nil {
		return fmt.Errorf("load attempt: %w", err)
	}
	if attempt == nil {
		return fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}
	if attempt.SubjectID != subjectID {
		return fmt.Errorf("attempt %s: %w", attemptID, ErrForbidden)
	}
	key := domain.DirectionKey{SessionID: attempt.SessionID, GuesserID: attempt.GuesserID}

	unlock := s.lock(key)
	defer unlock()

	existing, err := s.repo.FeedbackForAttempt(ctx, attemptID)
	if err != nil {
		return fmt.Errorf("load feedback: %w", err)
	}
	if existing != nil {
		s.logger.Debug("verdict replay ignored", "attempt_id", attemptID, "verdict", existing.Verdict)
		return nil
	}

	d, err := s.loadDirection(ctx, key)
	if err != nil {
		return err
	}
	if d.State != domain.StateRevealed || d.CurrentAttemptID != attemptID {
		return fmt.Errorf("%w: attempt %s is not the revealed attempt", ErrInvalidState, attemptID)
	}

	var mediated gatekeeper.Mediated
	if intent != "" && verdict != domain.VerdictAccurate {
		mediated, err = s.gk.FeedbackRewrite(ctx, verdict, attempt.Text, intent)
		if err != nil {
			return fmt.Errorf("mediate feedback: %w", err)
		}
		if err := s.gk.Verify(ctx, mediated); err != nil {
			return err
		}
	}

	now := s.now()
	fb := &domain.AccuracyFeedback{
		ID:          s.opts.NewID(),
		SessionID:   d.SessionID,
		GuesserID:   d.GuesserID,
		SubjectID:   d.SubjectID,
		AttemptID:   attemptID,
		Verdict:     verdict,
		Text:        mediated.Text(),
		Disposition: domain.DispositionNone,
		CreatedAt:   now,
	}

	prev := d.Version
	cs := withEvents(s.newEvent(d, domain.EventVerdictRecorded, domain.AudienceGuesser, subjectID, map[string]any{
		"attempt_id": attemptID,
		"verdict":    verdict,
	}))
	if !mediated.IsZero() {
		cs.Events = append(cs.Events, s.newEvent(d, domain.EventFeedbackDelivered, domain.AudienceGuesser, subjectID, map[string]any{
			"feedback_id": fb.ID,
			"verdict":     verdict,
			"feedback":    mediated,
		}))
	}

	if verdict == domain.VerdictInaccurate {
		fb.Disposition = domain.DispositionPending
		// Mediated feedback is shared context.
		setGuard(d)
		d.UpdatedAt = now
	} else {
		fb.ResolvedAt = &now
		cs.Events = append(cs.Events, s.stageAdvanced(d, subjectID, fb))
	}
	cs.Feedback = append(cs.Feedback, fb)

	if err := s.update(ctx, d, prev, cs); err != nil {
		return err
	}
	s.dirLogger(d).Info("verdict recorded", "attempt_id", attemptID, "verdict", verdict)
	return nil
}

func (s *Service) stageAdvanced(d *domain.Direction, triggeredBy string, fb *domain.AccuracyFeedback) *domain.Event {
	return s.newEvent(d, domain.EventStageAdvanced, domain.AudienceInternal, triggeredBy, map[string]any{
		"attempt_id":  fb.AttemptID,
		"verdict":     fb.Verdict,
		"disposition": fb.Disposition,
	})
}

// loadFeedbackForGuesser fetches pending-or-resolved feedback addressed to guesserID.
func (s *Service) loadFeedbackForGuesser(ctx context.Context, guesserID, feedbackID string) (*domain.AccuracyFeedback, error) {
	fb, err := s.repo.GetFeedback(ctx, feedbackID)
	if err != nil {
		return nil, fmt.Errorf("load feedback: %w", err)
	}
	if fb == nil {
		return nil, fmt.Errorf("feedback %s: %w", feedbackID, ErrNotFound)
	}
	if fb.GuesserID != guesserID {
		return nil, fmt.Errorf("feedback %s: %w", feedbackID, ErrForbidden)
	}
	return fb, nil
}

// AcceptFeedback is the guesser's acceptance check after inaccurate feedback.
// It is terminal: the direction stays REVEALED and no analysis runs.
func (s *Service) AcceptFeedback(ctx context.Context, guesserID, feedbackID string) error {
	return s.resolveFeedback(ctx, guesserID, feedbackID, domain.DispositionAccepted)
}

// RefineAfterFeedback reopens the direction for a revised attempt after
// inaccurate feedback. The next submission goes through
// OnGuesserRefinementSubmitted.
func (s *Service) RefineAfterFeedback(ctx context.Context, guesserID, feedbackID string) error {
	return s.resolveFeedback(ctx, guesserID, feedbackID, domain.DispositionRefined)
}

func (s *Service) resolveFeedback(ctx context.Context, guesserID, feedbackID string, disposition domain.Disposition) error {
	fb, err := s.loadFeedbackForGuesser(ctx, guesserID, feedbackID)
	if err != nil {
		return err
	}

	unlock := s.lock(fb.Key())
	defer unlock()

	if fb, err = s.loadFeedbackForGuesser(ctx, guesserID, feedbackID); err != nil {
		return err
	}
	if fb.Disposition == disposition {
		return nil
	}
	if !fb.AwaitingGuesser() {
		return fmt.Errorf("%w: feedback %s is already %s", ErrInvalidState, fb.ID, fb.Disposition)
	}
	d, err := s.loadDirection(ctx, fb.Key())
	if err != nil {
		return err
	}
	if d.State != domain.StateRevealed || d.CurrentAttemptID != fb.AttemptID {
		return fmt.Errorf("%w: feedback %s no longer applies", ErrInvalidState, fb.ID)
	}

	now := s.now()
	prev := d.Version
	fb.Disposition = disposition
	fb.ResolvedAt = &now

	cs := withEvents(s.newEvent(d, domain.EventFeedbackResolved, domain.AudienceSubject, guesserID, map[string]any{
		"feedback_id": fb.ID,
		"disposition": disposition,
	}))
	cs.Feedback = append(cs.Feedback, fb)

	switch disposition {
	case domain.DispositionAccepted:
		d.UpdatedAt = now
		cs.Events = append(cs.Events, s.stageAdvanced(d, guesserID, fb))
	case domain.DispositionRefined:
		if err := transition(d, domain.StateRefining, now); err != nil {
			return err
		}
		cs.Events = append(cs.Events, s.newEvent(d, domain.EventRefinementStarted, domain.AudienceGuesser, guesserID, map[string]any{
			"attempt_id": d.CurrentAttemptID,
		}))
	case domain.DispositionNone, domain.DispositionPending:
		return fmt.Errorf("%w: cannot resolve feedback as %s", ErrInvalidInput, disposition)
	}

	if err := s.update(ctx, d, prev, cs); err != nil {
		return err
	}
	s.dirLogger(d).Info("feedback resolved", "feedback_id", fb.ID, "disposition", disposition)
	return nil
}
