package reconciler

import (
	"context"

	"github.com/ashureev/attune/internal/domain"
)

// maybeReveal reveals the session's READY directions when the policy allows it.
// It takes each direction's lock in turn and must be called without holding any.
func (s *Service) maybeReveal(ctx context.Context, sessionID string) {
	dirs, err := s.repo.ListSessionDirections(ctx, sessionID)
	if err != nil {
		s.logger.Error("reveal check failed", "session_id", sessionID, "error", err)
		return
	}

	if s.opts.RevealPolicy == RevealMutual {
		if len(dirs) < 2 {
			return
		}
		for _, d := range dirs {
			if d.State != domain.StateReady && d.State != domain.StateRevealed {
				return
			}
		}
	}

	for _, d := range dirs {
		if d.State == domain.StateReady {
			s.reveal(ctx, d.Key())
		}
	}
}

func (s *Service) reveal(ctx context.Context, key domain.DirectionKey) {
	unlock := s.lock(key)
	defer unlock()

	d, err := s.loadDirection(ctx, key)
	if err != nil {
		s.logger.Error("reveal failed", "direction", key.String(), "error", err)
		return
	}
	if d.State != domain.StateReady {
		return
	}
	log := s.dirLogger(d)

	attempt, err := s.repo.GetAttempt(ctx, d.CurrentAttemptID)
	if err != nil || attempt == nil {
		log.Error("reveal failed: current attempt unreadable", "attempt_id", d.CurrentAttemptID, "error", err)
		return
	}

	prev := d.Version
	if err := transition(d, domain.StateRevealed, s.now()); err != nil {
		log.Error("reveal transition rejected", "error", err)
		return
	}
	cs := withEvents(
		s.newEvent(d, domain.EventRevealed, domain.AudienceGuesser, "", map[string]any{
			"attempt_id": attempt.ID,
		}),
		s.newEvent(d, domain.EventRevealed, domain.AudienceSubject, "", map[string]any{
			"attempt_id": attempt.ID,
			"revision":   attempt.Revision,
			"text":       attempt.Text,
		}),
	)
	if err := s.update(ctx, d, prev, cs); err != nil {
		log.Error("failed to commit reveal", "error", err)
		return
	}
	log.Info("direction revealed", "attempt_id", attempt.ID)
}
