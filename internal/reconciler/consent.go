package reconciler

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/attune/internal/domain"
	"github.com/ashureev/attune/internal/store"
)

// Decision values accepted by OnSubjectDecision.
const (
	DecisionAccept  = "accept"
	DecisionDecline = "decline"
)

// loadOfferForSubject fetches an offer and checks that subjectID may decide on it.
func (s *Service) loadOfferForSubject(ctx context.Context, subjectID, offerID string) (*domain.ShareOffer, error) {
	if offerID == "" {
		return nil, fmt.Errorf("%w: offer id is required", ErrInvalidInput)
	}
	o, err := s.repo.GetOffer(ctx, offerID)
	if err != nil {
		return nil, fmt.Errorf("load offer: %w", err)
	}
	if o == nil {
		return nil, fmt.Errorf("offer %s: %w", offerID, ErrNotFound)
	}
	if o.SubjectID != subjectID {
		return nil, fmt.Errorf("offer %s: %w", offerID, ErrForbidden)
	}
	return o, nil
}

// OnSubjectDecision records the subject's answer to a share offer.
//
// Accepting asks the gatekeeper for a draft, delivers it to the guesser, sets
// the shared-context guard and moves the direction to REFINING. Declining
// only requests confirmation; see ConfirmDecline and CancelDecline.
// Decisions on an already resolved offer are no-ops.
func (s *Service) OnSubjectDecision(ctx context.Context, subjectID, offerID, decision, intent string) error {
	switch decision {
	case DecisionAccept, DecisionDecline:
	default:
		return fmt.Errorf("%w: decision must be %q or %q", ErrInvalidInput, DecisionAccept, DecisionDecline)
	}
	o, err := s.loadOfferForSubject(ctx, subjectID, offerID)
	if err != nil {
		return err
	}

	unlock := s.lock(o.Key())
	defer unlock()

	// Re-read under the lock; a concurrent decision may have resolved it.
	if o, err = s.loadOfferForSubject(ctx, subjectID, offerID); err != nil {
		return err
	}
	d, err := s.loadDirection(ctx, o.Key())
	if err != nil {
		return err
	}
	if !o.IsPending() {
		if (decision == DecisionAccept) != (o.Decision == domain.DecisionAccepted) {
			s.guardViolation(ctx, d, "decision on resolved offer", "offer_id", o.ID, "decision", decision, "resolved", o.Decision)
		}
		return nil
	}

	if decision == DecisionDecline {
		return s.requestDecline(ctx, d, o, subjectID)
	}
	return s.acceptOffer(ctx, d, o, subjectID, strings.TrimSpace(intent))
}

func (s *Service) acceptOffer(ctx context.Context, d *domain.Direction, o *domain.ShareOffer, subjectID, intent string) error {
	log := s.dirLogger(d)
	if d.State != domain.StateAwaitingSharing {
		return fmt.Errorf("%w: offer %s is pending but direction is %s", ErrInvalidState, o.ID, d.State)
	}
	if d.ContextShared {
		s.guardViolation(ctx, d, "offer accepted after context was already shared", "offer_id", o.ID)
		return nil
	}

	draft, err := s.gk.ShareDraft(ctx, o.Topic, d.GroundTruth, intent)
	if err != nil {
		log.Warn("share draft failed, offer stays pending", "offer_id", o.ID, "error", err)
		return fmt.Errorf("generate share draft: %w", err)
	}
	if err := s.gk.Verify(ctx, draft); err != nil {
		return err
	}

	now := s.now()
	prev := d.Version
	if err := transition(d, domain.StateRefining, now); err != nil {
		return err
	}
	setGuard(d)

	o.Decision = domain.DecisionAccepted
	o.Draft = draft.Text()
	o.DeclineRequestedAt = nil
	decided := now
	o.DecidedAt = &decided

	cs := withEvents(
		s.newEvent(d, domain.EventShareDelivered, domain.AudienceGuesser, subjectID, map[string]any{
			"topic": o.Topic,
			"draft": draft,
		}),
		s.newEvent(d, domain.EventShareSent, domain.AudienceSubject, subjectID, map[string]any{
			"offer_id": o.ID,
			"draft":    draft,
		}),
		s.newEvent(d, domain.EventRefinementStarted, domain.AudienceGuesser, subjectID, map[string]any{
			"attempt_id": d.CurrentAttemptID,
		}),
	)
	cs.Offers = []*domain.ShareOffer{o}
	if err := s.update(ctx, d, prev, cs); err != nil {
		return err
	}
	log.Info("share offer accepted", "offer_id", o.ID)
	return nil
}

func (s *Service) requestDecline(ctx context.Context, d *domain.Direction, o *domain.ShareOffer, subjectID string) error {
	if o.DeclineRequestedAt != nil {
		return nil
	}
	now := s.now()
	o.DeclineRequestedAt = &now
	cs := &store.Changeset{
		Offers: []*domain.ShareOffer{o},
		Events: []*domain.Event{
			s.newEvent(d, domain.EventDeclineConfirmation, domain.AudienceSubject, subjectID, map[string]any{
				"offer_id": o.ID,
				"topic":    o.Topic,
			}),
		},
	}
	// The direction is committed unchanged so its version serialises offer writes.
	return s.update(ctx, d, d.Version, cs)
}

// ConfirmDecline finalizes a requested decline. The direction converges to
// READY exactly as it would have on PROCEED.
func (s *Service) ConfirmDecline(ctx context.Context, subjectID, offerID string) error {
	sessionID, err := s.confirmDecline(ctx, subjectID, offerID)
	if err != nil || sessionID == "" {
		return err
	}
	s.maybeReveal(ctx, sessionID)
	return nil
}

// confirmDecline returns the session id when the direction became READY.
func (s *Service) confirmDecline(ctx context.Context, subjectID, offerID string) (string, error) {
	o, err := s.loadOfferForSubject(ctx, subjectID, offerID)
	if err != nil {
		return "", err
	}

	unlock := s.lock(o.Key())
	defer unlock()

	if o, err = s.loadOfferForSubject(ctx, subjectID, offerID); err != nil {
		return "", err
	}
	if o.Decision == domain.DecisionDeclined {
		return "", nil
	}
	if !o.IsPending() || o.DeclineRequestedAt == nil {
		return "", fmt.Errorf("%w: offer %s has no decline awaiting confirmation", ErrInvalidState, o.ID)
	}
	d, err := s.loadDirection(ctx, o.Key())
	if err != nil {
		return "", err
	}

	now := s.now()
	prev := d.Version
	if err := transition(d, domain.StateReady, now); err != nil {
		return "", err
	}
	o.Decision = domain.DecisionDeclined
	o.DecidedAt = &now

	cs := withEvents(s.newEvent(d, domain.EventDirectionReady, domain.AudienceGuesser, "", readyPayload(d)))
	cs.Offers = []*domain.ShareOffer{o}
	if err := s.update(ctx, d, prev, cs); err != nil {
		return "", err
	}
	s.dirLogger(d).Info("share offer declined", "offer_id", o.ID)
	return d.SessionID, nil
}

// CancelDecline withdraws a requested decline; the offer stays pending.
func (s *Service) CancelDecline(ctx context.Context, subjectID, offerID string) error {
	o, err := s.loadOfferForSubject(ctx, subjectID, offerID)
	if err != nil {
		return err
	}

	unlock := s.lock(o.Key())
	defer unlock()

	if o, err = s.loadOfferForSubject(ctx, subjectID, offerID); err != nil {
		return err
	}
	if !o.IsPending() || o.DeclineRequestedAt == nil {
		return nil
	}
	d, err := s.loadDirection(ctx, o.Key())
	if err != nil {
		return err
	}
	o.DeclineRequestedAt = nil
	cs := &store.Changeset{
		Offers: []*domain.ShareOffer{o},
		Events: []*domain.Event{
			s.newEvent(d, domain.EventDeclineCancelled, domain.AudienceSubject, subjectID, map[string]any{"offer_id": o.ID}),
		},
	}
	return s.update(ctx, d, d.Version, cs)
}
