package reconciler

import (
	"context"
	"fmt"

	"github.com/ashureev/attune/internal/domain"
)

// Guesser-facing statuses. AWAITING_SHARING is deliberately folded into
// waiting so the guesser cannot tell whether an offer exists.
const (
	GuesserWaiting  = "waiting"
	GuesserRefining = "refining"
	GuesserReady    = "ready"
	GuesserRevealed = "revealed"
)

// Subject-facing statuses.
const (
	SubjectWaiting       = "waiting"
	SubjectOfferPending  = "offer_pending"
	SubjectGuessRevealed = "revealed"
)

// AttemptView is an attempt as a party sees it.
type AttemptView struct {
	ID       string `json:"id"`
	Revision int    `json:"revision"`
	Text     string `json:"text"`
}

// SharedItem is mediated content the guesser has received.
type SharedItem struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// FeedbackView is a recorded verdict.
type FeedbackView struct {
	ID          string             `json:"id"`
	AttemptID   string             `json:"attempt_id"`
	Verdict     domain.Verdict     `json:"verdict"`
	Text        string             `json:"text,omitempty"`
	Disposition domain.Disposition `json:"disposition"`
}

// GuesserView is everything the guesser may see about their direction.
// It carries no timestamps, versions, results, tiers or offer state.
type GuesserView struct {
	SessionID     string        `json:"session_id"`
	SubjectID     string        `json:"subject_id"`
	Status        string        `json:"status"`
	Attempt       *AttemptView  `json:"attempt,omitempty"`
	SharedContext []SharedItem  `json:"shared_context"`
	Feedback      *FeedbackView `json:"feedback,omitempty"`
}

// OfferView is a share offer as the subject sees it.
type OfferView struct {
	ID             string              `json:"id"`
	Topic          string              `json:"topic"`
	Tier           domain.LanguageTier `json:"tier"`
	DeclinePending bool                `json:"decline_pending"`
}

// SubjectView is everything the subject may see about the direction that guesses about them.
type SubjectView struct {
	SessionID string        `json:"session_id"`
	GuesserID string        `json:"guesser_id"`
	Status    string        `json:"status"`
	Offer     *OfferView    `json:"offer,omitempty"`
	Sent      []SharedItem  `json:"sent"`
	Revealed  *AttemptView  `json:"revealed,omitempty"`
	Feedback  *FeedbackView `json:"feedback,omitempty"`
}

// History is the full audit trail of a direction, for operators.
type History struct {
	Direction *domain.Direction          `json:"direction"`
	Attempts  []*domain.EmpathyAttempt   `json:"attempts"`
	Results   []*domain.ReconcilerResult `json:"results"`
	Offers    []*domain.ShareOffer       `json:"offers"`
	Feedback  []*domain.AccuracyFeedback `json:"feedback"`
}

func guesserStatus(st domain.State) string {
	switch st {
	case domain.StateHeld, domain.StateAnalyzing, domain.StateAwaitingSharing:
		return GuesserWaiting
	case domain.StateRefining:
		return GuesserRefining
	case domain.StateReady:
		return GuesserReady
	case domain.StateRevealed:
		return GuesserRevealed
	}
	return GuesserWaiting
}

func subjectStatus(st domain.State) string {
	switch st {
	case domain.StateAwaitingSharing:
		return SubjectOfferPending
	case domain.StateRevealed:
		return SubjectGuessRevealed
	case domain.StateHeld, domain.StateAnalyzing, domain.StateRefining, domain.StateReady:
		return SubjectWaiting
	}
	return SubjectWaiting
}

// GuesserView returns the guesser's view of their own direction.
func (s *Service) GuesserView(ctx context.Context, key domain.DirectionKey) (*GuesserView, error) {
	d, err := s.loadDirection(ctx, key)
	if err != nil {
		return nil, err
	}
	v := &GuesserView{
		SessionID:     d.SessionID,
		SubjectID:     d.SubjectID,
		Status:        guesserStatus(d.State),
		SharedContext: []SharedItem{},
	}

	attempt, err := s.repo.GetAttempt(ctx, d.CurrentAttemptID)
	if err != nil {
		return nil, fmt.Errorf("load attempt: %w", err)
	}
	if attempt != nil {
		v.Attempt = &AttemptView{ID: attempt.ID, Revision: attempt.Revision, Text: attempt.Text}
	}

	offers, err := s.repo.ListOffers(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	for _, o := range offers {
		if o.Decision == domain.DecisionAccepted {
			v.SharedContext = append(v.SharedContext, SharedItem{Kind: "shared_context", Text: o.Draft})
		}
	}

	feedback, err := s.repo.ListFeedback(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	for _, f := range feedback {
		if f.Text != "" {
			v.SharedContext = append(v.SharedContext, SharedItem{Kind: "feedback", Text: f.Text})
		}
		if f.AttemptID == d.CurrentAttemptID {
			v.Feedback = feedbackView(f)
		}
	}
	return v, nil
}

// SubjectView returns subjectID's view of the direction in which they are the subject.
func (s *Service) SubjectView(ctx context.Context, sessionID, subjectID string) (*SubjectView, error) {
	dirs, err := s.repo.ListSessionDirections(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list directions: %w", err)
	}
	var d *domain.Direction
	for _, candidate := range dirs {
		if candidate.SubjectID == subjectID {
			d = candidate
			break
		}
	}
	if d == nil {
		return nil, fmt.Errorf("no direction about %s in session %s: %w", subjectID, sessionID, ErrNotFound)
	}

	v := &SubjectView{
		SessionID: d.SessionID,
		GuesserID: d.GuesserID,
		Status:    subjectStatus(d.State),
		Sent:      []SharedItem{},
	}

	offers, err := s.repo.ListOffers(ctx, d.Key())
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	for _, o := range offers {
		switch {
		case o.IsPending():
			v.Offer = &OfferView{ID: o.ID, Topic: o.Topic, Tier: o.Tier, DeclinePending: o.DeclineRequestedAt != nil}
		case o.Decision == domain.DecisionAccepted:
			v.Sent = append(v.Sent, SharedItem{Kind: "shared_context", Text: o.Draft})
		}
	}

	if d.State == domain.StateRevealed {
		attempt, err := s.repo.GetAttempt(ctx, d.CurrentAttemptID)
		if err != nil {
			return nil, fmt.Errorf("load attempt: %w", err)
		}
		if attempt != nil {
			v.Revealed = &AttemptView{ID: attempt.ID, Revision: attempt.Revision, Text: attempt.Text}
		}
	}

	feedback, err := s.repo.ListFeedback(ctx, d.Key())
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	for _, f := range feedback {
		if f.Text != "" {
			v.Sent = append(v.Sent, SharedItem{Kind: "feedback", Text: f.Text})
		}
		if f.AttemptID == d.CurrentAttemptID {
			v.Feedback = feedbackView(f)
		}
	}
	return v, nil
}

func feedbackView(f *domain.AccuracyFeedback) *FeedbackView {
	return &FeedbackView{
		ID:          f.ID,
		AttemptID:   f.AttemptID,
		Verdict:     f.Verdict,
		Text:        f.Text,
		Disposition: f.Disposition,
	}
}

// History returns the complete record of a direction.
func (s *Service) History(ctx context.Context, key domain.DirectionKey) (*History, error) {
	d, err := s.loadDirection(ctx, key)
	if err != nil {
		return nil, err
	}
	h := &History{Direction: d}
	if h.Attempts, err = s.repo.ListAttempts(ctx, key); err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	if h.Results, err = s.repo.ListResults(ctx, key); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	if h.Offers, err = s.repo.ListOffers(ctx, key); err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	if h.Feedback, err = s.repo.ListFeedback(ctx, key); err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	return h, nil
}

// SessionHistory returns the history of every direction in a session.
func (s *Service) SessionHistory(ctx context.Context, sessionID string) ([]*History, error) {
	dirs, err := s.repo.ListSessionDirections(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list directions: %w", err)
	}
	out := make([]*History, 0, len(dirs))
	for _, d := range dirs {
		h, err := s.History(ctx, d.Key())
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
