package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/attune/internal/alignment"
	"github.com/ashureev/attune/internal/domain"
	"github.com/ashureev/attune/internal/store"
	"github.com/ashureev/attune/internal/telemetry"
)

// analysisTicket identifies one ANALYZING entry. A result is only applied if
// the direction is still in that same entry when the analysis returns.
type analysisTicket struct {
	key       domain.DirectionKey
	attemptID string
	startedAt time.Time
}

func (t analysisTicket) matches(d *domain.Direction) bool {
	return d.State == domain.StateAnalyzing &&
		d.CurrentAttemptID == t.attemptID &&
		d.AnalysisStartedAt != nil &&
		d.AnalysisStartedAt.Equal(t.startedAt)
}

// launchAnalysis runs the analysis for d's current ANALYZING entry in its own goroutine.
func (s *Service) launchAnalysis(d *domain.Direction) {
	t := analysisTicket{key: d.Key(), attemptID: d.CurrentAttemptID, startedAt: *d.AnalysisStartedAt}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Analyses are not tied to the request that triggered them.
		s.runAnalysis(context.Background(), t)
	}()
}

func (s *Service) runAnalysis(ctx context.Context, t analysisTicket) {
	analysis, analyzeErr := s.analyze(ctx, t)

	ready, sessionID := s.applyAnalysis(ctx, t, analysis, analyzeErr)
	if ready {
		s.maybeReveal(ctx, sessionID)
	}
}

// analyze gathers the inputs for t and calls the analyzer. It runs without the direction lock.
func (s *Service) analyze(ctx context.Context, t analysisTicket) (domain.Analysis, error) {
	d, err := s.loadDirection(ctx, t.key)
	if err != nil {
		return domain.Analysis{}, err
	}
	attempt, err := s.repo.GetAttempt(ctx, t.attemptID)
	if err != nil {
		return domain.Analysis{}, fmt.Errorf("load attempt: %w", err)
	}
	if attempt == nil {
		return domain.Analysis{}, fmt.Errorf("attempt %s: %w", t.attemptID, ErrNotFound)
	}
	shared, err := s.sharedContext(ctx, t.key)
	if err != nil {
		return domain.Analysis{}, err
	}
	return s.analyzer.Analyze(ctx, attempt.Text, d.GroundTruth, shared)
}

// sharedContext is everything the subject has already let the guesser see.
func (s *Service) sharedContext(ctx context.Context, key domain.DirectionKey) (string, error) {
	offers, err := s.repo.ListOffers(ctx, key)
	if err != nil {
		return "", fmt.Errorf("list offers: %w", err)
	}
	feedback, err := s.repo.ListFeedback(ctx, key)
	if err != nil {
		return "", fmt.Errorf("list feedback: %w", err)
	}
	var parts []string
	for _, o := range offers {
		if o.Decision == domain.DecisionAccepted && o.Draft != "" {
			parts = append(parts, o.Draft)
		}
	}
	for _, f := range feedback {
		if f.Verdict == domain.VerdictInaccurate && f.Text != "" {
			parts = append(parts, f.Text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// applyAnalysis commits the outcome of an analysis. It reports whether the
// direction converged to READY.
func (s *Service) applyAnalysis(ctx context.Context, t analysisTicket, analysis domain.Analysis, analyzeErr error) (bool, string) {
	unlock := s.lock(t.key)
	defer unlock()

	d, err := s.loadDirection(ctx, t.key)
	if err != nil {
		s.logger.Error("analysis finished for unreadable direction", "direction", t.key.String(), "error", err)
		return false, ""
	}
	log := s.dirLogger(d)
	if !t.matches(d) {
		log.Info("discarding analysis for a superseded entry", "state", d.State)
		return false, ""
	}

	if analyzeErr == nil {
		var ready bool
		ready, err = s.completeAnalysis(ctx, d, analysis)
		if err == nil {
			return ready, d.SessionID
		}
		analyzeErr = err
		if errors.Is(err, store.ErrVersionConflict) {
			log.Warn("analysis result lost a version race", "error", err)
			return false, ""
		}
		// Reload before reverting; completeAnalysis mutated d.
		if d, err = s.loadDirection(ctx, t.key); err != nil || !t.matches(d) {
			return false, ""
		}
	}

	s.failAnalysis(ctx, d, analyzeErr)
	return false, ""
}

// failAnalysis reverts d to its pre-analysis state.
func (s *Service) failAnalysis(ctx context.Context, d *domain.Direction, cause error) {
	log := s.dirLogger(d)
	s.anomalies.Record(ctx, telemetry.AnomalyAnalysisFailed)

	attempts := 1
	var ae *alignment.AnalysisError
	if errors.As(cause, &ae) {
		attempts = ae.Attempts
	}
	log.Warn("analysis failed, reverting", "pre_analysis_state", d.PreAnalysisState, "attempts", attempts, "error", cause)

	prev := d.Version
	attemptID := d.CurrentAttemptID
	if err := transition(d, d.PreAnalysisState, s.now()); err != nil {
		log.Error("cannot revert failed analysis", "error", err)
		return
	}
	cs := &store.Changeset{Events: []*domain.Event{
		s.newEvent(d, domain.EventAnalysisFailed, domain.AudienceInternal, "",
			map[string]any{"attempt_id": attemptID, "attempts": attempts, "reason": cause.Error()}),
	}}
	if err := s.update(ctx, d, prev, cs); err != nil {
		log.Error("failed to commit analysis revert", "error", err)
	}
}

// completeAnalysis records the result and moves d out of ANALYZING.
func (s *Service) completeAnalysis(ctx context.Context, d *domain.Direction, a domain.Analysis) (bool, error) {
	log := s.dirLogger(d)
	action, err := alignment.Classify(a.GapSeverity)
	if err != nil {
		return false, err
	}
	to, forcedBy := s.resolve(d, action)

	results, err := s.repo.ListResults(ctx, d.Key())
	if err != nil {
		return false, fmt.Errorf("list results: %w", err)
	}

	now := s.now()
	result := &domain.ReconcilerResult{
		ID:               s.opts.NewID(),
		SessionID:        d.SessionID,
		GuesserID:        d.GuesserID,
		AttemptID:        d.CurrentAttemptID,
		Round:            d.AnalysisRound,
		Score:            a.Score,
		GapSeverity:      a.GapSeverity,
		Action:           action,
		Rationale:        a.Recommendation.Rationale,
		MissedFeelings:   a.MissedFeelings,
		MostImportantGap: a.MostImportantGap,
		ShareFocus:       a.Recommendation.SuggestedShareFocus,
		ForcedBy:         forcedBy,
		CreatedAt:        now,
	}
	cs := &store.Changeset{NewResults: []*domain.ReconcilerResult{result}}
	for _, r := range results {
		if r.SupersededBy == "" {
			cs.SupersedeResults = append(cs.SupersedeResults, store.ResultSupersede{ID: r.ID, By: result.ID})
		}
	}

	prev := d.Version
	if err := transition(d, to, now); err != nil {
		return false, err
	}

	cs.Events = append(cs.Events, s.newEvent(d, domain.EventAnalysisCompleted, domain.AudienceInternal, "", map[string]any{
		"result_id": result.ID,
		"score":     result.Score,
		"severity":  result.GapSeverity,
		"action":    result.Action.String(),
		"forced_by": result.ForcedBy,
		"round":     result.Round,
	}))

	switch to {
	case domain.StateAwaitingSharing:
		offer, err := s.offerFor(ctx, d, result, action)
		if err != nil {
			return false, err
		}
		cs.Offers = append(cs.Offers, offer)
		cs.Events = append(cs.Events, s.newEvent(d, domain.EventShareOffered, domain.AudienceSubject, "", map[string]any{
			"offer_id": offer.ID,
			"topic":    offer.Topic,
			"tier":     offer.Tier,
		}))
	case domain.StateReady:
		cs.Events = append(cs.Events, s.newEvent(d, domain.EventDirectionReady, domain.AudienceGuesser, "", readyPayload(d)))
	default:
		return false, fmt.Errorf("%w: analysis cannot resolve to %s", ErrInvalidState, to)
	}

	switch forcedBy {
	case domain.ForcedByGuard:
		log.Info("shared-context guard forced convergence", "severity", a.GapSeverity, "round", d.AnalysisRound)
	case domain.ForcedByBreaker:
		s.anomalies.Record(ctx, telemetry.AnomalyBreakerTripped)
		log.Warn("refinement circuit breaker tripped", "error", ErrCircuitBreakerTripped,
			"round", d.AnalysisRound, "max_rounds", s.opts.MaxAnalysisRounds, "severity", a.GapSeverity)
	case domain.ForcedByNone:
	}

	if err := s.update(ctx, d, prev, cs); err != nil {
		return false, err
	}
	log.Info("analysis completed", "score", a.Score, "severity", a.GapSeverity, "action", action, "state", d.State)
	return to == domain.StateReady, nil
}

// offerFor builds the pending offer for a sharing result. If a pending offer
// already exists it is returned unchanged.
func (s *Service) offerFor(ctx context.Context, d *domain.Direction, result *domain.ReconcilerResult, action domain.Action) (*domain.ShareOffer, error) {
	existing, err := s.repo.PendingOffer(ctx, d.Key())
	if err != nil {
		return nil, fmt.Errorf("load pending offer: %w", err)
	}
	if existing != nil {
		s.guardViolation(ctx, d, "pending offer already exists", "offer_id", existing.ID)
		return existing, nil
	}
	tier, err := domain.TierFor(action)
	if err != nil {
		return nil, err
	}
	return &domain.ShareOffer{
		ID:        s.opts.NewID(),
		SessionID: d.SessionID,
		GuesserID: d.GuesserID,
		SubjectID: d.SubjectID,
		ResultID:  result.ID,
		Topic:     result.ShareFocus,
		Tier:      tier,
		Decision:  domain.DecisionPending,
		CreatedAt: result.CreatedAt,
	}, nil
}

// guardViolation logs and counts a request that was turned into a no-op.
func (s *Service) guardViolation(ctx context.Context, d *domain.Direction, reason string, attrs ...any) {
	s.anomalies.Record(ctx, telemetry.AnomalyGuardViolation)
	args := append([]any{"error", ErrGuardViolation, "reason", reason, "state", d.State}, attrs...)
	s.dirLogger(d).Warn("guard violation ignored", args...)
}
