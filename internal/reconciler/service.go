// Package reconciler runs the per-direction empathy reconciliation: analysis,
// consent-gated sharing, bounded refinement, reveal and accuracy feedback.
//
// Every transition is committed through store.Repository together with the
// events it produces, so each committed transition emits its events exactly once.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/attune/internal/domain"
	"github.com/ashureev/attune/internal/gatekeeper"
	"github.com/ashureev/attune/internal/store"
	"github.com/ashureev/attune/internal/telemetry"
)

// Analyzer compares a guess with ground truth.
type Analyzer interface {
	Analyze(ctx context.Context, guess, groundTruth, sharedContext string) (domain.Analysis, error)
}

// RevealPolicy decides when a READY direction is revealed.
type RevealPolicy string

const (
	// RevealMutual reveals once both directions of the session are READY.
	RevealMutual RevealPolicy = "mutual"
	// RevealIndependent reveals each direction as soon as it is READY.
	RevealIndependent RevealPolicy = "independent"
)

// DefaultMaxAnalysisRounds is the circuit-breaker limit: the initial analysis,
// the guarded re-analysis and one spare.
const DefaultMaxAnalysisRounds = 3

// Options configures a Service.
type Options struct {
	MaxAnalysisRounds int
	RevealPolicy      RevealPolicy
	StaleAfter        time.Duration

	// OnCommit is called after every successful commit, typically to wake the event dispatcher.
	OnCommit func()

	Now   func() time.Time
	NewID func() string
}

// Service is the reconciler. All exported methods are safe for concurrent use.
type Service struct {
	repo      store.Repository
	analyzer  Analyzer
	gk        *gatekeeper.Gatekeeper
	anomalies *telemetry.Anomalies
	logger    *slog.Logger
	opts      Options

	locksMu sync.Mutex
	locks   map[string]*dirLock
	wg      sync.WaitGroup
}

// New creates a Service.
func New(repo store.Repository, analyzer Analyzer, gk *gatekeeper.Gatekeeper, anomalies *telemetry.Anomalies, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAnalysisRounds <= 0 {
		opts.MaxAnalysisRounds = DefaultMaxAnalysisRounds
	}
	if opts.RevealPolicy == "" {
		opts.RevealPolicy = RevealMutual
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Service{
		repo:      repo,
		analyzer:  analyzer,
		gk:        gk,
		anomalies: anomalies,
		logger:    logger,
		opts:      opts,
		locks:     make(map[string]*dirLock),
	}
}

// Wait blocks until every in-flight analysis has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// dirLock serializes operations on one direction. refs counts holders and
// waiters; the entry is dropped when it reaches zero.
type dirLock struct {
	mu   sync.Mutex
	refs int
}

func (s *Service) lock(key domain.DirectionKey) func() {
	k := key.String()
	s.locksMu.Lock()
	l, ok := s.locks[k]
	if !ok {
		l = &dirLock{}
		s.locks[k] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, k)
		}
		s.locksMu.Unlock()
	}
}

// now is truncated to the precision storage keeps, so timestamps compare
// equal after a round trip.
func (s *Service) now() time.Time {
	return s.opts.Now().UTC().Truncate(time.Millisecond)
}

func (s *Service) dirLogger(d *domain.Direction) *slog.Logger {
	return s.logger.With("session_id", d.SessionID, "guesser_id", d.GuesserID)
}

// loadDirection fetches a direction, mapping absence to ErrNotFound.
func (s *Service) loadDirection(ctx context.Context, key domain.DirectionKey) (*domain.Direction, error) {
	d, err := s.repo.GetDirection(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load direction %s: %w", key, err)
	}
	if d == nil {
		return nil, fmt.Errorf("direction %s: %w", key, ErrNotFound)
	}
	return d, nil
}

func (s *Service) commit(ctx context.Context, cs *store.Changeset) error {
	if err := s.repo.Apply(ctx, cs); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			s.anomalies.Record(ctx, telemetry.AnomalyVersionConflict)
		}
		return fmt.Errorf("commit: %w", err)
	}
	if s.opts.OnCommit != nil {
		s.opts.OnCommit()
	}
	return nil
}

// update commits d, expecting it unchanged in storage since it was loaded at version prev.
func (s *Service) update(ctx context.Context, d *domain.Direction, prev int64, cs *store.Changeset) error {
	if cs == nil {
		cs = &store.Changeset{}
	}
	cs.Direction = d
	cs.ExpectedVersion = prev
	return s.commit(ctx, cs)
}

// newEvent builds an outbox event for d. The recipient follows from the audience.
func (s *Service) newEvent(d *domain.Direction, kind domain.EventKind, audience domain.Audience, triggeredBy string, payload any) *domain.Event {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			// Payloads are plain structs and maps; this only fires on a programming error.
			s.logger.Error("failed to encode event payload", "event", kind, "error", err)
		} else {
			raw = b
		}
	}
	e := &domain.Event{
		ID:          s.opts.NewID(),
		Kind:        kind,
		SessionID:   d.SessionID,
		GuesserID:   d.GuesserID,
		TriggeredBy: triggeredBy,
		Audience:    audience,
		Payload:     raw,
		CreatedAt:   s.now(),
	}
	switch audience {
	case domain.AudienceGuesser:
		e.RecipientID = d.GuesserID
	case domain.AudienceSubject:
		e.RecipientID = d.SubjectID
	case domain.AudienceInternal:
	}
	return e
}

// readyPayload is what the guesser learns when their direction converges.
// It must not depend on the path that led to READY.
func readyPayload(d *domain.Direction) map[string]any {
	return map[string]any{"state": string(domain.StateReady), "attempt_id": d.CurrentAttemptID}
}

// SubmitGuess records the guesser's statement about the subject. A direction
// is created on first submission; while HELD a new submission supersedes the
// previous revision.
func (s *Service) SubmitGuess(ctx context.Context, key domain.DirectionKey, subjectID, text string) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	text = strings.TrimSpace(text)
	if subjectID == "" || subjectID == key.GuesserID || text == "" {
		return fmt.Errorf("%w: guess needs text and a distinct subject", ErrInvalidInput)
	}

	unlock := s.lock(key)
	defer unlock()

	d, err := s.repo.GetDirection(ctx, key)
	if err != nil {
		return fmt.Errorf("load direction %s: %w", key, err)
	}
	if d == nil {
		return s.createDirection(ctx, key, subjectID, text, "")
	}
	if d.SubjectID != subjectID {
		return fmt.Errorf("%w: direction %s already targets another subject", ErrInvalidInput, key)
	}
	if d.State != domain.StateHeld {
		return fmt.Errorf("%w: guess is final once analysis starts", ErrInvalidState)
	}

	current, err := s.repo.GetAttempt(ctx, d.CurrentAttemptID)
	if err != nil {
		return fmt.Errorf("load attempt: %w", err)
	}
	if current != nil && current.Text == text {
		return nil
	}
	prev := d.Version
	cs := &store.Changeset{}
	s.appendRevision(d, current, text, cs)
	cs.Events = append(cs.Events, s.newEvent(d, domain.EventGuessHeld, domain.AudienceInternal, key.GuesserID,
		map[string]any{"attempt_id": d.CurrentAttemptID}))
	return s.update(ctx, d, prev, cs)
}

func (s *Service) createDirection(ctx context.Context, key domain.DirectionKey, subjectID, text, groundTruth string) error {
	now := s.now()
	d := &domain.Direction{
		SessionID:   key.SessionID,
		GuesserID:   key.GuesserID,
		SubjectID:   subjectID,
		State:       domain.StateHeld,
		GroundTruth: groundTruth,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	cs := &store.Changeset{Direction: d}
	s.appendRevision(d, nil, text, cs)
	cs.Events = append(cs.Events, s.newEvent(d, domain.EventGuessHeld, domain.AudienceInternal, key.GuesserID,
		map[string]any{"attempt_id": d.CurrentAttemptID}))
	return s.commit(ctx, cs)
}

// appendRevision adds a new attempt to cs and makes it current on d.
func (s *Service) appendRevision(d *domain.Direction, current *domain.EmpathyAttempt, text string, cs *store.Changeset) {
	revision := 1
	if current != nil {
		revision = current.Revision + 1
		cs.SupersedeAttemptIDs = append(cs.SupersedeAttemptIDs, current.ID)
	}
	a := &domain.EmpathyAttempt{
		ID:        s.opts.NewID(),
		SessionID: d.SessionID,
		GuesserID: d.GuesserID,
		SubjectID: d.SubjectID,
		Text:      text,
		Revision:  revision,
		Status:    d.State,
		CreatedAt: s.now(),
	}
	cs.NewAttempts = append(cs.NewAttempts, a)
	d.CurrentAttemptID = a.ID
	d.UpdatedAt = a.CreatedAt
}

// StageReady is the upstream notification that the subject's ground truth is available.
type StageReady struct {
	SessionID   string
	GuesserID   string
	SubjectID   string
	GuessText   string
	GroundTruth string
}

// OnStageReadyForAnalysis moves a HELD direction into analysis. Replays for a
// direction that already left HELD are no-ops.
func (s *Service) OnStageReadyForAnalysis(ctx context.Context, ev StageReady) error {
	key := domain.DirectionKey{SessionID: ev.SessionID, GuesserID: ev.GuesserID}
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	guess := strings.TrimSpace(ev.GuessText)
	truth := strings.TrimSpace(ev.GroundTruth)
	if truth == "" {
		return fmt.Errorf("%w: ground truth is required", ErrInvalidInput)
	}

	unlock := s.lock(key)
	defer unlock()

	d, err := s.repo.GetDirection(ctx, key)
	if err != nil {
		return fmt.Errorf("load direction %s: %w", key, err)
	}
	if d == nil {
		if guess == "" || ev.SubjectID == "" || ev.SubjectID == ev.GuesserID {
			return fmt.Errorf("%w: unknown direction needs a guess and a subject", ErrInvalidInput)
		}
		if err := s.createDirection(ctx, key, ev.SubjectID, guess, truth); err != nil {
			return err
		}
		if d, err = s.loadDirection(ctx, key); err != nil {
			return err
		}
	}
	if d.State != domain.StateHeld {
		s.dirLogger(d).Debug("stage ready replay ignored", "state", d.State)
		return nil
	}

	current, err := s.repo.GetAttempt(ctx, d.CurrentAttemptID)
	if err != nil {
		return fmt.Errorf("load attempt: %w", err)
	}

	prev := d.Version
	cs := &store.Changeset{}
	if guess != "" && (current == nil || current.Text != guess) {
		s.appendRevision(d, current, guess, cs)
	}
	d.GroundTruth = truth
	if err := s.beginAnalysis(d, "", cs); err != nil {
		return err
	}
	if err := s.update(ctx, d, prev, cs); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// Another instance started this analysis first.
			s.dirLogger(d).Info("stage ready lost race to another writer")
			return nil
		}
		return err
	}
	s.launchAnalysis(d)
	return nil
}

// beginAnalysis moves d into ANALYZING and records the event.
func (s *Service) beginAnalysis(d *domain.Direction, triggeredBy string, cs *store.Changeset) error {
	if err := transition(d, domain.StateAnalyzing, s.now()); err != nil {
		return err
	}
	cs.Events = append(cs.Events, s.newEvent(d, domain.EventAnalysisStarted, domain.AudienceInternal, triggeredBy,
		map[string]any{"attempt_id": d.CurrentAttemptID, "round": d.AnalysisRound}))
	return nil
}

func withEvents(events ...*domain.Event) *store.Changeset {
	return &store.Changeset{Events: events}
}
