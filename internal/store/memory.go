package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/attune/internal/domain"
)

// MemoryStore implements Repository in process memory. It is used for
// local development (STORAGE_BACKEND=memory) and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	directions map[domain.DirectionKey]*domain.Direction
	attempts   map[string]*domain.EmpathyAttempt
	results    []*domain.ReconcilerResult
	offers     map[string]*domain.ShareOffer
	offerOrder []string
	feedback   map[string]*domain.AccuracyFeedback
	events     []*domain.Event
	eventSeq   int64
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		directions: make(map[domain.DirectionKey]*domain.Direction),
		attempts:   make(map[string]*domain.EmpathyAttempt),
		offers:     make(map[string]*domain.ShareOffer),
		feedback:   make(map[string]*domain.AccuracyFeedback),
	}
}

// GetDirection retrieves a direction by its arena key.
func (m *MemoryStore) GetDirection(_ context.Context, key domain.DirectionKey) (*domain.Direction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.directions[key]
	if !ok {
		return nil, nil
	}
	return d.Clone(), nil
}

// ListSessionDirections returns both directions of a session.
func (m *MemoryStore) ListSessionDirections(_ context.Context, sessionID string) ([]*domain.Direction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Direction
	for key, d := range m.directions {
		if key.SessionID == sessionID {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].GuesserID < out[j].GuesserID
	})
	return out, nil
}

// ListStaleAnalyses returns directions stuck in ANALYZING since before the threshold.
func (m *MemoryStore) ListStaleAnalyses(_ context.Context, startedBefore time.Time) ([]*domain.Direction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Direction
	for _, d := range m.directions {
		if d.State == domain.StateAnalyzing && d.AnalysisStartedAt != nil && d.AnalysisStartedAt.Before(startedBefore) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AnalysisStartedAt.Before(*out[j].AnalysisStartedAt) })
	return out, nil
}

// GetAttempt retrieves an attempt by ID.
func (m *MemoryStore) GetAttempt(_ context.Context, id string) (*domain.EmpathyAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

// ListAttempts returns every revision for a direction, oldest first.
func (m *MemoryStore) ListAttempts(_ context.Context, key domain.DirectionKey) ([]*domain.EmpathyAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.EmpathyAttempt
	for _, a := range m.attempts {
		if a.SessionID == key.SessionID && a.GuesserID == key.GuesserID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })
	return out, nil
}

// ListResults returns every analysis result for a direction, oldest first.
func (m *MemoryStore) ListResults(_ context.Context, key domain.DirectionKey) ([]*domain.ReconcilerResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ReconcilerResult
	for _, r := range m.results {
		if r.SessionID == key.SessionID && r.GuesserID == key.GuesserID {
			c := *r
			c.MissedFeelings = append([]string(nil), r.MissedFeelings...)
			out = append(out, &c)
		}
	}
	return out, nil
}

// GetOffer retrieves a share offer by ID.
func (m *MemoryStore) GetOffer(_ context.Context, id string) (*domain.ShareOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, nil
	}
	c := *o
	return &c, nil
}

// PendingOffer returns the direction's pending offer, if any.
func (m *MemoryStore) PendingOffer(_ context.Context, key domain.DirectionKey) (*domain.ShareOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o := m.pendingOfferLocked(key); o != nil {
		c := *o
		return &c, nil
	}
	return nil, nil
}

func (m *MemoryStore) pendingOfferLocked(key domain.DirectionKey) *domain.ShareOffer {
	for _, id := range m.offerOrder {
		o := m.offers[id]
		if o.Key() == key && o.IsPending() {
			return o
		}
	}
	return nil
}

// ListOffers returns every offer for a direction, oldest first.
func (m *MemoryStore) ListOffers(_ context.Context, key domain.DirectionKey) ([]*domain.ShareOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ShareOffer
	for _, id := range m.offerOrder {
		if o := m.offers[id]; o.Key() == key {
			c := *o
			out = append(out, &c)
		}
	}
	return out, nil
}

// GetFeedback retrieves accuracy feedback by ID.
func (m *MemoryStore) GetFeedback(_ context.Context, id string) (*domain.AccuracyFeedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.feedback[id]
	if !ok {
		return nil, nil
	}
	c := *f
	return &c, nil
}

// FeedbackForAttempt returns the verdict recorded for an attempt, if any.
func (m *MemoryStore) FeedbackForAttempt(_ context.Context, attemptID string) (*domain.AccuracyFeedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.feedback {
		if f.AttemptID == attemptID {
			c := *f
			return &c, nil
		}
	}
	return nil, nil
}

// ListFeedback returns every feedback record for a direction, oldest first.
func (m *MemoryStore) ListFeedback(_ context.Context, key domain.DirectionKey) ([]*domain.AccuracyFeedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.AccuracyFeedback
	for _, f := range m.feedback {
		if f.Key() == key {
			c := *f
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Apply commits a changeset atomically. Every check runs before any write.
//
//nolint:gocognit,gocyclo // Validation mirrors the SQLite constraints one by one.
func (m *MemoryStore) Apply(_ context.Context, cs *Changeset) error {
	if cs == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if d := cs.Direction; d != nil {
		existing, ok := m.directions[d.Key()]
		switch {
		case cs.ExpectedVersion == 0 && ok:
			return fmt.Errorf("%w: direction %s already exists", ErrVersionConflict, d.Key())
		case cs.ExpectedVersion != 0 && (!ok || existing.Version != cs.ExpectedVersion):
			return fmt.Errorf("%w: %s expected version %d", ErrVersionConflict, d.Key(), cs.ExpectedVersion)
		}
	}
	for _, o := range cs.Offers {
		if !o.IsPending() {
			continue
		}
		if p := m.pendingOfferLocked(o.Key()); p != nil && p.ID != o.ID {
			return fmt.Errorf("%w: pending offer already exists for %s", ErrVersionConflict, o.Key())
		}
	}
	for _, f := range cs.Feedback {
		for _, existing := range m.feedback {
			if existing.AttemptID == f.AttemptID && existing.ID != f.ID {
				return fmt.Errorf("%w: verdict already recorded for attempt %s", ErrVersionConflict, f.AttemptID)
			}
		}
	}
	for _, a := range cs.NewAttempts {
		if _, ok := m.attempts[a.ID]; ok {
			return fmt.Errorf("attempt %s already exists", a.ID)
		}
	}

	for _, id := range cs.SupersedeAttemptIDs {
		if a, ok := m.attempts[id]; ok {
			a.IsSuperseded = true
		}
	}
	for _, a := range cs.NewAttempts {
		c := *a
		m.attempts[a.ID] = &c
	}
	if d := cs.Direction; d != nil {
		c := d.Clone()
		c.Version = cs.ExpectedVersion + 1
		m.directions[d.Key()] = c
		if a, ok := m.attempts[d.CurrentAttemptID]; ok && !a.IsSuperseded {
			a.Status = d.State
		}
	}
	for _, sup := range cs.SupersedeResults {
		for _, r := range m.results {
			if r.ID == sup.ID && r.SupersededBy == "" {
				r.SupersededBy = sup.By
			}
		}
	}
	for _, r := range cs.NewResults {
		c := *r
		c.MissedFeelings = append([]string(nil), r.MissedFeelings...)
		m.results = append(m.results, &c)
	}
	for _, o := range cs.Offers {
		if _, ok := m.offers[o.ID]; !ok {
			m.offerOrder = append(m.offerOrder, o.ID)
		}
		c := *o
		m.offers[o.ID] = &c
	}
	for _, f := range cs.Feedback {
		c := *f
		m.feedback[f.ID] = &c
	}
	for _, e := range cs.Events {
		m.eventSeq++
		e.Seq = m.eventSeq
		c := *e
		m.events = append(m.events, &c)
	}

	if cs.Direction != nil {
		cs.Direction.Version = cs.ExpectedVersion + 1
	}
	return nil
}

// PendingEvents returns undelivered outbox events in commit order.
func (m *MemoryStore) PendingEvents(_ context.Context, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Event
	for _, e := range m.events {
		if e.DeliveredAt != nil {
			continue
		}
		c := *e
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkDelivered records delivery of outbox events.
func (m *MemoryStore) MarkDelivered(_ context.Context, ids []string, at time.Time) error {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if _, ok := want[e.ID]; ok && e.DeliveredAt == nil {
			ts := at
			e.DeliveredAt = &ts
		}
	}
	return nil
}

// Events returns a copy of every outbox event, delivered or not.
func (m *MemoryStore) Events() []*domain.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Event, 0, len(m.events))
	for _, e := range m.events {
		c := *e
		out = append(out, &c)
	}
	return out
}

// Ping always succeeds.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

var (
	_ Repository = (*MemoryStore)(nil)
	_ Repository = (*SQLiteStore)(nil)
)
