// Package events delivers committed outbox events to the users they are
// addressed to, over SSE and WebSocket, optionally fanned out through Redis.
package events

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ashureev/attune/internal/domain"
)

// ErrHubClosed is returned by Subscribe after Close.
var ErrHubClosed = errors.New("event hub closed")

// Sink receives events from the dispatcher.
type Sink interface {
	Publish(ctx context.Context, e *domain.Event) error
}

// ReplayQueue buffers recent events per recipient so reconnecting clients can
// catch up from their Last-Event-ID. Each recipient gets its own bounded list
// so one user's burst cannot evict another user's events.
type ReplayQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List // recipient -> events
	maxSize int
}

// NewReplayQueue creates a per-recipient replay queue.
func NewReplayQueue(maxSize int) *ReplayQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &ReplayQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue appends e to its recipient's queue. It reports false for an event
// the queue has already seen.
func (q *ReplayQueue) Enqueue(e *domain.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[e.RecipientID]
	if !ok {
		l = list.New()
		q.queues[e.RecipientID] = l
	}
	if back := l.Back(); back != nil && back.Value.(*domain.Event).Seq >= e.Seq {
		return false
	}
	l.PushBack(e)
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
	return true
}

// After returns the recipient's buffered events with a sequence greater than afterSeq.
func (q *ReplayQueue) After(recipientID string, afterSeq int64) []*domain.Event {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.afterLocked(recipientID, afterSeq)
}

func (q *ReplayQueue) afterLocked(recipientID string, afterSeq int64) []*domain.Event {
	l, ok := q.queues[recipientID]
	if !ok {
		return nil
	}
	var missed []*domain.Event
	for el := l.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*domain.Event); e.Seq > afterSeq {
			missed = append(missed, e)
		}
	}
	return missed
}

// Subscription is one live connection's view of the hub.
type Subscription struct {
	UserID string
	C      <-chan *domain.Event
	// Done is closed when the hub drops the subscription, either because the
	// client fell behind or the hub shut down.
	Done <-chan struct{}

	id   int64
	ch   chan *domain.Event
	done chan struct{}
	once sync.Once
}

func (s *Subscription) drop() {
	s.once.Do(func() { close(s.done) })
}

// Hub fans events out to every live subscription of their recipient.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[int64]*Subscription // user -> subscription id -> subscription
	nextID int64
	closed bool

	replay *ReplayQueue
	buffer int
	logger *slog.Logger
}

// NewHub creates a hub keeping replayBuffer events per recipient.
func NewHub(replayBuffer int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[int64]*Subscription),
		replay: NewReplayQueue(replayBuffer),
		buffer: 64,
		logger: logger,
	}
}

// Publish buffers e for replay and sends it to the recipient's connections.
// Internal events are dropped.
func (h *Hub) Publish(_ context.Context, e *domain.Event) error {
	if e == nil || !e.Deliverable() {
		return nil
	}
	// Enqueue and snapshot under the hub lock so a concurrent Subscribe sees
	// e either in its replay or on its channel, never both.
	h.mu.RLock()
	if !h.replay.Enqueue(e) {
		h.mu.RUnlock()
		h.logger.Debug("duplicate event ignored", "event_id", e.ID, "seq", e.Seq)
		return nil
	}
	conns := make([]*Subscription, 0, len(h.subs[e.RecipientID]))
	for _, s := range h.subs[e.RecipientID] {
		conns = append(conns, s)
	}
	h.mu.RUnlock()

	for _, s := range conns {
		select {
		case s.ch <- e:
		case <-s.done:
		default:
			// The client cannot keep up; it reconnects with Last-Event-ID.
			h.logger.Warn("subscriber too slow, dropping connection", "user_id", s.UserID, "subscription_id", s.id)
			h.remove(s)
		}
	}
	return nil
}

// Subscribe registers a connection for userID and returns the buffered
// events after afterSeq. Registration and the replay snapshot are atomic,
// so no event falls between them.
func (h *Hub) Subscribe(userID string, afterSeq int64) (*Subscription, []*domain.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, ErrHubClosed
	}

	h.nextID++
	s := &Subscription{
		UserID: userID,
		id:     h.nextID,
		ch:     make(chan *domain.Event, h.buffer),
		done:   make(chan struct{}),
	}
	s.C = s.ch
	s.Done = s.done
	if _, ok := h.subs[userID]; !ok {
		h.subs[userID] = make(map[int64]*Subscription)
	}
	h.subs[userID][s.id] = s

	var missed []*domain.Event
	if afterSeq > 0 {
		h.replay.mu.RLock()
		missed = h.replay.afterLocked(userID, afterSeq)
		h.replay.mu.RUnlock()
	}
	return s, missed, nil
}

// Unsubscribe removes s. It is safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.remove(s)
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	if userSubs, ok := h.subs[s.UserID]; ok {
		delete(userSubs, s.id)
		if len(userSubs) == 0 {
			delete(h.subs, s.UserID)
		}
	}
	h.mu.Unlock()
	s.drop()
}

// Connections returns the number of live subscriptions for userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Close drops every subscription. Later Subscribe calls fail.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Subscription
	for _, userSubs := range h.subs {
		for _, s := range userSubs {
			all = append(all, s)
		}
	}
	h.subs = make(map[string]map[int64]*Subscription)
	h.mu.Unlock()

	for _, s := range all {
		s.drop()
	}
}
