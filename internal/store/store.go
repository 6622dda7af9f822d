// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/attune/internal/domain"
)

// ErrVersionConflict is returned by Apply when the direction was modified concurrently.
var ErrVersionConflict = errors.New("direction version conflict")

// ResultSupersede marks an older result as superseded by a newer one.
type ResultSupersede struct {
	ID string
	By string
}

// Changeset is everything one committed transition writes. Apply stores it atomically.
type Changeset struct {
	// Direction is inserted when ExpectedVersion is 0 and updated otherwise.
	// On success its Version is ExpectedVersion+1 and the current attempt's
	// status mirrors Direction.State.
	Direction       *domain.Direction
	ExpectedVersion int64

	NewAttempts         []*domain.EmpathyAttempt
	SupersedeAttemptIDs []string

	NewResults       []*domain.ReconcilerResult
	SupersedeResults []ResultSupersede

	// Offers and Feedback are upserted by ID.
	Offers   []*domain.ShareOffer
	Feedback []*domain.AccuracyFeedback

	Events []*domain.Event
}

// Repository defines the interface for persisting reconciler state.
// Getters return nil, nil when the record does not exist.
type Repository interface {
	// GetDirection retrieves a direction by its arena key.
	GetDirection(ctx context.Context, key domain.DirectionKey) (*domain.Direction, error)

	// ListSessionDirections returns both directions of a session.
	ListSessionDirections(ctx context.Context, sessionID string) ([]*domain.Direction, error)

	// ListStaleAnalyses returns directions stuck in ANALYZING since before the threshold.
	ListStaleAnalyses(ctx context.Context, startedBefore time.Time) ([]*domain.Direction, error)

	// GetAttempt retrieves an attempt by ID.
	GetAttempt(ctx context.Context, id string) (*domain.EmpathyAttempt, error)

	// ListAttempts returns every revision for a direction, oldest first.
	ListAttempts(ctx context.Context, key domain.DirectionKey) ([]*domain.EmpathyAttempt, error)

	// ListResults returns every analysis result for a direction, oldest first.
	ListResults(ctx context.Context, key domain.DirectionKey) ([]*domain.ReconcilerResult, error)

	// GetOffer retrieves a share offer by ID.
	GetOffer(ctx context.Context, id string) (*domain.ShareOffer, error)

	// PendingOffer returns the direction's pending offer, if any.
	PendingOffer(ctx context.Context, key domain.DirectionKey) (*domain.ShareOffer, error)

	// ListOffers returns every offer for a direction, oldest first.
	ListOffers(ctx context.Context, key domain.DirectionKey) ([]*domain.ShareOffer, error)

	// GetFeedback retrieves accuracy feedback by ID.
	GetFeedback(ctx context.Context, id string) (*domain.AccuracyFeedback, error)

	// FeedbackForAttempt returns the verdict recorded for an attempt, if any.
	FeedbackForAttempt(ctx context.Context, attemptID string) (*domain.AccuracyFeedback, error)

	// ListFeedback returns every feedback record for a direction, oldest first.
	ListFeedback(ctx context.Context, key domain.DirectionKey) ([]*domain.AccuracyFeedback, error)

	// Apply commits a changeset atomically.
	Apply(ctx context.Context, cs *Changeset) error

	// PendingEvents returns undelivered outbox events in commit order.
	PendingEvents(ctx context.Context, limit int) ([]*domain.Event, error)

	// MarkDelivered records delivery of outbox events.
	MarkDelivered(ctx context.Context, ids []string, at time.Time) error

	// Ping verifies storage connectivity.
	Ping(ctx context.Context) error

	// Close releases storage resources.
	Close() error
}
