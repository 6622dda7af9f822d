package reconciler

import (
	"errors"

	"github.com/ashureev/attune/internal/alignment"
	"github.com/ashureev/attune/internal/gatekeeper"
)

var (
	// ErrNotFound is returned when a direction, offer, attempt or feedback does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the caller is not the party allowed to act.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidState is returned when the direction cannot accept the request in its current state.
	ErrInvalidState = errors.New("invalid state for request")
	// ErrInvalidInput is returned for missing or malformed request fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrFeedbackRequired is returned when an inaccurate verdict has no feedback intent.
	ErrFeedbackRequired = errors.New("feedback intent is required for an inaccurate verdict")

	// ErrGuardViolation marks a request that would re-create a resolved offer or
	// set the guard twice. It is logged and counted, never returned to users.
	ErrGuardViolation = errors.New("guard violation")
	// ErrCircuitBreakerTripped marks a direction forced to READY by the round limit.
	// It is recorded on the result and logged, never returned.
	ErrCircuitBreakerTripped = errors.New("refinement circuit breaker tripped")

	// ErrAnalysisFailed matches analyzer failures.
	ErrAnalysisFailed = alignment.ErrAnalysisFailed
	// ErrConsentViolation matches attempts to deliver unmediated content.
	ErrConsentViolation = gatekeeper.ErrConsentViolation
)
