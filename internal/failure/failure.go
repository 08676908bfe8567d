// Package failure holds the error taxonomy shared by the store, the
// publisher and the execution engine.
package failure

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task does not exist for the tenant.
	ErrNotFound = errors.New("task not found")
	// ErrClaimConflict means another worker owns the task or it already
	// moved past the delivered revision. Expected under at-least-once delivery.
	ErrClaimConflict = errors.New("claim conflict")
	// ErrRevisionMismatch means an optimistic update lost to a concurrent mutator.
	ErrRevisionMismatch = errors.New("revision mismatch")
	// ErrInvalidTransition rejects an edge outside the task state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrBreakerOpen is returned without calling out while the shared breaker is open.
	ErrBreakerOpen = errors.New("circuit breaker open")
)

// Class buckets execution failures for the retry policy.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// ValidationError rejects a submission before any durable write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DuplicateInFlightError reports an idempotency conflict with a non-terminal task.
type DuplicateInFlightError struct {
	ExistingID string
	// Stale is set when the original token is older than the freshness window.
	Stale bool
}

func (e *DuplicateInFlightError) Error() string {
	return fmt.Sprintf("task %s with the same idempotency key is still in flight", e.ExistingID)
}

// PublishError wraps a broker failure for one outbox entry.
type PublishError struct {
	EntryID int64
	Cause   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish outbox entry %d: %v", e.EntryID, e.Cause)
}

func (e *PublishError) Unwrap() error { return e.Cause }

// TransientError marks a failure eligible for retry.
type TransientError struct{ Cause error }

func (e *TransientError) Error() string { return "transient: " + e.Cause.Error() }
func (e *TransientError) Unwrap() error { return e.Cause }

// PermanentError marks a business-rule failure that must not be retried.
type PermanentError struct{ Cause error }

func (e *PermanentError) Error() string { return "permanent: " + e.Cause.Error() }
func (e *PermanentError) Unwrap() error { return e.Cause }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Cause: err}
}

// Permanent wraps err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Cause: err}
}

// Classify decides whether err should be retried. Unknown errors are
// treated as transient so that nothing is dead-lettered by accident.
func Classify(err error) Class {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return ClassPermanent
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return ClassPermanent
	}
	return ClassTransient
}
