// Package apperr defines the error taxonomy shared by services and handlers.
package apperr

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	// ErrSignature rejects a whole webhook delivery.
	ErrSignature = errors.New("invalid signature")
	// ErrIdempotentNoOp means the event or transition was already applied; callers treat it as success.
	ErrIdempotentNoOp = errors.New("already applied")
	// ErrOutOfOrder is returned for a refund that arrives before the payment succeeded.
	ErrOutOfOrder        = errors.New("event out of order")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ValidationError reports malformed input rejected before any mutation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictError reports a scheduling overlap. Nothing was written. ExistingID
// is nil when the overlap was caught by the database constraint.
type ConflictError struct {
	RequestedStart time.Time
	RequestedEnd   time.Time
	ExistingID     uuid.UUID
	ExistingStart  time.Time
	ExistingEnd    time.Time
}

func (e *ConflictError) Error() string {
	if e.ExistingID == uuid.Nil {
		return fmt.Sprintf("window [%s, %s) overlaps an existing session",
			e.RequestedStart.UTC().Format(time.RFC3339), e.RequestedEnd.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("window [%s, %s) overlaps session %s [%s, %s)",
		e.RequestedStart.UTC().Format(time.RFC3339), e.RequestedEnd.UTC().Format(time.RFC3339),
		e.ExistingID, e.ExistingStart.UTC().Format(time.RFC3339), e.ExistingEnd.UTC().Format(time.RFC3339))
}

// TransferFailure wraps a failed payout call made after the payment already succeeded.
type TransferFailure struct {
	PaymentID uuid.UUID
	Err       error
}

func (e *TransferFailure) Error() string {
	return fmt.Sprintf("payout transfer for payment %s: %v", e.PaymentID, e.Err)
}

func (e *TransferFailure) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}
