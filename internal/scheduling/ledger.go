// Package scheduling enforces that a host's non-cancelled sessions never overlap.
package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/models"
)

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether w and o share any instant. Abutting windows do not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Validate rejects empty or inverted windows.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return apperr.Invalid("window", "start and end are required")
	}
	if !w.Start.Before(w.End) {
		return apperr.Invalid("window", "start must be before end")
	}
	return nil
}

// Tx is the view of the store available while the host's slot lock is held.
type Tx interface {
	// Overlapping returns non-cancelled sessions of host intersecting w, skipping excludingID.
	Overlapping(ctx context.Context, hostID uuid.UUID, w Window, excludingID *uuid.UUID) ([]models.Session, error)
	InsertSession(ctx context.Context, s *models.Session) error
	UpdateWindow(ctx context.Context, id uuid.UUID, w Window) (*models.Session, error)
}

// Store serializes reservations per host. WithSlotLock must run fn atomically
// with respect to every other WithSlotLock call for the same host.
type Store interface {
	WithSlotLock(ctx context.Context, hostID uuid.UUID, fn func(ctx context.Context, tx Tx) error) error
}

// Ledger checks candidate windows and performs the write under the same lock.
type Ledger struct {
	store Store
}

// NewLedger creates a scheduling ledger.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Reserve admits w for hostID and then runs write inside the lock. On conflict it
// returns *apperr.ConflictError and write is never called.
func (l *Ledger) Reserve(ctx context.Context, hostID uuid.UUID, w Window, excludingID *uuid.UUID, write func(ctx context.Context, tx Tx) error) error {
	if err := w.Validate(); err != nil {
		return err
	}
	err := l.store.WithSlotLock(ctx, hostID, func(ctx context.Context, tx Tx) error {
		existing, err := tx.Overlapping(ctx, hostID, w, excludingID)
		if err != nil {
			return err
		}
		for _, s := range existing {
			if s.Status == models.SessionCancelled {
				continue
			}
			if excludingID != nil && s.ID == *excludingID {
				continue
			}
			other := Window{Start: s.StartsAt, End: s.EndsAt}
			if w.Overlaps(other) {
				return &apperr.ConflictError{
					RequestedStart: w.Start,
					RequestedEnd:   w.End,
					ExistingID:     s.ID,
					ExistingStart:  s.StartsAt,
					ExistingEnd:    s.EndsAt,
				}
			}
		}
		return write(ctx, tx)
	})
	// The exclusion constraint reports an overlap without the windows involved.
	var conflict *apperr.ConflictError
	if errors.As(err, &conflict) && conflict.RequestedStart.IsZero() {
		conflict.RequestedStart, conflict.RequestedEnd = w.Start, w.End
	}
	return err
}
