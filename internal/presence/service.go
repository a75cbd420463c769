// Package presence tracks who is listening to a live stream and keeps the
// session's viewer count equal to the number of open presence records.
package presence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/models"
	"github.com/soundstage/backend/internal/realtime"
)

// Tx operates on one stream while its session row is locked.
type Tx interface {
	Session(ctx context.Context) (*models.Session, error)
	OpenRecord(ctx context.Context, userID uuid.UUID) (*models.PresenceRecord, error)
	InsertRecord(ctx context.Context, userID uuid.UUID, at time.Time) error
	CloseRecord(ctx context.Context, recordID uuid.UUID, at time.Time) error
	CountOpen(ctx context.Context) (int, error)
	SetViewerCount(ctx context.Context, n int) error
}

// Store is the presence persistence.
type Store interface {
	// WithStreamLock runs fn holding the stream's session row lock. A missing
	// session yields apperr.ErrNotFound.
	WithStreamLock(ctx context.Context, streamID uuid.UUID, fn func(ctx context.Context, tx Tx) error) error
	CloseAll(ctx context.Context, streamID uuid.UUID, at time.Time) (int64, error)
	// RecountLive rewrites viewer_count of every live session whose stored
	// value drifted from its open records, returning the corrected counts.
	RecountLive(ctx context.Context) (map[uuid.UUID]int, error)
	Get(ctx context.Context, streamID uuid.UUID) (*models.Session, error)
	// Attendees lists every presence interval of the stream, latest join first.
	Attendees(ctx context.Context, streamID uuid.UUID) ([]models.Attendee, error)
}

// Publisher delivers to a stream's subscribers.
type Publisher interface {
	Publish(topic uuid.UUID, env realtime.Envelope)
}

// Service implements join/leave bookkeeping.
type Service struct {
	store     Store
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
	group     singleflight.Group
}

// NewService creates a presence service.
func NewService(store Store, publisher Publisher, logger *zap.Logger) *Service {
	return &Service{store: store, publisher: publisher, logger: logger, now: time.Now}
}

// Join opens a presence record for the user unless one is already open and
// returns the recomputed viewer count. The stream must be live.
func (s *Service) Join(ctx context.Context, streamID, userID uuid.UUID) (int, error) {
	var count int
	var changed bool
	err := s.store.WithStreamLock(ctx, streamID, func(ctx context.Context, tx Tx) error {
		sess, err := tx.Session(ctx)
		if err != nil {
			return err
		}
		if !sess.IsLive {
			return apperr.Invalid("stream", "session is not live")
		}
		open, err := tx.OpenRecord(ctx, userID)
		if err != nil {
			return err
		}
		if open == nil {
			if err := tx.InsertRecord(ctx, userID, s.now().UTC()); err != nil {
				return err
			}
		}
		if count, err = tx.CountOpen(ctx); err != nil {
			return err
		}
		changed = count != sess.ViewerCount
		if changed {
			return tx.SetViewerCount(ctx, count)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if changed {
		s.publisher.Publish(streamID, realtime.ViewerCount(streamID, count))
	}
	return count, nil
}

// Leave closes the user's most recent open record. Leaving without an open
// record is a no-op that returns the current count.
func (s *Service) Leave(ctx context.Context, streamID, userID uuid.UUID) (int, error) {
	var count int
	var changed bool
	err := s.store.WithStreamLock(ctx, streamID, func(ctx context.Context, tx Tx) error {
		sess, err := tx.Session(ctx)
		if err != nil {
			return err
		}
		count = sess.ViewerCount
		open, err := tx.OpenRecord(ctx, userID)
		if err != nil || open == nil {
			return err
		}
		if err := tx.CloseRecord(ctx, open.ID, s.now().UTC()); err != nil {
			return err
		}
		if !sess.IsLive {
			// ended sessions keep viewer_count at zero
			return nil
		}
		if count, err = tx.CountOpen(ctx); err != nil {
			return err
		}
		changed = count != sess.ViewerCount
		if changed {
			return tx.SetViewerCount(ctx, count)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if changed {
		s.publisher.Publish(streamID, realtime.ViewerCount(streamID, count))
	}
	return count, nil
}

// CloseAll closes every open record of the stream.
func (s *Service) CloseAll(ctx context.Context, streamID uuid.UUID) error {
	n, err := s.store.CloseAll(ctx, streamID, s.now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("closed presence records", zap.String("session_id", streamID.String()), zap.Int64("count", n))
	}
	return nil
}

// Current returns the stream's session with its viewer count. Concurrent
// reads of the same stream share one store call.
func (s *Service) Current(ctx context.Context, streamID uuid.UUID) (*models.Session, error) {
	v, err, _ := s.group.Do(streamID.String(), func() (interface{}, error) {
		return s.store.Get(ctx, streamID)
	})
	if err != nil {
		return nil, err
	}
	sess := *v.(*models.Session)
	return &sess, nil
}

// Attendees returns the stream's attendance log to its host or an admin.
func (s *Service) Attendees(ctx context.Context, streamID uuid.UUID, actor models.Actor) ([]models.Attendee, error) {
	sess, err := s.store.Get(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if sess.HostID != actor.UserID && !actor.IsAdmin() {
		return nil, apperr.ErrForbidden
	}
	return s.store.Attendees(ctx, streamID)
}

// Reconcile corrects viewer counts that drifted from the open records and
// republishes the corrected values.
func (s *Service) Reconcile(ctx context.Context) error {
	fixed, err := s.store.RecountLive(ctx)
	if err != nil {
		return err
	}
	for id, n := range fixed {
		s.logger.Warn("viewer count drift corrected", zap.String("session_id", id.String()), zap.Int("count", n))
		s.publisher.Publish(id, realtime.ViewerCount(id, n))
	}
	return nil
}

// Run reconciles every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("presence reconcile", zap.Error(err))
			}
		}
	}
}
