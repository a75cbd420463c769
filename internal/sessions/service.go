// Package sessions implements the broadcast session lifecycle:
// Scheduled → Live → Ended, with Cancelled reachable only from Scheduled.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/models"
	"github.com/soundstage/backend/internal/realtime"
	"github.com/soundstage/backend/internal/scheduling"
	"github.com/soundstage/backend/pkg/storage"
)

const maxTitleLen = 200

// Store is the persistence the service needs.
type Store interface {
	scheduling.Store
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListByHost(ctx context.Context, hostID uuid.UUID) ([]models.Session, error)
	Mutate(ctx context.Context, id uuid.UUID, fn func(s *models.Session) (bool, error)) (*models.Session, bool, error)
}

// Broadcaster fans envelopes out to connected clients.
type Broadcaster interface {
	Broadcast(env realtime.Envelope)
	Publish(topic uuid.UUID, env realtime.Envelope)
}

// PresenceCloser closes the open presence records of an ended stream.
type PresenceCloser interface {
	CloseAll(ctx context.Context, streamID uuid.UUID) error
}

// Announcer posts a system line into the session's chat.
type Announcer interface {
	Announce(ctx context.Context, sessionID uuid.UUID, text string) error
}

// TranscriptQueue schedules the chat transcript archive of an ended session.
type TranscriptQueue interface {
	EnqueueTranscript(ctx context.Context, sessionID uuid.UUID) error
}

// RelayCloser tears down the audio relay of an ended session.
type RelayCloser interface {
	Close(sessionID uuid.UUID)
}

// TranscriptLinker resolves a download link for an archived transcript.
type TranscriptLinker interface {
	TranscriptURL(ctx context.Context, sessionID string) (string, error)
}

// Service drives session state. Optional collaborators may be nil.
type Service struct {
	store       Store
	ledger      *scheduling.Ledger
	broadcaster Broadcaster
	presence    PresenceCloser
	announcer   Announcer
	transcripts TranscriptQueue
	relay       RelayCloser
	links       TranscriptLinker
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures optional collaborators.
type Option func(*Service)

func WithPresence(p PresenceCloser) Option          { return func(s *Service) { s.presence = p } }
func WithAnnouncer(a Announcer) Option              { return func(s *Service) { s.announcer = a } }
func WithTranscripts(q TranscriptQueue) Option      { return func(s *Service) { s.transcripts = q } }
func WithRelay(r RelayCloser) Option                { return func(s *Service) { s.relay = r } }
func WithClock(now func() time.Time) Option         { return func(s *Service) { s.now = now } }
func WithTranscriptLinks(l TranscriptLinker) Option { return func(s *Service) { s.links = l } }

// NewService creates the session service.
func NewService(store Store, broadcaster Broadcaster, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		ledger:      scheduling.NewLedger(store),
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func validateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", apperr.Invalid("title", "is required")
	}
	if utf8.RuneCountInString(title) > maxTitleLen {
		return "", apperr.Invalid("title", "must be at most %d characters", maxTitleLen)
	}
	return title, nil
}

func authorize(s *models.Session, actor models.Actor) error {
	if s.HostID != actor.UserID && !actor.IsAdmin() {
		return apperr.ErrForbidden
	}
	return nil
}

// Create reserves w for the host and inserts a Scheduled session.
func (svc *Service) Create(ctx context.Context, hostID uuid.UUID, title string, w scheduling.Window) (*models.Session, error) {
	title, err := validateTitle(title)
	if err != nil {
		return nil, err
	}
	s := &models.Session{
		ID:       uuid.New(),
		HostID:   hostID,
		Title:    title,
		StartsAt: w.Start.UTC(),
		EndsAt:   w.End.UTC(),
		Status:   models.SessionScheduled,
	}
	err = svc.ledger.Reserve(ctx, hostID, w, nil, func(ctx context.Context, tx scheduling.Tx) error {
		return tx.InsertSession(ctx, s)
	})
	if err != nil {
		return nil, err
	}
	svc.logger.Info("session scheduled", zap.String("session_id", s.ID.String()), zap.String("host_id", hostID.String()))
	return s, nil
}

// Reschedule moves a Scheduled session to a new window.
func (svc *Service) Reschedule(ctx context.Context, id uuid.UUID, actor models.Actor, w scheduling.Window) (*models.Session, error) {
	current, err := svc.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(current, actor); err != nil {
		return nil, err
	}
	if current.Status != models.SessionScheduled {
		return nil, apperr.Invalid("status", "cannot reschedule a %s session", current.Status)
	}
	var updated *models.Session
	err = svc.ledger.Reserve(ctx, current.HostID, w, &id, func(ctx context.Context, tx scheduling.Tx) error {
		s, err := tx.UpdateWindow(ctx, id, scheduling.Window{Start: w.Start.UTC(), End: w.End.UTC()})
		updated = s
		return err
	})
	if err != nil {
		return nil, err
	}
	svc.broadcaster.Broadcast(realtime.SessionUpdated(*updated))
	return updated, nil
}

// GoLive moves Scheduled → Live. Calling it on a Live session returns the
// current state and broadcasts nothing.
func (svc *Service) GoLive(ctx context.Context, id uuid.UUID, actor models.Actor) (*models.Session, error) {
	s, changed, err := svc.store.Mutate(ctx, id, func(s *models.Session) (bool, error) {
		if err := authorize(s, actor); err != nil {
			return false, err
		}
		switch s.Status {
		case models.SessionLive:
			return false, nil
		case models.SessionScheduled:
			now := svc.now().UTC()
			s.Status = models.SessionLive
			s.IsLive = true
			s.ActualStart = &now
			s.ActualEnd = nil
			s.ViewerCount = 0
			return true, nil
		default:
			return false, apperr.Invalid("status", "cannot go live from %s", s.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	if changed {
		svc.logger.Info("session live", zap.String("session_id", id.String()))
		svc.broadcaster.Broadcast(realtime.SessionUpdated(*s))
		svc.broadcaster.Broadcast(realtime.StreamStarted(*s))
	}
	return s, nil
}

// End moves Live → Ended, closes presence and the relay, and queues the
// transcript archive. Ending an Ended session is a no-op.
func (svc *Service) End(ctx context.Context, id uuid.UUID, actor models.Actor) (*models.Session, error) {
	s, changed, err := svc.store.Mutate(ctx, id, func(s *models.Session) (bool, error) {
		if err := authorize(s, actor); err != nil {
			return false, err
		}
		switch s.Status {
		case models.SessionEnded:
			return false, nil
		case models.SessionLive:
			now := svc.now().UTC()
			s.Status = models.SessionEnded
			s.IsLive = false
			s.ActualEnd = &now
			s.ViewerCount = 0
			return true, nil
		default:
			return false, apperr.Invalid("status", "cannot end a %s session", s.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return s, nil
	}
	log := svc.logger.With(zap.String("session_id", id.String()))
	log.Info("session ended")

	if svc.presence != nil {
		if err := svc.presence.CloseAll(ctx, id); err != nil {
			log.Error("close presence", zap.Error(err))
		}
	}
	if svc.relay != nil {
		svc.relay.Close(id)
	}
	if svc.announcer != nil {
		if err := svc.announcer.Announce(ctx, id, "The broadcast has ended."); err != nil {
			log.Warn("announce end", zap.Error(err))
		}
	}
	svc.broadcaster.Broadcast(realtime.SessionUpdated(*s))
	svc.broadcaster.Broadcast(realtime.StreamEnded(*s))
	if svc.transcripts != nil {
		if err := svc.transcripts.EnqueueTranscript(ctx, id); err != nil {
			log.Error("enqueue transcript archive", zap.Error(err))
		}
	}
	return s, nil
}

// Cancel moves Scheduled → Cancelled without a broadcast.
func (svc *Service) Cancel(ctx context.Context, id uuid.UUID, actor models.Actor) (*models.Session, error) {
	s, changed, err := svc.store.Mutate(ctx, id, func(s *models.Session) (bool, error) {
		if err := authorize(s, actor); err != nil {
			return false, err
		}
		switch s.Status {
		case models.SessionCancelled:
			return false, nil
		case models.SessionScheduled:
			s.Status = models.SessionCancelled
			return true, nil
		default:
			return false, apperr.Invalid("status", "cannot cancel a %s session", s.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	if changed {
		svc.logger.Info("session cancelled", zap.String("session_id", id.String()))
	}
	return s, nil
}

// Get returns a session by ID.
func (svc *Service) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	s, err := svc.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return s, nil
}

// ListByHost returns a host's sessions.
func (svc *Service) ListByHost(ctx context.Context, hostID uuid.UUID) ([]models.Session, error) {
	return svc.store.ListByHost(ctx, hostID)
}

// TranscriptURL returns a download link for an ended session's archived chat.
// Only the host or an admin may fetch it.
func (svc *Service) TranscriptURL(ctx context.Context, id uuid.UUID, actor models.Actor) (string, error) {
	s, err := svc.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if err := authorize(s, actor); err != nil {
		return "", err
	}
	if s.Status != models.SessionEnded || svc.links == nil {
		return "", apperr.ErrNotFound
	}
	url, err := svc.links.TranscriptURL(ctx, id.String())
	if errors.Is(err, storage.ErrObjectNotFound) {
		return "", apperr.ErrNotFound
	}
	return url, err
}
