// Package chat persists session chat and fans it out in persistence order.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/models"
	"github.com/soundstage/backend/internal/realtime"
)

const (
	MaxBodyRunes    = 2000
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ErrClosed is returned by Store.Insert when a non-system line targets an
// ended or cancelled session.
var ErrClosed = errors.New("chat is closed")

// Store is the chat persistence.
type Store interface {
	// Insert assigns Seq and CreatedAt. It re-checks the session status in the
	// same statement and returns ErrClosed for a closed session.
	Insert(ctx context.Context, msg *models.ChatMessage) error
	// WithSessionLock runs fn while holding a lock on the session's chat that
	// is shared by every instance.
	WithSessionLock(ctx context.Context, sessionID uuid.UUID, fn func(ctx context.Context) error) error
	// List returns up to limit messages with seq < before (0 = latest), newest first.
	List(ctx context.Context, sessionID uuid.UUID, before int64, limit int) ([]models.ChatMessage, error)
	SessionStatus(ctx context.Context, sessionID uuid.UUID) (models.SessionStatus, error)
}

// Profiles resolves author display fields.
type Profiles interface {
	Display(ctx context.Context, userID uuid.UUID) (*models.UserDisplay, error)
}

// Publisher delivers to a stream's subscribers.
type Publisher interface {
	Publish(topic uuid.UUID, env realtime.Envelope)
}

// Service posts and lists chat.
type Service struct {
	store     Store
	profiles  Profiles
	publisher Publisher
	logger    *zap.Logger
	locks     keyedMutex
}

// NewService creates a chat service.
func NewService(store Store, profiles Profiles, publisher Publisher, logger *zap.Logger) *Service {
	return &Service{store: store, profiles: profiles, publisher: publisher, logger: logger}
}

func validate(body string, kind models.ChatKind) (string, error) {
	if !kind.Valid() {
		return "", apperr.Invalid("kind", "unknown kind %q", kind)
	}
	if strings.TrimSpace(body) == "" {
		return "", apperr.Invalid("content", "must not be blank")
	}
	if utf8.RuneCountInString(body) > MaxBodyRunes {
		return "", apperr.Invalid("content", "must be at most %d characters", MaxBodyRunes)
	}
	return body, nil
}

// Post persists a chat line and then publishes it to the session's
// subscribers. Insert and publish run under the session's chat lock, locally
// and then across instances, so every subscriber sees persistence order.
// System lines have no author.
func (s *Service) Post(ctx context.Context, sessionID uuid.UUID, authorID *uuid.UUID, body string, kind models.ChatKind) (*models.ChatMessage, error) {
	body, err := validate(body, kind)
	if err != nil {
		return nil, err
	}
	if kind != models.ChatKindSystem && authorID == nil {
		return nil, apperr.Invalid("author", "is required")
	}
	status, err := s.store.SessionStatus(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if status == models.SessionCancelled || status == models.SessionEnded {
		if kind != models.ChatKindSystem {
			return nil, apperr.Invalid("session", "chat is closed for a %s session", status)
		}
	}

	var author *models.UserDisplay
	if authorID != nil {
		author = s.display(ctx, *authorID)
	}

	msg := &models.ChatMessage{
		ID:        uuid.New(),
		SessionID: sessionID,
		AuthorID:  authorID,
		Body:      body,
		Kind:      kind,
	}
	unlock := s.locks.lock(sessionID)
	defer unlock()
	err = s.store.WithSessionLock(ctx, sessionID, func(ctx context.Context) error {
		if err := s.store.Insert(ctx, msg); err != nil {
			return err
		}
		s.publisher.Publish(sessionID, realtime.ChatEnvelope(*msg, author))
		return nil
	})
	if errors.Is(err, ErrClosed) {
		return nil, apperr.Invalid("session", "chat is closed")
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// display never fails the post; a missing profile sends the line without author fields.
func (s *Service) display(ctx context.Context, userID uuid.UUID) *models.UserDisplay {
	d, err := s.profiles.Display(ctx, userID)
	if err != nil {
		s.logger.Warn("resolve author", zap.String("user_id", userID.String()), zap.Error(err))
		return nil
	}
	return d
}

// Announce posts a system line.
func (s *Service) Announce(ctx context.Context, sessionID uuid.UUID, text string) error {
	_, err := s.Post(ctx, sessionID, nil, text, models.ChatKindSystem)
	return err
}

// List pages a session's chat newest first.
func (s *Service) List(ctx context.Context, sessionID uuid.UUID, before int64, limit int) ([]models.ChatMessage, error) {
	if _, err := s.store.SessionStatus(ctx, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return s.store.List(ctx, sessionID, before, limit)
}

// keyedMutex hands out one mutex per session, dropping it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key uuid.UUID) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[uuid.UUID]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
