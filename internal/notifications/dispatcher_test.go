package notifications

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/models"
	"github.com/soundstage/backend/internal/realtime"
)

type memStore struct {
	mu    sync.Mutex
	rows  []models.Notification
	fail  error
	limit int
}

func (m *memStore) Insert(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = time.Now()
	m.rows = append(m.rows, *n)
	return nil
}

func (m *memStore) List(_ context.Context, recipientID uuid.UUID, unreadOnly bool, limit int) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = limit
	var out []models.Notification
	for i := len(m.rows) - 1; i >= 0; i-- {
		n := m.rows[i]
		if n.RecipientID == recipientID && (!unreadOnly || !n.Read) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memStore) MarkRead(_ context.Context, recipientID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].ID == id && m.rows[i].RecipientID == recipientID {
			m.rows[i].Read = true
			return nil
		}
	}
	return apperr.ErrNotFound
}

func (m *memStore) MarkAllRead(_ context.Context, recipientID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.rows {
		if m.rows[i].RecipientID == recipientID && !m.rows[i].Read {
			m.rows[i].Read = true
			n++
		}
	}
	return n, nil
}

type sent struct {
	user uuid.UUID
	env  realtime.Envelope
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
}

func (s *recordingSender) SendTo(userID uuid.UUID, env realtime.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{user: userID, env: env})
}

func newDispatcher(t *testing.T) (*Dispatcher, *memStore, *recordingSender) {
	store := &memStore{}
	sender := &recordingSender{}
	return NewDispatcher(store, sender, zaptest.NewLogger(t)), store, sender
}

func TestNotifyPersistsThenRelays(t *testing.T) {
	d, store, sender := newDispatcher(t)
	recipient := uuid.New()

	n := &models.Notification{RecipientID: recipient, Type: models.NotificationPurchase, Message: "Your item sold"}
	require.NoError(t, d.Notify(context.Background(), n))

	require.Len(t, store.rows, 1)
	assert.NotEqual(t, uuid.Nil, n.ID)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, recipient, sender.sent[0].user)
	assert.Equal(t, realtime.TypeNotification, sender.sent[0].env.Type())
}

func TestNotifyDoesNotRelayWhenInsertFails(t *testing.T) {
	d, store, sender := newDispatcher(t)
	store.fail = errors.New("db down")

	err := d.Notify(context.Background(), &models.Notification{RecipientID: uuid.New(), Type: models.NotificationTip})
	require.Error(t, err)
	assert.Empty(t, sender.sent)
}

func TestNotifyValidates(t *testing.T) {
	d, store, _ := newDispatcher(t)

	err := d.Notify(context.Background(), &models.Notification{RecipientID: uuid.New()})
	assert.True(t, apperr.IsValidation(err))
	err = d.Notify(context.Background(), &models.Notification{Type: models.NotificationTip})
	assert.True(t, apperr.IsValidation(err))
	assert.Empty(t, store.rows)
}

func TestRelayPicksEnvelopeType(t *testing.T) {
	cases := map[string]realtime.MessageType{
		models.NotificationCollaborationRequest: realtime.TypeCollaborationRequest,
		models.NotificationCollaborationUpdate:  realtime.TypeCollaborationUpdate,
		models.NotificationMessage:              realtime.TypeNewMessage,
		models.NotificationRefund:               realtime.TypeNotification,
	}
	for kind, want := range cases {
		t.Run(kind, func(t *testing.T) {
			d, _, sender := newDispatcher(t)
			d.Relay(models.Notification{ID: uuid.New(), RecipientID: uuid.New(), Type: kind})
			require.Len(t, sender.sent, 1)
			assert.Equal(t, want, sender.sent[0].env.Type())
		})
	}
}

func TestListAndMarkRead(t *testing.T) {
	d, store, _ := newDispatcher(t)
	ctx := context.Background()
	me, other := uuid.New(), uuid.New()

	first := &models.Notification{RecipientID: me, Type: models.NotificationTip}
	require.NoError(t, d.Notify(ctx, first))
	require.NoError(t, d.Notify(ctx, &models.Notification{RecipientID: me, Type: models.NotificationPurchase}))
	require.NoError(t, d.Notify(ctx, &models.Notification{RecipientID: other, Type: models.NotificationPurchase}))

	all, err := d.List(ctx, me, false, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, DefaultPageSize, store.limit)

	require.NoError(t, d.MarkRead(ctx, me, first.ID))
	unread, err := d.List(ctx, me, true, 1000)
	require.NoError(t, err)
	assert.Len(t, unread, 1)
	assert.Equal(t, MaxPageSize, store.limit)

	assert.ErrorIs(t, d.MarkRead(ctx, other, first.ID), apperr.ErrNotFound)

	n, err := d.MarkAllRead(ctx, me)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	unread, err = d.List(ctx, me, true, 0)
	require.NoError(t, err)
	assert.Empty(t, unread)
}
