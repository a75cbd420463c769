// Package notifications stores durable notices and relays them to the
// recipient's open connections.
package notifications

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/models"
	"github.com/soundstage/backend/internal/realtime"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Store is the notification persistence.
type Store interface {
	Insert(ctx context.Context, n *models.Notification) error
	List(ctx context.Context, recipientID uuid.UUID, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, recipientID, id uuid.UUID) error
	MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error)
}

// Sender delivers to every connection of a user.
type Sender interface {
	SendTo(userID uuid.UUID, env realtime.Envelope)
}

// Dispatcher persists notifications and relays them live.
type Dispatcher struct {
	store  Store
	sender Sender
	logger *zap.Logger
}

// NewDispatcher creates a notification dispatcher.
func NewDispatcher(store Store, sender Sender, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{store: store, sender: sender, logger: logger}
}

// Notify persists n and then relays it. The row is the record; a recipient
// with no open connection reads it later through List.
func (d *Dispatcher) Notify(ctx context.Context, n *models.Notification) error {
	if n.Type == "" {
		return apperr.Invalid("type", "is required")
	}
	if n.RecipientID == uuid.Nil {
		return apperr.Invalid("recipient", "is required")
	}
	if err := d.store.Insert(ctx, n); err != nil {
		return err
	}
	d.Relay(*n)
	return nil
}

// Relay pushes an already persisted notification to the recipient's connections.
func (d *Dispatcher) Relay(n models.Notification) {
	d.sender.SendTo(n.RecipientID, realtime.NotificationEnvelope(n))
	d.logger.Debug("notification relayed",
		zap.String("notification_id", n.ID.String()),
		zap.String("user_id", n.RecipientID.String()),
		zap.String("type", n.Type))
}

// List returns the recipient's notifications.
func (d *Dispatcher) List(ctx context.Context, recipientID uuid.UUID, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return d.store.List(ctx, recipientID, unreadOnly, limit)
}

// MarkRead marks one notification read.
func (d *Dispatcher) MarkRead(ctx context.Context, recipientID, id uuid.UUID) error {
	return d.store.MarkRead(ctx, recipientID, id)
}

// MarkAllRead marks all of the recipient's notifications read.
func (d *Dispatcher) MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	return d.store.MarkAllRead(ctx, recipientID)
}
