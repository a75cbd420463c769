package notifications

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/models"
)

const columns = `id, recipient_id, actor_id, type, message, is_read, metadata, created_at`

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository handles notification persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a notification repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores n, filling ID and CreatedAt.
func (r *Repository) Insert(ctx context.Context, n *models.Notification) error {
	return InsertWith(ctx, r.pool, n)
}

// InsertWith stores n using q, so callers can insert inside their own transaction.
func InsertWith(ctx context.Context, q Querier, n *models.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	const sql = `INSERT INTO notifications (id, recipient_id, actor_id, type, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`
	var metadata []byte
	if len(n.Metadata) > 0 {
		metadata = n.Metadata
	}
	if err := q.QueryRow(ctx, sql, n.ID, n.RecipientID, n.ActorID, n.Type, n.Message, metadata).Scan(&n.CreatedAt); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// List returns the recipient's notifications, newest first.
func (r *Repository) List(ctx context.Context, recipientID uuid.UUID, unreadOnly bool, limit int) ([]models.Notification, error) {
	q := `SELECT ` + columns + ` FROM notifications
		WHERE recipient_id = $1 AND (NOT $2 OR NOT is_read)
		ORDER BY created_at DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, q, recipientID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Notification, error) {
		var n models.Notification
		err := row.Scan(&n.ID, &n.RecipientID, &n.ActorID, &n.Type, &n.Message, &n.Read, &n.Metadata, &n.CreatedAt)
		return n, err
	})
}

// MarkRead marks one of the recipient's notifications read.
func (r *Repository) MarkRead(ctx context.Context, recipientID, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND recipient_id = $2`, id, recipientID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// MarkAllRead marks every unread notification of the recipient read.
func (r *Repository) MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE recipient_id = $1 AND NOT is_read`, recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return tag.RowsAffected(), nil
}
