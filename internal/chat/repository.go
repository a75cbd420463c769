package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/models"
)

// Repository handles chat persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a chat repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores the message; seq comes from a bigserial so it follows commit
// order under the session lock. Non-system lines are only inserted while the
// session is open.
func (r *Repository) Insert(ctx context.Context, m *models.ChatMessage) error {
	const q = `INSERT INTO chat_messages (id, session_id, author_id, body, kind)
		SELECT $1, $2, $3, $4, $5
		WHERE $5::text = 'system' OR EXISTS (
			SELECT 1 FROM sessions WHERE id = $2 AND status NOT IN ('ended', 'cancelled'))
		RETURNING seq, created_at`
	err := r.pool.QueryRow(ctx, q, m.ID, m.SessionID, m.AuthorID, m.Body, m.Kind).Scan(&m.Seq, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

// WithSessionLock holds a session-level advisory lock on a dedicated pooled
// connection while fn runs. fn's own writes go through the pool and commit
// before the lock is released.
func (r *Repository) WithSessionLock(ctx context.Context, sessionID uuid.UUID, fn func(ctx context.Context) error) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire chat lock conn: %w", err)
	}
	defer conn.Release()
	key := "chat:" + sessionID.String()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("chat lock: %w", err)
	}
	defer func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
			// A lock that cannot be released dies with the connection.
			conn.Conn().Close(context.Background())
		}
	}()
	return fn(ctx)
}

// List returns messages older than before (all when before is 0), newest first.
func (r *Repository) List(ctx context.Context, sessionID uuid.UUID, before int64, limit int) ([]models.ChatMessage, error) {
	const q = `SELECT id, session_id, author_id, body, kind, seq, created_at FROM chat_messages
		WHERE session_id = $1 AND ($2::bigint = 0 OR seq < $2)
		ORDER BY seq DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, q, sessionID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ChatMessage, error) {
		var m models.ChatMessage
		err := row.Scan(&m.ID, &m.SessionID, &m.AuthorID, &m.Body, &m.Kind, &m.Seq, &m.CreatedAt)
		return m, err
	})
}

// Transcript returns every message of a session in persistence order.
func (r *Repository) Transcript(ctx context.Context, sessionID uuid.UUID) ([]models.ChatMessage, error) {
	const q = `SELECT id, session_id, author_id, body, kind, seq, created_at FROM chat_messages
		WHERE session_id = $1 ORDER BY seq`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[models.ChatMessage])
}

// SessionStatus returns the status of the session the chat belongs to.
func (r *Repository) SessionStatus(ctx context.Context, sessionID uuid.UUID) (models.SessionStatus, error) {
	var status models.SessionStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1`, sessionID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperr.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return status, nil
}
