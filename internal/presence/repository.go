package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/models"
)

// Repository handles presence persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a presence repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `id, host_id, title, starts_at, ends_at, status, is_live, actual_start, actual_end, viewer_count, created_at, updated_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.HostID, &s.Title, &s.StartsAt, &s.EndsAt, &s.Status, &s.IsLive,
		&s.ActualStart, &s.ActualEnd, &s.ViewerCount, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Get returns the stream's session.
func (r *Repository) Get(ctx context.Context, streamID uuid.UUID) (*models.Session, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, streamID))
}

// WithStreamLock locks the session row FOR UPDATE for the duration of fn.
func (r *Repository) WithStreamLock(ctx context.Context, streamID uuid.UUID, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	s, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, streamID))
	if err != nil {
		return err
	}
	if err := fn(ctx, &streamTx{tx: tx, session: s}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CloseAll sets left_at on every open record of the stream.
func (r *Repository) CloseAll(ctx context.Context, streamID uuid.UUID, at time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE presence_records SET left_at = $2 WHERE stream_id = $1 AND left_at IS NULL`, streamID, at)
	if err != nil {
		return 0, fmt.Errorf("close presence: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecountLive fixes viewer_count of live sessions whose stored value differs from the open records.
func (r *Repository) RecountLive(ctx context.Context) (map[uuid.UUID]int, error) {
	const q = `WITH counts AS (
			SELECT s.id, COUNT(p.id)::int AS n
			FROM sessions s
			LEFT JOIN presence_records p ON p.stream_id = s.id AND p.left_at IS NULL
			WHERE s.is_live
			GROUP BY s.id
		)
		UPDATE sessions s SET viewer_count = counts.n, updated_at = NOW()
		FROM counts
		WHERE s.id = counts.id AND s.is_live AND s.viewer_count <> counts.n
		RETURNING s.id, s.viewer_count`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("recount: %w", err)
	}
	defer rows.Close()
	out := make(map[uuid.UUID]int)
	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

// Attendees lists the stream's presence intervals with their watch time.
func (r *Repository) Attendees(ctx context.Context, streamID uuid.UUID) ([]models.Attendee, error) {
	const q = `SELECT user_id, joined_at, left_at,
			EXTRACT(EPOCH FROM (COALESCE(left_at, NOW()) - joined_at))::bigint
		FROM presence_records WHERE stream_id = $1 ORDER BY joined_at DESC`
	rows, err := r.pool.Query(ctx, q, streamID)
	if err != nil {
		return nil, fmt.Errorf("list attendees: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[models.Attendee])
}

type streamTx struct {
	tx      pgx.Tx
	session *models.Session
}

func (t *streamTx) Session(context.Context) (*models.Session, error) {
	return t.session, nil
}

func (t *streamTx) OpenRecord(ctx context.Context, userID uuid.UUID) (*models.PresenceRecord, error) {
	const q = `SELECT id, stream_id, user_id, joined_at, left_at FROM presence_records
		WHERE stream_id = $1 AND user_id = $2 AND left_at IS NULL
		ORDER BY joined_at DESC LIMIT 1`
	var p models.PresenceRecord
	err := t.tx.QueryRow(ctx, q, t.session.ID, userID).Scan(&p.ID, &p.StreamID, &p.UserID, &p.JoinedAt, &p.LeftAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open record: %w", err)
	}
	return &p, nil
}

func (t *streamTx) InsertRecord(ctx context.Context, userID uuid.UUID, at time.Time) error {
	// the partial unique index on open records makes a racing duplicate a no-op
	const q = `INSERT INTO presence_records (id, stream_id, user_id, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (stream_id, user_id) WHERE left_at IS NULL DO NOTHING`
	if _, err := t.tx.Exec(ctx, q, uuid.New(), t.session.ID, userID, at); err != nil {
		return fmt.Errorf("insert presence: %w", err)
	}
	return nil
}

func (t *streamTx) CloseRecord(ctx context.Context, recordID uuid.UUID, at time.Time) error {
	if _, err := t.tx.Exec(ctx, `UPDATE presence_records SET left_at = $2 WHERE id = $1`, recordID, at); err != nil {
		return fmt.Errorf("close presence: %w", err)
	}
	return nil
}

func (t *streamTx) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM presence_records WHERE stream_id = $1 AND left_at IS NULL`, t.session.ID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count presence: %w", err)
	}
	return n, nil
}

func (t *streamTx) SetViewerCount(ctx context.Context, n int) error {
	if _, err := t.tx.Exec(ctx, `UPDATE sessions SET viewer_count = $2, updated_at = NOW() WHERE id = $1`, t.session.ID, n); err != nil {
		return fmt.Errorf("set viewer count: %w", err)
	}
	t.session.ViewerCount = n
	return nil
}
