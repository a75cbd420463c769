package sessions

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/models"
	"github.com/soundstage/backend/internal/scheduling"
)

const sessionColumns = `id, host_id, title, starts_at, ends_at, status, is_live, actual_start, actual_end, viewer_count, created_at, updated_at`

// pgExclusionViolation is raised by the sessions_no_overlap constraint.
const pgExclusionViolation = "23P01"

// Repository handles sessions persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.HostID, &s.Title, &s.StartsAt, &s.EndsAt, &s.Status, &s.IsLive,
		&s.ActualStart, &s.ActualEnd, &s.ViewerCount, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// Get returns a session by ID.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

// ListByHost returns a host's sessions, newest window first.
func (r *Repository) ListByHost(ctx context.Context, hostID uuid.UUID) ([]models.Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE host_id = $1 ORDER BY starts_at DESC`, hostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// Mutate locks the session row, applies fn and persists the result when fn reports a change.
func (r *Repository) Mutate(ctx context.Context, id uuid.UUID, fn func(s *models.Session) (bool, error)) (*models.Session, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	s, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, false, err
	}
	changed, err := fn(s)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return s, false, nil
	}
	const q = `UPDATE sessions SET status = $1, is_live = $2, actual_start = $3, actual_end = $4, viewer_count = $5, updated_at = NOW()
		WHERE id = $6 RETURNING updated_at`
	if err := tx.QueryRow(ctx, q, s.Status, s.IsLive, s.ActualStart, s.ActualEnd, s.ViewerCount, s.ID).Scan(&s.UpdatedAt); err != nil {
		return nil, false, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return s, true, nil
}

// WithSlotLock runs fn in a transaction holding an advisory lock scoped to the host.
func (r *Repository) WithSlotLock(ctx context.Context, hostID uuid.UUID, fn func(ctx context.Context, tx scheduling.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, hostID); err != nil {
		return fmt.Errorf("slot lock: %w", err)
	}
	if err := fn(ctx, &slotTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapExclusion(err)
	}
	return nil
}

// mapExclusion turns a storage-level overlap into a ConflictError.
func mapExclusion(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgExclusionViolation {
		return &apperr.ConflictError{}
	}
	return err
}

type slotTx struct {
	tx pgx.Tx
}

func (t *slotTx) Overlapping(ctx context.Context, hostID uuid.UUID, w scheduling.Window, excludingID *uuid.UUID) ([]models.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions
		WHERE host_id = $1 AND status <> 'cancelled' AND starts_at < $3 AND $2 < ends_at
		AND ($4::uuid IS NULL OR id <> $4)
		ORDER BY starts_at`
	rows, err := t.tx.Query(ctx, q, hostID, w.Start, w.End, excludingID)
	if err != nil {
		return nil, fmt.Errorf("overlap query: %w", err)
	}
	defer rows.Close()
	var list []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

func (t *slotTx) InsertSession(ctx context.Context, s *models.Session) error {
	const q = `INSERT INTO sessions (id, host_id, title, starts_at, ends_at, status, is_live, viewer_count)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, 0)
		RETURNING created_at, updated_at`
	err := t.tx.QueryRow(ctx, q, s.ID, s.HostID, s.Title, s.StartsAt, s.EndsAt, s.Status).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return mapExclusion(err)
	}
	return nil
}

func (t *slotTx) UpdateWindow(ctx context.Context, id uuid.UUID, w scheduling.Window) (*models.Session, error) {
	const q = `UPDATE sessions SET starts_at = $1, ends_at = $2, updated_at = NOW()
		WHERE id = $3 AND status = 'scheduled'
		RETURNING ` + sessionColumns
	s, err := scanSession(t.tx.QueryRow(ctx, q, w.Start, w.End, id))
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("%w: only scheduled sessions can be rescheduled", apperr.ErrInvalidTransition)
	}
	if err != nil {
		return nil, mapExclusion(err)
	}
	return s, nil
}
