package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/models"
	"github.com/soundstage/backend/internal/notifications"
)

const paymentColumns = `id, kind, buyer_id, item_type, item_id, beneficiary_id, amount_cents, currency, external_ref,
	status, payout_destination, transfer_status, transfer_id, transfer_error, created_at, updated_at`

// Repository handles payment persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a payments repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.Kind, &p.BuyerID, &p.ItemType, &p.ItemID, &p.BeneficiaryID, &p.AmountCents, &p.Currency,
		&p.ExternalRef, &p.Status, &p.PayoutDestination, &p.TransferStatus, &p.TransferID, &p.TransferError,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return &p, nil
}

// Create inserts a pending payment.
func (r *Repository) Create(ctx context.Context, p *models.Payment) error {
	const q = `INSERT INTO payments (id, kind, buyer_id, item_type, item_id, beneficiary_id, amount_cents, currency,
		external_ref, status, payout_destination)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING transfer_status, created_at, updated_at`
	err := r.pool.QueryRow(ctx, q, p.ID, p.Kind, p.BuyerID, p.ItemType, p.ItemID, p.BeneficiaryID, p.AmountCents,
		p.Currency, p.ExternalRef, p.Status, p.PayoutDestination).Scan(&p.TransferStatus, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// Get returns a payment by ID.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

// ByReference returns the payment created for a processor reference.
func (r *Repository) ByReference(ctx context.Context, ref string) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE external_ref = $1`, ref))
}

// Apply marks the event, moves the status and stores the notification atomically.
func (r *Repository) Apply(ctx context.Context, t Transition) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `INSERT INTO payment_events (external_ref, kind, event_id) VALUES ($1, $2, $3)
		ON CONFLICT (external_ref, kind) DO NOTHING`, t.Event.Reference, string(t.Event.Kind), t.Event.ID)
	if err != nil {
		return fmt.Errorf("mark payment event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrIdempotentNoOp
	}
	tag, err = tx.Exec(ctx, `UPDATE payments SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		t.PaymentID, t.From, t.To)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrInvalidTransition
	}
	if t.Notification != nil {
		if err := notifications.InsertWith(ctx, tx, t.Notification); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SetTransfer records the outcome of the payout call.
func (r *Repository) SetTransfer(ctx context.Context, id uuid.UUID, status models.TransferStatus, transferID, transferErr *string) error {
	_, err := r.pool.Exec(ctx, `UPDATE payments SET transfer_status = $2, transfer_id = $3, transfer_error = $4, updated_at = NOW()
		WHERE id = $1`, id, status, transferID, transferErr)
	if err != nil {
		return fmt.Errorf("set transfer: %w", err)
	}
	return nil
}

// FailedTransfers lists succeeded payments whose payout failed, newest first.
func (r *Repository) FailedTransfers(ctx context.Context, limit int) ([]models.Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE transfer_status = 'failed' ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed transfers: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Payment, error) {
		p, err := scanPayment(row)
		if err != nil {
			return models.Payment{}, err
		}
		return *p, nil
	})
}

// CatalogItem returns the priced listing a purchase is made against.
func (r *Repository) CatalogItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	var it Item
	err := r.pool.QueryRow(ctx, `SELECT id, item_type, seller_id, title, price_cents, currency FROM catalog_items WHERE id = $1`, id).
		Scan(&it.ID, &it.Type, &it.SellerID, &it.Title, &it.PriceCents, &it.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load catalog item: %w", err)
	}
	return &it, nil
}

// SessionHost returns the host a tip on the session goes to.
func (r *Repository) SessionHost(ctx context.Context, sessionID uuid.UUID) (uuid.UUID, error) {
	var host uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT host_id FROM sessions WHERE id = $1`, sessionID).Scan(&host)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, apperr.ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("load session host: %w", err)
	}
	return host, nil
}
