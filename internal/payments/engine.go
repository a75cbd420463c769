// Package payments turns verified processor events into payment state.
// Payments are created pending by checkout and finalized only here.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/models"
)

// Event is a verified processor event. Kind is the target payment status.
// Namespace is the record class the processor echoes back from checkout
// metadata; an empty namespace means the event did not carry it.
type Event struct {
	ID        string
	Reference string
	Kind      models.PaymentStatus
	Namespace string
}

// Transition is applied by the store in one transaction: mark the event,
// compare-and-set the status, insert the notification.
type Transition struct {
	Event        Event
	PaymentID    uuid.UUID
	From         models.PaymentStatus
	To           models.PaymentStatus
	Notification *models.Notification
}

// Store is the payment persistence used by the engine.
type Store interface {
	ByReference(ctx context.Context, ref string) (*models.Payment, error)
	// Apply returns apperr.ErrIdempotentNoOp when (reference, kind) was already
	// recorded and apperr.ErrInvalidTransition when the status moved underneath.
	Apply(ctx context.Context, t Transition) error
	SetTransfer(ctx context.Context, id uuid.UUID, status models.TransferStatus, transferID, transferErr *string) error
}

// Relayer pushes a persisted notification to the recipient's live connections.
type Relayer interface {
	Relay(n models.Notification)
}

// Engine reconciles processor events against payment records.
type Engine struct {
	store    Store
	relay    Relayer
	transfer Transferrer
	logger   *zap.Logger
	timeout  time.Duration
}

// NewEngine creates a reconciliation engine. relay and transfer may be nil.
func NewEngine(store Store, relay Relayer, transfer Transferrer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, relay: relay, transfer: transfer, logger: logger, timeout: 15 * time.Second}
}

// Reconcile applies one event. It is safe under redelivery and concurrency:
// the (reference, kind) mark and the status compare-and-set share a transaction.
func (e *Engine) Reconcile(ctx context.Context, ev Event) error {
	log := e.logger.With(zap.String("external_ref", ev.Reference), zap.String("event_id", ev.ID), zap.String("kind", string(ev.Kind)))

	if ev.Namespace != "" && !isPaymentNamespace(ev.Namespace) {
		log.Debug("event for another record class ignored", zap.String("namespace", ev.Namespace))
		return nil
	}
	switch ev.Kind {
	case models.PaymentStatusSucceeded, models.PaymentStatusFailed, models.PaymentStatusRefunded:
	default:
		return apperr.Invalid("kind", "unsupported event kind %q", ev.Kind)
	}

	p, err := e.store.ByReference(ctx, ev.Reference)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			log.Warn("payment event for unknown reference")
		}
		return err
	}
	if ev.Namespace != "" && string(p.Kind) != ev.Namespace {
		log.Warn("payment event namespace mismatch", zap.String("namespace", ev.Namespace), zap.String("payment_kind", string(p.Kind)))
		return apperr.ErrNotFound
	}
	if p.Status == ev.Kind {
		return apperr.ErrIdempotentNoOp
	}
	if ev.Kind == models.PaymentStatusRefunded && p.Status == models.PaymentStatusPending {
		log.Warn("refund before success rejected")
		return apperr.ErrOutOfOrder
	}
	if !models.CanTransition(p.Status, ev.Kind) {
		log.Warn("payment event rejected", zap.String("status", string(p.Status)))
		return apperr.ErrInvalidTransition
	}

	n := notificationFor(p, ev.Kind)
	if err := e.store.Apply(ctx, Transition{Event: ev, PaymentID: p.ID, From: p.Status, To: ev.Kind, Notification: n}); err != nil {
		return err
	}
	log.Info("payment reconciled", zap.String("payment_id", p.ID.String()), zap.String("from", string(p.Status)), zap.String("to", string(ev.Kind)))
	p.Status = ev.Kind

	if n != nil && e.relay != nil {
		e.relay.Relay(*n)
	}
	if ev.Kind == models.PaymentStatusSucceeded {
		e.payout(ctx, p)
	}
	return nil
}

// payout makes the single transfer attempt for a succeeded payment. A failure
// is recorded for follow-up; the payment stays succeeded.
func (e *Engine) payout(ctx context.Context, p *models.Payment) {
	if e.transfer == nil || p.PayoutDestination == nil || *p.PayoutDestination == "" {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	id, err := e.transfer.Transfer(tctx, TransferRequest{
		PaymentID:      p.ID,
		AmountCents:    p.AmountCents,
		Currency:       p.Currency,
		Destination:    *p.PayoutDestination,
		IdempotencyKey: "transfer-" + p.ID.String(),
	})
	if err != nil {
		failure := &apperr.TransferFailure{PaymentID: p.ID, Err: err}
		msg := err.Error()
		if serr := e.store.SetTransfer(ctx, p.ID, models.TransferFailed, nil, &msg); serr != nil {
			e.logger.Error("record transfer failure", zap.String("payment_id", p.ID.String()), zap.Error(serr))
		}
		e.logger.Error("payout transfer failed, flagged for follow-up",
			zap.String("payment_id", p.ID.String()),
			zap.String("beneficiary_id", p.BeneficiaryID.String()),
			zap.Error(failure))
		return
	}
	if err := e.store.SetTransfer(ctx, p.ID, models.TransferCompleted, &id, nil); err != nil {
		e.logger.Error("record transfer", zap.String("payment_id", p.ID.String()), zap.String("transfer_id", id), zap.Error(err))
	}
}

func isPaymentNamespace(ns string) bool {
	return ns == string(models.PaymentKindPurchase) || ns == string(models.PaymentKindTip)
}

// notificationFor builds the beneficiary notice for a transition, or nil when none is sent.
func notificationFor(p *models.Payment, to models.PaymentStatus) *models.Notification {
	var typ, msg string
	switch {
	case to == models.PaymentStatusSucceeded && p.Kind == models.PaymentKindTip:
		typ, msg = models.NotificationTip, fmt.Sprintf("You received a tip of %s", formatAmount(p.AmountCents, p.Currency))
	case to == models.PaymentStatusSucceeded:
		typ, msg = models.NotificationPurchase, fmt.Sprintf("Your %s sold for %s", p.ItemType, formatAmount(p.AmountCents, p.Currency))
	case to == models.PaymentStatusRefunded:
		typ, msg = models.NotificationRefund, fmt.Sprintf("A %s of %s was refunded", p.Kind, formatAmount(p.AmountCents, p.Currency))
	default:
		return nil
	}
	buyer := p.BuyerID
	meta := fmt.Sprintf(`{"payment_id":%q,"item_type":%q,"item_id":%q}`, p.ID, p.ItemType, p.ItemID)
	return &models.Notification{
		ID:          uuid.New(),
		RecipientID: p.BeneficiaryID,
		ActorID:     &buyer,
		Type:        typ,
		Message:     msg,
		Metadata:    []byte(meta),
	}
}

func formatAmount(cents int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, currency)
}
