package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/models"
)

const (
	// MinTipCents is the smallest tip the processor will settle.
	MinTipCents = 50
	// MaxTipCents caps a single tip.
	MaxTipCents   = 100000
	tipItemType   = "session"
	tipCurrency   = "usd"
	maxAdminLimit = 200
)

// Item is a priced catalog listing.
type Item struct {
	ID         uuid.UUID
	Type       string
	SellerID   uuid.UUID
	Title      string
	PriceCents int64
	Currency   string
}

// CheckoutStore is the persistence used by checkout and reads.
type CheckoutStore interface {
	Create(ctx context.Context, p *models.Payment) error
	Get(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	CatalogItem(ctx context.Context, id uuid.UUID) (*Item, error)
	SessionHost(ctx context.Context, sessionID uuid.UUID) (uuid.UUID, error)
	FailedTransfers(ctx context.Context, limit int) ([]models.Payment, error)
}

// PayoutLookup resolves a beneficiary's connected payout account.
type PayoutLookup interface {
	PayoutAccount(ctx context.Context, userID uuid.UUID) (*string, error)
}

// CheckoutRequest starts a purchase of a catalog item or a tip on a session.
type CheckoutRequest struct {
	Kind        models.PaymentKind `json:"kind" binding:"required,oneof=purchase tip"`
	ItemID      uuid.UUID          `json:"item_id" binding:"required"`
	AmountCents int64              `json:"amount_cents"`
}

// CheckoutResult is returned to the client to confirm the payment with the processor.
type CheckoutResult struct {
	Payment      *models.Payment `json:"payment"`
	ClientSecret string          `json:"client_secret"`
}

// Service creates pending payments and serves reads.
type Service struct {
	store   CheckoutStore
	intents IntentCreator
	payouts PayoutLookup
	logger  *zap.Logger
}

// NewService creates a checkout service.
func NewService(store CheckoutStore, intents IntentCreator, payouts PayoutLookup, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, intents: intents, payouts: payouts, logger: logger}
}

// Checkout creates a pending payment. Price, beneficiary and payout account
// come from our records, never from the client.
func (s *Service) Checkout(ctx context.Context, buyer uuid.UUID, req CheckoutRequest) (*CheckoutResult, error) {
	p := &models.Payment{
		ID:      uuid.New(),
		Kind:    req.Kind,
		BuyerID: buyer,
		ItemID:  req.ItemID,
		Status:  models.PaymentStatusPending,
	}
	switch req.Kind {
	case models.PaymentKindPurchase:
		item, err := s.store.CatalogItem(ctx, req.ItemID)
		if err != nil {
			return nil, err
		}
		if item.PriceCents <= 0 {
			return nil, apperr.Invalid("item_id", "item is not for sale")
		}
		p.ItemType, p.BeneficiaryID = item.Type, item.SellerID
		p.AmountCents, p.Currency = item.PriceCents, strings.ToLower(item.Currency)
	case models.PaymentKindTip:
		if req.AmountCents < MinTipCents || req.AmountCents > MaxTipCents {
			return nil, apperr.Invalid("amount_cents", "must be between %d and %d", MinTipCents, MaxTipCents)
		}
		host, err := s.store.SessionHost(ctx, req.ItemID)
		if err != nil {
			return nil, err
		}
		p.ItemType, p.BeneficiaryID = tipItemType, host
		p.AmountCents, p.Currency = req.AmountCents, tipCurrency
	default:
		return nil, apperr.Invalid("kind", "must be purchase or tip")
	}
	if p.BeneficiaryID == buyer {
		return nil, apperr.Invalid("item_id", "cannot pay yourself")
	}

	dest, err := s.payouts.PayoutAccount(ctx, p.BeneficiaryID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	p.PayoutDestination = dest

	intent, err := s.intents.CreateIntent(ctx, IntentRequest{
		PaymentID:   p.ID,
		Namespace:   string(p.Kind),
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
	})
	if err != nil {
		return nil, err
	}
	p.ExternalRef = intent.ID
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("checkout created",
		zap.String("payment_id", p.ID.String()),
		zap.String("external_ref", p.ExternalRef),
		zap.String("kind", string(p.Kind)),
		zap.String("user_id", buyer.String()))
	return &CheckoutResult{Payment: p, ClientSecret: intent.ClientSecret}, nil
}

// Get returns a payment visible to its buyer, its beneficiary or an admin.
func (s *Service) Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Payment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && actor.UserID != p.BuyerID && actor.UserID != p.BeneficiaryID {
		return nil, apperr.ErrNotFound
	}
	return p, nil
}

// FailedTransfers lists payments whose payout needs operational follow-up.
func (s *Service) FailedTransfers(ctx context.Context, limit int) ([]models.Payment, error) {
	if limit <= 0 || limit > maxAdminLimit {
		limit = maxAdminLimit
	}
	return s.store.FailedTransfers(ctx, limit)
}
