package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentKind separates purchases from tips; both live in the payments table.
type PaymentKind string

const (
	PaymentKindPurchase PaymentKind = "purchase"
	PaymentKindTip      PaymentKind = "tip"
)

// PaymentStatus for payments. Transitions: pending→succeeded|failed, succeeded→refunded.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// CanTransition reports whether from→to is a permitted forward move.
func CanTransition(from, to PaymentStatus) bool {
	switch from {
	case PaymentStatusPending:
		return to == PaymentStatusSucceeded || to == PaymentStatusFailed
	case PaymentStatusSucceeded:
		return to == PaymentStatusRefunded
	}
	return false
}

// TransferStatus tracks the secondary payout call.
type TransferStatus string

const (
	TransferNone      TransferStatus = "none"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
)

// Payment is a purchase or tip finalized only by processor events.
type Payment struct {
	ID                uuid.UUID      `json:"id"`
	Kind              PaymentKind    `json:"kind"`
	BuyerID           uuid.UUID      `json:"buyer_id"`
	ItemType          string         `json:"item_type"`
	ItemID            uuid.UUID      `json:"item_id"`
	BeneficiaryID     uuid.UUID      `json:"beneficiary_id"`
	AmountCents       int64          `json:"amount_cents"`
	Currency          string         `json:"currency"`
	ExternalRef       string         `json:"external_ref"`
	Status            PaymentStatus  `json:"status"`
	PayoutDestination *string        `json:"-"`
	TransferStatus    TransferStatus `json:"transfer_status"`
	TransferID        *string        `json:"transfer_id,omitempty"`
	TransferError     *string        `json:"transfer_error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}
