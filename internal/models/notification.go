package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification types.
const (
	NotificationPurchase             = "purchase"
	NotificationTip                  = "tip"
	NotificationRefund               = "refund"
	NotificationMessage              = "message"
	NotificationCollaborationRequest = "collaboration_request"
	NotificationCollaborationUpdate  = "collaboration_update"
	NotificationSessionLive          = "session_live"
)

// Notification is a durable notice for a recipient.
type Notification struct {
	ID          uuid.UUID       `json:"id"`
	RecipientID uuid.UUID       `json:"recipient_id"`
	ActorID     *uuid.UUID      `json:"actor_id,omitempty"`
	Type        string          `json:"type"`
	Message     string          `json:"message"`
	Read        bool            `json:"read"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
