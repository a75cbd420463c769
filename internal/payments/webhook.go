package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/models"
	"github.com/soundstage/backend/pkg/queue"
	"github.com/soundstage/backend/pkg/response"
)

const (
	// SignatureHeader carries "t=<unix>,v1=<hex hmac>[,v1=...]".
	SignatureHeader = "Stripe-Signature"
	// SignatureTolerance bounds the age of a signed delivery.
	SignatureTolerance = 5 * time.Minute

	maxWebhookBody = 1 << 16
)

// VerifySignature checks the signature header of a delivery and rejects
// deliveries older than SignatureTolerance.
func VerifySignature(body []byte, header, secret string) error {
	if secret == "" {
		return apperr.ErrSignature
	}
	if err := webhook.ValidatePayloadWithTolerance(body, header, secret, SignatureTolerance); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrSignature, err)
	}
	return nil
}

// ParseEvent maps a processor event body to an Event. ok is false for event
// types that do not move a payment.
func ParseEvent(body []byte) (ev Event, ok bool, err error) {
	var raw stripe.Event
	if err := json.Unmarshal(body, &raw); err != nil || raw.Data == nil {
		return Event{}, false, apperr.Invalid("body", "malformed event")
	}
	ev = Event{ID: raw.ID}
	switch raw.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw.Data.Raw, &pi); err != nil {
			return Event{}, false, apperr.Invalid("data.object", "malformed payment intent")
		}
		ev.Reference = pi.ID
		ev.Namespace = pi.Metadata["record_type"]
		ev.Kind = models.PaymentStatusSucceeded
		if raw.Type == "payment_intent.payment_failed" {
			ev.Kind = models.PaymentStatusFailed
		}
	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(raw.Data.Raw, &ch); err != nil {
			return Event{}, false, apperr.Invalid("data.object", "malformed charge")
		}
		if ch.PaymentIntent != nil {
			ev.Reference = ch.PaymentIntent.ID
		}
		ev.Namespace = ch.Metadata["record_type"]
		ev.Kind = models.PaymentStatusRefunded
	default:
		return Event{}, false, nil
	}
	if ev.Reference == "" {
		return Event{}, false, apperr.Invalid("data.object", "missing payment reference")
	}
	return ev, true, nil
}

// Reconciler applies a verified event.
type Reconciler interface {
	Reconcile(ctx context.Context, ev Event) error
}

// Retrier schedules an event for another reconcile attempt.
type Retrier interface {
	EnqueuePaymentEvent(ctx context.Context, p queue.PaymentEventPayload) error
}

// WebhookHandler receives processor deliveries.
type WebhookHandler struct {
	engine Reconciler
	retry  Retrier
	secret string
	logger *zap.Logger
}

// NewWebhookHandler creates a webhook handler. retry may be nil.
func NewWebhookHandler(engine Reconciler, retry Retrier, secret string, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{engine: engine, retry: retry, secret: secret, logger: logger}
}

// Receive handles POST /webhooks/payments. A bad signature is a 400 with no
// state change; every verified delivery is acknowledged with 200.
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(c, "unreadable body")
		return
	}
	if err := VerifySignature(body, c.GetHeader(SignatureHeader), h.secret); err != nil {
		h.logger.Warn("payment webhook rejected",
			zap.Bool("security", true),
			zap.String("client_ip", c.ClientIP()),
			zap.Error(err))
		response.BadRequest(c, "invalid signature")
		return
	}

	ev, ok, err := ParseEvent(body)
	if err != nil {
		h.logger.Warn("payment webhook unparseable", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	ctx := c.Request.Context()
	err = h.engine.Reconcile(ctx, ev)
	switch {
	case err == nil:
	case !Retryable(err):
		h.logger.Info("payment event not applied",
			zap.String("external_ref", ev.Reference), zap.String("event_id", ev.ID), zap.Error(err))
	default:
		h.logger.Warn("payment event deferred",
			zap.String("external_ref", ev.Reference), zap.String("event_id", ev.ID), zap.Error(err))
		if h.retry != nil {
			if qerr := h.retry.EnqueuePaymentEvent(ctx, queue.PaymentEventPayload{
				EventID:   ev.ID,
				Reference: ev.Reference,
				Kind:      string(ev.Kind),
				Namespace: ev.Namespace,
			}); qerr != nil {
				h.logger.Error("enqueue payment event", zap.String("external_ref", ev.Reference), zap.Error(qerr))
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// Retryable reports whether a Reconcile error may succeed on a later attempt.
// A refund rejected as out of order applies once the success has landed.
func Retryable(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, apperr.ErrIdempotentNoOp),
		errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, apperr.ErrInvalidTransition),
		apperr.IsValidation(err):
		return false
	}
	return true
}
