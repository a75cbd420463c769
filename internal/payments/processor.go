//go:generate go run go.uber.org/mock/mockgen -source=processor.go -destination=mock_processor_test.go -package=payments

package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

// IntentRequest opens a payment with the processor.
type IntentRequest struct {
	PaymentID   uuid.UUID
	Namespace   string
	AmountCents int64
	Currency    string
}

// Intent is the processor side of a pending payment.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

// TransferRequest pays a beneficiary out of a succeeded payment.
type TransferRequest struct {
	PaymentID      uuid.UUID
	AmountCents    int64
	Currency       string
	Destination    string
	IdempotencyKey string
}

// IntentCreator opens the processor side of a payment.
type IntentCreator interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
}

// Transferrer moves a succeeded payment's funds to the beneficiary's payout account.
type Transferrer interface {
	Transfer(ctx context.Context, req TransferRequest) (string, error)
}

// APIError is an error response from the processor.
type APIError struct {
	Status  int
	Type    string
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("processor %d %s: %s", e.Status, e.Type, e.Message)
}

// Client calls the processor through stripe-go.
type Client struct {
	api *client.API
}

// NewClient creates a processor client. An empty base keeps the library's
// default endpoint; a nil httpClient gets a 20s timeout.
func NewClient(base, secretKey string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := &stripe.BackendConfig{
		HTTPClient:    httpClient,
		LeveledLogger: logger.Named("stripe").Sugar(),
	}
	if base != "" {
		cfg.URL = stripe.String(base)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, &stripe.BackendConfig{HTTPClient: httpClient}),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, &stripe.BackendConfig{HTTPClient: httpClient}),
	}
	return &Client{api: client.New(secretKey, backends)}
}

// CreateIntent opens a payment intent tagged with the payment's record class.
func (c *Client) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(req.Currency),
	}
	params.Context = ctx
	params.SetIdempotencyKey("intent-" + req.PaymentID.String())
	params.AddMetadata("record_type", req.Namespace)
	params.AddMetadata("payment_id", req.PaymentID.String())
	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", apiError(err))
	}
	return &Intent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// Transfer moves funds to a connected account and returns the transfer id.
func (c *Client) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.Destination),
		TransferGroup: stripe.String(req.PaymentID.String()),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.AddMetadata("payment_id", req.PaymentID.String())
	tr, err := c.api.Transfers.New(params)
	if err != nil {
		return "", fmt.Errorf("create transfer: %w", apiError(err))
	}
	return tr.ID, nil
}

func apiError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return err
	}
	return &APIError{
		Status:  se.HTTPStatusCode,
		Type:    string(se.Type),
		Code:    string(se.Code),
		Message: se.Msg,
	}
}
