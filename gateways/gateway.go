// Package gateways defines the contract every payment provider implements,
// the value objects exchanged with it, and the router that picks a provider
// for a given amount.
package gateways

import (
	"context"
	"errors"
	"net/http"

	"github.com/zhifu/donation-pay/models"
	"github.com/zhifu/donation-pay/money"
)

var (
	ErrNoGatewayAvailable   = errors.New("no payment gateway available")
	ErrGatewayNotConfigured = errors.New("payment gateway not configured")
	ErrUnknownGateway       = errors.New("unknown payment gateway")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrIgnoredEvent         = errors.New("webhook event ignored")
	ErrMalformedEvent       = errors.New("malformed webhook payload")
)

// PaymentGateway is implemented once per external provider. Provider
// failures are returned as a failed PaymentResult, not as an error.
type PaymentGateway interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) *PaymentResult
	RefundPayment(ctx context.Context, req RefundRequest) *PaymentResult
	Supports(method models.PaymentMethod) bool
	SupportedCurrencies() []string
	ValidateConfiguration() bool
}

// StatusQuerier is implemented by gateways that can report the current
// state of an earlier charge. The sweeper uses it to settle payments whose
// callback never arrived.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, intentID, transactionID string, amount money.Money) *PaymentResult
}

// WebhookVerifier is implemented by gateways that push status callbacks.
type WebhookVerifier interface {
	// ParseWebhook verifies the provider signature and extracts the event.
	// It returns ErrInvalidSignature when verification fails,
	// ErrMalformedEvent when a verified payload cannot be decoded and
	// ErrIgnoredEvent for event types that carry no payment status.
	ParseWebhook(payload []byte, headers http.Header) (*WebhookEvent, error)
}

// ChargeRequest asks a gateway to move money from the donor.
type ChargeRequest struct {
	IdempotencyKey string
	Amount         money.Money
	Method         models.PaymentMethod
	Source         string // provider token for the donor's instrument, if any
	Description    string
	Metadata       map[string]string
}

// WebhookEvent is the provider-neutral content of a verified callback.
type WebhookEvent struct {
	EventID string
	// GatewayReference is the provider's id for the payment when known.
	GatewayReference string
	// IntentID echoes the idempotency key the charge was created with.
	IntentID     string
	Status       models.PaymentStatus
	Amount       money.Money
	ErrorCode    string
	ErrorMessage string
	Data         map[string]interface{}
}
