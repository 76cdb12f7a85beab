// Package stripegw is the card gateway backed by Stripe PaymentIntents.
package stripegw

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/zhifu/donation-pay/gateways"
	"github.com/zhifu/donation-pay/models"
	"github.com/zhifu/donation-pay/money"
)

const Name = "stripe"

type Config struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
}

// intentAPI and refundAPI are the parts of the Stripe clients in use.
type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type refundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type Gateway struct {
	config  Config
	intents intentAPI
	refunds refundAPI
}

func New(cfg Config) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Timeout,
		},
		// Retries are driven by the sweeper so every call is audited.
		MaxNetworkRetries: stripe.Int64(0),
	})
	return &Gateway{
		config:  cfg,
		intents: &paymentintent.Client{B: backend, Key: cfg.SecretKey},
		refunds: &refund.Client{B: backend, Key: cfg.SecretKey},
	}
}

func (g *Gateway) Name() string { return Name }

func (g *Gateway) Supports(method models.PaymentMethod) bool {
	return method == models.MethodCard
}

func (g *Gateway) SupportedCurrencies() []string {
	return []string{"USD", "EUR", "GBP", "CAD", "AUD", "JPY"}
}

func (g *Gateway) ValidateConfiguration() bool {
	return strings.HasPrefix(g.config.SecretKey, "sk_") || strings.HasPrefix(g.config.SecretKey, "rk_")
}

// Charge creates and confirms a PaymentIntent. The intent id is the
// transaction id; the idempotency key makes retries safe on Stripe's side.
func (g *Gateway) Charge(ctx context.Context, req gateways.ChargeRequest) *gateways.PaymentResult {
	if !g.ValidateConfiguration() {
		return gateways.Failure(gateways.CodeNotConfigured, "stripe secret key missing", req.Amount, nil)
	}
	if !g.Supports(req.Method) {
		return gateways.Failure(gateways.CodeInvalidRequest, "stripe only processes card payments", req.Amount, nil)
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.Amount.MinorUnits()),
		Currency:           stripe.String(strings.ToLower(req.Amount.Currency)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	if req.Source != "" {
		params.PaymentMethod = stripe.String(req.Source)
		params.Confirm = stripe.Bool(true)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("intent_id", req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.intents.New(params)
	if err != nil {
		return failureFromError(err, req.Amount)
	}
	return resultFromIntent(pi, req.Amount)
}

// QueryStatus re-reads the PaymentIntent.
func (g *Gateway) QueryStatus(ctx context.Context, intentID, transactionID string, amount money.Money) *gateways.PaymentResult {
	if transactionID == "" {
		return gateways.Failure(gateways.CodeInvalidRequest, "no payment intent to query", amount, nil)
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.intents.Get(transactionID, params)
	if err != nil {
		return failureFromError(err, amount)
	}
	return resultFromIntent(pi, amount)
}

func (g *Gateway) RefundPayment(ctx context.Context, req gateways.RefundRequest) *gateways.PaymentResult {
	amount := req.Money()
	if !g.ValidateConfiguration() {
		return gateways.Failure(gateways.CodeNotConfigured, "stripe secret key missing", amount, nil)
	}
	if err := req.Validate(); err != nil {
		return gateways.Failure(gateways.CodeInvalidRequest, err.Error(), amount, nil)
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.TransactionID),
		Amount:        stripe.Int64(req.AmountInMinorUnits()),
		Reason:        stripe.String("requested_by_customer"),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.EnrichedMetadata(time.Now()) {
		params.AddMetadata(k, v)
	}

	r, err := g.refunds.New(params)
	if err != nil {
		return failureFromError(err, amount)
	}

	data := map[string]interface{}{
		"refund_id":     r.ID,
		"refund_status": string(r.Status),
	}
	switch string(r.Status) {
	case "succeeded":
		return gateways.Success(models.StatusRefunded, req.TransactionID, amount, data)
	case "pending", "requires_action":
		return gateways.Pending(models.StatusPending, req.TransactionID, amount, data)
	default:
		msg := "refund " + string(r.Status)
		if r.FailureReason != "" {
			msg += ": " + string(r.FailureReason)
		}
		return gateways.Failure(gateways.CodeGatewayError, msg, amount, data)
	}
}

// IntentStatus maps a PaymentIntent status onto a payment status.
// requires_payment_method reads as failed here; use paymentStatus when the
// intent itself is at hand.
func IntentStatus(s stripe.PaymentIntentStatus) models.PaymentStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return models.StatusCompleted
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		return models.StatusProcessing
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresConfirmation:
		return models.StatusRequiresAction
	case stripe.PaymentIntentStatusCanceled:
		return models.StatusCancelled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		return models.StatusFailed
	default:
		return models.StatusPending
	}
}

// paymentStatus is IntentStatus, except that an intent still waiting for
// its first payment method (the client-secret flow) needs donor action.
// It only counts as failed once Stripe reports a payment error.
func paymentStatus(pi *stripe.PaymentIntent) models.PaymentStatus {
	if pi.Status == stripe.PaymentIntentStatusRequiresPaymentMethod && pi.LastPaymentError == nil {
		return models.StatusRequiresAction
	}
	return IntentStatus(pi.Status)
}

func resultFromIntent(pi *stripe.PaymentIntent, amount money.Money) *gateways.PaymentResult {
	data := map[string]interface{}{
		"payment_intent": pi.ID,
		"intent_status":  string(pi.Status),
	}
	if pi.ClientSecret != "" {
		data["client_secret"] = pi.ClientSecret
	}
	if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
		data["redirect_url"] = pi.NextAction.RedirectToURL.URL
	}
	if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		data["charge_id"] = pi.LatestCharge.ID
	}

	switch status := paymentStatus(pi); status {
	case models.StatusCompleted, models.StatusProcessing:
		return gateways.Success(status, pi.ID, amount, data)
	case models.StatusRequiresAction, models.StatusPending:
		return gateways.Pending(status, pi.ID, amount, data)
	case models.StatusCancelled:
		return gateways.Failure(gateways.CodeInvalidRequest, "payment intent was canceled", amount, data)
	default:
		res := gateways.Failure(gateways.CodeCardDeclined, "payment method was declined", amount, data)
		if e := pi.LastPaymentError; e != nil {
			res.ErrorCode = mapCode(e)
			res.ErrorMessage = e.Msg
			res.DeclineCode = string(e.DeclineCode)
		}
		res.TransactionID = pi.ID
		return res
	}
}

func failureFromError(err error, amount money.Money) *gateways.PaymentResult {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return gateways.Failure(gateways.ClassifyError(err), err.Error(), amount, nil)
	}
	res := gateways.Failure(mapCode(se), se.Msg, amount, nil)
	res.DeclineCode = string(se.DeclineCode)
	res.RequestID = se.RequestID
	if se.PaymentIntent != nil {
		res.TransactionID = se.PaymentIntent.ID
	}
	return res
}

// mapCode turns a Stripe error into one of the stable gateway codes.
func mapCode(e *stripe.Error) string {
	switch string(e.DeclineCode) {
	case "insufficient_funds":
		return gateways.CodeInsufficientFunds
	case "expired_card":
		return gateways.CodeExpiredCard
	case "authentication_required":
		return gateways.CodeAuthenticationRequired
	case "try_again_later", "processing_error", "issuer_not_available":
		return gateways.CodeTemporaryDecline
	}

	switch string(e.Code) {
	case "card_declined":
		return gateways.CodeCardDeclined
	case "expired_card":
		return gateways.CodeExpiredCard
	case "incorrect_number", "invalid_number", "invalid_expiry_month", "invalid_expiry_year", "incorrect_cvc", "invalid_cvc":
		return gateways.CodeInvalidCard
	case "authentication_required", "payment_intent_authentication_failure":
		return gateways.CodeAuthenticationRequired
	case "processing_error":
		return gateways.CodeTemporaryDecline
	case "amount_too_small", "amount_too_large":
		return gateways.CodeInvalidAmount
	case "charge_exceeds_source_limit", "refund_exceeds_charge":
		return gateways.CodeAmountExceedsOriginal
	case "rate_limit", "lock_timeout":
		return gateways.CodeTemporaryDecline
	}

	switch e.Type {
	case stripe.ErrorTypeCard:
		return gateways.CodeCardDeclined
	case stripe.ErrorTypeAPI:
		return gateways.CodeNetworkError
	case stripe.ErrorTypeInvalidRequest:
		return gateways.CodeInvalidRequest
	}
	if e.HTTPStatusCode >= 500 {
		return gateways.CodeNetworkError
	}
	return gateways.CodeGatewayError
}
