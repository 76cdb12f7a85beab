package stripegw

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/zhifu/donation-pay/gateways"
	"github.com/zhifu/donation-pay/money"
)

// ParseWebhook verifies the Stripe-Signature header and extracts
// payment_intent.* events. Other event types are ignored.
func (g *Gateway) ParseWebhook(payload []byte, headers http.Header) (*gateways.WebhookEvent, error) {
	if g.config.WebhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", gateways.ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, headers.Get("Stripe-Signature"), g.config.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateways.ErrInvalidSignature, err)
	}

	switch string(event.Type) {
	case "payment_intent.succeeded",
		"payment_intent.processing",
		"payment_intent.requires_action",
		"payment_intent.payment_failed",
		"payment_intent.canceled":
	default:
		return nil, fmt.Errorf("%w: %s", gateways.ErrIgnoredEvent, event.Type)
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: %s without data", gateways.ErrIgnoredEvent, event.Type)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: decode payment intent: %v", gateways.ErrMalformedEvent, err)
	}

	out := &gateways.WebhookEvent{
		EventID:          event.ID,
		GatewayReference: pi.ID,
		IntentID:         pi.Metadata["intent_id"],
		Status:           paymentStatus(&pi),
		Amount:           money.FromMinorUnits(pi.Amount, string(pi.Currency)),
		Data: map[string]interface{}{
			"event_type":    string(event.Type),
			"intent_status": string(pi.Status),
		},
	}
	if e := pi.LastPaymentError; e != nil {
		out.ErrorCode = mapCode(e)
		out.ErrorMessage = e.Msg
		if e.DeclineCode != "" {
			out.Data["decline_code"] = string(e.DeclineCode)
		}
	}
	return out, nil
}
