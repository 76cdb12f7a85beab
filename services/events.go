package services

import (
	"time"

	"github.com/zhifu/donation-pay/models"
)

// Event kinds pushed to the operator feed.
const (
	EventPaymentUpdated = "payment.updated"
	EventAttemptLogged  = "attempt.logged"
	EventRefundBooked   = "refund.booked"
	EventSecurityAlert  = "security.alert"
)

// PaymentEvent is one entry of the operator feed.
type PaymentEvent struct {
	Type       string               `json:"type"`
	PaymentID  uint                 `json:"payment_id,omitempty"`
	DonationID uint                 `json:"donation_id,omitempty"`
	Gateway    string               `json:"gateway,omitempty"`
	Status     models.PaymentStatus `json:"status,omitempty"`
	Amount     string               `json:"amount,omitempty"`
	Currency   string               `json:"currency,omitempty"`
	ErrorCode  string               `json:"error_code,omitempty"`
	Message    string               `json:"message,omitempty"`
	At         time.Time            `json:"at"`
}

// EventPublisher receives payment events. Publish must not block the
// payment path.
type EventPublisher interface {
	Publish(PaymentEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(PaymentEvent) {}

// NopPublisher drops every event.
var NopPublisher EventPublisher = nopPublisher{}

func paymentEvent(kind string, p *models.Payment) PaymentEvent {
	return PaymentEvent{
		Type:       kind,
		PaymentID:  p.ID,
		DonationID: p.DonationID,
		Gateway:    p.GatewayName,
		Status:     p.Status,
		Amount:     p.Money().StringFixed(),
		Currency:   p.Currency,
		ErrorCode:  p.FailureCode,
		At:         time.Now(),
	}
}
