package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/zhifu/donation-pay/money"
)

// timeNow is swapped in tests that need a fixed clock.
var timeNow = time.Now

// PaymentExpiry bounds how long an online payment may stay unfinished.
const PaymentExpiry = 24 * time.Hour

// Payment tracks one payment's lifecycle against one donation.
type Payment struct {
	ID             uint              `gorm:"primaryKey" json:"id"`
	DonationID     uint              `gorm:"index;not null" json:"donation_id"`
	GatewayName    string            `gorm:"size:50;index" json:"gateway_name"`
	IntentID       string            `gorm:"size:64;uniqueIndex" json:"intent_id"`
	TransactionID  string            `gorm:"size:128;index" json:"transaction_id,omitempty"`
	Amount         decimal.Decimal   `gorm:"type:decimal(18,3);not null" json:"amount"`
	Currency       string            `gorm:"size:3;not null" json:"currency"`
	PaymentMethod  PaymentMethod     `gorm:"size:30;index" json:"payment_method"`
	Status         PaymentStatus     `gorm:"size:30;index" json:"status"`
	FailureCode    string            `gorm:"size:64" json:"failure_code,omitempty"`
	FailureMessage string            `gorm:"size:255" json:"failure_message,omitempty"`
	DeclineCode    string            `gorm:"size:64" json:"decline_code,omitempty"`
	GatewayData    datatypes.JSONMap `json:"gateway_data,omitempty"`
	RefundedAmount decimal.Decimal   `gorm:"type:decimal(18,3);not null;default:0" json:"refunded_amount"`
	RefundReserved decimal.Decimal   `gorm:"type:decimal(18,3);not null;default:0" json:"refund_reserved"`
	AuthorizedAt   *time.Time        `json:"authorized_at,omitempty"`
	CapturedAt     *time.Time        `json:"captured_at,omitempty"`
	FailedAt       *time.Time        `json:"failed_at,omitempty"`
	CancelledAt    *time.Time        `json:"cancelled_at,omitempty"`
	RefundedAt     *time.Time        `json:"refunded_at,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	Version        int               `gorm:"not null;default:0" json:"version"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewPayment builds a pending payment for a donation. The amount is rounded
// to the currency's minor unit here, at the boundary.
func NewPayment(donationID uint, amount money.Money, method PaymentMethod) (*Payment, error) {
	if !method.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	amount = amount.Round()
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrNegativeAmount, amount)
	}
	if !method.SupportsCurrency(amount.Currency) {
		return nil, fmt.Errorf("%w: %s does not accept %s", ErrUnsupportedMethod, method, amount.Currency)
	}
	if minimum := method.MinimumAmount(amount.Currency); amount.Amount.LessThan(minimum.Amount) {
		return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount, minimum)
	}

	p := &Payment{
		DonationID:     donationID,
		IntentID:       uuid.NewString(),
		Amount:         amount.Amount,
		Currency:       amount.Currency,
		PaymentMethod:  method,
		Status:         StatusPending,
		GatewayData:    datatypes.JSONMap{},
		RefundedAmount: decimal.Zero,
		RefundReserved: decimal.Zero,
	}
	if method.IsOnline() {
		exp := timeNow().Add(PaymentExpiry)
		p.ExpiresAt = &exp
	}
	return p, nil
}

// Money returns the charged amount.
func (p *Payment) Money() money.Money {
	return money.New(p.Amount, p.Currency)
}

// Refunded returns the amount refunded so far.
func (p *Payment) Refunded() money.Money {
	return money.New(p.RefundedAmount, p.Currency)
}

// RemainingRefundable is amount minus everything already refunded or held
// for a refund that is still with the provider.
func (p *Payment) RemainingRefundable() money.Money {
	return money.New(p.Amount.Sub(p.RefundedAmount).Sub(p.RefundReserved), p.Currency)
}

func (p *Payment) IsSuccessful() bool   { return p.Status == StatusCompleted }
func (p *Payment) IsPending() bool      { return p.Status == StatusPending }
func (p *Payment) RequiresAction() bool { return p.Status == StatusRequiresAction }
func (p *Payment) HasFailed() bool      { return p.Status == StatusFailed }

func (p *Payment) IsExpired() bool {
	return p.ExpiresAt != nil && p.ExpiresAt.Before(timeNow())
}

func (p *Payment) CanBeAuthorized() bool {
	return p.Status == StatusPending
}

func (p *Payment) CanBeCaptured() bool {
	switch p.Status {
	case StatusPending, StatusProcessing, StatusRequiresAction:
		return true
	}
	return false
}

// CanBeFailed allows any non-final status. processing is listed explicitly:
// a capture may time out after authorization and must still be failable.
// The override does not extend to completed.
func (p *Payment) CanBeFailed() bool {
	return !p.Status.IsFinal() || p.Status == StatusProcessing
}

func (p *Payment) CanBeCancelled() bool {
	return p.Status == StatusPending || p.Status == StatusRequiresAction
}

func (p *Payment) CanRequireAction() bool {
	return p.Status == StatusPending || p.Status == StatusProcessing
}

func (p *Payment) CanBeRefunded() bool {
	return (p.Status == StatusCompleted || p.Status == StatusPartiallyRefunded) &&
		p.RemainingRefundable().IsPositive()
}

// Authorize records the gateway's transaction id and moves to processing.
func (p *Payment) Authorize(transactionID string, gatewayData map[string]interface{}) error {
	if !p.CanBeAuthorized() {
		return &InvalidStateError{Op: "authorize", Status: p.Status}
	}
	if transactionID != "" {
		p.TransactionID = transactionID
	}
	now := timeNow()
	p.Status = StatusProcessing
	p.AuthorizedAt = &now
	p.mergeGatewayData(gatewayData)
	return nil
}

// Capture completes the payment. Gateways that authorize and capture in one
// step may capture straight from pending.
func (p *Payment) Capture(gatewayData map[string]interface{}) error {
	if !p.CanBeCaptured() {
		return &InvalidStateError{Op: "capture", Status: p.Status}
	}
	now := timeNow()
	p.Status = StatusCompleted
	p.CapturedAt = &now
	p.mergeGatewayData(gatewayData)
	return nil
}

// MarkRequiresAction parks the payment until the donor completes an external
// step such as 3-D Secure or scanning a wallet QR code.
func (p *Payment) MarkRequiresAction(transactionID string, gatewayData map[string]interface{}) error {
	if !p.CanRequireAction() {
		return &InvalidStateError{Op: "require action on", Status: p.Status}
	}
	if p.TransactionID == "" {
		p.TransactionID = transactionID
	}
	p.Status = StatusRequiresAction
	p.mergeGatewayData(gatewayData)
	return nil
}

func (p *Payment) Fail(message, code, declineCode string) error {
	if !p.CanBeFailed() {
		return &InvalidStateError{Op: "fail", Status: p.Status}
	}
	now := timeNow()
	p.Status = StatusFailed
	p.FailedAt = &now
	p.FailureMessage = message
	p.FailureCode = code
	p.DeclineCode = declineCode
	return nil
}

func (p *Payment) Cancel() error {
	if !p.CanBeCancelled() {
		return &InvalidStateError{Op: "cancel", Status: p.Status}
	}
	now := timeNow()
	p.Status = StatusCancelled
	p.CancelledAt = &now
	return nil
}

// ReserveRefund holds amount against the refundable balance while the
// provider handles the refund, so a concurrent request sees less room.
func (p *Payment) ReserveRefund(amount money.Money) error {
	amount, err := p.checkRefund(amount)
	if err != nil {
		return err
	}
	p.RefundReserved = p.RefundReserved.Add(amount.Amount)
	return nil
}

// ReleaseRefund drops a reservation made by ReserveRefund.
func (p *Payment) ReleaseRefund(amount money.Money) {
	p.RefundReserved = p.RefundReserved.Sub(amount.Round().Amount)
	if p.RefundReserved.IsNegative() {
		p.RefundReserved = decimal.Zero
	}
}

// ApplyRefund books a successful refund. The bound is checked again here so
// the aggregate can never record more than it was paid. A reservation for
// the same refund must be released first.
func (p *Payment) ApplyRefund(amount money.Money) error {
	amount, err := p.checkRefund(amount)
	if err != nil {
		return err
	}

	now := timeNow()
	p.RefundedAmount = p.RefundedAmount.Add(amount.Amount)
	p.RefundedAt = &now
	if p.RefundedAmount.Equal(p.Amount) {
		p.Status = StatusRefunded
	} else {
		p.Status = StatusPartiallyRefunded
	}
	return nil
}

func (p *Payment) checkRefund(amount money.Money) (money.Money, error) {
	if p.Status != StatusCompleted && p.Status != StatusPartiallyRefunded {
		return amount, &InvalidStateError{Op: "refund", Status: p.Status}
	}
	if amount.Currency != p.Currency {
		return amount, fmt.Errorf("%w: refund in %s for payment in %s", money.ErrCurrencyMismatch, amount.Currency, p.Currency)
	}
	amount = amount.Round()
	if !amount.IsPositive() {
		return amount, fmt.Errorf("%w: %s", ErrNegativeAmount, amount)
	}
	remaining := p.RemainingRefundable()
	if amount.Amount.GreaterThan(remaining.Amount) {
		return amount, &RefundAmountError{Requested: amount, Remaining: remaining}
	}
	return amount, nil
}

// UpdateFromGateway applies a provider-reported status, typically from a
// webhook. It deliberately skips the Can* guards: webhooks may arrive before
// or after the synchronous response and must converge instead of failing.
//
//   - transaction_id is only set when empty (first writer wins)
//   - timestamps are only stamped when unset, so replays are no-ops
//   - a final status is never regressed to a non-final one
//   - completed is never left: a late failed or cancelled only merges data
//   - completed overrides failed or cancelled; between those two the first
//     report stands
//   - refund states are owned by ApplyRefund and are never overwritten here
func (p *Payment) UpdateFromGateway(status PaymentStatus, transactionID string, gatewayData map[string]interface{}) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, status)
	}
	if p.TransactionID == "" && transactionID != "" {
		p.TransactionID = transactionID
	}
	p.mergeGatewayData(gatewayData)

	if !p.acceptsGatewayStatus(status) {
		return nil
	}

	now := timeNow()
	p.Status = status
	switch status {
	case StatusProcessing:
		if p.AuthorizedAt == nil {
			p.AuthorizedAt = &now
		}
	case StatusCompleted:
		if p.CapturedAt == nil {
			p.CapturedAt = &now
		}
		p.FailedAt, p.CancelledAt = nil, nil
		p.FailureCode, p.FailureMessage, p.DeclineCode = "", "", ""
	case StatusFailed:
		if p.FailedAt == nil {
			p.FailedAt = &now
		}
	case StatusCancelled:
		if p.CancelledAt == nil {
			p.CancelledAt = &now
		}
	}
	return nil
}

// acceptsGatewayStatus orders reported statuses so the stored result does
// not depend on the order webhooks arrive in.
func (p *Payment) acceptsGatewayStatus(status PaymentStatus) bool {
	if status.IsRefundState() || p.Status.IsRefundState() {
		return false
	}
	if !p.Status.IsFinal() {
		return true
	}
	// A final payment can only be corrected to completed.
	return status == StatusCompleted
}

// mergeGatewayData adds keys without dropping existing ones.
func (p *Payment) mergeGatewayData(data map[string]interface{}) {
	if len(data) == 0 {
		return
	}
	if p.GatewayData == nil {
		p.GatewayData = datatypes.JSONMap{}
	}
	for k, v := range data {
		p.GatewayData[k] = v
	}
}

// GatewayString reads a string value from gateway_data.
func (p *Payment) GatewayString(key string) string {
	if p.GatewayData == nil {
		return ""
	}
	s, _ := p.GatewayData[key].(string)
	return s
}
