package gateways

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zhifu/donation-pay/money"
)

// DefaultRefundReason is used when the caller gives none.
const DefaultRefundReason = "Refund requested by donor"

// RefundRequest asks a gateway to return money for an earlier charge.
type RefundRequest struct {
	TransactionID  string
	Amount         decimal.Decimal
	Currency       string
	Reason         string
	Metadata       map[string]string
	IdempotencyKey string
}

func NewRefundRequest(transactionID string, amount money.Money, reason string, metadata map[string]string) RefundRequest {
	return RefundRequest{
		TransactionID: transactionID,
		Amount:        amount.Amount,
		Currency:      strings.ToUpper(amount.Currency),
		Reason:        reason,
		Metadata:      metadata,
	}
}

func (r RefundRequest) Money() money.Money {
	return money.New(r.Amount, r.Currency)
}

// AmountInMinorUnits is round(amount * 10^exponent), i.e. cents for USD.
func (r RefundRequest) AmountInMinorUnits() int64 {
	return r.Money().MinorUnits()
}

// ReasonOrDefault returns the reason, falling back to DefaultRefundReason.
func (r RefundRequest) ReasonOrDefault() string {
	if strings.TrimSpace(r.Reason) == "" {
		return DefaultRefundReason
	}
	return r.Reason
}

// EnrichedMetadata copies Metadata and adds the refund_* keys sent to the
// provider.
func (r RefundRequest) EnrichedMetadata(at time.Time) map[string]string {
	out := make(map[string]string, len(r.Metadata)+4)
	for k, v := range r.Metadata {
		out[k] = v
	}
	out["refund_amount"] = r.Money().StringFixed()
	out["refund_currency"] = r.Currency
	out["refund_reason"] = r.ReasonOrDefault()
	out["refund_timestamp"] = at.UTC().Format(time.RFC3339)
	return out
}

// Validate checks the fields every gateway needs.
func (r RefundRequest) Validate() error {
	if r.TransactionID == "" {
		return fmt.Errorf("refund request: transaction id is required")
	}
	if r.Currency == "" {
		return fmt.Errorf("refund request: currency is required")
	}
	if r.Amount.IsNegative() {
		return fmt.Errorf("refund request: amount must not be negative")
	}
	return nil
}
