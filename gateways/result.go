package gateways

import (
	"context"
	"errors"
	"net"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zhifu/donation-pay/models"
	"github.com/zhifu/donation-pay/money"
)

// Stable error codes shared by all gateways.
const (
	CodeNetworkError           = "network_error"
	CodeGatewayTimeout         = "gateway_timeout"
	CodeTemporaryDecline       = "temporary_decline"
	CodeCardDeclined           = "card_declined"
	CodeInsufficientFunds      = "insufficient_funds"
	CodeInvalidCard            = "invalid_card"
	CodeExpiredCard            = "expired_card"
	CodeAuthenticationRequired = "authentication_required"
	CodeAmountExceedsOriginal  = "amount_exceeds_original"
	CodeInvalidAmount          = "invalid_amount"
	CodeInvalidRequest         = "invalid_request"
	CodeNotConfigured          = "gateway_not_configured"
	CodeGatewayError           = "gateway_error"
)

var transientCodes = map[string]bool{
	CodeNetworkError:     true,
	CodeGatewayTimeout:   true,
	CodeTemporaryDecline: true,
}

var permanentCodes = map[string]bool{
	CodeCardDeclined:           true,
	CodeInsufficientFunds:      true,
	CodeInvalidCard:            true,
	CodeExpiredCard:            true,
	CodeAuthenticationRequired: true,
}

// IsTransient reports whether a failure with this code may be retried.
func IsTransient(code string) bool { return transientCodes[code] }

// TransientCodes lists the retryable error codes in a stable order.
func TransientCodes() []string {
	out := make([]string, 0, len(transientCodes))
	for c := range transientCodes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// IsPermanent reports a decline that must not be retried automatically.
func IsPermanent(code string) bool { return permanentCodes[code] }

// PaymentResult is the outcome of a charge or refund call. Build it through
// Success, Failure or Pending so Successful always agrees with Status.
type PaymentResult struct {
	Successful    bool                   `json:"successful"`
	Status        models.PaymentStatus   `json:"status"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	Amount        decimal.Decimal        `json:"amount"`
	Currency      string                 `json:"currency"`
	GatewayData   map[string]interface{} `json:"gateway_data,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	ErrorCode     string                 `json:"error_code,omitempty"`
	DeclineCode   string                 `json:"decline_code,omitempty"`
	RequestID     string                 `json:"request_id,omitempty"`
	ProcessedAt   time.Time              `json:"processed_at"`
}

func isSuccessStatus(s models.PaymentStatus) bool {
	return s == models.StatusCompleted || s == models.StatusProcessing || s.IsRefundState()
}

// Success builds a successful result. status must be completed, processing
// or a refund state; anything else is treated as completed.
func Success(status models.PaymentStatus, transactionID string, amount money.Money, data map[string]interface{}) *PaymentResult {
	if !isSuccessStatus(status) {
		status = models.StatusCompleted
	}
	return &PaymentResult{
		Successful:    true,
		Status:        status,
		TransactionID: transactionID,
		Amount:        amount.Amount,
		Currency:      amount.Currency,
		GatewayData:   data,
		ProcessedAt:   time.Now(),
	}
}

// Failure builds a failed result with a stable error code.
func Failure(code, message string, amount money.Money, data map[string]interface{}) *PaymentResult {
	if code == "" {
		code = CodeGatewayError
	}
	return &PaymentResult{
		Successful:   false,
		Status:       models.StatusFailed,
		Amount:       amount.Amount,
		Currency:     amount.Currency,
		GatewayData:  data,
		ErrorMessage: message,
		ErrorCode:    code,
		ProcessedAt:  time.Now(),
	}
}

// Pending builds a result that is still waiting on the provider or donor.
// status must be pending or requires_action.
func Pending(status models.PaymentStatus, transactionID string, amount money.Money, data map[string]interface{}) *PaymentResult {
	if status != models.StatusRequiresAction {
		status = models.StatusPending
	}
	return &PaymentResult{
		Successful:    false,
		Status:        status,
		TransactionID: transactionID,
		Amount:        amount.Amount,
		Currency:      amount.Currency,
		GatewayData:   data,
		ProcessedAt:   time.Now(),
	}
}

// Money returns the amount the result refers to.
func (r *PaymentResult) Money() money.Money {
	return money.New(r.Amount, r.Currency)
}

// Consistent checks the Successful/Status invariant.
func (r *PaymentResult) Consistent() bool {
	return r.Successful == isSuccessStatus(r.Status)
}

// Retryable is true for failures with a transient error code.
func (r *PaymentResult) Retryable() bool {
	return !r.Successful && r.Status == models.StatusFailed && IsTransient(r.ErrorCode)
}

// ClassifyError maps a transport error to a stable transient code.
func ClassifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeGatewayTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeGatewayTimeout
	}
	return CodeNetworkError
}
