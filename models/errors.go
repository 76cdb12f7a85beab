package models

import (
	"errors"
	"fmt"

	"github.com/zhifu/donation-pay/money"
)

var (
	ErrInvalidTransition      = errors.New("invalid payment state transition")
	ErrRefundExceedsRemaining = errors.New("refund amount exceeds remaining refundable amount")
	ErrNegativeAmount         = errors.New("amount must be positive")
	ErrUnknownStatus          = errors.New("unknown payment status")
	ErrUnsupportedMethod      = errors.New("unsupported payment method")
	ErrBelowMinimum           = errors.New("amount below payment method minimum")
	ErrAttemptImmutable       = errors.New("payment attempts are immutable")
)

// InvalidStateError names the operation that was refused and the status the
// payment was in when it was attempted.
type InvalidStateError struct {
	Op     string
	Status PaymentStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s payment in status %q", e.Op, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidTransition }

// RefundAmountError reports a refund request outside [0, remaining].
type RefundAmountError struct {
	Requested money.Money
	Remaining money.Money
}

func (e *RefundAmountError) Error() string {
	return fmt.Sprintf("refund of %s exceeds remaining refundable %s", e.Requested, e.Remaining)
}

func (e *RefundAmountError) Unwrap() error { return ErrRefundExceedsRemaining }
