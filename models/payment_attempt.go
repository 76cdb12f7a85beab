package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AttemptOperation names the kind of gateway call an attempt records.
type AttemptOperation string

const (
	OperationCharge AttemptOperation = "charge"
	OperationRefund AttemptOperation = "refund"
	// OperationQuery is a status lookup made while reconciling.
	OperationQuery AttemptOperation = "query"
)

// PaymentAttempt is the audit record of one gateway call. Rows are written
// once and never updated; only the retention cleanup deletes them.
type PaymentAttempt struct {
	ID               uint             `gorm:"primaryKey" json:"id"`
	PaymentID        uint             `gorm:"uniqueIndex:idx_attempt_payment_number;not null" json:"payment_id"`
	AttemptNumber    int              `gorm:"uniqueIndex:idx_attempt_payment_number;not null" json:"attempt_number"`
	Operation        AttemptOperation `gorm:"size:20;index" json:"operation"`
	GatewayName      string           `gorm:"size:50;index" json:"gateway_name"`
	Status           PaymentStatus    `gorm:"size:30" json:"status"`
	Successful       bool             `json:"successful"`
	ErrorCode        string           `gorm:"size:64;index" json:"error_code,omitempty"`
	ErrorMessage     string           `gorm:"size:255" json:"error_message,omitempty"`
	GatewayRequestID string           `gorm:"size:128;index" json:"gateway_request_id,omitempty"`
	Amount           decimal.Decimal  `gorm:"type:decimal(18,3)" json:"amount"`
	Currency         string           `gorm:"size:3" json:"currency"`
	Origin           string           `gorm:"size:64;index" json:"origin,omitempty"`
	ResponseTimeMs   int64            `json:"response_time_ms"`
	AttemptedAt      time.Time        `gorm:"index" json:"attempted_at"`
}

// BeforeUpdate rejects any update through gorm.
func (a *PaymentAttempt) BeforeUpdate(tx *gorm.DB) error {
	return ErrAttemptImmutable
}

// ResponseTime returns the recorded gateway latency.
func (a *PaymentAttempt) ResponseTime() time.Duration {
	return time.Duration(a.ResponseTimeMs) * time.Millisecond
}
