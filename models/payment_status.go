package models

// PaymentStatus is the lifecycle state of a Payment.
type PaymentStatus string

const (
	StatusPending           PaymentStatus = "pending"
	StatusProcessing        PaymentStatus = "processing"
	StatusRequiresAction    PaymentStatus = "requires_action"
	StatusCompleted         PaymentStatus = "completed"
	StatusFailed            PaymentStatus = "failed"
	StatusCancelled         PaymentStatus = "cancelled"
	StatusRefunded          PaymentStatus = "refunded"
	StatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusRequiresAction, StatusCompleted,
		StatusFailed, StatusCancelled, StatusRefunded, StatusPartiallyRefunded:
		return true
	}
	return false
}

// IsFinal reports whether no further charge-side transition is expected.
func (s PaymentStatus) IsFinal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded, StatusPartiallyRefunded:
		return true
	}
	return false
}

// IsRefundState is true for the two refund-tracking states.
func (s PaymentStatus) IsRefundState() bool {
	return s == StatusRefunded || s == StatusPartiallyRefunded
}

// IsSuccessful is true for statuses that represent money moved to us.
func (s PaymentStatus) IsSuccessful() bool {
	return s == StatusCompleted
}
