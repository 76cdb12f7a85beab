package services

import (
	"context"
	"fmt"
	"time"

	"github.com/zhifu/donation-pay/gateways"
	"github.com/zhifu/donation-pay/models"
	"github.com/zhifu/donation-pay/repository"
)

// Fraud signal kinds.
const (
	SignalOriginFailureCluster = "origin_failure_cluster"
	SignalRapidRepeatAttempts  = "rapid_repeat_attempts"
	SignalErrorCodeSpike       = "error_code_spike"
)

// AttemptStore is the attempt history the services read and append to.
type AttemptStore interface {
	Append(ctx context.Context, a *models.PaymentAttempt) error
	ListByPayment(ctx context.Context, paymentID uint) ([]models.PaymentAttempt, error)
	CountSince(ctx context.Context, paymentID uint, op models.AttemptOperation, since time.Time) (int64, error)
	CountFailuresByOrigin(ctx context.Context, origin string, since time.Time) (int64, error)
	ErrorCodeSpread(ctx context.Context, since time.Time) ([]repository.ErrorCodeCount, error)
	LatestFailedCharges(ctx context.Context, codes []string, since time.Time, limit int) ([]models.PaymentAttempt, error)
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentAttempt, error)
	DeleteByIDs(ctx context.Context, ids []uint) (int64, error)
}

// AuditPolicy holds the retry budget and the fraud thresholds.
type AuditPolicy struct {
	MaxAttempts int
	Lookback    time.Duration

	Window                 time.Duration
	OriginFailureThreshold int64
	RapidWindow            time.Duration
	RapidAttemptThreshold  int64
	CodeSpikeThreshold     int64
}

// FraudSignal is an advisory for manual review. Nothing is blocked on it.
type FraudSignal struct {
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
	Count     int64  `json:"count"`
	Threshold int64  `json:"threshold"`
}

// AttemptAuditor answers retry and fraud questions from the attempt trail.
type AttemptAuditor struct {
	attempts AttemptStore
	policy   AuditPolicy
	now      func() time.Time
}

func NewAttemptAuditor(attempts AttemptStore, policy AuditPolicy) *AttemptAuditor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.Lookback <= 0 {
		policy.Lookback = 24 * time.Hour
	}
	return &AttemptAuditor{attempts: attempts, policy: policy, now: time.Now}
}

// IsRetryEligible is true when the newest charge attempt failed with a
// transient code and fewer than MaxAttempts charges were made within the
// lookback window.
func (a *AttemptAuditor) IsRetryEligible(ctx context.Context, paymentID uint) (bool, error) {
	list, err := a.attempts.ListByPayment(ctx, paymentID)
	if err != nil {
		return false, err
	}
	var latest *models.PaymentAttempt
	for i := range list {
		if list[i].Operation == models.OperationCharge {
			latest = &list[i]
		}
	}
	if latest == nil || latest.Successful || !gateways.IsTransient(latest.ErrorCode) {
		return false, nil
	}

	n, err := a.attempts.CountSince(ctx, paymentID, models.OperationCharge, a.now().Add(-a.policy.Lookback))
	if err != nil {
		return false, err
	}
	return n < int64(a.policy.MaxAttempts), nil
}

// FraudSignals evaluates the heuristics for one payment. When origin is
// empty the origin of the payment's newest attempt is used.
func (a *AttemptAuditor) FraudSignals(ctx context.Context, paymentID uint, origin string) ([]FraudSignal, error) {
	now := a.now()
	signals := []FraudSignal{}

	if origin == "" {
		list, err := a.attempts.ListByPayment(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		for i := len(list) - 1; i >= 0 && origin == ""; i-- {
			origin = list[i].Origin
		}
	}

	if origin != "" && a.policy.OriginFailureThreshold > 0 {
		n, err := a.attempts.CountFailuresByOrigin(ctx, origin, now.Add(-a.policy.Window))
		if err != nil {
			return nil, err
		}
		if n >= a.policy.OriginFailureThreshold {
			signals = append(signals, FraudSignal{
				Kind:      SignalOriginFailureCluster,
				Detail:    fmt.Sprintf("%d failed attempts from %s within %s", n, origin, a.policy.Window),
				Count:     n,
				Threshold: a.policy.OriginFailureThreshold,
			})
		}
	}

	if a.policy.RapidAttemptThreshold > 0 {
		n, err := a.attempts.CountSince(ctx, paymentID, models.OperationCharge, now.Add(-a.policy.RapidWindow))
		if err != nil {
			return nil, err
		}
		if n >= a.policy.RapidAttemptThreshold {
			signals = append(signals, FraudSignal{
				Kind:      SignalRapidRepeatAttempts,
				Detail:    fmt.Sprintf("%d charge attempts within %s", n, a.policy.RapidWindow),
				Count:     n,
				Threshold: a.policy.RapidAttemptThreshold,
			})
		}
	}

	if a.policy.CodeSpikeThreshold > 0 {
		spread, err := a.attempts.ErrorCodeSpread(ctx, now.Add(-a.policy.Window))
		if err != nil {
			return nil, err
		}
		for _, row := range spread {
			if row.Payments < a.policy.CodeSpikeThreshold {
				continue
			}
			signals = append(signals, FraudSignal{
				Kind:      SignalErrorCodeSpike,
				Detail:    fmt.Sprintf("%s hit %d payments within %s", row.ErrorCode, row.Payments, a.policy.Window),
				Count:     row.Payments,
				Threshold: a.policy.CodeSpikeThreshold,
			})
		}
	}
	return signals, nil
}
