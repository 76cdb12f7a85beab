package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhifu/donation-pay/gateways"
	"github.com/zhifu/donation-pay/models"
)

func TestIsRetryEligible(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, AuditPolicy{})
	auditor := NewAttemptAuditor(h.attempts, AuditPolicy{MaxAttempts: 2, Lookback: time.Hour})
	p := h.charge(t, "10.00", "USD", models.MethodBankTransfer).Payment

	add := func(code string, ok bool, at time.Time) {
		status := models.StatusFailed
		if ok {
			status = models.StatusCompleted
		}
		require.NoError(t, h.attempts.Append(ctx, &models.PaymentAttempt{
			PaymentID: p.ID, Operation: models.OperationCharge, Status: status,
			Successful: ok, ErrorCode: code, AttemptedAt: at,
		}))
	}

	ok, err := auditor.IsRetryEligible(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok, "no attempts yet")

	add(gateways.CodeTemporaryDecline, false, time.Now().Add(-2*time.Hour))
	add(gateways.CodeTemporaryDecline, false, time.Now())
	ok, err = auditor.IsRetryEligible(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok, "only one charge inside the lookback")

	add(gateways.CodeGatewayTimeout, false, time.Now())
	ok, err = auditor.IsRetryEligible(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok, "budget spent")

	other := h.charge(t, "10.00", "USD", models.MethodBankTransfer).Payment
	require.NoError(t, h.attempts.Append(ctx, &models.PaymentAttempt{
		PaymentID: other.ID, Operation: models.OperationCharge, Status: models.StatusFailed,
		ErrorCode: gateways.CodeExpiredCard,
	}))
	ok, err = auditor.IsRetryEligible(ctx, other.ID)
	require.NoError(t, err)
	assert.False(t, ok, "permanent code")
}

func TestErrorCodeSpikeSignal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, AuditPolicy{})
	auditor := NewAttemptAuditor(h.attempts, AuditPolicy{Window: time.Hour, CodeSpikeThreshold: 3})

	var last uint
	for i := 0; i < 3; i++ {
		p := h.charge(t, "10.00", "USD", models.MethodBankTransfer).Payment
		require.NoError(t, h.attempts.Append(ctx, &models.PaymentAttempt{
			PaymentID: p.ID, Operation: models.OperationCharge, Status: models.StatusFailed,
			ErrorCode: gateways.CodeCardDeclined,
		}))
		last = p.ID
	}

	signals, err := auditor.FraudSignals(ctx, last, "")
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, SignalErrorCodeSpike, signals[0].Kind)
	assert.EqualValues(t, 3, signals[0].Count)
	assert.Contains(t, signals[0].Detail, gateways.CodeCardDeclined)
}
