package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhifu/donation-pay/gateways"
	"github.com/zhifu/donation-pay/models"
	"github.com/zhifu/donation-pay/money"
)

type memArchiver struct {
	batches [][]models.PaymentAttempt
	err     error
}

func (m *memArchiver) Archive(ctx context.Context, batch []models.PaymentAttempt) error {
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, batch)
	return nil
}

func TestRetrySweepRetriesTransientFailuresOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, AuditPolicy{MaxAttempts: 3})

	h.gw.charge = func(req gateways.ChargeRequest) *gateways.PaymentResult {
		return gateways.Failure(gateways.CodeNetworkError, "reset", req.Amount, nil)
	}
	flaky := h.charge(t, "30.00", "USD", models.MethodCard).Payment
	h.gw.charge = func(req gateways.ChargeRequest) *gateways.PaymentResult {
		return gateways.Failure(gateways.CodeInsufficientFunds, "insufficient funds", req.Amount, nil)
	}
	declined := h.charge(t, "30.00", "USD", models.MethodCard).Payment
	require.Equal(t, models.StatusFailed, declined.Status)

	h.gw.charge = completeCharge
	w := NewSweeper(h.svc, nil, SweepPolicy{})

	n, err := w.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := h.svc.Get(ctx, flaky.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, p.Status)

	n, err = w.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcileSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, AuditPolicy{})

	h.gw.charge = func(req gateways.ChargeRequest) *gateways.PaymentResult {
		return gateways.Pending(models.StatusRequiresAction, "sn_"+req.Metadata["payment_id"], req.Amount, nil)
	}
	paid := h.charge(t, "12.00", "CNY", models.MethodWechatPay).Payment
	abandoned := h.charge(t, "12.00", "CNY", models.MethodWechatPay).Payment
	manual := h.charge(t, "12.00", "USD", models.MethodBankTransfer).Payment

	require.NoError(t, h.db.Model(&models.Payment{}).Where("id = ?", abandoned.ID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error)

	h.gw.query = func(intentID, transactionID string, amount money.Money) *gateways.PaymentResult {
		if transactionID == paid.TransactionID {
			return gateways.Success(models.StatusCompleted, transactionID, amount, map[string]interface{}{"order_status": "PAID"})
		}
		return gateways.Pending(models.StatusRequiresAction, transactionID, amount, nil)
	}

	w := NewSweeper(h.svc, nil, SweepPolicy{ReconcileAfter: 15 * time.Minute})
	w.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := w.ReconcileSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := h.svc.Get(ctx, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "PAID", got.GatewayString("order_status"))

	attempts, err := h.svc.Attempts(ctx, paid.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, models.OperationQuery, attempts[1].Operation)
	assert.True(t, attempts[1].Successful)
	assert.Equal(t, models.StatusCompleted, attempts[1].Status)

	got, err = h.svc.Get(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	got, err = h.svc.Get(ctx, manual.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestCleanupArchivesThenDeletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, AuditPolicy{})
	p := h.charge(t, "10.00", "USD", models.MethodCard).Payment

	old := time.Now().AddDate(-2, 0, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.attempts.Append(ctx, &models.PaymentAttempt{
			PaymentID:   p.ID,
			Operation:   models.OperationCharge,
			GatewayName: fakeName,
			Status:      models.StatusFailed,
			ErrorCode:   gateways.CodeNetworkError,
			AttemptedAt: old,
		}))
	}

	failing := &memArchiver{err: errors.New("bucket unavailable")}
	_, err := NewSweeper(h.svc, failing, SweepPolicy{BatchSize: 2}).CleanupAttempts(ctx)
	assert.Error(t, err)
	all, err := h.attempts.ListByPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	archive := &memArchiver{}
	n, err := NewSweeper(h.svc, archive, SweepPolicy{BatchSize: 2}).CleanupAttempts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	require.Len(t, archive.batches, 2)
	assert.Len(t, archive.batches[0], 2)
	assert.Len(t, archive.batches[1], 1)

	all, err = h.attempts.ListByPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 1, all[0].AttemptNumber)
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	h := newHarness(t, AuditPolicy{})
	w := NewSweeper(h.svc, nil, SweepPolicy{Interval: 5 * time.Millisecond, CleanupInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
