package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/zhifu/donation-pay/gateways"
	"github.com/zhifu/donation-pay/logging"
	"github.com/zhifu/donation-pay/models"
	"github.com/zhifu/donation-pay/monitoring"
)

// SweepPolicy configures the background sweeps.
type SweepPolicy struct {
	Interval        time.Duration
	CleanupInterval time.Duration
	BatchSize       int
	CleanupBatch    int // defaults to BatchSize
	Lookback        time.Duration
	ReconcileAfter  time.Duration
	Horizon         time.Duration
}

// Sweeper retries transient charge failures, settles payments whose
// callback never came and deletes attempts past the retention horizon.
type Sweeper struct {
	svc      *PaymentService
	archiver Archiver
	policy   SweepPolicy
	now      func() time.Time
}

// NewSweeper builds a sweeper. archiver may be nil, in which case old
// attempts are deleted without a copy.
func NewSweeper(svc *PaymentService, archiver Archiver, policy SweepPolicy) *Sweeper {
	if policy.BatchSize <= 0 {
		policy.BatchSize = 100
	}
	if policy.CleanupBatch <= 0 {
		policy.CleanupBatch = policy.BatchSize
	}
	if policy.Interval <= 0 {
		policy.Interval = time.Minute
	}
	if policy.CleanupInterval <= 0 {
		policy.CleanupInterval = 24 * time.Hour
	}
	if policy.Lookback <= 0 {
		policy.Lookback = 24 * time.Hour
	}
	if policy.ReconcileAfter <= 0 {
		policy.ReconcileAfter = 15 * time.Minute
	}
	if policy.Horizon <= 0 {
		policy.Horizon = 365 * 24 * time.Hour
	}
	return &Sweeper{svc: svc, archiver: archiver, policy: policy, now: time.Now}
}

// RetrySweep re-charges payments whose newest charge failed transiently
// and which still have retry budget. It returns how many were retried.
func (w *Sweeper) RetrySweep(ctx context.Context) (int, error) {
	failed, err := w.svc.attempts.LatestFailedCharges(ctx, gateways.TransientCodes(),
		w.now().Add(-w.policy.Lookback), w.policy.BatchSize)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, a := range failed {
		if ctx.Err() != nil {
			return retried, ctx.Err()
		}
		_, err := w.svc.Retry(ctx, a.PaymentID)
		var stateErr *models.InvalidStateError
		switch {
		case err == nil:
			retried++
		case errors.Is(err, ErrNotRetryable), errors.As(err, &stateErr):
		default:
			logging.FromContext(ctx).Warn("retry sweep: charge retry failed",
				zap.Uint("payment_id", a.PaymentID),
				zap.Error(err))
		}
	}
	monitoring.RecordSweep(ctx, "retry", retried)
	return retried, nil
}

// ReconcileSweep queries the provider for payments left unsettled longer
// than ReconcileAfter and cancels expired ones. It returns how many changed.
func (w *Sweeper) ReconcileSweep(ctx context.Context) (int, error) {
	stale, err := w.svc.payments.ListByStatus(ctx,
		[]models.PaymentStatus{models.StatusPending, models.StatusRequiresAction, models.StatusProcessing},
		w.now().Add(-w.policy.ReconcileAfter), w.policy.BatchSize)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, p := range stale {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}
		if p.PaymentMethod.IsManual() {
			continue
		}
		after, err := w.svc.Reconcile(ctx, p.ID)
		if err != nil {
			logging.FromContext(ctx).Warn("reconcile sweep: payment not reconciled",
				zap.Uint("payment_id", p.ID),
				zap.Error(err))
			continue
		}
		if after.Status != p.Status {
			changed++
		}
	}
	monitoring.RecordSweep(ctx, "reconcile", changed)
	return changed, nil
}

// CleanupAttempts archives and then deletes attempts older than the
// retention horizon, one batch at a time. A batch that fails to archive is
// kept.
func (w *Sweeper) CleanupAttempts(ctx context.Context) (int64, error) {
	cutoff := w.now().Add(-w.policy.Horizon)
	var total int64
	for {
		batch, err := w.svc.attempts.ListOlderThan(ctx, cutoff, w.policy.CleanupBatch)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			break
		}
		if w.archiver != nil {
			if err := w.archiver.Archive(ctx, batch); err != nil {
				return total, err
			}
		}
		ids := make([]uint, len(batch))
		for i := range batch {
			ids[i] = batch[i].ID
		}
		n, err := w.svc.attempts.DeleteByIDs(ctx, ids)
		if err != nil {
			return total, err
		}
		total += n
		if len(batch) < w.policy.CleanupBatch {
			break
		}
	}
	if total > 0 {
		logging.FromContext(ctx).Info("attempt retention cleanup",
			zap.Int64("deleted", total),
			zap.Time("cutoff", cutoff))
	}
	monitoring.RecordSweep(ctx, "cleanup", int(total))
	return total, nil
}

// Run sweeps on the configured intervals until ctx is done.
func (w *Sweeper) Run(ctx context.Context) {
	sweep := time.NewTicker(w.policy.Interval)
	defer sweep.Stop()
	cleanup := time.NewTicker(w.policy.CleanupInterval)
	defer cleanup.Stop()

	logging.Info("sweeper started",
		zap.Duration("interval", w.policy.Interval),
		zap.Duration("cleanup_interval", w.policy.CleanupInterval))
	for {
		select {
		case <-ctx.Done():
			logging.Info("sweeper stopped")
			return
		case <-sweep.C:
			if _, err := w.RetrySweep(ctx); err != nil && ctx.Err() == nil {
				logging.Error("retry sweep failed", zap.Error(err))
			}
			if _, err := w.ReconcileSweep(ctx); err != nil && ctx.Err() == nil {
				logging.Error("reconcile sweep failed", zap.Error(err))
			}
		case <-cleanup.C:
			if _, err := w.CleanupAttempts(ctx); err != nil && ctx.Err() == nil {
				logging.Error("attempt cleanup failed", zap.Error(err))
			}
		}
	}
}
