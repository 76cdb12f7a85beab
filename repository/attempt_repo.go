package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zhifu/donation-pay/models"
)

// AttemptRepository is append-only apart from the retention delete.
type AttemptRepository struct {
	db *gorm.DB
}

func NewAttemptRepository(db *gorm.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// Append assigns the next attempt number for the payment and inserts a.
// The unique (payment_id, attempt_number) index turns a lost race into
// ErrDuplicate instead of a gap or a repeat.
func (r *AttemptRepository) Append(ctx context.Context, a *models.PaymentAttempt) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int
		if err := tx.Model(&models.PaymentAttempt{}).
			Where("payment_id = ?", a.PaymentID).
			Select("COALESCE(MAX(attempt_number), 0)").
			Scan(&last).Error; err != nil {
			return err
		}
		a.AttemptNumber = last + 1
		if a.AttemptedAt.IsZero() {
			a.AttemptedAt = time.Now()
		}
		return tx.Create(a).Error
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("append attempt for payment %d: %w", a.PaymentID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("append attempt for payment %d: %w", a.PaymentID, err)
	}
	return nil
}

func (r *AttemptRepository) ListByPayment(ctx context.Context, paymentID uint) ([]models.PaymentAttempt, error) {
	var out []models.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("attempt_number").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list attempts for payment %d: %w", paymentID, err)
	}
	return out, nil
}

// CountSince counts attempts of one operation against a payment at or
// after since.
func (r *AttemptRepository) CountSince(ctx context.Context, paymentID uint, op models.AttemptOperation, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.PaymentAttempt{}).
		Where("payment_id = ? AND operation = ? AND attempted_at >= ?", paymentID, op, since).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count attempts for payment %d: %w", paymentID, err)
	}
	return n, nil
}

// CountFailuresByOrigin counts failed attempts from one origin since a time.
func (r *AttemptRepository) CountFailuresByOrigin(ctx context.Context, origin string, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.PaymentAttempt{}).
		Where("origin = ? AND successful = ? AND status = ? AND attempted_at >= ?", origin, false, models.StatusFailed, since).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count failures for origin %s: %w", origin, err)
	}
	return n, nil
}

// ErrorCodeCount is one row of an error-code histogram.
type ErrorCodeCount struct {
	ErrorCode string
	Payments  int64
}

// ErrorCodeSpread returns, per error code seen since a time, how many
// distinct payments hit it. Status queries are not counted.
func (r *AttemptRepository) ErrorCodeSpread(ctx context.Context, since time.Time) ([]ErrorCodeCount, error) {
	var out []ErrorCodeCount
	err := r.db.WithContext(ctx).Model(&models.PaymentAttempt{}).
		Select("error_code, COUNT(DISTINCT payment_id) AS payments").
		Where("error_code <> '' AND attempted_at >= ? AND operation <> ?", since, models.OperationQuery).
		Group("error_code").
		Order("payments DESC, error_code").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("error code spread: %w", err)
	}
	return out, nil
}

// LatestFailedCharges returns the newest charge attempt of every payment whose
// newest charge attempt failed with one of codes since a time.
func (r *AttemptRepository) LatestFailedCharges(ctx context.Context, codes []string, since time.Time, limit int) ([]models.PaymentAttempt, error) {
	latest := r.db.Model(&models.PaymentAttempt{}).
		Select("payment_id, MAX(attempt_number) AS attempt_number").
		Where("operation = ?", models.OperationCharge).
		Group("payment_id")

	var out []models.PaymentAttempt
	err := r.db.WithContext(ctx).
		Table("payment_attempts AS a").
		Select("a.*").
		Joins("JOIN (?) AS l ON l.payment_id = a.payment_id AND l.attempt_number = a.attempt_number", latest).
		Where("a.error_code IN ? AND a.attempted_at >= ?", codes, since).
		Order("a.attempted_at").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("latest failed charges: %w", err)
	}
	return out, nil
}

// ListOlderThan returns up to limit attempts recorded before cutoff.
func (r *AttemptRepository) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentAttempt, error) {
	var out []models.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("attempted_at < ?", cutoff).
		Order("id").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list attempts before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return out, nil
}

// DeleteByIDs is the retention cleanup; nothing else deletes attempts.
func (r *AttemptRepository) DeleteByIDs(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.PaymentAttempt{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete attempts: %w", res.Error)
	}
	return res.RowsAffected, nil
}
