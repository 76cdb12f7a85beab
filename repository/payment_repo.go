package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zhifu/donation-pay/models"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, p *models.Payment) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

// Save writes every column of p if nobody saved it since it was loaded.
// On success p.Version is incremented; on conflict it is left unchanged and
// ErrVersionConflict is returned.
func (r *PaymentRepository) Save(ctx context.Context, p *models.Payment) error {
	expected := p.Version
	p.Version = expected + 1

	res := r.db.WithContext(ctx).
		Model(p).
		Where("version = ?", expected).
		Select("*").
		Omit("id", "created_at").
		Updates(p)
	if res.Error != nil {
		p.Version = expected
		return fmt.Errorf("save payment %d: %w", p.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		p.Version = expected
		return fmt.Errorf("save payment %d at version %d: %w", p.ID, expected, ErrVersionConflict)
	}
	return nil
}

func (r *PaymentRepository) Get(ctx context.Context, id uint) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, fmt.Errorf("get payment %d: %w", id, notFound(err))
	}
	return &p, nil
}

func (r *PaymentRepository) FindByTransactionID(ctx context.Context, gateway, transactionID string) (*models.Payment, error) {
	var p models.Payment
	err := r.db.WithContext(ctx).
		Where("gateway_name = ? AND transaction_id = ?", gateway, transactionID).
		First(&p).Error
	if err != nil {
		return nil, fmt.Errorf("find payment by transaction %s: %w", transactionID, notFound(err))
	}
	return &p, nil
}

func (r *PaymentRepository) FindByIntentID(ctx context.Context, intentID string) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.WithContext(ctx).Where("intent_id = ?", intentID).First(&p).Error; err != nil {
		return nil, fmt.Errorf("find payment by intent %s: %w", intentID, notFound(err))
	}
	return &p, nil
}

func (r *PaymentRepository) ListByDonation(ctx context.Context, donationID uint) ([]models.Payment, error) {
	var out []models.Payment
	err := r.db.WithContext(ctx).
		Where("donation_id = ?", donationID).
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list payments for donation %d: %w", donationID, err)
	}
	return out, nil
}

// ListByStatus returns up to limit payments in one of statuses that were
// last touched before the given time, oldest first.
func (r *PaymentRepository) ListByStatus(ctx context.Context, statuses []models.PaymentStatus, updatedBefore time.Time, limit int) ([]models.Payment, error) {
	var out []models.Payment
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, updatedBefore).
		Order("updated_at").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list payments by status: %w", err)
	}
	return out, nil
}
