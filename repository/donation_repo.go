package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/zhifu/donation-pay/models"
)

// DonationRepository reads the donation and campaign records owned by the
// rest of the platform. The payment engine only mirrors status and
// accumulates matched amounts.
type DonationRepository struct {
	db *gorm.DB
}

func NewDonationRepository(db *gorm.DB) *DonationRepository {
	return &DonationRepository{db: db}
}

func (r *DonationRepository) GetDonation(ctx context.Context, id uint) (*models.Donation, error) {
	var d models.Donation
	if err := r.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, fmt.Errorf("get donation %d: %w", id, notFound(err))
	}
	return &d, nil
}

func (r *DonationRepository) CreateDonation(ctx context.Context, d *models.Donation) error {
	if err := r.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("create donation: %w", err)
	}
	return nil
}

// SetDonationStatus mirrors the latest payment status onto the donation.
func (r *DonationRepository) SetDonationStatus(ctx context.Context, id uint, status models.PaymentStatus) error {
	res := r.db.WithContext(ctx).Model(&models.Donation{}).Where("id = ?", id).Update("status", string(status))
	if res.Error != nil {
		return fmt.Errorf("update donation %d status: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update donation %d status: %w", id, ErrNotFound)
	}
	return nil
}

func (r *DonationRepository) GetCampaign(ctx context.Context, id uint) (*models.Campaign, error) {
	var c models.Campaign
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, fmt.Errorf("get campaign %d: %w", id, notFound(err))
	}
	return &c, nil
}

func (r *DonationRepository) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

// AddMatched adds amount to a campaign's matched_to_date.
func (r *DonationRepository) AddMatched(ctx context.Context, campaignID uint, amount decimal.Decimal) error {
	res := r.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ?", campaignID).
		Update("matched_to_date", gorm.Expr("matched_to_date + ?", amount))
	if res.Error != nil {
		return fmt.Errorf("add matched amount to campaign %d: %w", campaignID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("add matched amount to campaign %d: %w", campaignID, ErrNotFound)
	}
	return nil
}

// BookMatch marks the donation as matched and adds amount to its campaign in
// one transaction. It reports false, changing nothing, when the donation was
// matched before.
func (r *DonationRepository) BookMatch(ctx context.Context, donationID, campaignID uint, amount decimal.Decimal) (bool, error) {
	booked := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Donation{}).
			Where("id = ? AND matched_at IS NULL", donationID).
			Updates(map[string]interface{}{
				"matched_amount": amount,
				"matched_at":     time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("mark donation %d matched: %w", donationID, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := (&DonationRepository{db: tx}).AddMatched(ctx, campaignID, amount); err != nil {
			return err
		}
		booked = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return booked, nil
}
