package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/zhifu/donation-pay/models"
)

type WebhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Record stores a processed delivery. A second delivery of the same
// (gateway, event_id) returns ErrDuplicate.
func (r *WebhookEventRepository) Record(ctx context.Context, e *models.WebhookEvent) error {
	err := r.db.WithContext(ctx).Create(e).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("webhook %s/%s: %w", e.Gateway, e.EventID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("record webhook %s/%s: %w", e.Gateway, e.EventID, err)
	}
	return nil
}

func (r *WebhookEventRepository) Exists(ctx context.Context, gateway, eventID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("gateway = ? AND event_id = ?", gateway, eventID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("lookup webhook %s/%s: %w", gateway, eventID, err)
	}
	return n > 0, nil
}
