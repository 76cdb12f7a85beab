package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zhifu/donation-pay/models"
)

// GatewayConfigRepository serves the router's configuration snapshot.
type GatewayConfigRepository struct {
	db *gorm.DB
}

func NewGatewayConfigRepository(db *gorm.DB) *GatewayConfigRepository {
	return &GatewayConfigRepository{db: db}
}

// ListGatewayConfigs returns every record ordered by priority then name.
func (r *GatewayConfigRepository) ListGatewayConfigs(ctx context.Context) ([]models.GatewayConfig, error) {
	var out []models.GatewayConfig
	if err := r.db.WithContext(ctx).Order("priority, name").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list gateway configs: %w", err)
	}
	return out, nil
}

func (r *GatewayConfigRepository) GetByName(ctx context.Context, name string) (*models.GatewayConfig, error) {
	var g models.GatewayConfig
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&g).Error; err != nil {
		return nil, fmt.Errorf("get gateway config %s: %w", name, notFound(err))
	}
	return &g, nil
}

// Upsert creates or replaces the record with the same name. Used by the
// migrate command to seed configured providers.
func (r *GatewayConfigRepository) Upsert(ctx context.Context, g *models.GatewayConfig) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"test_mode", "is_active", "is_configured", "priority",
			"currencies", "min_amount", "max_amount", "description", "updated_at",
		}),
	}).Create(g).Error
	if err != nil {
		return fmt.Errorf("upsert gateway config %s: %w", g.Name, err)
	}
	return nil
}
