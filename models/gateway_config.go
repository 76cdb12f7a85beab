package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GatewayConfig is the operator-managed configuration of one payment
// provider. The engine only reads it.
type GatewayConfig struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	Name         string          `gorm:"size:50;uniqueIndex" json:"name"`
	TestMode     bool            `json:"test_mode"`
	IsActive     bool            `gorm:"index" json:"is_active"`
	IsConfigured bool            `json:"is_configured"`
	Priority     int             `json:"priority"`
	Currencies   string          `gorm:"size:255" json:"currencies"` // comma separated, e.g. "USD,EUR"
	MinAmount    decimal.Decimal `gorm:"type:decimal(18,3);default:0" json:"min_amount"`
	MaxAmount    decimal.Decimal `gorm:"type:decimal(18,3);default:0" json:"max_amount"` // 0 means no upper bound
	Description  string          `gorm:"size:255" json:"description"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// CurrencyList splits Currencies into upper-case codes.
func (g GatewayConfig) CurrencyList() []string {
	var out []string
	for _, c := range strings.Split(g.Currencies, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, strings.ToUpper(c))
		}
	}
	return out
}

func (g GatewayConfig) SupportsCurrency(currency string) bool {
	for _, c := range g.CurrencyList() {
		if strings.EqualFold(c, currency) {
			return true
		}
	}
	return false
}

// AcceptsAmount checks MinAmount <= amount <= MaxAmount.
func (g GatewayConfig) AcceptsAmount(amount decimal.Decimal) bool {
	if amount.LessThan(g.MinAmount) {
		return false
	}
	if g.MaxAmount.IsPositive() && amount.GreaterThan(g.MaxAmount) {
		return false
	}
	return true
}
