package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Donation is the owner of a Payment. Campaign and user management live
// elsewhere; only the fields the payment engine reads are mapped.
type Donation struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	UserID        uint            `gorm:"index" json:"user_id"`
	CampaignID    uint            `gorm:"index" json:"campaign_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(18,3)" json:"amount"`
	Currency      string          `gorm:"size:3" json:"currency"`
	PaymentMethod PaymentMethod   `gorm:"size:30;index" json:"payment_method"`
	CoverFees     bool            `json:"cover_fees"`
	Status        string          `gorm:"size:20;index" json:"status"` // mirrors the latest payment status
	// Set once, when the campaign's corporate match is booked.
	MatchedAmount decimal.Decimal `gorm:"type:decimal(18,3);not null;default:0" json:"matched_amount"`
	MatchedAt     *time.Time      `json:"matched_at,omitempty"`
	CreatedAt     time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Campaign carries the corporate matching policy for its donations.
type Campaign struct {
	ID               uint                `gorm:"primaryKey" json:"id"`
	Name             string              `gorm:"size:100" json:"name"`
	Currency         string              `gorm:"size:3" json:"currency"`
	MatchRatio       decimal.Decimal     `gorm:"type:decimal(8,4);default:0" json:"match_ratio"`
	AnnualMatchLimit decimal.NullDecimal `gorm:"type:decimal(18,3)" json:"annual_match_limit"`
	MatchedToDate    decimal.Decimal     `gorm:"type:decimal(18,3);default:0" json:"matched_to_date"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}
