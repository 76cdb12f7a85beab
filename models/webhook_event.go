package models

import "time"

// WebhookEvent remembers processed provider deliveries so replays are no-ops.
type WebhookEvent struct {
	ID         uint          `gorm:"primaryKey" json:"id"`
	Gateway    string        `gorm:"size:50;uniqueIndex:idx_webhook_gateway_event" json:"gateway"`
	EventID    string        `gorm:"size:128;uniqueIndex:idx_webhook_gateway_event" json:"event_id"`
	PaymentID  uint          `gorm:"index" json:"payment_id"`
	Status     PaymentStatus `gorm:"size:30" json:"status"`
	ReceivedAt time.Time     `json:"received_at"`
}
