package model

import "time"

// Delivery channels and outcomes for alert dispatch records.
const (
	ChannelSMS  = "sms"
	ChannelPush = "push"

	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

// AlertDelivery is the per-recipient audit record written by the alert
// worker. Dispatch is fire-and-forget from the trigger path, so these rows
// are how a user later confirms who was actually reached.
type AlertDelivery struct {
	ID          int64  `gorm:"autoIncrement;primaryKey"`
	SessionID   string `gorm:"index;size:36;not null"`
	DeviceID    string `gorm:"size:64;not null"`
	ContactName string `gorm:"size:128"`
	Phone       string `gorm:"size:32"`
	Channel     string `gorm:"size:8;not null"`
	Status      string `gorm:"size:8;not null"`
	Error       string
	CreatedAt   time.Time `gorm:"not null"`
}
