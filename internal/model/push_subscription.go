package model

import "time"

// PushSubscription holds a watcher's browser push subscription. A watcher
// subscribes per device and receives a push when that device triggers.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	UserID    string    `gorm:"index;size:64"`
	CreatedAt time.Time `gorm:"not null"`

	// Associations
	Devices []Device `gorm:"many2many:subscription_device_mapping;"`
}
