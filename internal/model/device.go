package model

import "time"

// MaxEmergencyContacts is the per-device contact limit.
const MaxEmergencyContacts = 3

// Device represents a wearable safety device.
type Device struct {
	ID                     string     `gorm:"primaryKey;size:64"` // externally assigned device id
	OwnerID                string     `gorm:"index;size:64"`      // empty until claimed
	Name                   string     `gorm:"size:128"`
	SecretHash             string     `gorm:"not null" json:"-"`
	TriggerWords           []string   `gorm:"serializer:json"`
	LocationUpdateInterval int        `gorm:"not null"` // seconds between expected location reports
	CurrentSessionID       *string    `gorm:"size:36"`  // non-nil iff the session is active
	LastActive             *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time

	// Associations
	EmergencyContacts []EmergencyContact `gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE"`
}

// EmergencyContact is one entry in a device's ordered contact list.
type EmergencyContact struct {
	ID           int64     `gorm:"autoIncrement;primaryKey" json:"-"`
	DeviceID     string    `gorm:"index;not null;size:64" json:"-"`
	Position     int       `gorm:"not null" json:"position"` // list order, fan-out and match order
	Name         string    `gorm:"size:128;not null" json:"name"`
	Phone        string    `gorm:"size:32;not null" json:"phone"`
	Relationship string    `gorm:"size:64" json:"relationship,omitempty"`
	TriggerWords []string  `gorm:"serializer:json" json:"trigger_words"` // per-contact override
	CreatedAt    time.Time `json:"-"`
}
