package model

import "time"

// SessionStatus is the lifecycle state of a trigger session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// TriggerType records how a session was started.
type TriggerType string

const (
	TriggerManual TriggerType = "manual"
	TriggerWord   TriggerType = "word"
	TriggerSOS    TriggerType = "sos"
)

// Session is one bounded emergency episode for a device.
type Session struct {
	ID           string        `gorm:"primaryKey;size:36" json:"session_id"`
	DeviceID     string        `gorm:"index:idx_sessions_device_status;not null;size:64" json:"device_id"`
	Status       SessionStatus `gorm:"index:idx_sessions_device_status;not null;size:16" json:"status"`
	UserID       string        `gorm:"index;size:64" json:"-"` // owner at trigger time
	StartTime    time.Time     `gorm:"index:,sort:desc;not null" json:"start_time"`
	EndTime      *time.Time    `json:"end_time,omitempty"` // set exactly once, on completion
	TriggerType  TriggerType   `gorm:"size:16;not null" json:"trigger_type"`
	TriggerWord  string        `gorm:"size:128" json:"trigger_word,omitempty"`
	ManualStop   bool          `gorm:"not null" json:"manual_stop"`
	BatteryLevel *int          `json:"battery_level,omitempty"`

	// Location reported with the trigger itself, if any.
	StartLatitude  *float64 `json:"start_latitude,omitempty"`
	StartLongitude *float64 `json:"start_longitude,omitempty"`

	// Kept in step with the coordinate rows inside the append transaction.
	CoordinatesCount int `gorm:"not null" json:"coordinates_count"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// DurationSeconds returns the elapsed session time in whole seconds, or 0
// while the session is still active.
func (s *Session) DurationSeconds() int {
	if s.EndTime == nil {
		return 0
	}
	return int(s.EndTime.Sub(s.StartTime).Seconds())
}

// Coordinate is one point in a session's location trail.
type Coordinate struct {
	ID        int64     `gorm:"autoIncrement;primaryKey" json:"-"`
	SessionID string    `gorm:"uniqueIndex:idx_coordinates_session_seq;not null;size:36" json:"session_id"`
	Seq       int       `gorm:"uniqueIndex:idx_coordinates_session_seq;not null" json:"seq"` // 1-based append order
	Latitude  float64   `gorm:"not null" json:"latitude"`
	Longitude float64   `gorm:"not null" json:"longitude"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
}
