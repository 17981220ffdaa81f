package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mitr-safety-backend/internal/apperr"
	"mitr-safety-backend/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	DB() *gorm.DB

	// Devices
	CreateDevice(ctx context.Context, device *model.Device) error
	GetDevice(ctx context.Context, deviceID string) (*model.Device, error)
	SetOwner(ctx context.Context, deviceID, ownerID string) error
	ReplaceEmergencyContacts(ctx context.Context, deviceID string, contacts []model.EmergencyContact) error
	SetTriggerWords(ctx context.Context, deviceID string, words []string) error

	// Sessions
	ActivateSession(ctx context.Context, session *model.Session) error
	ClearSessionPointer(ctx context.Context, deviceID, sessionID string) error
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	GetActiveSession(ctx context.Context, deviceID string) (*model.Session, error)
	AppendCoordinate(ctx context.Context, deviceID string, coord model.Coordinate) (*model.Session, error)
	CompleteActiveSession(ctx context.Context, deviceID string, endTime time.Time, manualStop bool) (*model.Session, error)
	CompleteSessionByID(ctx context.Context, sessionID string, endTime time.Time) (*model.Session, error)
	GetCoordinates(ctx context.Context, sessionID string) ([]model.Coordinate, error)
	LatestCoordinate(ctx context.Context, sessionID string) (*model.Coordinate, error)
	ListSessionsByUser(ctx context.Context, userID string, page, limit int) ([]model.Session, int64, error)
	ListActiveSessionsByUser(ctx context.Context, userID string) ([]model.Session, error)

	// Watcher push subscriptions and alert audit
	SubscriptionsForDevice(ctx context.Context, deviceID string) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
	RecordAlertDeliveries(ctx context.Context, deliveries []model.AlertDelivery) error
	AlertDeliveriesForSession(ctx context.Context, sessionID string) ([]model.AlertDelivery, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// --- Devices ---

func (s *gormStore) CreateDevice(ctx context.Context, device *model.Device) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Device{}).Where("id = ?", device.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check device %s: %w", device.ID, err)
		}
		if count > 0 {
			return apperr.Newf(apperr.Conflict, "device %s is already registered", device.ID)
		}
		if err := tx.Create(device).Error; err != nil {
			return fmt.Errorf("failed to create device %s: %w", device.ID, err)
		}
		return nil
	})
}

func (s *gormStore) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	var device model.Device
	err := s.db.WithContext(ctx).
		Preload("EmergencyContacts", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		First(&device, "id = ?", deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Newf(apperr.NotFound, "device %s not found", deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device %s: %w", deviceID, err)
	}
	return &device, nil
}

func (s *gormStore) SetOwner(ctx context.Context, deviceID, ownerID string) error {
	res := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("id = ?", deviceID).
		Update("owner_id", ownerID)
	if res.Error != nil {
		return fmt.Errorf("failed to set owner for device %s: %w", deviceID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.NotFound, "device %s not found", deviceID)
	}
	return nil
}

func (s *gormStore) ReplaceEmergencyContacts(ctx context.Context, deviceID string, contacts []model.EmergencyContact) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", deviceID).Delete(&model.EmergencyContact{}).Error; err != nil {
			return fmt.Errorf("failed to clear contacts for device %s: %w", deviceID, err)
		}
		for i := range contacts {
			contacts[i].ID = 0
			contacts[i].DeviceID = deviceID
			contacts[i].Position = i
		}
		if len(contacts) > 0 {
			if err := tx.Create(&contacts).Error; err != nil {
				return fmt.Errorf("failed to save contacts for device %s: %w", deviceID, err)
			}
		}
		return nil
	})
}

func (s *gormStore) SetTriggerWords(ctx context.Context, deviceID string, words []string) error {
	res := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("id = ?", deviceID).
		Update("trigger_words", words)
	if res.Error != nil {
		return fmt.Errorf("failed to set trigger words for device %s: %w", deviceID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.NotFound, "device %s not found", deviceID)
	}
	return nil
}

// --- Sessions ---

// ActivateSession creates the session row and flips the device's current
// session pointer in one transaction. The pointer update is conditional on
// the pointer being clear, so two racing activations cannot both win even
// across processes.
func (s *gormStore) ActivateSession(ctx context.Context, session *model.Session) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(session).Error; err != nil {
			return fmt.Errorf("failed to create session for device %s: %w", session.DeviceID, err)
		}
		res := tx.Model(&model.Device{}).
			Where("id = ? AND current_session_id IS NULL", session.DeviceID).
			Updates(map[string]any{
				"current_session_id": session.ID,
				"last_active":        session.StartTime,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to point device %s at session %s: %w", session.DeviceID, session.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.Conflict, "device already has an active session")
		}
		return nil
	})
}

// ClearSessionPointer detaches a device from a session it no longer owns.
// Used to repair a pointer left behind by a crash between writes.
func (s *gormStore) ClearSessionPointer(ctx context.Context, deviceID, sessionID string) error {
	if err := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("id = ? AND current_session_id = ?", deviceID, sessionID).
		Update("current_session_id", nil).Error; err != nil {
		return fmt.Errorf("failed to clear session pointer on device %s: %w", deviceID, err)
	}
	return nil
}

func (s *gormStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	var session model.Session
	err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Newf(apperr.NotFound, "session %s not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return &session, nil
}

func (s *gormStore) GetActiveSession(ctx context.Context, deviceID string) (*model.Session, error) {
	var session model.Session
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND status = ?", deviceID, model.SessionActive).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.NotFound, "no active session found for device")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active session for device %s: %w", deviceID, err)
	}
	return &session, nil
}

// AppendCoordinate appends one point to the device's active session. The
// coordinate count bump is conditional on the session still being active,
// so a point can never land on a just-completed session.
func (s *gormStore) AppendCoordinate(ctx context.Context, deviceID string, coord model.Coordinate) (*model.Session, error) {
	var session model.Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("device_id = ? AND status = ?", deviceID, model.SessionActive).
			First(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(apperr.Conflict, "no active session found for device")
		}
		if err != nil {
			return fmt.Errorf("failed to find active session for device %s: %w", deviceID, err)
		}

		res := tx.Model(&model.Session{}).
			Where("id = ? AND status = ?", session.ID, model.SessionActive).
			Update("coordinates_count", gorm.Expr("coordinates_count + 1"))
		if res.Error != nil {
			return fmt.Errorf("failed to bump coordinate count for session %s: %w", session.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.Conflict, "no active session found for device")
		}

		coord.SessionID = session.ID
		coord.Seq = session.CoordinatesCount + 1
		if err := tx.Create(&coord).Error; err != nil {
			return fmt.Errorf("failed to append coordinate to session %s: %w", session.ID, err)
		}
		session.CoordinatesCount = coord.Seq

		if err := tx.Model(&model.Device{}).
			Where("id = ?", deviceID).
			Update("last_active", coord.Timestamp).Error; err != nil {
			return fmt.Errorf("failed to touch device %s: %w", deviceID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// CompleteActiveSession moves the device's active session to completed and
// clears the device pointer. Completion is conditional on the status still
// being active; a lost race reports as if no active session existed.
func (s *gormStore) CompleteActiveSession(ctx context.Context, deviceID string, endTime time.Time, manualStop bool) (*model.Session, error) {
	var session model.Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("device_id = ? AND status = ?", deviceID, model.SessionActive).
			First(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(apperr.NotFound, "no active session found for device")
		}
		if err != nil {
			return fmt.Errorf("failed to find active session for device %s: %w", deviceID, err)
		}
		return s.completeTx(tx, &session, endTime, manualStop)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// CompleteSessionByID is the operator-resolution variant: the session is
// addressed directly rather than through the device's active pointer.
func (s *gormStore) CompleteSessionByID(ctx context.Context, sessionID string, endTime time.Time) (*model.Session, error) {
	var session model.Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&session, "id = ?", sessionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.Newf(apperr.NotFound, "session %s not found", sessionID)
		}
		if err != nil {
			return fmt.Errorf("failed to load session %s: %w", sessionID, err)
		}
		if session.Status != model.SessionActive {
			return apperr.New(apperr.Conflict, "session is not active")
		}
		return s.completeTx(tx, &session, endTime, false)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *gormStore) completeTx(tx *gorm.DB, session *model.Session, endTime time.Time, manualStop bool) error {
	res := tx.Model(&model.Session{}).
		Where("id = ? AND status = ?", session.ID, model.SessionActive).
		Updates(map[string]any{
			"status":      model.SessionCompleted,
			"end_time":    endTime,
			"manual_stop": manualStop,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete session %s: %w", session.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.NotFound, "no active session found for device")
	}

	if err := tx.Model(&model.Device{}).
		Where("id = ? AND current_session_id = ?", session.DeviceID, session.ID).
		Update("current_session_id", nil).Error; err != nil {
		return fmt.Errorf("failed to clear session pointer on device %s: %w", session.DeviceID, err)
	}

	session.Status = model.SessionCompleted
	session.EndTime = &endTime
	session.ManualStop = manualStop
	return nil
}

func (s *gormStore) GetCoordinates(ctx context.Context, sessionID string) ([]model.Coordinate, error) {
	var coords []model.Coordinate
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq ASC").
		Find(&coords).Error; err != nil {
		return nil, fmt.Errorf("failed to load coordinates for session %s: %w", sessionID, err)
	}
	return coords, nil
}

func (s *gormStore) LatestCoordinate(ctx context.Context, sessionID string) (*model.Coordinate, error) {
	var coord model.Coordinate
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq DESC").
		First(&coord).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.NotFound, "session has no coordinates yet")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest coordinate for session %s: %w", sessionID, err)
	}
	return &coord, nil
}

func (s *gormStore) ListSessionsByUser(ctx context.Context, userID string, page, limit int) ([]model.Session, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions for user %s: %w", userID, err)
	}

	var sessions []model.Session
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("start_time DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&sessions).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions for user %s: %w", userID, err)
	}
	return sessions, total, nil
}

func (s *gormStore) ListActiveSessionsByUser(ctx context.Context, userID string) ([]model.Session, error) {
	var sessions []model.Session
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, model.SessionActive).
		Order("start_time DESC").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list active sessions for user %s: %w", userID, err)
	}
	return sessions, nil
}

// --- Subscriptions and alert audit ---

func (s *gormStore) SubscriptionsForDevice(ctx context.Context, deviceID string) ([]model.PushSubscription, error) {
	var subscriptions []model.PushSubscription
	err := s.db.WithContext(ctx).
		Joins("JOIN subscription_device_mapping sdm ON sdm.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("sdm.device_id = ?", deviceID).
		Find(&subscriptions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions for device %s: %w", deviceID, err)
	}
	return subscriptions, nil
}

func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	if err := s.db.WithContext(ctx).
		Select(clause.Associations).
		Delete(&model.PushSubscription{Endpoint: endpoint}).Error; err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", endpoint, err)
	}
	return nil
}

func (s *gormStore) RecordAlertDeliveries(ctx context.Context, deliveries []model.AlertDelivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&deliveries).Error; err != nil {
		return fmt.Errorf("failed to record alert deliveries: %w", err)
	}
	return nil
}

func (s *gormStore) AlertDeliveriesForSession(ctx context.Context, sessionID string) ([]model.AlertDelivery, error) {
	var deliveries []model.AlertDelivery
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&deliveries).Error; err != nil {
		return nil, fmt.Errorf("failed to load alert deliveries for session %s: %w", sessionID, err)
	}
	return deliveries, nil
}
