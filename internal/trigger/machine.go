package trigger

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"mitr-safety-backend/internal/apperr"
	"mitr-safety-backend/internal/model"
	"mitr-safety-backend/internal/registry"
	"mitr-safety-backend/internal/store"
)

// Alerter receives fire-and-forget alert jobs on session start. Dispatch
// reports whether the job was accepted; a full queue is logged and dropped,
// never blocking the state transition.
type Alerter interface {
	Dispatch(deviceID, sessionID string) bool
}

// Publisher pushes best-effort realtime events to device subscribers.
type Publisher interface {
	PublishSession(deviceID, event string, session *model.Session)
	PublishLocation(deviceID string, coord model.Coordinate)
}

// StartInput carries the optional fields a device may report with a trigger.
type StartInput struct {
	TriggerType  model.TriggerType
	TriggerWord  string
	BatteryLevel *int
	Latitude     *float64
	Longitude    *float64
}

// Machine is the authoritative trigger state machine. All device state
// transitions and coordinate appends go through it; per-device updates are
// serialized by an in-process lock table on top of the store's conditional
// writes, so the persisted status stays authoritative across restarts.
type Machine struct {
	store     store.Store
	alerts    Alerter
	publisher Publisher
	locks     *deviceLocks
}

// NewMachine wires the state machine to its store and side-effect sinks.
func NewMachine(s store.Store, alerts Alerter, publisher Publisher) *Machine {
	return &Machine{
		store:     s,
		alerts:    alerts,
		publisher: publisher,
		locks:     newDeviceLocks(),
	}
}

// StartTrigger begins a new session for an idle device. A device with an
// active session reports Conflict (the duplicate-trigger guard).
func (m *Machine) StartTrigger(ctx context.Context, deviceID string, in StartInput) (*model.Session, error) {
	lock := m.locks.get(deviceID)
	lock.Lock()
	defer lock.Unlock()

	device, err := m.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if device.CurrentSessionID != nil {
		current, err := m.store.GetSession(ctx, *device.CurrentSessionID)
		if err == nil && current.Status == model.SessionActive {
			return nil, apperr.New(apperr.Conflict, "device already has an active session")
		}
		if err != nil && !apperr.IsKind(err, apperr.NotFound) {
			return nil, err
		}
		// The pointer refers to a finished or missing session; repair it
		// so activation can proceed.
		if err := m.store.ClearSessionPointer(ctx, deviceID, *device.CurrentSessionID); err != nil {
			return nil, err
		}
	}

	triggerType := in.TriggerType
	if triggerType == "" {
		triggerType = model.TriggerManual
	}
	session := &model.Session{
		ID:             uuid.NewString(),
		DeviceID:       deviceID,
		UserID:         device.OwnerID,
		Status:         model.SessionActive,
		StartTime:      time.Now().UTC(),
		TriggerType:    triggerType,
		TriggerWord:    in.TriggerWord,
		BatteryLevel:   in.BatteryLevel,
		StartLatitude:  in.Latitude,
		StartLongitude: in.Longitude,
	}
	if err := m.store.ActivateSession(ctx, session); err != nil {
		return nil, err
	}

	if !m.alerts.Dispatch(deviceID, session.ID) {
		log.Printf("alert queue full, dropping alert job for device %s session %s", deviceID, session.ID)
	}
	m.publisher.PublishSession(deviceID, "session.started", session)

	return session, nil
}

// StartFromMessage scans a device-reported message for trigger phrases and
// starts a word-triggered session on the first match. Returns the matched
// word; a message without a match starts nothing and returns ok=false.
func (m *Machine) StartFromMessage(ctx context.Context, deviceID, message string, in StartInput) (*model.Session, string, error) {
	device, err := m.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, "", err
	}
	word, ok := registry.MatchTriggerWord(device, message)
	if !ok {
		return nil, "", nil
	}
	in.TriggerType = model.TriggerWord
	in.TriggerWord = word
	session, err := m.StartTrigger(ctx, deviceID, in)
	if err != nil {
		return nil, "", err
	}
	return session, word, nil
}

// StopTrigger finalizes the device's active session. Stopping a device with
// no active session is a reportable NotFound, not a no-op.
func (m *Machine) StopTrigger(ctx context.Context, deviceID string, manualStop bool) (*model.Session, error) {
	lock := m.locks.get(deviceID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.store.CompleteActiveSession(ctx, deviceID, time.Now().UTC(), manualStop)
	if err != nil {
		return nil, err
	}

	m.publisher.PublishSession(deviceID, "session.completed", session)
	return session, nil
}

// Resolve is the operator variant of stop: the session's owning user ends
// the episode from their side.
func (m *Machine) Resolve(ctx context.Context, sessionID, callerID string) (*model.Session, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != callerID {
		return nil, apperr.New(apperr.Forbidden, "session does not belong to the caller")
	}

	lock := m.locks.get(session.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	resolved, err := m.store.CompleteSessionByID(ctx, sessionID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	m.publisher.PublishSession(resolved.DeviceID, "session.completed", resolved)
	return resolved, nil
}

// Status reports whether a device is currently triggered, after an
// ownership check.
type DeviceStatus struct {
	DeviceID   string            `json:"device_id"`
	Triggered  bool              `json:"triggered"`
	Session    *model.Session    `json:"session,omitempty"`
	LastKnown  *model.Coordinate `json:"last_known_location,omitempty"`
	LastActive *time.Time        `json:"last_active,omitempty"`
}

func (m *Machine) Status(ctx context.Context, deviceID, callerID string) (*DeviceStatus, error) {
	device, err := m.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.OwnerID != callerID {
		return nil, apperr.New(apperr.Forbidden, "device is not owned by the caller")
	}

	status := &DeviceStatus{DeviceID: deviceID, LastActive: device.LastActive}
	session, err := m.store.GetActiveSession(ctx, deviceID)
	if err != nil {
		if apperr.IsKind(err, apperr.NotFound) {
			return status, nil
		}
		return nil, err
	}
	status.Triggered = true
	status.Session = session

	point, err := m.store.LatestCoordinate(ctx, session.ID)
	if err != nil && !apperr.IsKind(err, apperr.NotFound) {
		return nil, err
	}
	status.LastKnown = point
	return status, nil
}
