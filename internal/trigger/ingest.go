package trigger

import (
	"context"
	"time"

	"mitr-safety-backend/internal/apperr"
	"mitr-safety-backend/internal/model"
)

// CoordinateInput is one reported location point.
type CoordinateInput struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
}

// IngestResult is returned to the device: the just-added point and the new
// trail length, never the full history.
type IngestResult struct {
	SessionID string           `json:"session_id"`
	Count     int              `json:"coordinates_count"`
	Point     model.Coordinate `json:"point"`
}

// AddCoordinate appends a point to the device's active session and forwards
// it to the realtime subscribers. Appends for one device run under the same
// lock as start/stop, so the trail keeps call order and never crosses a
// completion.
func (m *Machine) AddCoordinate(ctx context.Context, deviceID string, in CoordinateInput) (*IngestResult, error) {
	if in.Latitude < -90 || in.Latitude > 90 {
		return nil, apperr.New(apperr.Validation, "latitude must be between -90 and 90")
	}
	if in.Longitude < -180 || in.Longitude > 180 {
		return nil, apperr.New(apperr.Validation, "longitude must be between -180 and 180")
	}

	lock := m.locks.get(deviceID)
	lock.Lock()
	defer lock.Unlock()

	coord := model.Coordinate{
		Latitude:  in.Latitude,
		Longitude: in.Longitude,
		Timestamp: time.Now().UTC(),
		Accuracy:  in.Accuracy,
		Speed:     in.Speed,
	}
	session, err := m.store.AppendCoordinate(ctx, deviceID, coord)
	if err != nil {
		return nil, err
	}

	coord.SessionID = session.ID
	coord.Seq = session.CoordinatesCount
	m.publisher.PublishLocation(deviceID, coord)

	return &IngestResult{
		SessionID: session.ID,
		Count:     session.CoordinatesCount,
		Point:     coord,
	}, nil
}
