package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"mitr-safety-backend/internal/apperr"
	"mitr-safety-backend/internal/db"
	"mitr-safety-backend/internal/model"
	"mitr-safety-backend/internal/store"
)

type fakeAlerter struct {
	mu     sync.Mutex
	jobs   []string
	reject bool
}

func (f *fakeAlerter) Dispatch(deviceID, sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false
	}
	f.jobs = append(f.jobs, deviceID+"/"+sessionID)
	return true
}

func (f *fakeAlerter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []string
	coords []model.Coordinate
}

func (f *fakePublisher) PublishSession(deviceID, event string, _ *model.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakePublisher) PublishLocation(_ string, coord model.Coordinate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coords = append(f.coords, coord)
}

func (f *fakePublisher) sessionEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func newTestMachine(t *testing.T) (*Machine, store.Store, *fakeAlerter, *fakePublisher) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.Migrate(gormDB))

	s := store.NewGormStore(gormDB)
	alerts := &fakeAlerter{}
	pub := &fakePublisher{}
	return NewMachine(s, alerts, pub), s, alerts, pub
}

func seedDevice(t *testing.T, s store.Store, deviceID, ownerID string) {
	device := &model.Device{
		ID:           deviceID,
		OwnerID:      ownerID,
		Name:         "Test Device",
		SecretHash:   "irrelevant",
		TriggerWords: []string{"mayday"},
		EmergencyContacts: []model.EmergencyContact{
			{Position: 0, Name: "Asha", Phone: "+911234567890", TriggerWords: []string{"help", "sos"}},
		},
	}
	require.NoError(t, s.CreateDevice(context.Background(), device))
}

func TestStartTrigger(t *testing.T) {
	m, _, alerts, pub := newTestMachine(t)
	ctx := context.Background()
	seedDevice(t, m.store, "dev-1", "user-1")

	battery := 74
	lat, lng := 12.97, 77.59
	session, err := m.StartTrigger(ctx, "dev-1", StartInput{
		BatteryLevel: &battery,
		Latitude:     &lat,
		Longitude:    &lng,
	})
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, session.Status)
	assert.Equal(t, model.TriggerManual, session.TriggerType, "trigger type defaults to manual")
	assert.Equal(t, "user-1", session.UserID)
	require.NotNil(t, session.StartLatitude)
	assert.Equal(t, lat, *session.StartLatitude)

	assert.Equal(t, 1, alerts.count())
	assert.Equal(t, []string{"session.started"}, pub.sessionEvents())

	t.Run("duplicate trigger is a conflict", func(t *testing.T) {
		_, err := m.StartTrigger(ctx, "dev-1", StartInput{})
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.Conflict))
		assert.Equal(t, 1, alerts.count(), "no alert for the rejected trigger")
	})
}

func TestStartTrigger_ConcurrentDoubleStart(t *testing.T) {
	m, s, _, _ := newTestMachine(t)
	ctx := context.Background()
	seedDevice(t, s, "dev-1", "user-1")

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := m.StartTrigger(ctx, "dev-1", StartInput{TriggerType: model.TriggerSOS})
			results <- err
		}()
	}

	var ok, conflict int
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case err == nil:
			ok++
		case apperr.IsKind(err, apperr.Conflict):
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflict)
}

func TestStartTrigger_RepairsStalePointer(t *testing.T) {
	m, s, _, _ := newTestMachine(t)
	ctx := context.Background()
	seedDevice(t, s, "dev-1", "user-1")

	// Leave the device pointing at a session that no longer exists.
	stale := "gone"
	require.NoError(t, s.DB().Model(&model.Device{}).
		Where("id = ?", "dev-1").
		Update("current_session_id", &stale).Error)

	session, err := m.StartTrigger(ctx, "dev-1", StartInput{})
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, session.Status)
}

func TestStartFromMessage(t *testing.T) {
	m, s, alerts, _ := newTestMachine(t)
	ctx := context.Background()
	seedDevice(t, s, "dev-1", "user-1")

	t.Run("no match starts nothing", func(t *testing.T) {
		session, word, err := m.StartFromMessage(ctx, "dev-1", "on my way home", StartInput{})
		require.NoError(t, err)
		assert.Nil(t, session)
		assert.Empty(t, word)
		assert.Equal(t, 0, alerts.count())
	})

	t.Run("match starts a word session", func(t *testing.T) {
		session, word, err := m.StartFromMessage(ctx, "dev-1", "HELP me please", StartInput{})
		require.NoError(t, err)
		require.NotNil(t, session)
		assert.Equal(t, "help", word)
		assert.Equal(t, model.TriggerWord, session.TriggerType)
		assert.Equal(t, "help", session.TriggerWord)
	})
}

func TestStopTrigger(t *testing.T) {
	m, _, _, pub := newTestMachine(t)
	ctx := context.Background()
	seedDevice(t, m.store, "dev-1", "user-1")

	started, err := m.StartTrigger(ctx, "dev-1", StartInput{})
	require.NoError(t, err)

	stopped, err := m.StopTrigger(ctx, "dev-1", true)
	require.NoError(t, err)
	assert.Equal(t, started.ID, stopped.ID)
	assert.Equal(t, model.SessionCompleted, stopped.Status)
	assert.True(t, stopped.ManualStop)
	require.NotNil(t, stopped.EndTime)
	assert.GreaterOrEqual(t, stopped.DurationSeconds(), 0)
	assert.Equal(t, []string{"session.started", "session.completed"}, pub.sessionEvents())

	t.Run("double stop", func(t *testing.T) {
		_, err := m.StopTrigger(ctx, "dev-1", true)
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.NotFound))
	})

	t.Run("restart after stop", func(t *testing.T) {
		again, err := m.StartTrigger(ctx, "dev-1", StartInput{})
		require.NoError(t, err)
		assert.NotEqual(t, started.ID, again.ID)
	})
}

func TestResolve(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()
	seedDevice(t, m.store, "dev-1", "user-1")

	session, err := m.StartTrigger(ctx, "dev-1", StartInput{})
	require.NoError(t, err)

	t.Run("foreign caller is forbidden", func(t *testing.T) {
		_, err := m.Resolve(ctx, session.ID, "user-2")
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.Forbidden))
	})

	resolved, err := m.Resolve(ctx, session.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, resolved.Status)
	assert.False(t, resolved.ManualStop)

	t.Run("resolving twice is a conflict", func(t *testing.T) {
		_, err := m.Resolve(ctx, session.ID, "user-1")
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.Conflict))
	})
}

func TestStatus(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()
	seedDevice(t, m.store, "dev-1", "user-1")

	t.Run("ownership enforced", func(t *testing.T) {
		_, err := m.Status(ctx, "dev-1", "user-2")
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.Forbidden))
	})

	status, err := m.Status(ctx, "dev-1", "user-1")
	require.NoError(t, err)
	assert.False(t, status.Triggered)
	assert.Nil(t, status.Session)

	session, err := m.StartTrigger(ctx, "dev-1", StartInput{})
	require.NoError(t, err)

	status, err = m.Status(ctx, "dev-1", "user-1")
	require.NoError(t, err)
	assert.True(t, status.Triggered)
	require.NotNil(t, status.Session)
	assert.Equal(t, session.ID, status.Session.ID)
	assert.Nil(t, status.LastKnown, "no trail yet")

	_, err = m.AddCoordinate(ctx, "dev-1", CoordinateInput{Latitude: 12.9, Longitude: 77.6})
	require.NoError(t, err)
	_, err = m.AddCoordinate(ctx, "dev-1", CoordinateInput{Latitude: 13.0, Longitude: 77.7})
	require.NoError(t, err)

	status, err = m.Status(ctx, "dev-1", "user-1")
	require.NoError(t, err)
	require.NotNil(t, status.LastKnown)
	assert.Equal(t, 2, status.LastKnown.Seq, "status carries the newest point")
	assert.InDelta(t, 13.0, status.LastKnown.Latitude, 1e-9)
}
