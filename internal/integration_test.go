package internal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"mitr-safety-backend/config"
	"mitr-safety-backend/internal/api"
	"mitr-safety-backend/internal/db"
	"mitr-safety-backend/internal/notification"
	"mitr-safety-backend/internal/realtime"
	"mitr-safety-backend/internal/registry"
	"mitr-safety-backend/internal/store"
	"mitr-safety-backend/internal/trigger"
)

const integrationJWTSecret = "integration-secret"

// capturingSender records outbound SMS instead of calling the provider.
type capturingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *capturingSender) Send(_ context.Context, to, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to)
	return "SM-test", nil
}

func (s *capturingSender) recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type env struct {
	server *httptest.Server
	hub    *realtime.Hub
	store  store.Store
	sms    *capturingSender
}

func newEnv(t *testing.T) *env {
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", strings.ReplaceAll(t.Name(), "/", "_"))
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.Migrate(gormDB))

	s := store.NewGormStore(gormDB)
	reg := registry.NewService(s, 30)
	hub := realtime.NewHub(time.Minute)
	sms := &capturingSender{}

	pool := notification.NewWorkerPool(2, 16, s, sms, &webpush.Options{}, "https://mitr.example/track")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool.Start(ctx)

	machine := trigger.NewMachine(s, pool, hub)

	cfg := &config.Config{}
	cfg.Server.RateLimitPerSec = 1000
	cfg.Server.RateLimitBurst = 1000
	cfg.Server.CacheTTLSeconds = 1
	cfg.Auth.JWTSecret = integrationJWTSecret
	cfg.Session.HistoryPageSize = 20

	router := api.NewRouter(cfg, s, reg, machine, hub, &webpush.Options{VAPIDPublicKey: "pub"})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &env{server: server, hub: hub, store: s, sms: sms}
}

func (e *env) token(t *testing.T, userID string) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(integrationJWTSecret))
	require.NoError(t, err)
	return token
}

func (e *env) userPost(t *testing.T, token, path string, body any) (*http.Response, map[string]any) {
	return e.do(t, http.MethodPost, path, map[string]string{"Authorization": "Bearer " + token}, body)
}

func (e *env) userGet(t *testing.T, token, path string) (*http.Response, map[string]any) {
	return e.do(t, http.MethodGet, path, map[string]string{"Authorization": "Bearer " + token}, nil)
}

func (e *env) userPut(t *testing.T, token, path string, body any) (*http.Response, map[string]any) {
	return e.do(t, http.MethodPut, path, map[string]string{"Authorization": "Bearer " + token}, body)
}

func (e *env) devicePost(t *testing.T, deviceID, key, path string, body any) (*http.Response, map[string]any) {
	return e.do(t, http.MethodPost, path, map[string]string{"X-Device-ID": deviceID, "X-Device-Key": key}, body)
}

func (e *env) do(t *testing.T, method, path string, headers map[string]string, body any) (*http.Response, map[string]any) {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

// TestEmergencyFlow runs the whole episode end to end over HTTP: pair a
// device, trigger it, stream the live trail, stop, and audit the alerts.
func TestEmergencyFlow(t *testing.T) {
	e := newEnv(t)
	token := e.token(t, "user-1")

	// Pair the device and configure two contacts.
	resp, _ := e.userPost(t, token, "/api/devices", gin.H{
		"device_id": "dev-1", "secret": "topsecret", "name": "Pendant",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = e.userPut(t, token, "/api/devices/dev-1/emergency-contacts", gin.H{
		"contacts": []gin.H{
			{"name": "Asha", "phone": "9876543210"},
			{"name": "Ravi", "phone": "+911111111111"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Open the live stream before triggering.
	streamReq, err := http.NewRequest(http.MethodGet, e.server.URL+"/api/stream/dev-1", nil)
	require.NoError(t, err)
	streamReq.Header.Set("Authorization", "Bearer "+token)
	streamResp, err := e.server.Client().Do(streamReq)
	require.NoError(t, err)
	defer streamResp.Body.Close()
	require.Equal(t, http.StatusOK, streamResp.StatusCode)

	events := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(streamResp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				events <- name
			}
		}
	}()
	require.Eventually(t, func() bool {
		return e.hub.SubscriberCount("dev-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The device triggers.
	resp, body := e.devicePost(t, "dev-1", "topsecret", "/api/sessions/start", gin.H{
		"trigger_type": "sos", "battery_level": 64,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sessionID := body["session"].(map[string]any)["session_id"].(string)

	// Alerts fan out to both contacts in the background.
	require.Eventually(t, func() bool {
		return len(e.sms.recipients()) == 2
	}, 3*time.Second, 20*time.Millisecond)
	assert.ElementsMatch(t, []string{"+919876543210", "+911111111111"}, e.sms.recipients())

	// The device reports a short trail.
	for i := 0; i < 3; i++ {
		resp, _ = e.devicePost(t, "dev-1", "topsecret", "/api/sessions/coordinates", gin.H{
			"latitude": 12.97 + float64(i)*0.001, "longitude": 77.59,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	// The owner sees it live.
	resp, body = e.userGet(t, token, "/api/sessions/status/dev-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["triggered"])

	// The device stops.
	resp, body = e.devicePost(t, "dev-1", "topsecret", "/api/sessions/stop", gin.H{"manual_stop": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["session"].(map[string]any)["status"])

	// The stream saw the whole episode in order.
	collected := make([]string, 0, 8)
	deadline := time.After(3 * time.Second)
	for len(collected) < 5 {
		select {
		case name := <-events:
			collected = append(collected, name)
		case <-deadline:
			t.Fatalf("timed out waiting for stream events, got %v", collected)
		}
	}
	assert.Equal(t, []string{"session.started", "location", "location", "location", "session.completed"}, collected)

	// The audit trail records both deliveries.
	resp, body = e.userGet(t, token, "/api/sessions/"+sessionID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["coordinates"].([]any), 3)
	deliveries := body["alert_deliveries"].([]any)
	require.Len(t, deliveries, 2)
	for _, d := range deliveries {
		assert.Equal(t, "sent", d.(map[string]any)["status"])
	}

	// And the history shows one completed session.
	resp, body = e.userGet(t, token, "/api/sessions/history")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, "completed", sessions[0].(map[string]any)["status"])
}
