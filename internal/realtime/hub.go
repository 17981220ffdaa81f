package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"mitr-safety-backend/internal/model"
)

// Event is one realtime message pushed to a device's subscribers.
type Event struct {
	Type      string            `json:"type"`
	DeviceID  string            `json:"device_id"`
	SessionID string            `json:"session_id,omitempty"`
	Session   *sessionSummary   `json:"session,omitempty"`
	Point     *model.Coordinate `json:"point,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type sessionSummary struct {
	Status           model.SessionStatus `json:"status"`
	TriggerType      model.TriggerType   `json:"trigger_type"`
	TriggerWord      string              `json:"trigger_word,omitempty"`
	StartTime        time.Time           `json:"start_time"`
	EndTime          *time.Time          `json:"end_time,omitempty"`
	CoordinatesCount int                 `json:"coordinates_count"`
}

type client struct {
	ch   chan []byte
	done chan struct{}
}

// Hub broadcasts session and location events to subscribers grouped by
// device. Delivery is best-effort: a subscriber that cannot keep up has
// messages dropped rather than backpressuring the publisher.
type Hub struct {
	mu      sync.RWMutex
	nextID  int
	devices map[string]map[int]*client
	ping    time.Duration
}

// NewHub creates a hub with the given keepalive ping interval.
func NewHub(ping time.Duration) *Hub {
	if ping <= 0 {
		ping = 30 * time.Second
	}
	return &Hub{devices: make(map[string]map[int]*client), ping: ping}
}

func (h *Hub) subscribe(deviceID string) (int, *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	c := &client{ch: make(chan []byte, 64), done: make(chan struct{})}
	if h.devices[deviceID] == nil {
		h.devices[deviceID] = make(map[int]*client)
	}
	h.devices[deviceID][h.nextID] = c
	return h.nextID, c
}

func (h *Hub) unsubscribe(deviceID string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.devices[deviceID]; ok {
		if c, ok := clients[id]; ok {
			close(c.done)
			delete(clients, id)
		}
		if len(clients) == 0 {
			delete(h.devices, deviceID)
		}
	}
}

// SubscriberCount reports how many clients are watching a device.
func (h *Hub) SubscriberCount(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices[deviceID])
}

// PublishSession pushes a session lifecycle event to the device's watchers.
func (h *Hub) PublishSession(deviceID, event string, session *model.Session) {
	h.broadcast(deviceID, Event{
		Type:      event,
		DeviceID:  deviceID,
		SessionID: session.ID,
		Session: &sessionSummary{
			Status:           session.Status,
			TriggerType:      session.TriggerType,
			TriggerWord:      session.TriggerWord,
			StartTime:        session.StartTime,
			EndTime:          session.EndTime,
			CoordinatesCount: session.CoordinatesCount,
		},
		Timestamp: time.Now().UTC(),
	})
}

// PublishLocation pushes a newly ingested coordinate to the device's watchers.
func (h *Hub) PublishLocation(deviceID string, coord model.Coordinate) {
	h.broadcast(deviceID, Event{
		Type:      "location",
		DeviceID:  deviceID,
		SessionID: coord.SessionID,
		Point:     &coord,
		Timestamp: time.Now().UTC(),
	})
}

func (h *Hub) broadcast(deviceID string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	msg := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload))

	h.mu.RLock()
	for _, c := range h.devices[deviceID] {
		select {
		case c.ch <- msg:
		default: // slow subscriber, drop
		}
	}
	h.mu.RUnlock()
}

// Serve streams events for one device over SSE until the client goes away.
func (h *Hub) Serve(c *gin.Context, deviceID string) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}

	id, cl := h.subscribe(deviceID)
	defer h.unsubscribe(deviceID, id)

	fmt.Fprintf(c.Writer, "retry: 5000\n\n")
	flusher.Flush()

	ping := time.NewTicker(h.ping)
	defer ping.Stop()

	for {
		select {
		case <-cl.done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			fmt.Fprintf(c.Writer, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		case msg := <-cl.ch:
			c.Writer.Write(msg)
			flusher.Flush()
		}
	}
}
