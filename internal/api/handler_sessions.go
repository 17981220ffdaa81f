package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mitr-safety-backend/internal/apperr"
	"mitr-safety-backend/internal/model"
	"mitr-safety-backend/internal/mw"
	"mitr-safety-backend/internal/trigger"
)

// sessionResponse is the session summary shape: everything except the
// coordinate trail, which is only returned by the details endpoint.
type sessionResponse struct {
	SessionID        string              `json:"session_id"`
	DeviceID         string              `json:"device_id"`
	Status           model.SessionStatus `json:"status"`
	TriggerType      model.TriggerType   `json:"trigger_type"`
	TriggerWord      string              `json:"trigger_word,omitempty"`
	StartTime        time.Time           `json:"start_time"`
	EndTime          *time.Time          `json:"end_time,omitempty"`
	ManualStop       bool                `json:"manual_stop"`
	CoordinatesCount int                 `json:"coordinates_count"`
	DurationSeconds  int                 `json:"duration_seconds,omitempty"`
}

func toSessionResponse(s *model.Session) sessionResponse {
	return sessionResponse{
		SessionID:        s.ID,
		DeviceID:         s.DeviceID,
		Status:           s.Status,
		TriggerType:      s.TriggerType,
		TriggerWord:      s.TriggerWord,
		StartTime:        s.StartTime,
		EndTime:          s.EndTime,
		ManualStop:       s.ManualStop,
		CoordinatesCount: s.CoordinatesCount,
		DurationSeconds:  s.DurationSeconds(),
	}
}

type startTriggerRequest struct {
	TriggerType  string   `json:"trigger_type"`
	TriggerWord  string   `json:"trigger_word"`
	BatteryLevel *int     `json:"battery_level"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
}

func (r *startTriggerRequest) toInput() (trigger.StartInput, error) {
	in := trigger.StartInput{
		TriggerWord:  r.TriggerWord,
		BatteryLevel: r.BatteryLevel,
		Latitude:     r.Latitude,
		Longitude:    r.Longitude,
	}
	switch r.TriggerType {
	case "":
		in.TriggerType = model.TriggerManual
	case string(model.TriggerManual), string(model.TriggerWord), string(model.TriggerSOS):
		in.TriggerType = model.TriggerType(r.TriggerType)
	default:
		return in, apperr.Newf(apperr.Validation, "unknown trigger type %q", r.TriggerType)
	}
	return in, nil
}

// StartTrigger handles POST /api/sessions/start from the device.
func (h *Handler) StartTrigger(c *gin.Context) {
	var req startTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	in, err := req.toInput()
	if err != nil {
		respondError(c, err)
		return
	}

	session, err := h.machine.StartTrigger(c.Request.Context(), c.GetString(mw.ContextDeviceID), in)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Trigger session started",
		"session": toSessionResponse(session),
	})
}

type startFromMessageRequest struct {
	Message      string   `json:"message" binding:"required"`
	BatteryLevel *int     `json:"battery_level"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
}

// StartFromMessage handles POST /api/sessions/message: a transcript snippet
// from the device that may contain a trigger phrase.
func (h *Handler) StartFromMessage(c *gin.Context) {
	var req startFromMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	in := trigger.StartInput{
		BatteryLevel: req.BatteryLevel,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
	}
	session, word, err := h.machine.StartFromMessage(c.Request.Context(), c.GetString(mw.ContextDeviceID), req.Message, in)
	if err != nil {
		respondError(c, err)
		return
	}
	if session == nil {
		c.JSON(http.StatusOK, gin.H{"matched": false})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"matched":      true,
		"trigger_word": word,
		"session":      toSessionResponse(session),
	})
}

// AddCoordinates handles POST /api/sessions/coordinates from the device.
func (h *Handler) AddCoordinates(c *gin.Context) {
	var req trigger.CoordinateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	result, err := h.machine.AddCoordinate(c.Request.Context(), c.GetString(mw.ContextDeviceID), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":           "Coordinates added to session",
		"session_id":        result.SessionID,
		"coordinates_count": result.Count,
		"point":             result.Point,
	})
}

type stopTriggerRequest struct {
	ManualStop bool `json:"manual_stop"`
}

// StopTrigger handles POST /api/sessions/stop from the device.
func (h *Handler) StopTrigger(c *gin.Context) {
	var req stopTriggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}

	session, err := h.machine.StopTrigger(c.Request.Context(), c.GetString(mw.ContextDeviceID), req.ManualStop)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Trigger session stopped",
		"session": toSessionResponse(session),
	})
}

// ResolveSession handles POST /api/sessions/:sessionId/resolve by the owner.
func (h *Handler) ResolveSession(c *gin.Context) {
	session, err := h.machine.Resolve(c.Request.Context(), c.Param("sessionId"), c.GetString(mw.ContextUserID))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Session resolved",
		"session": toSessionResponse(session),
	})
}

// GetDeviceStatus handles GET /api/sessions/status/:deviceId.
func (h *Handler) GetDeviceStatus(c *gin.Context) {
	status, err := h.machine.Status(c.Request.Context(), c.Param("deviceId"), c.GetString(mw.ContextUserID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetActiveSessions handles GET /api/sessions/active for the calling user.
func (h *Handler) GetActiveSessions(c *gin.Context) {
	sessions, err := h.store.ListActiveSessionsByUser(c.Request.Context(), c.GetString(mw.ContextUserID))
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for i := range sessions {
		out = append(out, toSessionResponse(&sessions[i]))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// GetSessionHistory handles GET /api/sessions/history, newest first.
func (h *Handler) GetSessionHistory(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(h.historyPageSize)))
	if limit < 1 || limit > 100 {
		limit = h.historyPageSize
	}

	sessions, total, err := h.store.ListSessionsByUser(c.Request.Context(), c.GetString(mw.ContextUserID), page, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for i := range sessions {
		out = append(out, toSessionResponse(&sessions[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": out,
		"total":    total,
		"page":     page,
		"limit":    limit,
	})
}

// GetSessionDetails handles GET /api/sessions/:sessionId with the full
// coordinate trail and the alert delivery audit.
func (h *Handler) GetSessionDetails(c *gin.Context) {
	session, err := h.store.GetSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if session.UserID != c.GetString(mw.ContextUserID) {
		respondError(c, apperr.New(apperr.NotFound, "session not found"))
		return
	}

	coords, err := h.store.GetCoordinates(c.Request.Context(), session.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	deliveries, err := h.store.AlertDeliveriesForSession(c.Request.Context(), session.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session":          toSessionResponse(session),
		"coordinates":      coords,
		"alert_deliveries": deliveries,
	})
}
