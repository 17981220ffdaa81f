package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mitr-safety-backend/internal/model"
	"mitr-safety-backend/internal/mw"
	"mitr-safety-backend/internal/registry"
)

// deviceResponse hides the credential hash from API consumers.
type deviceResponse struct {
	ID                     string                   `json:"device_id"`
	OwnerID                string                   `json:"owner_id,omitempty"`
	Name                   string                   `json:"name"`
	EmergencyContacts      []model.EmergencyContact `json:"emergency_contacts"`
	TriggerWords           []string                 `json:"trigger_words"`
	LocationUpdateInterval int                      `json:"location_update_interval"`
	CurrentSessionID       *string                  `json:"current_session_id,omitempty"`
}

func toDeviceResponse(d *model.Device) deviceResponse {
	contacts := d.EmergencyContacts
	if contacts == nil {
		contacts = []model.EmergencyContact{}
	}
	words := d.TriggerWords
	if words == nil {
		words = []string{}
	}
	return deviceResponse{
		ID:                     d.ID,
		OwnerID:                d.OwnerID,
		Name:                   d.Name,
		EmergencyContacts:      contacts,
		TriggerWords:           words,
		LocationUpdateInterval: d.LocationUpdateInterval,
		CurrentSessionID:       d.CurrentSessionID,
	}
}

type linkDeviceRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
	Secret   string `json:"secret" binding:"required"`
	Name     string `json:"name"`
}

// LinkDevice registers a new device and claims it for the calling user.
func (h *Handler) LinkDevice(c *gin.Context) {
	var req linkDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	device, err := h.registry.Register(c.Request.Context(), req.DeviceID, req.Name, req.Secret)
	if err != nil {
		respondError(c, err)
		return
	}
	device, err = h.registry.Claim(c.Request.Context(), req.DeviceID, req.Secret, c.GetString(mw.ContextUserID))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"device": toDeviceResponse(device)})
}

type claimDeviceRequest struct {
	Secret string `json:"secret" binding:"required"`
}

// ClaimDevice pairs an already-registered device with the calling user.
func (h *Handler) ClaimDevice(c *gin.Context) {
	var req claimDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	device, err := h.registry.Claim(c.Request.Context(), c.Param("deviceId"), req.Secret, c.GetString(mw.ContextUserID))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"device": toDeviceResponse(device)})
}

// GetDevice returns the caller's device.
func (h *Handler) GetDevice(c *gin.Context) {
	device, err := h.registry.Get(c.Request.Context(), c.Param("deviceId"), c.GetString(mw.ContextUserID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": toDeviceResponse(device)})
}

type putContactsRequest struct {
	Contacts []registry.ContactInput `json:"contacts" binding:"required"`
}

// PutEmergencyContacts replaces the device's contact list.
func (h *Handler) PutEmergencyContacts(c *gin.Context) {
	var req putContactsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	device, err := h.registry.SetEmergencyContacts(c.Request.Context(), c.Param("deviceId"), c.GetString(mw.ContextUserID), req.Contacts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": toDeviceResponse(device)})
}

type putTriggerWordsRequest struct {
	Words []string `json:"words" binding:"required"`
}

// PutTriggerWords replaces the device-level trigger word list.
func (h *Handler) PutTriggerWords(c *gin.Context) {
	var req putTriggerWordsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	device, err := h.registry.SetTriggerWords(c.Request.Context(), c.Param("deviceId"), c.GetString(mw.ContextUserID), req.Words)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": toDeviceResponse(device)})
}
