package api

import (
	"github.com/gin-gonic/gin"

	"mitr-safety-backend/internal/mw"
)

// StreamDevice handles GET /api/stream/:deviceId: a live SSE feed of
// session and location events for one device. Gated by the same ownership
// check as GetDevice.
func (h *Handler) StreamDevice(c *gin.Context) {
	deviceID := c.Param("deviceId")
	if _, err := h.registry.Get(c.Request.Context(), deviceID, c.GetString(mw.ContextUserID)); err != nil {
		respondError(c, err)
		return
	}

	h.hub.Serve(c, deviceID)
}
