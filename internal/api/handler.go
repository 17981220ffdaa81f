package api

import (
	"log"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"

	"mitr-safety-backend/internal/apperr"
	"mitr-safety-backend/internal/realtime"
	"mitr-safety-backend/internal/registry"
	"mitr-safety-backend/internal/store"
	"mitr-safety-backend/internal/trigger"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store           store.Store
	registry        *registry.Service
	machine         *trigger.Machine
	hub             *realtime.Hub
	webpush         *webpush.Options
	historyPageSize int
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, reg *registry.Service, machine *trigger.Machine, hub *realtime.Hub, webpushOptions *webpush.Options, historyPageSize int) *Handler {
	if historyPageSize <= 0 {
		historyPageSize = 20
	}
	return &Handler{
		store:           s,
		registry:        reg,
		machine:         machine,
		hub:             hub,
		webpush:         webpushOptions,
		historyPageSize: historyPageSize,
	}
}

// respondError maps a service error onto the wire. Internal errors are
// logged and masked.
func respondError(c *gin.Context, err error) {
	status := apperr.Status(err)
	if status >= 500 {
		log.Printf("internal error handling %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
