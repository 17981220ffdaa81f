package api

import (
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"mitr-safety-backend/config"
	"mitr-safety-backend/internal/mw"
	"mitr-safety-backend/internal/realtime"
	"mitr-safety-backend/internal/registry"
	"mitr-safety-backend/internal/store"
	"mitr-safety-backend/internal/trigger"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(cfg *config.Config, s store.Store, reg *registry.Service, machine *trigger.Machine, hub *realtime.Hub, webpushOptions *webpush.Options) *gin.Engine {
	r := gin.Default()

	handler := NewHandler(s, reg, machine, hub, webpushOptions, cfg.Session.HistoryPageSize)

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.Server.RateLimitPerSec), cfg.Server.RateLimitBurst)

	cacheTTL := time.Duration(cfg.Server.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(cacheTTL, 2*cacheTTL)
	caching := mw.Cache(cacheStore, cacheTTL)

	userAuth := mw.UserAuth(mw.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer))
	deviceAuth := mw.DeviceAuth(reg)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)

		devices := api.Group("/devices", userAuth)
		{
			devices.POST("", handler.LinkDevice)
			devices.POST("/:deviceId/claim", handler.ClaimDevice)
			devices.GET("/:deviceId", handler.GetDevice)
			devices.PUT("/:deviceId/emergency-contacts", handler.PutEmergencyContacts)
			devices.PUT("/:deviceId/trigger-words", handler.PutTriggerWords)
		}

		sessions := api.Group("/sessions")
		{
			// Device trust domain: the wearable itself.
			sessions.POST("/start", deviceAuth, handler.StartTrigger)
			sessions.POST("/message", deviceAuth, handler.StartFromMessage)
			sessions.POST("/coordinates", deviceAuth, handler.AddCoordinates)
			sessions.POST("/stop", deviceAuth, handler.StopTrigger)

			// User trust domain: the owner watching or resolving.
			sessions.GET("/status/:deviceId", userAuth, handler.GetDeviceStatus)
			sessions.GET("/active", userAuth, handler.GetActiveSessions)
			sessions.GET("/history", userAuth, caching, handler.GetSessionHistory)
			sessions.GET("/:sessionId", userAuth, handler.GetSessionDetails)
			sessions.POST("/:sessionId/resolve", userAuth, handler.ResolveSession)
		}

		api.GET("/stream/:deviceId", userAuth, handler.StreamDevice)

		subscriptions := api.Group("/subscriptions", userAuth)
		{
			subscriptions.GET("", handler.GetSubscription)
			subscriptions.PUT("", handler.PutSubscription)
			subscriptions.DELETE("", handler.DeleteSubscription)
		}
	}

	return r
}
