package mw

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"mitr-safety-backend/internal/registry"
)

// Context keys set by the auth middlewares.
const (
	ContextUserID   = "user_id"
	ContextDeviceID = "device_id"
)

// UserAuthenticator verifies a user-presented credential and returns the
// user id. Token issuance belongs to the account service; this side only
// verifies.
type UserAuthenticator interface {
	Authenticate(token string) (string, error)
}

// JWTAuthenticator validates HS256 tokens issued by the account service
// with a shared secret.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

// NewJWTAuthenticator creates a verifier for the shared secret. An empty
// issuer skips the issuer check.
func NewJWTAuthenticator(secret, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer}
}

// Authenticate parses and validates the token, returning the subject claim.
func (a *JWTAuthenticator) Authenticate(tokenString string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

// UserAuth authenticates the user trust domain via a bearer token.
func UserAuth(auth UserAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		userID, err := auth.Authenticate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ContextUserID, userID)
		c.Next()
	}
}

// DeviceAuth authenticates the device trust domain via the shared device
// credential. Devices never hold user tokens.
func DeviceAuth(reg *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := c.GetHeader("X-Device-ID")
		secret := c.GetHeader("X-Device-Key")
		if deviceID == "" || secret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing device credentials"})
			return
		}
		device, err := reg.Authenticate(c.Request.Context(), deviceID, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid device credentials"})
			return
		}
		c.Set(ContextDeviceID, device.ID)
		c.Next()
	}
}
