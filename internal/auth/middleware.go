// Package auth resolves caller identity for the API.
//
// Authentication itself happens at the edge gateway, which forwards the
// verified tenant and user as headers. This package only reads them and
// guards admin routes with a shared secret.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Headers set by the gateway.
const (
	HeaderTenantID    = "X-Tenant-ID"
	HeaderUserID      = "X-User-ID"
	HeaderAdminSecret = "X-Admin-Secret"
	HeaderAdminID     = "X-Admin-ID"
)

const (
	// ContextKeyTenantID is the key for the caller's tenant in gin context
	ContextKeyTenantID = "authTenantID"
	// ContextKeyUserID is the key for the caller's user in gin context
	ContextKeyUserID = "authUserID"
	// ContextKeyAdminID is the key for the authenticated admin in gin context
	ContextKeyAdminID = "authAdminID"
)

// Middleware copies gateway identity headers into the gin context.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if tid := c.GetHeader(HeaderTenantID); tid != "" {
			c.Set(ContextKeyTenantID, tid)
		}
		if uid := c.GetHeader(HeaderUserID); uid != "" {
			c.Set(ContextKeyUserID, uid)
		}
		c.Next()
	}
}

// RequireUser rejects requests without both tenant and user identity.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetTenantID(c) == "" || GetUserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "tenant and user identity required",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin checks the X-Admin-Secret header against secret. When secret
// is empty admin routes are only open in development mode.
func RequireAdmin(secret string, devMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader(HeaderAdminSecret)
		ok := false
		switch {
		case secret != "":
			ok = subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) == 1
		case devMode:
			ok = true
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin access required",
			})
			return
		}
		adminID := c.GetHeader(HeaderAdminID)
		if adminID == "" {
			adminID = "admin"
		}
		c.Set(ContextKeyAdminID, adminID)
		c.Next()
	}
}

// GetTenantID returns the caller's tenant, or "".
func GetTenantID(c *gin.Context) string {
	return c.GetString(ContextKeyTenantID)
}

// GetUserID returns the caller's user, or "".
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// GetAdminID returns the authenticated admin, or "".
func GetAdminID(c *gin.Context) string {
	return c.GetString(ContextKeyAdminID)
}
