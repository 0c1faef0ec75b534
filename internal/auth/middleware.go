// Package auth guards the operator API.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderAdminSecret carries the operator secret.
const HeaderAdminSecret = "X-Admin-Secret"

// ContextKeyAdmin is set in the gin context once a request is authorized.
const ContextKeyAdmin = "escrowAdmin"

// RequireAdmin rejects requests whose X-Admin-Secret does not match secret.
// An empty secret leaves the routes open; config refuses that in production.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Set(ContextKeyAdmin, true)
			c.Next()
			return
		}

		got := c.GetHeader(HeaderAdminSecret)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "unauthorized",
				"message": "X-Admin-Secret header required",
				"kind":    "authorization",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "forbidden",
				"message": "invalid admin secret",
				"kind":    "authorization",
			})
			return
		}

		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// IsAdmin reports whether RequireAdmin authorized the request.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
