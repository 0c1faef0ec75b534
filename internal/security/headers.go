// Package security provides response hardening for the operator API and
// the outbound URL policy for webhook targets.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// The API serves JSON and a websocket stream, never documents.
var responseHeaders = [...][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
	{"Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'"},
	{"Permissions-Policy", "geolocation=(), microphone=(), camera=()"},
}

// Headers sets hardening headers on every response.
func Headers() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range responseHeaders {
			h.Set(kv[0], kv[1])
		}
		c.Next()
	}
}

const (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	corsHeaders = "Content-Type, X-Request-ID, X-Admin-Secret"
)

// CORS answers cross-origin requests. With no origins configured any origin
// may call the API but credentials are never allowed; the admin secret
// travels in a header, not a cookie. With origins configured only those
// match, and credentials are allowed.
func CORS(origins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	_, wildcard := allowed["*"]
	open := len(allowed) == 0 || wildcard

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			c.Header("Vary", "Origin")
			_, listed := allowed[origin]
			if open || listed {
				h := c.Writer.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				h.Set("Access-Control-Max-Age", "86400")
				if !open {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
