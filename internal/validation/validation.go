// Package validation provides input validation for the escrow operator API.
package validation

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// ErrInvalidListingID is returned for ids that are not positive integers.
var ErrInvalidListingID = errors.New("listing id must be a positive integer")

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// ParseListingID parses a decimal listing id. Zero is never assigned.
func ParseListingID(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "+") {
		return 0, ErrInvalidListingID
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, ErrInvalidListingID
	}
	return id, nil
}

// ParseListingIDFloat accepts ids decoded from JSON numbers.
func ParseListingIDFloat(f float64) (uint64, error) {
	if f < 1 || f != float64(uint64(f)) {
		return 0, ErrInvalidListingID
	}
	return uint64(f), nil
}
