// Package idgen mints identifiers and secrets.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// WithPrefix returns prefix plus 24 hex chars taken from a v4 UUID,
// e.g. "wh_3f0c9a...".
func WithPrefix(prefix string) string {
	u := uuid.New()
	return prefix + hex.EncodeToString(u[:12])
}

// Hex returns n random bytes, hex encoded.
func Hex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b) // never fails since Go 1.24
	return hex.EncodeToString(b)
}
