// Package pagination provides keyset cursors for journal listings ordered by
// most recent update first.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is the position of the last item on a page.
type Cursor struct {
	At time.Time
	ID uint64
}

// Encode returns an opaque cursor string for the item at (at, id).
func Encode(at time.Time, id uint64) string {
	raw := fmt.Sprintf("%d|%d", at.UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	at, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil || n == 0 {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, nanos).UTC(), ID: n}, nil
}

// Follows reports whether the item at (at, id) comes after c in
// (at DESC, id ASC) order. A nil cursor precedes everything.
func (c *Cursor) Follows(at time.Time, id uint64) bool {
	if c == nil {
		return true
	}
	if at.Equal(c.At) {
		return id > c.ID
	}
	return at.Before(c.At)
}

// ComputePage takes items fetched with limit+1, the requested limit and a
// function extracting (at, id) from an item. It returns the trimmed items,
// the next cursor and whether more items exist.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, uint64)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	at, id := key(items[len(items)-1])
	return items, Encode(at, id), true
}
