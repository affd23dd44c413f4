// Package pagination implements opaque keyset cursors for newest-first
// listings ordered by (timestamp, id).
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
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the (At, ID) key of the last item on a page.
type Cursor struct {
	At time.Time
	ID string
}

// After reports whether the key (at, id) sorts strictly after c, i.e. is
// newer and therefore already shown on an earlier page.
func (c Cursor) After(at time.Time, id string) bool {
	if at.Equal(c.At) {
		return id >= c.ID
	}
	return at.After(c.At)
}

// Encode returns the opaque form of the key (at, id).
func Encode(at time.Time, id string) string {
	raw := strconv.FormatInt(at.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor. Empty input means the first page and
// yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrInvalidCursor)
	}
	return &Cursor{At: time.Unix(0, n).UTC(), ID: id}, nil
}

// Page trims items fetched with limit+1 down to limit and returns the
// cursor of the last kept item when more remain.
func Page[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if limit <= 0 || len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	at, id := key(items[len(items)-1])
	return items, Encode(at, id), true
}

// ParseLimit reads a page size, falling back to def for empty, malformed
// or non-positive input and capping at max.
func ParseLimit(raw string, def, max int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
