package storage

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/inkwell-pm/inkwell/internal/fault"
)

// Cursor encodes a (primarySortKey, id) position in a sorted list. The id is
// the tiebreaker for rows sharing the same sort key, so no row is skipped or
// repeated across pages.
type Cursor struct {
	K  string `json:"k"`
	ID string `json:"id"`
}

// Encode returns the opaque wire form of the cursor.
func (c Cursor) Encode() string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses an opaque cursor. Malformed input is a validation
// failure, not an internal one: cursors arrive from clients.
func DecodeCursor(s string) (Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fault.Validation("malformed cursor")
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fault.Validation("malformed cursor")
	}
	if c.ID == "" {
		return Cursor{}, fault.Validation("malformed cursor")
	}
	return c, nil
}

// TimeKey renders a timestamp as a cursor sort key. The key is parsed back to
// a timestamp before comparison; it is a wire form, not a collation trick.
func TimeKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimeKey reverses TimeKey.
func ParseTimeKey(k string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, k)
	if err != nil {
		return time.Time{}, fault.Validation("malformed cursor")
	}
	return t, nil
}
