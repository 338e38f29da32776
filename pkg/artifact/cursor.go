package artifact

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CursorVersion is the only cursor format this build understands. Version
// mismatches are rejected explicitly, never ignored.
const CursorVersion = 1

// Cursor is the opaque pagination token for artifact listings. CreatedAt is
// microsecond precision; anything finer is lost at the storage boundary
// anyway and would make cursors non-portable across backends.
type Cursor struct {
	V         int    `json:"v"`
	Order     string `json:"order"`
	CreatedAt int64  `json:"createdAt"` // microseconds since epoch
	LastID    string `json:"lastId"`
}

// ErrCursorVersion is returned for a cursor minted by an incompatible build.
var ErrCursorVersion = errors.New("artifact: unsupported cursor version")

// EncodeCursor mints an opaque token for the position after a record.
func EncodeCursor(order string, createdAt time.Time, lastID string) string {
	c := Cursor{
		V:         CursorVersion,
		Order:     order,
		CreatedAt: createdAt.UnixMicro(),
		LastID:    lastID,
	}
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses and validates an opaque token.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("artifact: malformed cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("artifact: malformed cursor: %w", err)
	}
	if c.V != CursorVersion {
		return Cursor{}, fmt.Errorf("%w: %d", ErrCursorVersion, c.V)
	}
	if c.Order != "asc" && c.Order != "desc" {
		return Cursor{}, fmt.Errorf("artifact: malformed cursor: bad order %q", c.Order)
	}
	return c, nil
}
