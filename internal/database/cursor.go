package database

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

var ErrBadCursor = errors.New("database: malformed cursor")

// EncodeGuardLogCursor packs the (created_at, id) tuple of the last row
// into an opaque token.
func EncodeGuardLogCursor(createdAt time.Time, id string) string {
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// DecodeGuardLogCursor reverses EncodeGuardLogCursor.
func DecodeGuardLogCursor(token string) (time.Time, string, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, "", ErrBadCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", ErrBadCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", ErrBadCursor
	}
	return ts, parts[1], nil
}
