package fingerprint

import (
	"strings"

	"github.com/google/uuid"
)

// ParseUUIDHeader extracts a UUID from a raw header value, trimming
// surrounding whitespace and angle brackets (`<...>`) before parsing.
// It reports false for an empty or malformed value.
func ParseUUIDHeader(raw string) (uuid.UUID, bool) {
	v := strings.TrimSpace(raw)
	v = strings.TrimPrefix(v, "<")
	v = strings.TrimSuffix(v, ">")
	v = strings.TrimSpace(v)
	if v == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
