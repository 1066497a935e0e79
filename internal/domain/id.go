package domain

import (
	"github.com/google/uuid"
)

// NewID generates a UUIDv7 string for lock payloads and other process-owned tokens.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewRequestID returns a short random alphanumeric string used to keep the
// temporary tables of concurrent materializers apart.
func NewRequestID() string {
	return uuid.NewString()[:8]
}
