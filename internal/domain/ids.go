package domain

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// NewRequestID returns a unique 128-bit hex request id, matching the
// "128-bit hex" requirement for PendingRequest ids (spec.md §3).
func NewRequestID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
