package domain

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random (v4) identifier for matches and tickets.
func NewID() string { return uuid.NewString() }

// ParseMatchID trims and validates a client supplied match id and returns
// it in canonical lower-case form.
func ParseMatchID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrMatchIDMissing
	}
	id, err := uuid.Parse(raw)
	if err != nil || len(raw) != 36 {
		return "", ErrMatchIDInvalid
	}
	return id.String(), nil
}
