package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewUAID mints a device identity: a random UUID rendered as 32 hex chars.
func NewUAID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidUAID reports whether s is a device identity this server could have issued.
func ValidUAID(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// NormalizeChannelID parses a channel id and returns its canonical
// dashed lowercase form.
func NormalizeChannelID(s string) (string, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", false
	}
	return id.String(), true
}
