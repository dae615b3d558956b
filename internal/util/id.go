package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewTransferID returns a random globally unique transfer id.
func NewTransferID() string {
	return uuid.NewString()
}

// ShortID returns the first 8 hex characters of id, for log prefixes.
func ShortID(id string) string {
	s := strings.ReplaceAll(id, "-", "")
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
