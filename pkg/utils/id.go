package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random UUID string, the format the store uses for row ids.
func NewID() string {
	return uuid.NewString()
}

// GenerateID returns a prefixed random id for process-local handles.
func GenerateID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// GenerateClientID identifies one relay connection.
func GenerateClientID() string {
	return GenerateID("client")
}
