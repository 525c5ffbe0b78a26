// Package ids generates the correlation identifiers used for requests,
// care contexts and webhook events.
package ids

import (
	"time"

	"github.com/google/uuid"
)

// New returns a fresh globally unique identifier.
func New() string {
	return uuid.New().String()
}

// Timestamp returns the current UTC time formatted for the TIMESTAMP
// header on gateway calls.
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
