// Package id generates the random v4 UUIDs used for batch_id and checks
// the player UUIDs read from ingested packet lines.
package id

import "github.com/google/uuid"

// New returns a random v4 UUID string.
func New() string {
	return uuid.NewString()
}

// IsValid reports whether s parses as a UUID of any version.
func IsValid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
