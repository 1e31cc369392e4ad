package common

import (
	"crypto/rand"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a lexicographically sortable 26-char id, used for rows
// whose insertion order matters (queue items, conversations).
func NewULID() (string, error) {
	id, err := ulid.New(ulid.Now(), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewUUID is used for ephemeral ids: connections, request correlation.
func NewUUID() string {
	return uuid.New().String()
}
