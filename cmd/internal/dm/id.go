package dm

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewMessageID returns a ULID used as the store-assigned message id.
// ULIDs are lexicographically sortable, which keeps ids friendly for
// tracing and log inspection.
func NewMessageID(now time.Time) (string, error) {
	return newULID(now)
}

// NewConnectionID returns a ULID used as a connection/session id.
func NewConnectionID(now time.Time) (string, error) {
	return newULID(now)
}

func newULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
