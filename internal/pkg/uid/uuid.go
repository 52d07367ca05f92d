package uid

import (
	"crypto/rand"
	"io"

	"github.com/google/uuid"
)

// UUID generates version 7 UUID strings, ordered by creation time.
type UUID struct {
	rand io.Reader
}

// NewUUID returns a generator reading randomness from crypto/rand.
func NewUUID() *UUID {
	return &UUID{rand: rand.Reader}
}

// Generate returns a new id. A failing random source yields a version 4 id
// from the package default source.
func (u *UUID) Generate() string {
	id, err := uuid.NewV7FromReader(u.rand)
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
