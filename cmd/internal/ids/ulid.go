// Package ids provides the identifier primitives used across signalhub.
//
// Two families of identifiers exist:
//   - ULIDs for rows whose creation order matters (devices, pending
//     invalidations, invalidation events).
//   - Opaque random identifiers for values that must not be guessable
//     (session and token family IDs).
package ids

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/oklog/ulid/v2"
)

// RandomBytes is the entropy of opaque identifiers (192 bits).
const RandomBytes = 24

// NewULID returns a new ULID string (26 chars).
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewPrefixedULID returns prefix + "_" + ULID, e.g. "dev_01HZX...".
func NewPrefixedULID(prefix string, now time.Time) (string, error) {
	id, err := NewULID(now)
	if err != nil {
		return "", err
	}
	return prefix + "_" + id, nil
}

// NewOpaque returns prefix + "_" + base64url(RandomBytes random bytes).
func NewOpaque(prefix string) (string, error) {
	b := make([]byte, RandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "_" + base64.RawURLEncoding.EncodeToString(b), nil
}
