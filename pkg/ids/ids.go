// Package ids generates position identifiers and handles the
// DuplicateIdCollision error kind (spec §7) with a bounded retry.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// MaxCollisionRetries bounds the DuplicateIdCollision retry loop.
const MaxCollisionRetries = 5

// Exists is implemented by whatever registry tracks live position ids.
type Exists func(id string) bool

// New generates a fresh position id.
func New() string {
	return uuid.NewString()
}

// NewUnique generates a position id guaranteed not to collide with an id for
// which exists returns true, retrying up to MaxCollisionRetries times before
// giving up. Each retry reissues a fresh UUID rather than mutating the
// rejected one, since UUIDv4 collisions are independent draws.
func NewUnique(exists Exists) (string, error) {
	for attempt := 0; attempt < MaxCollisionRetries; attempt++ {
		candidate := New()
		if !exists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("ids: exhausted %d retries generating a unique id", MaxCollisionRetries)
}
