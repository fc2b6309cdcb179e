package ports

import (
	"math/rand"
)

// RNGPort provides seeded random number generation for deterministic operations.
// The same (name, seed) pair always yields the same stream.
type RNGPort interface {
	Stream(name string, seed int64) *rand.Rand
}
