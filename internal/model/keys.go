package model

import (
	"sync"

	"github.com/google/uuid"
)

// KeyGenerator issues idempotency keys for new observations.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type KeyGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 local keys.
//
// UUIDv7 embeds a timestamp in the most significant bits, so keys issued on
// one device sort by creation time. That keeps debugging output readable; it
// is never used for ordering (the outbox seq is).
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined keys for testing.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu   sync.Mutex
	keys []string
	idx  int
}

// NewFixedGenerator creates a generator that returns keys in order.
//
//	gen := NewFixedGenerator("k1", "k2")
//	gen.Generate() // "k1"
//	gen.Generate() // "k2"
//	gen.Generate() // panic: all keys exhausted
func NewFixedGenerator(keys ...string) *FixedGenerator {
	return &FixedGenerator{keys: keys}
}

// Generate returns the next predetermined key.
//
// Panics if all keys have been consumed, to catch a test that saves more
// observations than it planned for.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.keys) {
		panic("FixedGenerator: all keys exhausted")
	}
	key := g.keys[g.idx]
	g.idx++
	return key
}
