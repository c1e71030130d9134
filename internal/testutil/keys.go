package testutil

import (
	"fmt"
	"sync"
)

// KeySequence generates predictable local keys: prefix-1, prefix-2, ...
//
// Unlike model.FixedGenerator, which panics once its list is consumed,
// KeySequence never runs out. Use it when a test saves an unknown number of
// observations but still wants readable keys in failure output.
//
// Thread-safety: KeySequence is safe for concurrent use.
type KeySequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewKeySequence creates a sequence. If prefix is empty, "key" is used.
func NewKeySequence(prefix string) *KeySequence {
	if prefix == "" {
		prefix = "key"
	}
	return &KeySequence{prefix: prefix}
}

// Generate returns the next key.
//
// Implements model.KeyGenerator interface.
func (g *KeySequence) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
