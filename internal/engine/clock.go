package engine

import "time"

// Clock supplies wall time for retry scheduling.
// Tests inject a manually advanced clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }
