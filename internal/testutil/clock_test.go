package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_StartsAtEpoch(t *testing.T) {
	clock := NewFakeClock(time.Time{})
	assert.Equal(t, Epoch, clock.Now())
}

func TestFakeClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	assert.Equal(t, start.Add(time.Minute), clock.Advance(time.Minute))
	assert.Equal(t, start.Add(time.Minute), clock.Now())

	// Never goes backwards
	clock.Advance(-time.Hour)
	clock.Set(start)
	assert.Equal(t, start.Add(time.Minute), clock.Now())

	clock.Set(start.Add(time.Hour))
	assert.Equal(t, start.Add(time.Hour), clock.Now())
}

func TestFakeClock_ThreadSafe(t *testing.T) {
	clock := NewFakeClock(time.Time{})
	const numGoroutines = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(numGoroutines*time.Second), clock.Now())
}
