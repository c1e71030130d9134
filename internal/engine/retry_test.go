package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, InitialDelay: 30 * time.Second, MaxDelay: 5 * time.Minute, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 5 * time.Minute},
		{50, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicy_DelayIsDeterministic(t *testing.T) {
	p := DefaultRetryPolicy()
	for i := 1; i < 10; i++ {
		assert.Equal(t, p.Delay(i), p.Delay(i))
	}
}

func TestRetryPolicy_NoCapNoOverflow(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Hour, Multiplier: 10}
	assert.Positive(t, p.Delay(100))
}

func TestRetryPolicy_FlatWhenMultiplierBelowOne(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, Multiplier: 0}
	assert.Equal(t, time.Second, p.Delay(4))
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3}
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}
