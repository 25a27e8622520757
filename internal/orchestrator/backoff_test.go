package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesUpToCap(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: time.Second, Max: 10 * time.Second, Jitter: 0})

	want := []time.Duration{1, 2, 4, 8, 10, 10}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Errorf("Next() #%d = %v, want %v", i, got, w*time.Second)
		}
	}
	assert.Equal(t, len(want), b.Attempts())

	b.Reset()
	assert.Equal(t, 0, b.Attempts())
	assert.Equal(t, time.Second, b.Current())
}

func TestBackoffJitterBounds(t *testing.T) {
	tests := []struct {
		name   string
		random float64
		want   time.Duration
	}{
		{"lowest", 0, 8 * time.Second},
		{"middle", 0.5, 10 * time.Second},
		{"highest", 0.999999, 12 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackoff(BackoffConfig{Initial: 10 * time.Second, Max: time.Minute, Jitter: 0.2})
			b.random = func() float64 { return tt.random }
			assert.InDelta(t, float64(tt.want), float64(b.Next()), float64(time.Millisecond))
		})
	}
}

func TestBackoffJitterNeverExceedsCap(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: 40 * time.Second, Max: 60 * time.Second, Jitter: 0.2})
	b.random = func() float64 { return 0.999 }

	for range 5 {
		assert.LessOrEqual(t, b.Next(), 60*time.Second)
	}
}

func TestBackoffNonDecreasingWithinJitter(t *testing.T) {
	// Below the cap, the worst case of attempt n+1 (0.8 * 2d) still
	// exceeds the best case of attempt n (1.2 * d).
	b := NewBackoff(BackoffConfig{Initial: time.Second, Max: 64 * time.Second, Jitter: 0.2})
	flip := false
	b.random = func() float64 {
		flip = !flip
		if flip {
			return 0.9999
		}
		return 0
	}

	prev := time.Duration(0)
	for range 7 {
		d := b.Next()
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(BackoffConfig{})
	assert.Equal(t, DefaultInitialBackoff, b.Current())
	assert.Equal(t, DefaultMaxBackoff, b.max)
	assert.Equal(t, DefaultBackoffMultiplier, b.multiplier)
}
