package orchestrator

import (
	"math/rand"
	"sync"
	"time"
)

// Reconnect backoff defaults.
const (
	// DefaultInitialBackoff is the delay before the first reconnect attempt.
	DefaultInitialBackoff = 3 * time.Second

	// DefaultMaxBackoff caps the delay between attempts.
	DefaultMaxBackoff = 60 * time.Second

	// DefaultBackoffMultiplier is the growth factor per failed attempt.
	DefaultBackoffMultiplier = 2.0

	// DefaultJitter is the symmetric jitter as a fraction of the base delay.
	DefaultJitter = 0.2
)

// BackoffConfig customises the reconnect backoff.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Backoff calculates exponential reconnect delays with symmetric jitter.
//
// The base delay starts at Initial and is multiplied after every attempt up
// to Max. Each returned delay is the base scaled by a uniform factor in
// [1-Jitter, 1+Jitter], then clamped to Max.
type Backoff struct {
	mu sync.Mutex

	current    time.Duration
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64

	attempts int

	// random returns a value in [0, 1).
	random func() float64
}

// NewBackoff creates a backoff calculator. Zero fields take the defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultInitialBackoff
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultMaxBackoff
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = DefaultBackoffMultiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // jitter only
	return &Backoff{
		current:    cfg.Initial,
		initial:    cfg.Initial,
		max:        cfg.Max,
		multiplier: cfg.Multiplier,
		jitter:     cfg.Jitter,
		random:     rng.Float64,
	}
}

// Next returns the delay before the next attempt and advances the backoff.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.addJitter(b.current)

	b.attempts++
	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next

	return delay
}

// Reset returns the backoff to its initial delay. Called once a connection
// has been verified.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Current returns the base delay of the next attempt, without jitter.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Backoff) addJitter(d time.Duration) time.Duration {
	if b.jitter > 0 {
		factor := 1 + b.jitter*(2*b.random()-1)
		d = time.Duration(float64(d) * factor)
	}
	if d > b.max {
		d = b.max
	}
	return d
}
