package orchestrator

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultDedupTTL is how long an identical message is treated as a repeat.
const DefaultDedupTTL = 2 * time.Second

// dedupSweepThreshold triggers a sweep of expired keys once the cache grows
// past this many entries.
const dedupSweepThreshold = 256

// dedupCache drops messages whose topic and payload were already seen
// within the TTL. The broker redelivers QoS 1 messages after a reconnect
// and some devices answer a read on two topics at once.
type dedupCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[uint64]time.Time
}

func newDedupCache(ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &dedupCache{ttl: ttl, seen: make(map[uint64]time.Time)}
}

// Seen records the message and reports whether it is a repeat.
func (c *dedupCache) Seen(topic string, payload []byte, now time.Time) bool {
	d := xxhash.New()
	_, _ = d.WriteString(topic)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(payload)
	key := d.Sum64()

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	c.seen[key] = now

	if len(c.seen) > dedupSweepThreshold {
		for k, at := range c.seen {
			if now.Sub(at) >= c.ttl {
				delete(c.seen, k)
			}
		}
	}
	return false
}
