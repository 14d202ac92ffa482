package bus

import (
	"container/list"
	"sync"
	"time"
)

// DefaultDedupeTTL is how long a (provider, messageId) pair stays remembered.
const DefaultDedupeTTL = 5 * time.Minute

type dedupeEntry struct {
	expires time.Time
	element *list.Element
}

// DedupeCache is a thread-safe, TTL-based, size-bounded membership cache for
// filtering re-delivered inbound messages (webhook retries, double-taps,
// reconnect replays). Insertion order is kept in a linked list so eviction
// of the oldest entry is O(1). Memory is bounded by maxSize regardless of
// inbound rate.
type DedupeCache struct {
	mu      sync.Mutex
	seen    map[string]*dedupeEntry
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// NewDedupeCache creates a dedupe cache with the given TTL and size cap.
// A background sweep removes expired entries once a minute; lookups also
// evict lazily.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	if maxSize <= 0 {
		maxSize = 5000
	}
	c := &DedupeCache{
		seen:    make(map[string]*dedupeEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Admit atomically tests and records a key. The first observation within the
// TTL window returns true; any repeat returns false with no side effects.
func (c *DedupeCache) Admit(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.seen[key]; ok {
		if now.Before(e.expires) {
			return false
		}
		// Expired: lazily evict, then re-admit below.
		c.order.Remove(e.element)
		delete(c.seen, key)
	}

	// A loop, not a single eviction: SetLimits may have lowered the cap
	// below the current population.
	for len(c.seen) >= c.maxSize && c.order.Front() != nil {
		c.evictOldest()
	}
	elem := c.order.PushBack(key)
	c.seen[key] = &dedupeEntry{expires: now.Add(c.ttl), element: elem}
	return true
}

// SetLimits swaps the TTL and size cap. New admissions use the new TTL;
// entries already recorded keep their original expiry. A lowered cap takes
// effect through eviction on subsequent admissions.
func (c *DedupeCache) SetLimits(ttl time.Duration, maxSize int) {
	if ttl <= 0 || maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
	c.maxSize = maxSize
}

// Len returns the number of live entries (expired but unswept included).
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *DedupeCache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *DedupeCache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *DedupeCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for e := c.order.Front(); e != nil; {
		next := e.Next()
		key, _ := e.Value.(string)
		if entry := c.seen[key]; entry != nil && !now.Before(entry.expires) {
			c.order.Remove(e)
			delete(c.seen, key)
		}
		e = next
	}
}

// Close stops the background sweep. Safe to call multiple times.
func (c *DedupeCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
