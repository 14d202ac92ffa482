package hooks

import (
	"sync"
	"time"
)

// maxTrackedSources caps the number of tracked source keys so an attacker
// rotating source IPs cannot grow the map without bound.
const maxTrackedSources = 4096

type hitWindow struct {
	start time.Time
	count int
}

// sourceLimiter counts hook deliveries per source key over a fixed window.
// Stale windows are pruned lazily when the tracked-key cap is reached.
// Safe for concurrent use.
type sourceLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	maxHits int
	sources map[string]*hitWindow
}

func newSourceLimiter(window time.Duration, maxHits int) *sourceLimiter {
	return &sourceLimiter{
		window:  window,
		maxHits: maxHits,
		sources: make(map[string]*hitWindow),
	}
}

// allow reports whether key may make another delivery in the current window.
func (l *sourceLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	if len(l.sources) >= maxTrackedSources {
		for k, w := range l.sources {
			if now.Sub(w.start) >= l.window {
				delete(l.sources, k)
			}
		}
		// Still full after pruning: evict arbitrarily rather than grow.
		for len(l.sources) >= maxTrackedSources {
			for k := range l.sources {
				delete(l.sources, k)
				break
			}
		}
	}

	w, ok := l.sources[key]
	if !ok || now.Sub(w.start) >= l.window {
		l.sources[key] = &hitWindow{start: now, count: 1}
		return true
	}

	w.count++
	return w.count <= l.maxHits
}
