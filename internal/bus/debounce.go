package bus

import (
	"sync"
	"time"
)

// FlushFunc receives a debounced batch in arrival order.
type FlushFunc func(batch []InboundMessage)

// WindowFunc resolves the debounce window for a channel. Consulted once per
// debounce cycle, when the first message of the cycle arrives, so a config
// hot-reload mid-cycle only affects the next cycle.
type WindowFunc func(channel string) time.Duration

// DebounceKey is the pre-routing identity messages are batched under.
// Routing is cheap and deterministic, so batching happens before it.
func DebounceKey(msg InboundMessage) string {
	return msg.Channel + "|" + msg.PeerID + "|" + msg.SenderID
}

type debounceState struct {
	msgs   []InboundMessage
	timer  *time.Timer
	window time.Duration
	gen    uint64
}

// InboundDebouncer coalesces bursts of rapid messages from the same sender
// into one batch. Each message restarts a single-shot timer for its key; the
// batch flushes after the window elapses with no further input. A generation
// counter per key makes cancel/reschedule race-free: a flush fired by a stale
// timer is ignored, and no message can be lost between cancel and reschedule
// because state only mutates under the mutex.
type InboundDebouncer struct {
	mu      sync.Mutex
	pending map[string]*debounceState
	window  WindowFunc
	flush   FlushFunc
	stopped bool
}

// NewInboundDebouncer creates a debouncer flushing through fn.
func NewInboundDebouncer(window WindowFunc, fn FlushFunc) *InboundDebouncer {
	return &InboundDebouncer{
		pending: make(map[string]*debounceState),
		window:  window,
		flush:   fn,
	}
}

// Push adds a message to its key's pending batch and restarts the timer.
// A non-positive window flushes the message immediately.
func (d *InboundDebouncer) Push(msg InboundMessage) {
	key := DebounceKey(msg)

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	st, ok := d.pending[key]
	if !ok {
		st = &debounceState{window: d.window(msg.Channel)}
		d.pending[key] = st
	}
	st.msgs = append(st.msgs, msg)

	if st.window <= 0 {
		delete(d.pending, key)
		batch := st.msgs
		d.mu.Unlock()
		d.flush(batch)
		return
	}

	if st.timer != nil {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(st.window, func() {
		d.fire(key, gen)
	})
	d.mu.Unlock()
}

func (d *InboundDebouncer) fire(key string, gen uint64) {
	d.mu.Lock()
	st, ok := d.pending[key]
	if !ok || st.gen != gen {
		// A newer Push rescheduled this cycle; that timer owns the flush.
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	batch := st.msgs
	d.mu.Unlock()

	d.flush(batch)
}

// PendingKeys returns the number of keys with an open debounce cycle.
func (d *InboundDebouncer) PendingKeys() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels all timers and flushes any pending batches so nothing is
// lost on shutdown.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	var batches [][]InboundMessage
	for key, st := range d.pending {
		if st.timer != nil {
			st.timer.Stop()
		}
		if len(st.msgs) > 0 {
			batches = append(batches, st.msgs)
		}
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, batch := range batches {
		d.flush(batch)
	}
}
