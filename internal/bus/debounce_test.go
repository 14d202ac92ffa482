package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]InboundMessage
}

func (r *flushRecorder) flush(batch []InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
}

func (r *flushRecorder) snapshot() [][]InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]InboundMessage, len(r.batches))
	copy(out, r.batches)
	return out
}

func fixedWindow(d time.Duration) WindowFunc {
	return func(string) time.Duration { return d }
}

func msg(channel, peer, sender, content string) InboundMessage {
	return InboundMessage{Channel: channel, PeerID: peer, SenderID: sender, Content: content}
}

func TestDebouncer_BurstEmitsOneOrderedBatch(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(fixedWindow(60*time.Millisecond), rec.flush)
	defer d.Stop()

	// M1 at t=0, M2 at +30ms, M3 at +72ms: no gap reaches the 60ms window
	// until after M3, so exactly one batch [M1,M2,M3] must come out.
	d.Push(msg("telegram", "p1", "u1", "M1"))
	time.Sleep(30 * time.Millisecond)
	d.Push(msg("telegram", "p1", "u1", "M2"))
	time.Sleep(42 * time.Millisecond)
	d.Push(msg("telegram", "p1", "u1", "M3"))

	time.Sleep(120 * time.Millisecond)

	batches := rec.snapshot()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 3)
	assert.Equal(t, "M1", batches[0][0].Content)
	assert.Equal(t, "M2", batches[0][1].Content)
	assert.Equal(t, "M3", batches[0][2].Content)
}

func TestDebouncer_SeparateKeysDoNotMerge(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(fixedWindow(20*time.Millisecond), rec.flush)
	defer d.Stop()

	d.Push(msg("telegram", "p1", "u1", "a"))
	d.Push(msg("telegram", "p2", "u1", "b"))
	d.Push(msg("discord", "p1", "u1", "c"))

	time.Sleep(80 * time.Millisecond)

	batches := rec.snapshot()
	assert.Len(t, batches, 3)
	for _, b := range batches {
		assert.Len(t, b, 1)
	}
}

func TestDebouncer_QuietGapSplitsBatches(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(fixedWindow(25*time.Millisecond), rec.flush)
	defer d.Stop()

	d.Push(msg("telegram", "p1", "u1", "first"))
	time.Sleep(70 * time.Millisecond) // quiet period exceeds window
	d.Push(msg("telegram", "p1", "u1", "second"))
	time.Sleep(70 * time.Millisecond)

	batches := rec.snapshot()
	require.Len(t, batches, 2)
	assert.Equal(t, "first", batches[0][0].Content)
	assert.Equal(t, "second", batches[1][0].Content)
}

func TestDebouncer_ZeroWindowFlushesImmediately(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(fixedWindow(0), rec.flush)
	defer d.Stop()

	d.Push(msg("cli", "p", "u", "now"))

	batches := rec.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, "now", batches[0][0].Content)
	assert.Equal(t, 0, d.PendingKeys())
}

func TestDebouncer_WindowCapturedAtCycleStart(t *testing.T) {
	rec := &flushRecorder{}
	var mu sync.Mutex
	window := 30 * time.Millisecond
	d := NewInboundDebouncer(func(string) time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return window
	}, rec.flush)
	defer d.Stop()

	d.Push(msg("telegram", "p1", "u1", "one"))

	// Hot-reload mid-cycle: the running cycle keeps its original window.
	mu.Lock()
	window = 5 * time.Minute
	mu.Unlock()
	d.Push(msg("telegram", "p1", "u1", "two"))

	time.Sleep(100 * time.Millisecond)

	batches := rec.snapshot()
	require.Len(t, batches, 1, "cycle must flush with the window captured at its start")
	assert.Len(t, batches[0], 2)
}

func TestDebouncer_StopFlushesPending(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(fixedWindow(time.Hour), rec.flush)

	d.Push(msg("telegram", "p1", "u1", "held"))
	assert.Empty(t, rec.snapshot())

	d.Stop()

	batches := rec.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, "held", batches[0][0].Content)

	// Pushes after Stop are ignored.
	d.Push(msg("telegram", "p1", "u1", "late"))
	assert.Len(t, rec.snapshot(), 1)
}
