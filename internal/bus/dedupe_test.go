package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupeCache_FirstObservationAdmitted(t *testing.T) {
	c := NewDedupeCache(5*time.Minute, 100)
	defer c.Close()

	assert.True(t, c.Admit("telegram:42"))
}

func TestDedupeCache_RepeatWithinTTLRejected(t *testing.T) {
	c := NewDedupeCache(5*time.Minute, 100)
	defer c.Close()

	assert.True(t, c.Admit("telegram:42"))
	assert.False(t, c.Admit("telegram:42"))
	assert.False(t, c.Admit("telegram:42"))

	// A different key is independent.
	assert.True(t, c.Admit("discord:42"))
}

func TestDedupeCache_ExpiredKeyReadmitted(t *testing.T) {
	c := NewDedupeCache(15*time.Millisecond, 100)
	defer c.Close()

	assert.True(t, c.Admit("k"))
	assert.False(t, c.Admit("k"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, c.Admit("k"), "expired key should be admitted again")
}

func TestDedupeCache_SizeBounded(t *testing.T) {
	c := NewDedupeCache(5*time.Minute, 3)
	defer c.Close()

	assert.True(t, c.Admit("a"))
	assert.True(t, c.Admit("b"))
	assert.True(t, c.Admit("c"))
	assert.True(t, c.Admit("d")) // evicts "a"

	assert.Equal(t, 3, c.Len())
	assert.True(t, c.Admit("a"), "evicted key admits again")
}

func TestDedupeCache_SetLimitsAppliesLive(t *testing.T) {
	c := NewDedupeCache(5*time.Minute, 100)
	defer c.Close()

	for i := 0; i < 10; i++ {
		assert.True(t, c.Admit(fmt.Sprintf("k%d", i)))
	}

	// Shrink the cap; the next admission evicts down to the new bound.
	c.SetLimits(5*time.Minute, 3)
	assert.True(t, c.Admit("fresh"))
	assert.Equal(t, 3, c.Len())

	// New admissions pick up the new TTL.
	c.SetLimits(10*time.Millisecond, 3)
	assert.True(t, c.Admit("short"))
	time.Sleep(25 * time.Millisecond)
	assert.True(t, c.Admit("short"), "entry recorded under the new TTL expires with it")
}

func TestDedupeCache_SweepRemovesExpired(t *testing.T) {
	c := NewDedupeCache(5*time.Millisecond, 100)
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.Admit(fmt.Sprintf("k%d", i))
	}
	time.Sleep(15 * time.Millisecond)
	c.sweep()
	assert.Equal(t, 0, c.Len())
}

func TestDedupeCache_AdmitAtomicUnderContention(t *testing.T) {
	c := NewDedupeCache(5*time.Minute, 1000)
	defer c.Close()

	const goroutines = 64
	var admitted int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			if c.Admit("contested") {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted, "exactly one admit must win")
}
