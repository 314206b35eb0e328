// ABOUTME: Tests for the dedupe cache used to drop redelivered events
// ABOUTME: Validates TTL expiry against a fake clock, size bounds, Forget, and concurrency

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-relay/internal/clock"
)

func newTestCache(ttl time.Duration, size int) (*Cache, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(ttl, size, clk), clk
}

func TestCache_CheckAndMark(t *testing.T) {
	cache, _ := newTestCache(time.Minute, 10)

	assert.False(t, cache.CheckAndMark("evt-1"), "first sighting is new")
	assert.True(t, cache.CheckAndMark("evt-1"), "second sighting is a duplicate")
	assert.False(t, cache.CheckAndMark("evt-2"))
}

func TestCache_Expiry(t *testing.T) {
	cache, clk := newTestCache(time.Minute, 10)

	cache.Mark("k")
	assert.True(t, cache.Check("k"))

	clk.Advance(59 * time.Second)
	assert.True(t, cache.Check("k"))

	clk.Advance(time.Second)
	assert.False(t, cache.Check("k"))
	assert.False(t, cache.CheckAndMark("k"), "expired key counts as new")
}

func TestCache_MarkRefreshesTTL(t *testing.T) {
	cache, clk := newTestCache(time.Minute, 10)

	cache.Mark("k")
	clk.Advance(40 * time.Second)
	cache.Mark("k")
	clk.Advance(40 * time.Second)

	assert.True(t, cache.Check("k"))
}

func TestCache_PrunesExpiredOnWrite(t *testing.T) {
	cache, clk := newTestCache(time.Minute, 10)

	cache.Mark("a")
	cache.Mark("b")
	clk.Advance(2 * time.Minute)
	cache.Mark("c")

	assert.Equal(t, 1, cache.Len())
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache, clk := newTestCache(time.Hour, 3)

	for _, k := range []string{"a", "b", "c"} {
		cache.Mark(k)
		clk.Advance(time.Second)
	}
	cache.Mark("d")

	assert.False(t, cache.Check("a"))
	assert.True(t, cache.Check("b"))
	assert.True(t, cache.Check("d"))
	assert.Equal(t, 3, cache.Len())
}

func TestCache_Forget(t *testing.T) {
	cache, _ := newTestCache(time.Hour, 10)

	assert.False(t, cache.CheckAndMark("evt"))
	cache.Forget("evt")
	assert.False(t, cache.CheckAndMark("evt"), "forgotten key is accepted again")

	cache.Forget("never-seen")
}

func TestCache_ConcurrentCheckAndMark(t *testing.T) {
	cache, _ := newTestCache(time.Hour, 1000)

	const workers = 50
	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("same") {
				fresh.Add(1)
			}
			cache.Mark(fmt.Sprintf("other-%d", i))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load(), "exactly one goroutine sees the key as new")
}
