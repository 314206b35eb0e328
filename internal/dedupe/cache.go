// ABOUTME: Clock-driven TTL set used to drop redelivered events and spot late fragments
// ABOUTME: Entries are kept in mark order so expiry and eviction both pop from the front

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/clock"
)

type entry struct {
	key    string
	marked time.Time
}

// Cache remembers keys for a fixed TTL, bounded by a maximum size. Expired
// entries are pruned lazily on every write, so no background goroutine runs.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // oldest mark at front
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
}

// New returns a cache that forgets keys ttl after they were last marked and
// holds at most maxSize keys. A nil clock uses the real one.
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real()
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
	}
}

// Check reports whether key was marked within the TTL.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key, c.clock.Now())
}

// CheckAndMark marks key and reports whether it was already live.
// A true result means the caller is looking at a duplicate.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.liveLocked(key, now) {
		return true
	}
	c.markLocked(key, now)
	return false
}

// Mark records key, refreshing its TTL if already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key, c.clock.Now())
}

// Forget drops key so the next CheckAndMark treats it as new. Used when
// processing of a marked event failed and a resubmission must go through.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.seen[key]; ok {
		c.order.Remove(el)
		delete(c.seen, key)
	}
}

// Len returns the number of keys currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) liveLocked(key string, now time.Time) bool {
	el, ok := c.seen[key]
	if !ok {
		return false
	}
	e, _ := el.Value.(*entry)
	return now.Sub(e.marked) < c.ttl
}

func (c *Cache) markLocked(key string, now time.Time) {
	c.pruneLocked(now)

	if el, ok := c.seen[key]; ok {
		e, _ := el.Value.(*entry)
		e.marked = now
		c.order.MoveToBack(el)
		return
	}

	for len(c.seen) >= c.maxSize {
		c.removeFrontLocked()
	}
	c.seen[key] = c.order.PushBack(&entry{key: key, marked: now})
}

func (c *Cache) pruneLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e, _ := front.Value.(*entry)
		if now.Sub(e.marked) < c.ttl {
			return
		}
		c.removeFrontLocked()
	}
}

func (c *Cache) removeFrontLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e, _ := front.Value.(*entry)
	c.order.Remove(front)
	delete(c.seen, e.key)
}
