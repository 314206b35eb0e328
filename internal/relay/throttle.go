// ABOUTME: Per-user inbound throttle built on token bucket limiters
// ABOUTME: One message per interval per user; an interval of zero disables it

package relay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/coven-relay/internal/clock"
)

// maxThrottled caps the number of per-user limiters kept in memory.
const maxThrottled = 10_000

type throttle struct {
	clock clock.Clock

	mu       sync.Mutex
	interval time.Duration
	limiters map[string]*rate.Limiter
}

func newThrottle(interval time.Duration, clk clock.Clock) *throttle {
	return &throttle{
		clock:    clk,
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *throttle) allow(user string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.interval <= 0 {
		return true
	}
	l, ok := t.limiters[user]
	if !ok {
		if len(t.limiters) >= maxThrottled {
			// Forgetting everyone only lets a few extra messages through.
			t.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(rate.Every(t.interval), 1)
		t.limiters[user] = l
	}
	return l.AllowN(t.clock.Now(), 1)
}

func (t *throttle) setInterval(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d == t.interval {
		return
	}
	t.interval = d
	t.limiters = make(map[string]*rate.Limiter)
}
