// ABOUTME: Retry policy and explicit per-call backoff state
// ABOUTME: Backoff is advanced by the caller against an injected clock, never by sleeping itself

package delivery

import (
	"time"

	"github.com/2389/coven-relay/internal/config"
)

// Policy configures one Client.
type Policy struct {
	Timeout         time.Duration // per attempt
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	MaxAttempts     int           // total calls, including the first
	MessageInterval time.Duration // minimum gap between sends, 0 = unlimited
}

// DefaultPolicy returns the stock policy: 30s timeout, 1s backoff doubling to
// at most 60s, three attempts, no pacing.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:        30 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		MaxAttempts:    3,
	}
}

// PolicyFor derives the policy from relay configuration. Backoff shape is
// fixed; timeout and pacing come from config.
func PolicyFor(r config.RelayConfig) Policy {
	p := DefaultPolicy()
	p.Timeout = r.RequestTimeout
	p.MessageInterval = r.MessageInterval
	return p.withDefaults()
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// Backoff is the in-memory retry state of one outbound call.
type Backoff struct {
	Attempt  int           // failed attempts so far
	Next     time.Duration // computed wait before the next attempt
	Deadline time.Time     // earliest start of the next attempt

	max         time.Duration
	maxAttempts int
}

// NewBackoff starts retry state for a call under p.
func NewBackoff(p Policy) *Backoff {
	p = p.withDefaults()
	return &Backoff{Next: p.InitialBackoff, max: p.MaxBackoff, maxAttempts: p.MaxAttempts}
}

// Fail records a failed attempt at now. hint is a server-suggested wait and
// replaces the computed delay when positive. It returns how long to wait and
// whether another attempt is allowed.
func (b *Backoff) Fail(now time.Time, hint time.Duration) (time.Duration, bool) {
	b.Attempt++
	if b.Attempt >= b.maxAttempts {
		return 0, false
	}

	wait := b.Next
	if hint > 0 {
		wait = hint
	}
	wait = min(wait, b.max)

	b.Next = min(b.Next*2, b.max)
	b.Deadline = now.Add(wait)
	return wait, true
}
