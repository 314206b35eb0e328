// ABOUTME: Bounded pool of transport sessions with lazy health checks
// ABOUTME: Sessions are dialed on demand and dropped after consecutive failures

package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/transport"
)

// maxSessionFailures is how many consecutive retryable failures retire a session.
const maxSessionFailures = 3

// Dialer opens a new transport session.
type Dialer func(ctx context.Context) (transport.Transport, error)

type session struct {
	id       int
	tr       transport.Transport
	failures int
}

// Pool hands out at most size sessions at a time.
type Pool struct {
	dial   Dialer
	slots  chan struct{}
	idle   chan *session
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	live   int
}

// NewPool creates a pool of at most size sessions. No session is dialed
// until the first checkout.
func NewPool(dial Dialer, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		dial:   dial,
		slots:  make(chan struct{}, size),
		idle:   make(chan *session, size),
		logger: logger.With("component", "delivery.pool"),
	}
}

// get blocks for a free slot and returns a healthy session, dialing one if
// no idle session is usable.
func (p *Pool) get(ctx context.Context) (*session, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for s := p.takeIdle(); s != nil; s = p.takeIdle() {
		if s.failures < maxSessionFailures {
			return s, nil
		}
		p.discard(s)
	}

	tr, err := p.dial(ctx)
	if err != nil {
		<-p.slots
		return nil, fmt.Errorf("dialing session: %w", err)
	}

	p.mu.Lock()
	p.nextID++
	s := &session{id: p.nextID, tr: tr}
	p.live++
	metrics.PoolSessions.Set(float64(p.live))
	p.mu.Unlock()

	p.logger.Debug("session opened", "session", s.id)
	return s, nil
}

func (p *Pool) takeIdle() *session {
	select {
	case s := <-p.idle:
		return s
	default:
		return nil
	}
}

// put returns s after a call finished with err. Retryable errors count
// against the session; success resets it. Permanent errors are about the
// payload, not the session, and leave the count alone.
func (p *Pool) put(s *session, err error) {
	switch {
	case err == nil:
		s.failures = 0
	case !transport.IsPermanent(err):
		s.failures++
	}

	select {
	case p.idle <- s:
	default:
		p.discard(s)
	}
	<-p.slots
}

func (p *Pool) discard(s *session) {
	if c, ok := s.tr.(io.Closer); ok {
		if err := c.Close(); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("closing session", "session", s.id, "error", err)
		}
	}

	p.mu.Lock()
	p.live--
	metrics.PoolSessions.Set(float64(p.live))
	p.mu.Unlock()

	metrics.PoolDiscards.Inc()
	p.logger.Info("session discarded", "session", s.id, "failures", s.failures)
}

// Live returns the number of sessions currently open.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Close drops every idle session.
func (p *Pool) Close() {
	for s := p.takeIdle(); s != nil; s = p.takeIdle() {
		p.discard(s)
	}
}
