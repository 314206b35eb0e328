// ABOUTME: Buffers fragments of multi-part messages into one logical message
// ABOUTME: Flushes on an explicit last fragment, an inactivity timer, or a size bound

package mediagroup

import (
	"container/list"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/clock"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/transport"
)

// ErrOverflow is logged when a bound forces a group out early.
var ErrOverflow = errors.New("media group aggregation overflow")

// Reason says why a group was emitted.
type Reason string

const (
	ReasonSingle   Reason = "single"
	ReasonLast     Reason = "last"
	ReasonTimeout  Reason = "timeout"
	ReasonOverflow Reason = "overflow"
	ReasonClose    Reason = "close"
)

// Key identifies one buffer.
type Key struct {
	Sender  transport.UserID
	GroupID string
}

func (k Key) String() string { return string(k.Sender) + "/" + k.GroupID }

// Group is one logical message: every fragment, in arrival order.
type Group struct {
	Key    Key
	Items  []*transport.Event
	Reason Reason
}

// First returns the first fragment.
func (g *Group) First() *transport.Event { return g.Items[0] }

// Options configures an Aggregator.
type Options struct {
	Window       time.Duration // inactivity before a timed flush
	MaxGroups    int           // open buffers
	MaxFragments int           // fragments per buffer
	Clock        clock.Clock
	Logger       *slog.Logger
}

type buffer struct {
	key   Key
	items []*transport.Event
	gen   uint64
	timer clock.Timer
	elem  *list.Element // position in Aggregator.age
}

// Aggregator groups fragments. Groups completed by Ingest itself are
// returned to the caller; groups completed by a timer, or pushed out by the
// open-buffer bound, go to the flush callback.
type Aggregator struct {
	opts    Options
	onFlush func(*Group)
	logger  *slog.Logger

	mu      sync.Mutex
	buffers map[Key]*buffer
	age     *list.List // buffers, oldest first
	flushed *dedupe.Cache
	closed  bool
}

// New creates an Aggregator. onFlush must not block for long; it runs on
// the timer goroutine or on the goroutine that triggered an eviction.
func New(opts Options, onFlush func(*Group)) *Aggregator {
	if opts.Window <= 0 {
		opts.Window = 1500 * time.Millisecond
	}
	if opts.MaxGroups <= 0 {
		opts.MaxGroups = 1024
	}
	if opts.MaxFragments <= 0 {
		opts.MaxFragments = 10
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Aggregator{
		opts:    opts,
		onFlush: onFlush,
		logger:  opts.Logger.With("component", "mediagroup"),
		buffers: make(map[Key]*buffer),
		age:     list.New(),
		flushed: dedupe.New(time.Minute, opts.MaxGroups*4, opts.Clock),
	}
}

// Ingest adds a fragment. It returns a complete group when this fragment
// finished one, and (nil, false) while the group is still open. Events
// without a media group id pass straight through.
func (a *Aggregator) Ingest(ev *transport.Event) (*Group, bool) {
	if ev.MediaGroupID == "" {
		return a.emit(&Group{Key: Key{Sender: ev.Sender}, Items: []*transport.Event{ev}, Reason: ReasonSingle}), true
	}

	key := Key{Sender: ev.Sender, GroupID: ev.MediaGroupID}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return a.emit(&Group{Key: key, Items: []*transport.Event{ev}, Reason: ReasonClose}), true
	}

	var evicted *Group
	buf, ok := a.buffers[key]
	if !ok {
		if a.flushed.Check(key.String()) {
			a.logger.Warn("late fragment opens a new group", "key", key.String(), "message_id", ev.MessageID)
		}
		if len(a.buffers) >= a.opts.MaxGroups {
			evicted = a.evictOldestLocked()
		}
		buf = &buffer{key: key}
		buf.elem = a.age.PushBack(buf)
		a.buffers[key] = buf
	}

	buf.items = append(buf.items, ev)
	buf.gen++

	var done *Group
	switch {
	case ev.LastFragment:
		done = a.takeLocked(buf, ReasonLast)
	case len(buf.items) >= a.opts.MaxFragments:
		a.logger.Warn("fragment bound reached, flushing early",
			"key", key.String(), "fragments", len(buf.items), "error", ErrOverflow)
		done = a.takeLocked(buf, ReasonOverflow)
	default:
		if buf.timer != nil {
			buf.timer.Stop()
		}
		gen := buf.gen
		buf.timer = a.opts.Clock.AfterFunc(a.opts.Window, func() { a.expire(buf, gen) })
	}
	a.mu.Unlock()

	if evicted != nil {
		a.deliver(evicted)
	}
	if done != nil {
		return a.emit(done), true
	}
	return nil, false
}

// takeLocked removes buf and returns its group. Any pending timer for it
// becomes a no-op because expire checks buffer identity and generation.
func (a *Aggregator) takeLocked(buf *buffer, reason Reason) *Group {
	if buf.timer != nil {
		buf.timer.Stop()
	}
	delete(a.buffers, buf.key)
	a.age.Remove(buf.elem)
	a.flushed.Mark(buf.key.String())
	return &Group{Key: buf.key, Items: buf.items, Reason: reason}
}

func (a *Aggregator) evictOldestLocked() *Group {
	front := a.age.Front()
	if front == nil {
		return nil
	}
	oldest, _ := front.Value.(*buffer)
	a.logger.Warn("open group bound reached, flushing oldest",
		"key", oldest.key.String(), "open", len(a.buffers), "error", ErrOverflow)
	return a.takeLocked(oldest, ReasonOverflow)
}

// expire is the timer callback for buf at generation gen.
func (a *Aggregator) expire(buf *buffer, gen uint64) {
	a.mu.Lock()
	if cur, ok := a.buffers[buf.key]; !ok || cur != buf || cur.gen != gen {
		a.mu.Unlock()
		return
	}
	g := a.takeLocked(buf, ReasonTimeout)
	a.mu.Unlock()

	a.deliver(g)
}

func (a *Aggregator) emit(g *Group) *Group {
	metrics.MediaGroupsFlushed.WithLabelValues(string(g.Reason)).Inc()
	return g
}

func (a *Aggregator) deliver(g *Group) {
	a.emit(g)
	a.logger.Debug("media group flushed", "key", g.Key.String(), "fragments", len(g.Items), "reason", g.Reason)
	if a.onFlush != nil {
		a.onFlush(g)
	}
}

// Pending returns the number of open buffers.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// Close flushes every open buffer through the callback. Later fragments
// pass straight through as one-item groups.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	var groups []*Group
	for e := a.age.Front(); e != nil; {
		next := e.Next()
		buf, _ := e.Value.(*buffer)
		groups = append(groups, a.takeLocked(buf, ReasonClose))
		e = next
	}
	a.mu.Unlock()

	for _, g := range groups {
		a.deliver(g)
	}
}
