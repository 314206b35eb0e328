// ABOUTME: Relay engine wiring directory, aggregator, correlator and unread tracker
// ABOUTME: Dispatch routes each inbound event to the user or agent path

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/clock"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/correlator"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/delivery"
	"github.com/2389/coven-relay/internal/directory"
	"github.com/2389/coven-relay/internal/keylock"
	"github.com/2389/coven-relay/internal/mediagroup"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
	"github.com/2389/coven-relay/internal/unread"
)

var (
	// ErrUserBlocked is returned when an agent writes to a blocked user.
	ErrUserBlocked = directory.ErrUserBlocked

	// ErrNotPermitted is returned when a non-admin runs an admin command.
	ErrNotPermitted = errors.New("not permitted")
)

// dedupeCapacity bounds the number of remembered inbound event ids.
const dedupeCapacity = 100_000

// Sender is the outbound side of the relay. Notify sends once and never
// reports failure; everything else may retry.
type Sender interface {
	transport.Transport
	Notify(ctx context.Context, msg *transport.OutboundMessage) (transport.MessageID, error)
}

// Options configures an Engine.
type Options struct {
	Holder    *config.Holder
	Store     store.Store
	Sender    Sender
	AdminChat transport.ChatID
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Engine relays messages between user chats and the admin space.
type Engine struct {
	holder    *config.Holder
	store     store.Store
	out       Sender
	adminChat transport.ChatID
	clock     clock.Clock
	logger    *slog.Logger

	dir      *directory.Directory
	links    *correlator.Correlator
	unread   *unread.Tracker
	groups   *mediagroup.Aggregator
	seen     *dedupe.Cache
	throttle *throttle

	challengeMu sync.Mutex
	challenges  map[string]*challenge

	locks    keylock.Map
	systemMu sync.Mutex
	inflight sync.WaitGroup
	started  time.Time
}

var _ delivery.Reporter = (*Engine)(nil)

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Holder == nil:
		return nil, errors.New("relay: config holder is required")
	case opts.Store == nil:
		return nil, errors.New("relay: store is required")
	case opts.Sender == nil:
		return nil, errors.New("relay: sender is required")
	case opts.AdminChat == "":
		return nil, errors.New("relay: admin chat is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cfg := opts.Holder.Config().Relay
	e := &Engine{
		holder:    opts.Holder,
		store:     opts.Store,
		out:       opts.Sender,
		adminChat: opts.AdminChat,
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "relay"),
		started:   opts.Clock.Now(),

		challenges: make(map[string]*challenge),
	}

	e.dir = directory.New(opts.Store, opts.Sender, directory.Options{Clock: opts.Clock, Logger: opts.Logger})
	e.links = correlator.New(opts.Store, 0, opts.Logger)
	e.unread = unread.New(opts.Store, opts.Logger)
	e.seen = dedupe.New(cfg.DedupeWindow, dedupeCapacity, opts.Clock)
	e.throttle = newThrottle(cfg.UserMessageInterval, opts.Clock)
	e.groups = mediagroup.New(mediagroup.Options{
		Window:       cfg.MediaGroupWindow,
		MaxGroups:    cfg.MaxMediaGroups,
		MaxFragments: cfg.MaxGroupFragments,
		Clock:        opts.Clock,
		Logger:       opts.Logger,
	}, e.flushed)

	opts.Holder.OnReload(e.applyConfig)
	return e, nil
}

func (e *Engine) relayConfig() config.RelayConfig {
	return e.holder.Config().Relay
}

func (e *Engine) applyConfig(s *config.Snapshot) {
	e.throttle.setInterval(s.Config.Relay.UserMessageInterval)
	e.logger.Info("relay config applied", "version", s.Version)
}

// Directory exposes the thread directory for the admin API.
func (e *Engine) Directory() *directory.Directory { return e.dir }

// Dispatch handles one inbound event. Errors are logged here and returned for
// the caller's information; one user's failure never affects another.
func (e *Engine) Dispatch(ctx context.Context, ev *transport.Event) (err error) {
	e.inflight.Add(1)
	defer e.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic handling event", "chat", ev.Chat, "message_id", ev.MessageID, "panic", r)
			err = fmt.Errorf("handling %s: panic: %v", ev.Ref(), r)
		}
	}()

	key := "ev:" + ev.Ref().String()
	if e.seen.CheckAndMark(key) {
		e.logger.Debug("duplicate event dropped", "chat", ev.Chat, "message_id", ev.MessageID)
		return nil
	}

	if ev.Chat == e.adminChat {
		err = e.handleAdminEvent(ctx, ev)
	} else {
		err = e.handleUserEvent(ctx, ev)
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrUserBlocked), errors.Is(err, ErrNotPermitted):
		e.logger.Info("event refused", "chat", ev.Chat, "message_id", ev.MessageID, "reason", err)
	default:
		// Let a redelivery of the same event try again.
		e.seen.Forget(key)
		e.logger.Warn("event not relayed", "chat", ev.Chat, "message_id", ev.MessageID, "error", err)
	}
	return err
}

func (e *Engine) handleAdminEvent(ctx context.Context, ev *transport.Event) error {
	if isCommand(ev) {
		if handled, err := e.runCommand(ctx, ev); handled {
			return err
		}
	}
	if ev.ThreadID == "" {
		return nil
	}
	if ev.EditOf != "" {
		return e.handleAgentEdit(ctx, ev)
	}
	return e.ingest(ctx, ev)
}

func (e *Engine) handleUserEvent(ctx context.Context, ev *transport.Event) error {
	if ev.Group {
		return e.handleGroupEvent(ctx, ev)
	}
	if ev.EditOf != "" {
		return e.handleUserEdit(ctx, ev)
	}
	if isCommand(ev) {
		if handled, err := e.runUserCommand(ctx, ev); handled {
			return err
		}
	}
	return e.handleUserMessage(ctx, ev)
}

// flushed receives groups completed by timer, eviction or shutdown.
func (e *Engine) flushed(g *mediagroup.Group) {
	e.inflight.Add(1)
	defer e.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic relaying media group", "group", g.Key.String(), "panic", r)
		}
	}()

	ctx := context.Background()
	if err := e.relayGroup(ctx, g); err != nil {
		e.logger.Warn("media group not relayed", "group", g.Key.String(), "reason", g.Reason, "error", err)
	}
}

// relayGroup forwards a completed group in the direction it came from.
func (e *Engine) relayGroup(ctx context.Context, g *mediagroup.Group) error {
	if g.First().Chat == e.adminChat {
		return e.forwardToUser(ctx, g)
	}
	return e.forwardToThread(ctx, g)
}

// ingest passes ev through the aggregator and relays whatever completes.
func (e *Engine) ingest(ctx context.Context, ev *transport.Event) error {
	g, ok := e.groups.Ingest(ev)
	if !ok {
		return nil
	}
	return e.relayGroup(ctx, g)
}

// ReportDeliveryFailure posts a diagnostic in the admin space. It is called
// by the delivery client once a call has used up its retries.
func (e *Engine) ReportDeliveryFailure(ctx context.Context, f *delivery.Failure) {
	target := f.Destination
	if chat, thread, ok := strings.Cut(f.Destination, "#"); ok && chat != "" {
		target = fmt.Sprintf("thread %s (%s)", thread, chat)
	}
	text := fmt.Sprintf("⚠️ Delivery failed: %s to %s gave up after %d attempts (%s", f.Op, target, f.Attempts, f.PayloadKind)
	if f.SourceRef != "" {
		text += ", source " + f.SourceRef
	}
	text += fmt.Sprintf("): %v", f.Err)

	e.notify(ctx, e.adminChat, "", text)
}

// notify sends bot chatter once, logging failure.
func (e *Engine) notify(ctx context.Context, chat transport.ChatID, thread transport.ThreadID, text string) transport.MessageID {
	id, err := e.out.Notify(ctx, &transport.OutboundMessage{Chat: chat, Thread: thread, Content: transport.Text(text)})
	if err != nil {
		e.logger.Warn("notice not sent", "chat", chat, "thread", thread, "error", err)
	}
	return id
}

// Close flushes pending media groups and waits for in-flight handlers.
func (e *Engine) Close() {
	e.groups.Close()
	e.inflight.Wait()
}
