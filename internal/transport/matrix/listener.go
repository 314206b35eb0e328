// ABOUTME: Sync listener turning Matrix timeline events into transport events
// ABOUTME: Skips own events and history, joins invites, flags group rooms and bot mentions

package matrix

import (
	"context"
	"fmt"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/transport"
)

// Handler receives one inbound event. It runs on its own goroutine.
type Handler func(ctx context.Context, ev *transport.Event) error

// historySkew tolerates clock drift between us and the homeserver when
// deciding whether an event predates startup.
const historySkew = 5 * time.Second

// networkTimeout bounds the side calls the listener makes itself.
const networkTimeout = 10 * time.Second

// Listener runs the sync loop.
type Listener struct {
	net     *Network
	mx      *mautrix.Client
	handler Handler
	since   time.Time

	ctx context.Context
	wg  sync.WaitGroup
}

// Listen syncs until ctx is cancelled, passing each message to handler. It
// returns after in-flight handlers finish.
func (n *Network) Listen(ctx context.Context, handler Handler) error {
	mx, err := n.newClient()
	if err != nil {
		return err
	}
	l := &Listener{net: n, mx: mx, handler: handler, since: time.Now().Add(-historySkew), ctx: ctx}

	syncer, ok := mx.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", mx.Syncer)
	}
	syncer.OnEventType(event.EventMessage, l.onMessage)
	syncer.OnEventType(event.EventRedaction, l.onRedaction)
	syncer.OnEventType(event.StateMember, l.onMember)

	n.logger.Info("connecting to matrix homeserver", "homeserver", n.homeserver, "user_id", n.botID)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- mx.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		n.logger.Info("stopping matrix listener")
		l.wg.Wait()
		return nil
	case err := <-syncErr:
		l.wg.Wait()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

func (l *Listener) onMessage(ctx context.Context, evt *event.Event) {
	if time.UnixMilli(evt.Timestamp).Before(l.since) {
		return
	}
	ev, ok := l.net.convert(evt)
	if !ok {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(l.ctx, networkTimeout)
		ev.SenderName = l.net.displayName(ctx, l.mx, id.UserID(ev.Sender))
		if ev.Chat == l.net.AdminChat() {
			if ev.EditOf != "" {
				ev.ThreadID = l.threadOf(ctx, evt.RoomID, id.EventID(ev.EditOf))
			}
		} else if info := l.net.room(ctx, l.mx, evt.RoomID); info.group {
			ev.Group = true
			ev.ChatName = info.name
		}
		cancel()

		if err := l.handler(l.ctx, ev); err != nil {
			l.net.logger.Debug("event not relayed", "room", evt.RoomID, "event_id", evt.ID, "error", err)
		}
	}()
}

// threadOf finds the thread an edited admin message belongs to. Edits carry
// only the replace relation, so the original event is fetched.
func (l *Listener) threadOf(ctx context.Context, room id.RoomID, original id.EventID) transport.ThreadID {
	evt, err := l.mx.GetEvent(ctx, room, original)
	if err != nil {
		l.net.logger.Debug("looking up edited event", "event_id", original, "error", err)
		return ""
	}
	if evt.Content.Parsed == nil {
		evt.Type.Class = event.MessageEventType
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			return ""
		}
	}
	if rel := evt.Content.AsMessage().RelatesTo; rel != nil && rel.Type == event.RelThread {
		return transport.ThreadID(rel.EventID)
	}
	return ""
}

func (l *Listener) onRedaction(ctx context.Context, evt *event.Event) {
	if evt.RoomID != l.net.adminRoom {
		return
	}
	target := evt.Redacts
	if rc, ok := evt.Content.Parsed.(*event.RedactionEventContent); ok && rc.Redacts != "" {
		target = rc.Redacts
	}
	if target != "" {
		l.net.markGone(target)
	}
}

// onMember accepts invites so users can open a direct room with the bot.
// Any membership change resets the room's cached kind.
func (l *Listener) onMember(ctx context.Context, evt *event.Event) {
	l.net.forgetRoom(evt.RoomID)
	if evt.GetStateKey() != l.net.botID.String() {
		return
	}
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite {
		return
	}

	joinCtx, cancel := context.WithTimeout(l.ctx, networkTimeout)
	defer cancel()
	if _, err := l.mx.JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		l.net.logger.Warn("joining invited room", "room", evt.RoomID, "inviter", evt.Sender, "error", err)
		return
	}
	l.net.logger.Info("joined room", "room", evt.RoomID, "inviter", evt.Sender)
}

// convert maps a message event onto a transport event. ok is false for the
// bot's own events and for content the relay does not carry.
func (n *Network) convert(evt *event.Event) (*transport.Event, bool) {
	if evt.Sender == n.botID {
		return nil, false
	}
	mc := evt.Content.AsMessage()
	if mc == nil {
		return nil, false
	}

	ev := &transport.Event{
		Chat:      transport.ChatID(evt.RoomID),
		Sender:    transport.UserID(evt.Sender),
		MessageID: transport.MessageID(evt.ID),
		Timestamp: time.UnixMilli(evt.Timestamp),
	}

	body := mc
	if rel := mc.RelatesTo; rel != nil {
		switch rel.Type {
		case event.RelReplace:
			ev.EditOf = transport.MessageID(rel.EventID)
			if mc.NewContent != nil {
				body = mc.NewContent
			}
		case event.RelThread:
			ev.ThreadID = transport.ThreadID(rel.EventID)
			if rel.InReplyTo != nil && !rel.IsFallingBack {
				ev.ReplyTo = transport.MessageID(rel.InReplyTo.EventID)
			}
		default:
			if rel.InReplyTo != nil {
				ev.ReplyTo = transport.MessageID(rel.InReplyTo.EventID)
			}
		}
	}

	content, ok := fromEvent(body)
	if !ok {
		return nil, false
	}
	ev.Content = content
	ev.Mentioned = n.mentionsBot(body, content.Text)
	return ev, true
}
