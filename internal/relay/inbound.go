// ABOUTME: User side of the relay: private chat messages and edits into the admin thread
// ABOUTME: Handles challenges, blocked and closed users, throttling, vanished threads and unread marks

package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-relay/internal/correlator"
	"github.com/2389/coven-relay/internal/delivery"
	"github.com/2389/coven-relay/internal/directory"
	"github.com/2389/coven-relay/internal/mediagroup"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
)

func profileOf(ev *transport.Event) directory.Profile {
	return directory.Profile{
		UserID:      string(ev.Sender),
		ChatID:      string(ev.Chat),
		DisplayName: ev.SenderName,
		Premium:     ev.Premium,
	}
}

func (e *Engine) handleUserMessage(ctx context.Context, ev *transport.Event) error {
	ok, err := e.admit(ctx, ev)
	if !ok {
		return err
	}
	return e.ingest(ctx, ev)
}

// resolve finds or opens the sender's thread. A nil thread with a nil error
// means the user was answered directly and nothing should be forwarded.
func (e *Engine) resolve(ctx context.Context, ev *transport.Event) (*store.User, *store.Thread, error) {
	u, th, err := e.dir.ResolveOrCreate(ctx, e.profileFor(ctx, ev))
	switch {
	case errors.Is(err, directory.ErrUserBlocked):
		metrics.BlockedInbound.Inc()
		e.notify(ctx, ev.Chat, "", e.relayConfig().BlockedMessage)
		return u, nil, nil
	case errors.Is(err, directory.ErrThreadCreationFailed):
		e.notify(ctx, ev.Chat, "", textTryAgain)
		return u, nil, err
	case err != nil:
		return u, nil, err
	}

	if th.Status == store.ThreadClosed {
		e.notify(ctx, ev.Chat, "", textConversationClosed)
		return u, nil, nil
	}
	return u, th, nil
}

// forwardToThread copies a user's message or album into their thread. The
// throttle is charged once per message, so an album costs one unit.
func (e *Engine) forwardToThread(ctx context.Context, g *mediagroup.Group) error {
	first := g.First()
	if !e.throttle.allow(string(first.Sender)) {
		metrics.Throttled.Inc()
		if !first.Group {
			e.notify(ctx, first.Chat, "", textThrottled)
		}
		return nil
	}

	u, th, err := e.resolve(ctx, first)
	if err != nil || th == nil {
		return err
	}

	replyTo := e.mapReply(ctx, first, e.adminChat)
	ids, err := e.sendItems(ctx, g, e.adminChat, transport.ThreadID(th.ID), replyTo, "in")
	if err != nil {
		return e.inboundFailed(ctx, u, th, first, err)
	}

	e.commit(ctx, th.ID, g, ids, e.adminChat, store.DirectionInbound)
	metrics.MessagesRelayed.WithLabelValues("inbound").Add(float64(len(g.Items)))

	n, err := e.unread.MarkUnread(ctx, th.ID)
	if err != nil {
		e.logger.Warn("marking thread unread", "thread_id", th.ID, "error", err)
		return nil
	}
	if n == 1 {
		e.postUnreadNotice(ctx, th, first.Ref())
	}
	return nil
}

func (e *Engine) inboundFailed(ctx context.Context, u *store.User, th *store.Thread, ev *transport.Event, err error) error {
	switch {
	case errors.Is(err, transport.ErrThreadNotFound):
		// The thread was deleted on the network; start over on the next message.
		if _, ferr := e.dir.Forget(ctx, u.ID); ferr != nil {
			e.logger.Error("archiving vanished thread", "thread_id", th.ID, "error", ferr)
		}
		e.notify(ctx, ev.Chat, "", textResend)
	case errors.Is(err, delivery.ErrDeliveryFailed):
		// The delivery client already told the admin space.
	case transport.IsPermanent(err):
		e.notify(ctx, ev.Chat, "", textApology)
	}
	return fmt.Errorf("forwarding %s to thread %s: %w", ev.Ref(), th.ID, err)
}

// sendItems sends a single message or a group and returns the new ids in
// item order.
func (e *Engine) sendItems(ctx context.Context, g *mediagroup.Group, chat transport.ChatID, thread transport.ThreadID, replyTo transport.MessageID, dir string) ([]transport.MessageID, error) {
	first := g.First()
	key := dir + ":" + first.Ref().String()

	if len(g.Items) == 1 {
		id, err := e.out.Send(ctx, &transport.OutboundMessage{
			Chat:           chat,
			Thread:         thread,
			ReplyTo:        replyTo,
			Content:        first.Content,
			IdempotencyKey: key,
		})
		if err != nil {
			return nil, err
		}
		return []transport.MessageID{id}, nil
	}

	items := make([]transport.Content, len(g.Items))
	for i, ev := range g.Items {
		items[i] = ev.Content
	}
	return e.out.SendGroup(ctx, &transport.OutboundGroup{
		Chat:           chat,
		Thread:         thread,
		ReplyTo:        replyTo,
		Items:          items,
		IdempotencyKey: key + "+" + fmt.Sprint(len(items)),
	})
}

// mapReply translates the reply target of ev into a message id in target.
func (e *Engine) mapReply(ctx context.Context, ev *transport.Event, target transport.ChatID) transport.MessageID {
	if ev.ReplyTo == "" {
		return ""
	}
	ref, ok, err := e.links.Counterpart(ctx, transport.MessageRef{Chat: ev.Chat, ID: ev.ReplyTo})
	if err != nil {
		e.logger.Warn("mapping reply", "message_id", ev.ReplyTo, "error", err)
		return ""
	}
	if !ok || ref.Chat != target {
		return ""
	}
	return ref.ID
}

// commit records links and activity for a delivered group.
func (e *Engine) commit(ctx context.Context, threadID string, g *mediagroup.Group, ids []transport.MessageID, destChat transport.ChatID, dir store.Direction) {
	unlock := e.locks.Lock(threadID)
	defer unlock()

	for i, ev := range g.Items {
		if i >= len(ids) {
			e.logger.Warn("fewer ids than items", "thread_id", threadID, "items", len(g.Items), "ids", len(ids))
			break
		}
		err := e.links.Record(ctx, correlator.Link{
			Source:       ev.Ref(),
			Dest:         transport.MessageRef{Chat: destChat, ID: ids[i]},
			Direction:    dir,
			MediaGroupID: ev.MediaGroupID,
			ThreadID:     threadID,
		})
		if err != nil {
			e.logger.Error("recording message link", "thread_id", threadID, "error", err)
		}
	}
	if err := e.dir.Touch(ctx, threadID); err != nil {
		e.logger.Warn("touching thread", "thread_id", threadID, "error", err)
	}
}

func (e *Engine) handleUserEdit(ctx context.Context, ev *transport.Event) error {
	u, err := e.dir.User(ctx, string(ev.Sender))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if u.Blocked {
		return nil
	}
	return e.propagateEdit(ctx, ev)
}

// propagateEdit edits the counterpart of the edited message in place.
func (e *Engine) propagateEdit(ctx context.Context, ev *transport.Event) error {
	src := transport.MessageRef{Chat: ev.Chat, ID: ev.EditOf}
	dst, ok, err := e.links.FindDestination(ctx, src)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Info("edit of unrelayed message ignored", "message", src.String())
		return nil
	}
	if err := e.out.Edit(ctx, dst, ev.Content); err != nil {
		return fmt.Errorf("propagating edit of %s: %w", src, err)
	}
	return nil
}
