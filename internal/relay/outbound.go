// ABOUTME: Agent side of the relay: thread messages and edits back to the user
// ABOUTME: Refuses blocked users with ErrUserBlocked and clears unread on reply

package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-relay/internal/delivery"
	"github.com/2389/coven-relay/internal/mediagroup"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
)

// threadOwner resolves the user behind an agent event and checks they can
// be written to. A nil user with a nil error means the event is not for a
// user thread.
func (e *Engine) threadOwner(ctx context.Context, ev *transport.Event) (*store.User, *store.Thread, error) {
	u, th, err := e.dir.LookupByThread(ctx, string(ev.ThreadID))
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Debug("message in unknown thread ignored", "thread_id", ev.ThreadID)
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	switch {
	case th.Status == store.ThreadArchived:
		e.notify(ctx, e.adminChat, ev.ThreadID, textThreadArchived)
		return nil, nil, nil
	case u.Blocked:
		e.notify(ctx, e.adminChat, ev.ThreadID, textAgentBlocked)
		return nil, nil, fmt.Errorf("thread %s: %w", th.ID, ErrUserBlocked)
	case th.Status == store.ThreadClosed:
		e.notify(ctx, e.adminChat, ev.ThreadID, textAgentClosed)
		return nil, nil, nil
	}
	return u, th, nil
}

// forwardToUser copies an agent's message or album into the user's chat.
func (e *Engine) forwardToUser(ctx context.Context, g *mediagroup.Group) error {
	first := g.First()
	u, th, err := e.threadOwner(ctx, first)
	if err != nil || u == nil {
		return err
	}

	userChat := transport.ChatID(u.ChatID)
	replyTo := e.mapReply(ctx, first, userChat)
	ids, err := e.sendItems(ctx, g, userChat, "", replyTo, "out")
	if err != nil {
		if !errors.Is(err, delivery.ErrDeliveryFailed) {
			e.notify(ctx, e.adminChat, first.ThreadID, fmt.Sprintf(textUndelivered, err))
		}
		return fmt.Errorf("forwarding %s to %s: %w", first.Ref(), u.ID, err)
	}

	e.commit(ctx, th.ID, g, ids, userChat, store.DirectionOutbound)
	metrics.MessagesRelayed.WithLabelValues("outbound").Add(float64(len(g.Items)))
	e.clearUnread(ctx, th.ID)
	return nil
}

func (e *Engine) handleAgentEdit(ctx context.Context, ev *transport.Event) error {
	u, _, err := e.threadOwner(ctx, ev)
	if err != nil || u == nil {
		return err
	}
	return e.propagateEdit(ctx, ev)
}

// clearUnread marks a thread read and removes its notice.
func (e *Engine) clearUnread(ctx context.Context, threadID string) {
	notice, err := e.unread.Clear(ctx, threadID)
	if err != nil {
		e.logger.Warn("clearing unread", "thread_id", threadID, "error", err)
		return
	}
	e.removeNotice(ctx, notice)
}
