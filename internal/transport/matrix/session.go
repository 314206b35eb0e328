// ABOUTME: Session implements transport.Transport with one mautrix client
// ABOUTME: Threads are m.thread relations rooted at a bot-posted header event

package matrix

import (
	"context"
	"fmt"
	"strconv"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/transport"
)

// Session is one pooled sender.
type Session struct {
	net *Network
	mx  *mautrix.Client
}

var _ transport.Transport = (*Session)(nil)

// relate attaches thread and reply relations. Inside a thread a plain message
// carries a falling-back reply to the root, as thread-unaware clients expect.
func relate(mc *event.MessageEventContent, thread transport.ThreadID, replyTo transport.MessageID) {
	switch {
	case thread != "":
		rel := &event.RelatesTo{
			Type:          event.RelThread,
			EventID:       id.EventID(thread),
			IsFallingBack: replyTo == "",
			InReplyTo:     &event.InReplyTo{EventID: id.EventID(thread)},
		}
		if replyTo != "" {
			rel.InReplyTo.EventID = id.EventID(replyTo)
		}
		mc.RelatesTo = rel
	case replyTo != "":
		mc.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: id.EventID(replyTo)}}
	}
}

func (s *Session) checkThread(thread transport.ThreadID) error {
	if thread != "" && s.net.isGone(id.EventID(thread)) {
		return transport.Permanent(fmt.Errorf("thread %s: %w", thread, transport.ErrThreadNotFound))
	}
	return nil
}

func (s *Session) send(ctx context.Context, chat transport.ChatID, mc *event.MessageEventContent, txnID string) (transport.MessageID, error) {
	var extra []mautrix.ReqSendEvent
	if txnID != "" {
		extra = append(extra, mautrix.ReqSendEvent{TransactionID: txnID})
	}
	resp, err := s.mx.SendMessageEvent(ctx, id.RoomID(chat), event.EventMessage, mc, extra...)
	if err != nil {
		return "", classify(err)
	}
	return transport.MessageID(resp.EventID), nil
}

// txn turns an idempotency key into a transaction id. The homeserver
// collapses repeated sends with the same id from this access token.
func txn(key string) string {
	if key == "" {
		return ""
	}
	return "relay." + key
}

// callTxn derives a transaction id for op from the call key on ctx, so every
// retry of one logical call reuses it.
func callTxn(ctx context.Context, op string) string {
	k := transport.CallKey(ctx)
	if k == "" {
		return ""
	}
	return txn(op + "." + k)
}

func (s *Session) Send(ctx context.Context, msg *transport.OutboundMessage) (transport.MessageID, error) {
	if err := s.checkThread(msg.Thread); err != nil {
		return "", err
	}
	mc := toEvent(msg.Content)
	relate(mc, msg.Thread, msg.ReplyTo)
	return s.send(ctx, msg.Chat, mc, txn(msg.IdempotencyKey))
}

// SendGroup posts the items in order; only the first carries the reply.
// A retried group reuses per-item transaction ids, so items that already
// went out are not duplicated.
func (s *Session) SendGroup(ctx context.Context, g *transport.OutboundGroup) ([]transport.MessageID, error) {
	if err := s.checkThread(g.Thread); err != nil {
		return nil, err
	}
	ids := make([]transport.MessageID, 0, len(g.Items))
	for i, item := range g.Items {
		mc := toEvent(item)
		replyTo := g.ReplyTo
		if i > 0 {
			replyTo = ""
		}
		relate(mc, g.Thread, replyTo)

		key := ""
		if g.IdempotencyKey != "" {
			key = txn(g.IdempotencyKey + "." + strconv.Itoa(i))
		}
		msgID, err := s.send(ctx, g.Chat, mc, key)
		if err != nil {
			return nil, err
		}
		ids = append(ids, msgID)
	}
	return ids, nil
}

// fetch loads and parses a message event.
func (s *Session) fetch(ctx context.Context, ref transport.MessageRef) (*event.MessageEventContent, error) {
	evt, err := s.mx.GetEvent(ctx, id.RoomID(ref.Chat), id.EventID(ref.ID))
	if err != nil {
		return nil, classify(err)
	}
	if evt.Content.Parsed == nil {
		evt.Type.Class = event.MessageEventType
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			return nil, transport.Permanent(fmt.Errorf("parsing %s: %w", ref, err))
		}
	}
	mc := evt.Content.AsMessage()
	if mc == nil || mc.MsgType == "" {
		return nil, transport.Permanent(fmt.Errorf("%s is not a message", ref))
	}
	return mc, nil
}

// Copy re-posts src. The latest edit is not resolved; the original content is copied.
func (s *Session) Copy(ctx context.Context, src transport.MessageRef, dst *transport.OutboundMessage) (transport.MessageID, error) {
	if err := s.checkThread(dst.Thread); err != nil {
		return "", err
	}
	orig, err := s.fetch(ctx, src)
	if err != nil {
		return "", err
	}
	content, ok := fromEvent(orig)
	if !ok {
		return "", transport.Permanent(fmt.Errorf("cannot copy %s message", orig.MsgType))
	}
	mc := toEvent(content)
	if orig.Format == event.FormatHTML {
		mc.Format = orig.Format
		mc.FormattedBody = orig.FormattedBody
	}
	relate(mc, dst.Thread, dst.ReplyTo)
	return s.send(ctx, dst.Chat, mc, txn(dst.IdempotencyKey))
}

func (s *Session) Edit(ctx context.Context, ref transport.MessageRef, content transport.Content) error {
	replacement := toEvent(content)
	mc := &event.MessageEventContent{
		MsgType:    replacement.MsgType,
		Body:       "* " + replacement.Body,
		NewContent: replacement,
		RelatesTo:  &event.RelatesTo{Type: event.RelReplace, EventID: id.EventID(ref.ID)},
	}
	if replacement.FormattedBody != "" {
		mc.Format = event.FormatHTML
		mc.FormattedBody = "* " + replacement.FormattedBody
	}
	_, err := s.send(ctx, ref.Chat, mc, callTxn(ctx, "edit"))
	return err
}

func (s *Session) Delete(ctx context.Context, chat transport.ChatID, ids []transport.MessageID) error {
	for _, msgID := range ids {
		_, err := s.mx.RedactEvent(ctx, id.RoomID(chat), id.EventID(msgID))
		if err != nil && !isNotFound(err) {
			return classify(err)
		}
	}
	return nil
}

// CreateThread posts the header event that roots the thread.
func (s *Session) CreateThread(ctx context.Context, title string, intro transport.Content) (transport.ThreadID, error) {
	root, err := s.send(ctx, s.net.AdminChat(), toEvent(threadHeader(title, intro)), callTxn(ctx, "thread"))
	if err != nil {
		return "", err
	}
	s.net.logger.Info("thread created", "root", root, "title", title)
	return transport.ThreadID(root), nil
}

// RenameThread edits the title line of the root event.
func (s *Session) RenameThread(ctx context.Context, thread transport.ThreadID, title string) error {
	if err := s.checkThread(thread); err != nil {
		return err
	}
	ref := transport.MessageRef{Chat: s.net.AdminChat(), ID: transport.MessageID(thread)}
	root, err := s.fetch(ctx, ref)
	if err != nil {
		if isNotFound(err) {
			s.net.markGone(id.EventID(thread))
			return transport.Permanent(fmt.Errorf("thread %s: %w", thread, transport.ErrThreadNotFound))
		}
		return err
	}
	return s.Edit(ctx, ref, transport.Markdown(retitle(root.Body, title)))
}

// DeleteThread redacts the root; replies stay but the thread is unreachable.
func (s *Session) DeleteThread(ctx context.Context, thread transport.ThreadID) error {
	_, err := s.mx.RedactEvent(ctx, s.net.adminRoom, id.EventID(thread), mautrix.ReqRedact{Reason: "conversation cleared"})
	if err != nil && !isNotFound(err) {
		return classify(err)
	}
	s.net.markGone(id.EventID(thread))
	return nil
}
