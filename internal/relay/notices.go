// ABOUTME: Bot-authored texts and the unread and spam system threads
// ABOUTME: A thread going unread posts one notice in the inbox; reading it removes the notice

package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
)

const (
	textThrottled          = "You're sending messages too quickly. Please wait a moment and try again."
	textTryAgain           = "Sorry, we couldn't open your conversation right now. Please send your message again in a minute."
	textApology            = "Sorry, your message could not be delivered. Please try again later."
	textResend             = "Your conversation was reset. Please send your last message again."
	textConversationClosed = "This conversation has been closed by support."
	textConversationOpened = "Support has reopened this conversation. You can write again."
	textThreadArchived     = "This conversation was cleared. Newer messages from the user arrive in a new thread."
	textAgentBlocked       = "⛔ This user is blocked; your message was not delivered. Use /unblock to resume."
	textAgentClosed        = "This thread is closed; your message was not delivered. Use /reopen first."
	textUndelivered        = "❗ Not delivered to the user: %v"

	textChallenge   = "Before we connect you with the team, please answer: %s"
	textWrongAnswer = "That's not right. You can try again in %s."
	textMuted       = "Please wait %s before trying again."
	textVerified    = "Thanks! You can send your message now."
	textMentionedIn = "📣 Mentioned in %s"
)

// systemThread is a bot-owned thread in the admin space.
type systemThread struct {
	name  string
	title string
	intro string
}

// unreadThreadName is the system thread holding unread notices.
const unreadThreadName = "unread"

var (
	inboxThread = systemThread{unreadThreadName, "🔔 Unread", "Conversations waiting for a reply are listed here."}
	spamThread  = systemThread{"spam", "🚫 Spam", "Conversations reported as spam are listed here."}
)

// openSystemThread returns the system thread st, opening it on first use.
func (e *Engine) openSystemThread(ctx context.Context, st systemThread) (transport.ThreadID, error) {
	e.systemMu.Lock()
	defer e.systemMu.Unlock()

	id, err := e.store.GetSystemThread(ctx, st.name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if id != "" {
		return transport.ThreadID(id), nil
	}

	th, err := e.out.CreateThread(ctx, st.title, transport.Text(st.intro))
	if err != nil {
		return "", fmt.Errorf("opening %s thread: %w", st.name, err)
	}
	if err := e.store.SetSystemThread(ctx, st.name, string(th)); err != nil {
		return "", err
	}
	return th, nil
}

// postSystem posts text into st. key makes retries of one post collapse.
func (e *Engine) postSystem(ctx context.Context, st systemThread, text, key string) (transport.MessageID, error) {
	th, err := e.openSystemThread(ctx, st)
	if err != nil {
		return "", err
	}
	id, err := e.out.Send(ctx, &transport.OutboundMessage{
		Chat:           e.adminChat,
		Thread:         th,
		Content:        transport.Text(text),
		IdempotencyKey: key,
	})
	if errors.Is(err, transport.ErrThreadNotFound) {
		// Someone deleted it; the next post opens a new one.
		if rerr := e.store.SetSystemThread(ctx, st.name, ""); rerr != nil {
			e.logger.Warn("resetting system thread", "name", st.name, "error", rerr)
		}
	}
	return id, err
}

// postUnreadNotice announces that th has something unread. trigger is the
// message that made it unread.
func (e *Engine) postUnreadNotice(ctx context.Context, th *store.Thread, trigger transport.MessageRef) {
	text := fmt.Sprintf("🔔 %s has unread messages (thread %s)", th.Title, th.ID)
	id, err := e.postSystem(ctx, inboxThread, text, "unread:"+trigger.String())
	if err != nil {
		e.logger.Warn("posting unread notice", "thread_id", th.ID, "error", err)
		return
	}

	attached, err := e.unread.SetNotice(ctx, th.ID, string(id))
	if err != nil {
		e.logger.Warn("attaching unread notice", "thread_id", th.ID, "error", err)
	}
	if !attached {
		e.removeNotice(ctx, string(id))
	}
}

func (e *Engine) removeNotice(ctx context.Context, notice string) {
	if notice == "" {
		return
	}
	if err := e.out.Delete(ctx, e.adminChat, []transport.MessageID{transport.MessageID(notice)}); err != nil {
		e.logger.Warn("removing unread notice", "notice_id", notice, "error", err)
	}
}
