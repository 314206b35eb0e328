// ABOUTME: Admin commands typed in the admin space and user commands in private chats
// ABOUTME: Admin commands are refused with no side effect unless the sender is allow-listed

package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
)

func isCommand(ev *transport.Event) bool {
	return ev.EditOf == "" && ev.Content.Kind == transport.KindText && strings.HasPrefix(strings.TrimSpace(ev.Content.Text), "/")
}

// parseCommand splits "/name@bot arg..." into a lowercase name and args.
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return "", nil
	}
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	name, _, _ = strings.Cut(name, "@")
	return name, fields[1:]
}

// runUserCommand handles commands in a user's private chat. Unknown commands
// are not handled and get relayed like any other text.
func (e *Engine) runUserCommand(ctx context.Context, ev *transport.Event) (bool, error) {
	name, _ := parseCommand(ev.Content.Text)
	cfg := e.relayConfig()

	var text string
	switch name {
	case "start":
		if _, err := e.dir.Register(ctx, profileOf(ev)); err != nil {
			return true, err
		}
		text = cfg.WelcomeMessage
	case "help":
		text = cfg.HelpMessage
	default:
		return false, nil
	}
	_, err := e.out.Send(ctx, &transport.OutboundMessage{
		Chat:           ev.Chat,
		Content:        transport.Markdown(text),
		IdempotencyKey: "cmd:" + ev.Ref().String(),
	})
	return true, err
}

// command is one admin invocation.
type command struct {
	ev   *transport.Event
	name string
	args []string
}

func (c *command) reply(ctx context.Context, e *Engine, text string) {
	e.notify(ctx, e.adminChat, c.ev.ThreadID, text)
}

var errNeedsThread = errors.New("run this command inside a user's thread")

// adminCommands lists every admin command, in help order.
var adminCommands = []string{"clear", "broadcast", "block", "unblock", "read", "readall", "spam", "close", "reopen", "reload", "status"}

func commandList() string {
	return "/" + strings.Join(adminCommands, " /")
}

// runCommand executes an admin command. Text that only looks like a command
// is not handled, so inside a thread it gets relayed like any other text.
func (e *Engine) runCommand(ctx context.Context, ev *transport.Event) (bool, error) {
	name, args := parseCommand(ev.Content.Text)
	cmd := &command{ev: ev, name: name, args: args}

	if !slices.Contains(adminCommands, name) {
		if ev.ThreadID != "" {
			return false, nil
		}
		if e.relayConfig().IsAdmin(string(ev.Sender)) {
			cmd.reply(ctx, e, fmt.Sprintf("Unknown command /%s. Commands: %s", name, commandList()))
		}
		return true, nil
	}

	if !e.relayConfig().IsAdmin(string(ev.Sender)) {
		cmd.reply(ctx, e, "⛔ You are not permitted to run admin commands.")
		return true, fmt.Errorf("/%s by %s: %w", name, ev.Sender, ErrNotPermitted)
	}
	e.logger.Info("admin command", "command", name, "admin", ev.Sender, "thread_id", ev.ThreadID)

	var err error
	switch name {
	case "clear":
		err = e.cmdClear(ctx, cmd)
	case "broadcast":
		err = e.cmdBroadcast(ctx, cmd)
	case "block":
		err = e.cmdBlock(ctx, cmd, true)
	case "unblock":
		err = e.cmdBlock(ctx, cmd, false)
	case "read":
		err = e.cmdRead(ctx, cmd)
	case "readall":
		err = e.cmdReadAll(ctx, cmd)
	case "spam":
		err = e.cmdSpam(ctx, cmd)
	case "close":
		err = e.cmdClose(ctx, cmd)
	case "reopen":
		err = e.cmdReopen(ctx, cmd)
	case "reload":
		err = e.cmdReload(ctx, cmd)
	case "status":
		err = e.cmdStatus(ctx, cmd)
	}
	if err != nil {
		cmd.reply(ctx, e, fmt.Sprintf("/%s failed: %v", name, err))
		return true, fmt.Errorf("/%s: %w", name, err)
	}
	return true, nil
}

// threadOf returns the user and thread the command was typed in.
func (e *Engine) threadOf(ctx context.Context, cmd *command) (*store.User, *store.Thread, error) {
	if cmd.ev.ThreadID == "" {
		return nil, nil, errNeedsThread
	}
	u, th, err := e.dir.LookupByThread(ctx, string(cmd.ev.ThreadID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, errNeedsThread
	}
	return u, th, err
}

func (e *Engine) cmdClear(ctx context.Context, cmd *command) error {
	u, th, err := e.threadOf(ctx, cmd)
	if err != nil {
		return err
	}

	unlock := e.locks.Lock(th.ID)
	_, err = e.dir.Forget(ctx, u.ID)
	unlock()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	e.clearUnread(ctx, th.ID)

	if e.relayConfig().DeleteUserMessagesOnClear {
		e.deleteUserCopies(ctx, u, th)
	}
	if err := e.out.DeleteThread(ctx, transport.ThreadID(th.ID)); err != nil {
		e.logger.Warn("deleting cleared thread", "thread_id", th.ID, "error", err)
	}

	e.notify(ctx, e.adminChat, "", fmt.Sprintf("🧹 Cleared conversation %q.", th.Title))
	return nil
}

// deleteUserCopies removes the relayed messages from the user's chat.
func (e *Engine) deleteUserCopies(ctx context.Context, u *store.User, th *store.Thread) {
	links, err := e.store.ListLinksByThread(ctx, th.ID)
	if err != nil {
		e.logger.Warn("listing thread messages", "thread_id", th.ID, "error", err)
		return
	}
	var ids []transport.MessageID
	for _, l := range links {
		switch {
		case l.Direction == store.DirectionOutbound && l.DestChat == u.ChatID:
			ids = append(ids, transport.MessageID(l.DestID))
		case l.Direction == store.DirectionInbound && l.SourceChat == u.ChatID:
			ids = append(ids, transport.MessageID(l.SourceID))
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := e.out.Delete(ctx, transport.ChatID(u.ChatID), ids); err != nil {
		e.logger.Warn("deleting user chat messages", "user_id", u.ID, "count", len(ids), "error", err)
	}
}

func (e *Engine) cmdBroadcast(ctx context.Context, cmd *command) error {
	if cmd.ev.ReplyTo == "" {
		return errors.New("reply to the message you want to broadcast")
	}
	summary, err := e.Broadcast(ctx, transport.MessageRef{Chat: e.adminChat, ID: cmd.ev.ReplyTo})
	if err != nil {
		return err
	}
	cmd.reply(ctx, e, summary.String())
	return nil
}

func (e *Engine) cmdBlock(ctx context.Context, cmd *command, block bool) error {
	var userID string
	if len(cmd.args) > 0 {
		userID = cmd.args[0]
	} else {
		u, _, err := e.threadOf(ctx, cmd)
		if err != nil {
			return fmt.Errorf("%w, or pass a user id", err)
		}
		userID = u.ID
	}

	if block {
		if err := e.dir.MarkBlocked(ctx, userID); err != nil {
			return err
		}
		cmd.reply(ctx, e, fmt.Sprintf("⛔ Blocked %s. Their messages will not be relayed.", userID))
		return nil
	}
	if err := e.dir.MarkUnblocked(ctx, userID); err != nil {
		return err
	}
	cmd.reply(ctx, e, fmt.Sprintf("✅ Unblocked %s.", userID))
	return nil
}

func (e *Engine) cmdRead(ctx context.Context, cmd *command) error {
	_, th, err := e.threadOf(ctx, cmd)
	if err != nil {
		return err
	}
	e.clearUnread(ctx, th.ID)
	cmd.reply(ctx, e, "Marked as read.")
	return nil
}

// cmdReadAll clears every unread thread at once.
func (e *Engine) cmdReadAll(ctx context.Context, cmd *command) error {
	cleared := make(map[string]bool)
	for {
		threads, err := e.store.ListThreads(ctx, store.ThreadFilter{UnreadOnly: true, Limit: 100})
		if err != nil {
			return err
		}
		progress := false
		for _, th := range threads {
			if cleared[th.ID] {
				continue
			}
			cleared[th.ID] = true
			progress = true
			e.clearUnread(ctx, th.ID)
		}
		if !progress {
			break
		}
	}
	cmd.reply(ctx, e, fmt.Sprintf("Marked %d conversations as read.", len(cleared)))
	return nil
}

// cmdSpam blocks the thread's user, clears its unread state and files a
// report in the spam thread.
func (e *Engine) cmdSpam(ctx context.Context, cmd *command) error {
	u, th, err := e.threadOf(ctx, cmd)
	if err != nil {
		return err
	}
	if err := e.dir.MarkBlocked(ctx, u.ID); err != nil {
		return err
	}
	e.clearUnread(ctx, th.ID)

	text := fmt.Sprintf("🚫 %s (%s) reported by %s, thread %s", th.Title, u.ID, cmd.ev.Sender, th.ID)
	if _, err := e.postSystem(ctx, spamThread, text, "spam:"+cmd.ev.Ref().String()); err != nil {
		return fmt.Errorf("filing spam report: %w", err)
	}
	cmd.reply(ctx, e, "🚫 Marked as spam and blocked. Use /unblock to undo.")
	return nil
}

func (e *Engine) cmdClose(ctx context.Context, cmd *command) error {
	u, th, err := e.threadOf(ctx, cmd)
	if err != nil {
		return err
	}
	if err := e.dir.Close(ctx, th.ID); err != nil {
		return err
	}
	e.clearUnread(ctx, th.ID)
	e.notify(ctx, transport.ChatID(u.ChatID), "", textConversationClosed)
	cmd.reply(ctx, e, "Closed. The user was told; /reopen to continue.")
	return nil
}

func (e *Engine) cmdReopen(ctx context.Context, cmd *command) error {
	u, th, err := e.threadOf(ctx, cmd)
	if err != nil {
		return err
	}
	if err := e.dir.Reopen(ctx, th.ID); err != nil {
		if errors.Is(err, store.ErrDuplicateThread) {
			return errors.New("the user already has a newer conversation")
		}
		return err
	}
	e.notify(ctx, transport.ChatID(u.ChatID), "", textConversationOpened)
	cmd.reply(ctx, e, "Reopened.")
	return nil
}

func (e *Engine) cmdReload(ctx context.Context, cmd *command) error {
	snap, err := e.holder.Reload()
	if err != nil {
		return err
	}
	cmd.reply(ctx, e, fmt.Sprintf("Configuration reloaded (version %d).", snap.Version))
	return nil
}

// Status is a point-in-time summary of the relay.
type Status struct {
	ConfigVersion uint64
	Users         int
	OpenThreads   int
	UnreadThreads int
	PendingGroups int
	Uptime        time.Duration
}

// Status reports counts for /status and the admin API.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	users, err := e.store.CountUsers(ctx, true)
	if err != nil {
		return nil, err
	}
	open, err := e.store.CountThreads(ctx, store.ThreadFilter{Status: store.ThreadOpen})
	if err != nil {
		return nil, err
	}
	unreadThreads, err := e.store.CountThreads(ctx, store.ThreadFilter{UnreadOnly: true})
	if err != nil {
		return nil, err
	}
	return &Status{
		ConfigVersion: e.holder.Current().Version,
		Users:         users,
		OpenThreads:   open,
		UnreadThreads: unreadThreads,
		PendingGroups: e.groups.Pending(),
		Uptime:        e.clock.Now().Sub(e.started),
	}, nil
}

func (e *Engine) cmdStatus(ctx context.Context, cmd *command) error {
	st, err := e.Status(ctx)
	if err != nil {
		return err
	}
	cmd.reply(ctx, e, fmt.Sprintf(
		"%s relay: config v%d, %d users, %d open threads, %d unread, %d media groups pending, up %s",
		e.relayConfig().AppName, st.ConfigVersion, st.Users, st.OpenThreads, st.UnreadThreads, st.PendingGroups,
		st.Uptime.Truncate(time.Second)))
	return nil
}
