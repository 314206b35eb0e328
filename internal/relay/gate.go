// ABOUTME: First-contact challenge for new users and bot-mention relay from group rooms
// ABOUTME: Unverified senders answer a question before anything is relayed; wrong answers mute them

package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/directory"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
)

// maxChallenges caps the number of open challenges kept in memory.
const maxChallenges = 10_000

// challenge is one user's pending question. An empty answer means the user
// answered wrong and is muted until mutedUntil.
type challenge struct {
	question   string
	answer     string
	mutedUntil time.Time
}

func newChallenge(q, a string) *challenge {
	if q != "" {
		return &challenge{question: q, answer: a}
	}
	x, y := rand.IntN(9)+1, rand.IntN(9)+1
	return &challenge{question: fmt.Sprintf("what is %d + %d?", x, y), answer: strconv.Itoa(x + y)}
}

// admit reports whether ev may be relayed. Senders who have not passed the
// challenge get the question, a mute notice, or a confirmation instead.
func (e *Engine) admit(ctx context.Context, ev *transport.Event) (bool, error) {
	cfg := e.relayConfig()
	if !cfg.VerifyNewUsers {
		return true, nil
	}

	u, err := e.dir.User(ctx, string(ev.Sender))
	switch {
	case err == nil && (u.Verified || u.Blocked):
		return true, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return false, err
	}

	sender := string(ev.Sender)
	now := e.clock.Now()
	var reply string
	passed := false

	e.challengeMu.Lock()
	c := e.challenges[sender]
	switch {
	case c != nil && now.Before(c.mutedUntil):
		reply = fmt.Sprintf(textMuted, c.mutedUntil.Sub(now).Round(time.Second))
	case c != nil && c.answer != "" && ev.Content.Kind == transport.KindText:
		if strings.EqualFold(strings.TrimSpace(ev.Content.Text), c.answer) {
			delete(e.challenges, sender)
			passed = true
		} else {
			c.answer = ""
			c.mutedUntil = now.Add(cfg.VerificationMute)
			reply = fmt.Sprintf(textWrongAnswer, cfg.VerificationMute)
		}
	case c != nil && c.answer != "":
		reply = fmt.Sprintf(textChallenge, c.question)
	default:
		if len(e.challenges) >= maxChallenges {
			e.challenges = make(map[string]*challenge)
		}
		c = newChallenge(cfg.VerificationQuestion, cfg.VerificationAnswer)
		e.challenges[sender] = c
		reply = fmt.Sprintf(textChallenge, c.question)
	}
	e.challengeMu.Unlock()

	if passed {
		if _, err := e.dir.Register(ctx, profileOf(ev)); err != nil {
			return false, err
		}
		if err := e.store.SetUserVerified(ctx, sender, true); err != nil {
			return false, fmt.Errorf("marking %s verified: %w", sender, err)
		}
		e.logger.Info("user verified", "user_id", sender)
		e.notify(ctx, ev.Chat, "", textVerified)
		return false, nil
	}

	// One reply per album, not one per fragment.
	if ev.MediaGroupID != "" && e.seen.CheckAndMark("challenge:"+sender+":"+ev.MediaGroupID) {
		return false, nil
	}
	e.notify(ctx, ev.Chat, "", reply)
	return false, nil
}

// handleGroupEvent relays group-room messages that mention the bot into the
// sender's thread, labelled with the room they came from.
func (e *Engine) handleGroupEvent(ctx context.Context, ev *transport.Event) error {
	if !ev.Mentioned || ev.EditOf != "" || !e.relayConfig().RelayMentions {
		return nil
	}
	where := ev.ChatName
	if where == "" {
		where = string(ev.Chat)
	}
	label := fmt.Sprintf(textMentionedIn, where)

	fwd := *ev
	if fwd.Content.Text != "" {
		fwd.Content.Text = label + "\n" + fwd.Content.Text
	} else {
		fwd.Content.Text = label
	}
	return e.ingest(ctx, &fwd)
}

// profileFor builds the directory profile for ev. A group message keeps a
// known user's private chat; only a user first seen in a group gets that
// room as their chat.
func (e *Engine) profileFor(ctx context.Context, ev *transport.Event) directory.Profile {
	p := profileOf(ev)
	if !ev.Group {
		return p
	}
	if u, err := e.dir.User(ctx, p.UserID); err == nil {
		p.ChatID = u.ChatID
	}
	return p
}
