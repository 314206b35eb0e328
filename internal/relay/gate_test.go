// ABOUTME: Tests for the first-contact challenge and bot-mention relay from group rooms
// ABOUTME: Drives the engine through the shared harness with the fake clock

package relay

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/transport"
	"github.com/2389/coven-relay/internal/transport/transporttest"
)

const fixedChallenge = `  verify_new_users: true
  verification_question: "Type the word blue"
  verification_answer: blue`

func TestGate_NewUserAnswersBeforeRelay(t *testing.T) {
	h := newHarness(t, fixedChallenge)
	dm := string(userChat("alice"))

	h.mustDispatch(userEvent("alice", "hello"))
	assert.Empty(t, h.fake.Succeeded(transporttest.OpCreateThread), "nothing relayed before the answer")
	assert.Equal(t, []string{fmt.Sprintf(textChallenge, "Type the word blue")}, h.texts(dm))

	h.mustDispatch(userEvent("alice", "red"))
	assert.Equal(t, fmt.Sprintf(textWrongAnswer, 2*time.Minute), h.texts(dm)[1])

	h.mustDispatch(userEvent("alice", "blue"))
	assert.Contains(t, h.texts(dm)[2], "Please wait")
	u, err := h.store.GetUser(h.ctx, "alice")
	if err == nil {
		assert.False(t, u.Verified, "muted answers do not count")
	}

	h.clk.Advance(2 * time.Minute)
	h.mustDispatch(userEvent("alice", "blue"))
	assert.Equal(t, fmt.Sprintf(textChallenge, "Type the word blue"), h.texts(dm)[3], "a fresh question after the mute")

	h.mustDispatch(userEvent("alice", "  BLUE "))
	assert.Equal(t, textVerified, h.texts(dm)[4])
	u, err = h.store.GetUser(h.ctx, "alice")
	require.NoError(t, err)
	assert.True(t, u.Verified)
	assert.Empty(t, h.fake.Succeeded(transporttest.OpCreateThread))

	h.mustDispatch(userEvent("alice", "my order is late"))
	assert.Equal(t, []string{"my order is late"}, h.texts(h.thread("alice").ID))
}

func TestGate_ArithmeticChallenge(t *testing.T) {
	h := newHarness(t, "  verify_new_users: true")
	dm := string(userChat("bob"))

	h.mustDispatch(userEvent("bob", "hi"))
	require.Len(t, h.texts(dm), 1)
	_, q, ok := strings.Cut(h.texts(dm)[0], "what is ")
	require.True(t, ok, h.texts(dm)[0])
	var x, y int
	_, err := fmt.Sscanf(q, "%d + %d?", &x, &y)
	require.NoError(t, err)

	h.mustDispatch(userEvent("bob", fmt.Sprint(x+y)))
	assert.Equal(t, textVerified, h.texts(dm)[1])

	h.mustDispatch(userEvent("bob", "question"))
	assert.Equal(t, []string{"question"}, h.texts(h.thread("bob").ID))
}

func TestGate_AlbumGetsOneChallenge(t *testing.T) {
	h := newHarness(t, fixedChallenge)

	for i := 0; i < 3; i++ {
		ev := userEvent("carol", "")
		ev.MediaGroupID = "album-9"
		ev.Content = transport.Content{Kind: transport.KindPhoto, MediaURL: "mxc://example.org/p"}
		h.mustDispatch(ev)
	}
	h.clk.Advance(5 * time.Second)

	assert.Len(t, h.texts(string(userChat("carol"))), 1)
	assert.Empty(t, h.fake.Succeeded(transporttest.OpSendGroup))
}

func TestGate_CommandsAndDisabledGateBypass(t *testing.T) {
	h := newHarness(t, fixedChallenge)
	h.mustDispatch(userEvent("dave", "/help"))
	assert.Equal(t, []string{h.holder.Config().Relay.HelpMessage}, h.texts(string(userChat("dave"))))

	plain := newHarness(t, "")
	plain.mustDispatch(userEvent("dave", "straight through"))
	assert.Equal(t, []string{"straight through"}, plain.texts(plain.thread("dave").ID))
}

func groupEvent(user, text string, mentioned bool) *transport.Event {
	ev := userEvent(user, text)
	ev.Chat = "!lobby:example.org"
	ev.ChatName = "Lobby"
	ev.Group = true
	ev.Mentioned = mentioned
	return ev
}

func TestMentions_RelayedIntoSenderThread(t *testing.T) {
	h := newHarness(t, "")

	h.mustDispatch(groupEvent("erin", "just chatting", false))
	assert.Empty(t, h.fake.Calls(), "group chatter without a mention is ignored")

	h.mustDispatch(groupEvent("erin", "@relay:example.org my login fails", true))
	th := h.thread("erin")
	assert.Equal(t, []string{"📣 Mentioned in Lobby\n@relay:example.org my login fails"}, h.texts(th.ID))
	assert.Equal(t, 1, th.Unread)

	u, err := h.store.GetUser(h.ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, "!lobby:example.org", u.ChatID, "a user first seen in a group is answered there")
}

func TestMentions_KnownUserKeepsPrivateChat(t *testing.T) {
	h := newHarness(t, "")
	h.mustDispatch(userEvent("alice", "hello"))
	th := h.thread("alice")

	h.mustDispatch(groupEvent("alice", "see @relay:example.org", true))
	assert.Contains(t, h.texts(th.ID), "📣 Mentioned in Lobby\nsee @relay:example.org")

	u, err := h.store.GetUser(h.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, string(userChat("alice")), u.ChatID)

	h.mustDispatch(agentEvent(th.ID, "answering in private"))
	assert.Equal(t, []string{"answering in private"}, h.texts(string(userChat("alice"))))
	assert.Empty(t, h.texts("!lobby:example.org"))
}

func TestMentions_DisabledOrThrottled(t *testing.T) {
	off := newHarness(t, "  relay_mentions: false")
	off.mustDispatch(groupEvent("erin", "@relay:example.org help", true))
	assert.Empty(t, off.fake.Calls())

	h := newHarness(t, `  user_message_interval: "2s"`)
	h.mustDispatch(groupEvent("erin", "@relay:example.org one", true))
	h.mustDispatch(groupEvent("erin", "@relay:example.org two", true))
	assert.Len(t, h.texts(h.thread("erin").ID), 1)
	assert.Empty(t, h.texts("!lobby:example.org"), "no throttle notice in a shared room")
}
