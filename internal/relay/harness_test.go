// ABOUTME: Shared test harness for the relay engine
// ABOUTME: Real delivery client over a fake transport, mock store, fake clock, file-backed config

package relay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/clock"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/delivery"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
	"github.com/2389/coven-relay/internal/transport/transporttest"
)

const (
	adminChat = transport.ChatID("!admin:example.org")
	agent     = transport.UserID("@agent:example.org")
)

const baseConfig = `
matrix:
  homeserver: https://matrix.example.org
  user_id: "@relay:example.org"
  access_token: secret
  admin_room: "!admin:example.org"
relay:
  admins: ["@agent:example.org"]
%s
database:
  path: relay.db
`

type harness struct {
	t       *testing.T
	ctx     context.Context
	clk     *clock.Fake
	fake    *transporttest.Fake
	store   *store.MockStore
	client  *delivery.Client
	holder  *config.Holder
	engine  *Engine
	cfgPath string
}

// newHarness builds an engine. relayExtra is spliced into the relay section
// and must be indented by two spaces.
func newHarness(t *testing.T, relayExtra string) *harness {
	t.Helper()

	path := filepath.Join(t.TempDir(), "relay.yaml")
	writeHarnessConfig(t, path, relayExtra)
	holder, err := config.LoadHolder(path, nil)
	require.NoError(t, err)

	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	fake := transporttest.New(adminChat)
	ms := store.NewMockStore()

	pool := delivery.NewPool(func(context.Context) (transport.Transport, error) { return fake, nil }, 8, nil)
	client := delivery.NewClient(pool, delivery.Options{
		Policy:     delivery.PolicyFor(holder.Config().Relay),
		Clock:      clk,
		FailureLog: ms,
	})

	eng, err := New(Options{Holder: holder, Store: ms, Sender: client, AdminChat: adminChat, Clock: clk})
	require.NoError(t, err)
	client.SetReporter(eng)
	t.Cleanup(eng.Close)

	return &harness{
		t:       t,
		ctx:     context.Background(),
		clk:     clk,
		fake:    fake,
		store:   ms,
		client:  client,
		holder:  holder,
		engine:  eng,
		cfgPath: path,
	}
}

func writeHarnessConfig(t *testing.T, path, relayExtra string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(baseConfig, relayExtra)), 0o644))
}

var eventSeq atomic.Int64

func userChat(user string) transport.ChatID { return transport.ChatID("dm-" + user) }

func userEvent(user, text string) *transport.Event {
	return &transport.Event{
		Chat:       userChat(user),
		Sender:     transport.UserID(user),
		SenderName: strings.ToUpper(user[:1]) + user[1:],
		MessageID:  transport.MessageID(fmt.Sprintf("u%d", eventSeq.Add(1))),
		Content:    transport.Text(text),
	}
}

func agentEvent(thread string, text string) *transport.Event {
	return &transport.Event{
		Chat:       adminChat,
		Sender:     agent,
		SenderName: "Agent",
		ThreadID:   transport.ThreadID(thread),
		MessageID:  transport.MessageID(fmt.Sprintf("a%d", eventSeq.Add(1))),
		Content:    transport.Text(text),
	}
}

func (h *harness) dispatch(ev *transport.Event) error {
	return h.engine.Dispatch(h.ctx, ev)
}

func (h *harness) mustDispatch(ev *transport.Event) {
	h.t.Helper()
	require.NoError(h.t, h.dispatch(ev))
}

// thread returns the user's live thread.
func (h *harness) thread(user string) *store.Thread {
	h.t.Helper()
	th, err := h.store.GetActiveThreadByUser(h.ctx, user)
	require.NoError(h.t, err)
	return th
}

// texts returns the text of every successful single send to dest.
func (h *harness) texts(dest string) []string {
	var out []string
	for _, c := range h.fake.Delivered(dest) {
		if c.Op == transporttest.OpSend {
			out = append(out, c.Content.Text)
		}
	}
	return out
}

// sendTo returns successful single sends to dest whose text is text.
func (h *harness) sendTo(dest, text string) []transporttest.Call {
	var out []transporttest.Call
	for _, c := range h.fake.Delivered(dest) {
		if c.Op == transporttest.OpSend && c.Content.Text == text {
			out = append(out, c)
		}
	}
	return out
}

func (h *harness) inbox() string {
	h.t.Helper()
	id, err := h.store.GetSystemThread(h.ctx, unreadThreadName)
	require.NoError(h.t, err)
	return id
}

func containsText(texts []string, sub string) bool {
	for _, s := range texts {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
