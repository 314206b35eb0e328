// ABOUTME: In-memory Transport for tests with scripted failures
// ABOUTME: Records every call and issues sequential message and thread ids

package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/2389/coven-relay/internal/transport"
)

// Operation names recorded in Call.Op.
const (
	OpSend         = "send"
	OpSendGroup    = "send_group"
	OpCopy         = "copy"
	OpEdit         = "edit"
	OpDelete       = "delete"
	OpCreateThread = "create_thread"
	OpRenameThread = "rename_thread"
	OpDeleteThread = "delete_thread"
)

// Call is one recorded invocation. Failed calls are recorded with Err set.
type Call struct {
	Op      string
	Chat    transport.ChatID
	Thread  transport.ThreadID
	ReplyTo transport.MessageID
	Content transport.Content
	Items   []transport.Content
	Src     transport.MessageRef // copy source or edit target
	IDs     []transport.MessageID
	Title   string
	Key     string
	CallKey string // transport.CallKey of the context
	Result  []transport.MessageID
	Err     error
}

// Fake is a concurrency-safe Transport. Failures are scripted per
// destination: the thread ID when a call targets a thread, otherwise the chat.
// Thread creation is scripted under the destination "" .
type Fake struct {
	mu          sync.Mutex
	calls       []Call
	nextMsg     int
	nextTh      int
	scripts     map[string][]error
	always      map[string]error
	deleted     map[transport.ThreadID]bool
	titles      map[transport.ThreadID]string
	byIdem      map[string][]transport.MessageID
	threadByKey map[string]transport.ThreadID
	before      func(op, dest string)
	adminRef    transport.ChatID
}

// New returns an empty Fake whose threads live in adminChat.
func New(adminChat transport.ChatID) *Fake {
	return &Fake{
		scripts:     make(map[string][]error),
		always:      make(map[string]error),
		deleted:     make(map[transport.ThreadID]bool),
		titles:      make(map[transport.ThreadID]string),
		byIdem:      make(map[string][]transport.MessageID),
		threadByKey: make(map[string]transport.ThreadID),
		adminRef:    adminChat,
	}
}

var _ transport.Transport = (*Fake)(nil)

// FailNext queues errs for the next calls targeting dest, one per call.
func (f *Fake) FailNext(dest string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[dest] = append(f.scripts[dest], errs...)
}

// FailAlways makes every call to dest fail with err until cleared with nil.
func (f *Fake) FailAlways(dest string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.always, dest)
		return
	}
	f.always[dest] = err
}

// BeforeCall installs a hook run, outside the lock, at the start of every call.
func (f *Fake) BeforeCall(fn func(op, dest string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.before = fn
}

func destOf(chat transport.ChatID, thread transport.ThreadID) string {
	if thread != "" {
		return string(thread)
	}
	return string(chat)
}

// begin runs the hook and pops any scripted failure for dest.
func (f *Fake) begin(op, dest string) error {
	f.mu.Lock()
	hook := f.before
	f.mu.Unlock()
	if hook != nil {
		hook(op, dest)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.always[dest]; ok {
		return err
	}
	if q := f.scripts[dest]; len(q) > 0 {
		f.scripts[dest] = q[1:]
		return q[0]
	}
	if f.deleted[transport.ThreadID(dest)] {
		return transport.Permanent(fmt.Errorf("thread %s: %w", dest, transport.ErrThreadNotFound))
	}
	return nil
}

func (f *Fake) record(c Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *Fake) newIDsLocked(n int) []transport.MessageID {
	ids := make([]transport.MessageID, n)
	for i := range ids {
		f.nextMsg++
		ids[i] = transport.MessageID(fmt.Sprintf("m%d", f.nextMsg))
	}
	return ids
}

// issue assigns ids, reusing the previous result for a repeated idempotency key.
func (f *Fake) issue(key string, n int) []transport.MessageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key != "" {
		if ids, ok := f.byIdem[key]; ok {
			return ids
		}
	}
	ids := f.newIDsLocked(n)
	if key != "" {
		f.byIdem[key] = ids
	}
	return ids
}

func (f *Fake) Send(ctx context.Context, msg *transport.OutboundMessage) (transport.MessageID, error) {
	c := Call{Op: OpSend, Chat: msg.Chat, Thread: msg.Thread, ReplyTo: msg.ReplyTo, Content: msg.Content, Key: msg.IdempotencyKey}
	if err := f.begin(OpSend, destOf(msg.Chat, msg.Thread)); err != nil {
		c.Err = err
		f.record(c)
		return "", err
	}
	c.Result = f.issue(msg.IdempotencyKey, 1)
	f.record(c)
	return c.Result[0], nil
}

func (f *Fake) SendGroup(ctx context.Context, g *transport.OutboundGroup) ([]transport.MessageID, error) {
	c := Call{Op: OpSendGroup, Chat: g.Chat, Thread: g.Thread, ReplyTo: g.ReplyTo, Items: g.Items, Key: g.IdempotencyKey}
	if err := f.begin(OpSendGroup, destOf(g.Chat, g.Thread)); err != nil {
		c.Err = err
		f.record(c)
		return nil, err
	}
	c.Result = f.issue(g.IdempotencyKey, len(g.Items))
	f.record(c)
	return c.Result, nil
}

func (f *Fake) Copy(ctx context.Context, src transport.MessageRef, dst *transport.OutboundMessage) (transport.MessageID, error) {
	c := Call{Op: OpCopy, Chat: dst.Chat, Thread: dst.Thread, ReplyTo: dst.ReplyTo, Src: src, Key: dst.IdempotencyKey}
	if err := f.begin(OpCopy, destOf(dst.Chat, dst.Thread)); err != nil {
		c.Err = err
		f.record(c)
		return "", err
	}
	c.Result = f.issue(dst.IdempotencyKey, 1)
	f.record(c)
	return c.Result[0], nil
}

func (f *Fake) Edit(ctx context.Context, ref transport.MessageRef, content transport.Content) error {
	c := Call{Op: OpEdit, Chat: ref.Chat, Src: ref, Content: content, CallKey: transport.CallKey(ctx)}
	c.Err = f.begin(OpEdit, string(ref.Chat))
	f.record(c)
	return c.Err
}

func (f *Fake) Delete(ctx context.Context, chat transport.ChatID, ids []transport.MessageID) error {
	c := Call{Op: OpDelete, Chat: chat, IDs: ids}
	c.Err = f.begin(OpDelete, string(chat))
	f.record(c)
	return c.Err
}

func (f *Fake) CreateThread(ctx context.Context, title string, intro transport.Content) (transport.ThreadID, error) {
	c := Call{Op: OpCreateThread, Chat: f.adminRef, Title: title, Content: intro, CallKey: transport.CallKey(ctx)}
	if err := f.begin(OpCreateThread, ""); err != nil {
		c.Err = err
		f.record(c)
		return "", err
	}

	f.mu.Lock()
	id, ok := f.threadByKey[c.CallKey]
	if !ok {
		f.nextTh++
		id = transport.ThreadID(fmt.Sprintf("th%d", f.nextTh))
		f.titles[id] = title
		if c.CallKey != "" {
			f.threadByKey[c.CallKey] = id
		}
	}
	f.mu.Unlock()

	c.Thread = id
	f.record(c)
	return id, nil
}

func (f *Fake) RenameThread(ctx context.Context, thread transport.ThreadID, title string) error {
	c := Call{Op: OpRenameThread, Thread: thread, Title: title}
	if c.Err = f.begin(OpRenameThread, string(thread)); c.Err == nil {
		f.mu.Lock()
		f.titles[thread] = title
		f.mu.Unlock()
	}
	f.record(c)
	return c.Err
}

func (f *Fake) DeleteThread(ctx context.Context, thread transport.ThreadID) error {
	c := Call{Op: OpDeleteThread, Thread: thread}
	if c.Err = f.begin(OpDeleteThread, string(thread)); c.Err == nil {
		f.RemoveThread(thread)
	}
	f.record(c)
	return c.Err
}

// RemoveThread simulates an agent deleting the thread out of band: later
// calls targeting it fail with ErrThreadNotFound.
func (f *Fake) RemoveThread(thread transport.ThreadID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[thread] = true
	delete(f.titles, thread)
}

// Calls returns a copy of every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Succeeded returns successful calls of op, in order.
func (f *Fake) Succeeded(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op && c.Err == nil {
			out = append(out, c)
		}
	}
	return out
}

// Attempts counts calls of op to dest, failed or not.
func (f *Fake) Attempts(op, dest string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op && destOf(c.Chat, c.Thread) == dest {
			n++
		}
	}
	return n
}

// Delivered returns successful send, send_group and copy calls to dest.
func (f *Fake) Delivered(dest string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Err != nil || destOf(c.Chat, c.Thread) != dest {
			continue
		}
		switch c.Op {
		case OpSend, OpSendGroup, OpCopy:
			out = append(out, c)
		}
	}
	return out
}

// Title returns the current title of a thread.
func (f *Fake) Title(thread transport.ThreadID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.titles[thread]
}
