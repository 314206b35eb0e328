// ABOUTME: Abstract chat transport the relay talks to
// ABOUTME: Message, event, and thread types plus the Transport interface

package transport

import (
	"context"
	"time"
)

// ChatID identifies a conversation: a user's private chat or the admin space.
type ChatID string

// MessageID identifies a message within a chat.
type MessageID string

// ThreadID identifies a per-user thread inside the admin space.
type ThreadID string

// UserID identifies an account on the chat network.
type UserID string

// MessageRef points at one message.
type MessageRef struct {
	Chat ChatID
	ID   MessageID
}

// IsZero reports whether the ref is unset.
func (r MessageRef) IsZero() bool { return r.Chat == "" && r.ID == "" }

func (r MessageRef) String() string { return string(r.Chat) + "/" + string(r.ID) }

// Kind classifies message content.
type Kind string

const (
	KindText     Kind = "text"
	KindPhoto    Kind = "photo"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
	KindNotice   Kind = "notice"
)

// Content is the payload of a message. Media is carried by reference.
type Content struct {
	Kind     Kind
	Text     string // body or caption
	Markdown bool   // render Text as markdown where supported
	MediaURL string
	FileName string
	MimeType string
	Size     int64
}

// Text builds plain text content.
func Text(s string) Content { return Content{Kind: KindText, Text: s} }

// Markdown builds text content rendered as markdown.
func Markdown(s string) Content { return Content{Kind: KindText, Text: s, Markdown: true} }

// Event is one inbound message seen by the bot.
type Event struct {
	Chat       ChatID
	Sender     UserID
	SenderName string
	Premium    bool
	MessageID  MessageID
	ThreadID   ThreadID  // set for messages inside an admin thread
	ReplyTo    MessageID // message being replied to, if any
	EditOf     MessageID // set when this event edits an earlier message
	Content    Content
	Timestamp  time.Time

	// MediaGroupID is set on every fragment of a multi-part message.
	MediaGroupID string
	// LastFragment marks the final fragment when the network signals it.
	LastFragment bool

	// Group is set for messages from a shared room rather than a private chat.
	Group bool
	// Mentioned is set when a group message addresses the bot.
	Mentioned bool
	// ChatName is the display name of a group room, when known.
	ChatName string
}

// Ref returns the event's own message ref.
func (e *Event) Ref() MessageRef { return MessageRef{Chat: e.Chat, ID: e.MessageID} }

// OutboundMessage is one message to send.
type OutboundMessage struct {
	Chat    ChatID
	Thread  ThreadID // post inside this thread when set
	ReplyTo MessageID
	Content Content
	// IdempotencyKey makes retries of the same logical send collapse on the
	// server where the network supports it.
	IdempotencyKey string
}

// OutboundGroup is a multi-part message delivered together.
type OutboundGroup struct {
	Chat           ChatID
	Thread         ThreadID
	ReplyTo        MessageID
	Items          []Content
	IdempotencyKey string
}

// Transport is the outbound side of the chat network. Implementations return
// errors classified with the constructors in errors.go.
type Transport interface {
	Send(ctx context.Context, msg *OutboundMessage) (MessageID, error)
	SendGroup(ctx context.Context, group *OutboundGroup) ([]MessageID, error)
	// Copy re-posts an existing message into dst, keeping its content.
	Copy(ctx context.Context, src MessageRef, dst *OutboundMessage) (MessageID, error)
	Edit(ctx context.Context, ref MessageRef, content Content) error
	Delete(ctx context.Context, chat ChatID, ids []MessageID) error

	// CreateThread opens a thread in the admin space and returns its ID.
	CreateThread(ctx context.Context, title string, intro Content) (ThreadID, error)
	RenameThread(ctx context.Context, thread ThreadID, title string) error
	DeleteThread(ctx context.Context, thread ThreadID) error
}

type callKeyCtx struct{}

// WithCallKey tags ctx with a key that stays the same across every retry of
// one logical call. Transports use it to deduplicate calls that carry no
// explicit idempotency key.
func WithCallKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, callKeyCtx{}, key)
}

// CallKey returns the key set by WithCallKey, or "".
func CallKey(ctx context.Context) string {
	k, _ := ctx.Value(callKeyCtx{}).(string)
	return k
}
