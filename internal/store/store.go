// ABOUTME: Store interface and data types for coven-relay persistence
// ABOUTME: Defines User, Thread, MessageLink, DeliveryFailure and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateThread is returned when a user already owns a live thread
var ErrDuplicateThread = errors.New("thread already exists")

// User is an external end user who has written to the bot.
type User struct {
	ID          string
	ChatID      string // private chat between the bot and the user
	DisplayName string
	Username    string
	Premium     bool
	Blocked     bool
	Verified    bool // answered the first-contact challenge
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ThreadStatus is the lifecycle state of a thread.
type ThreadStatus string

const (
	ThreadOpen     ThreadStatus = "open"
	ThreadClosed   ThreadStatus = "closed"
	ThreadArchived ThreadStatus = "archived" // replaced by a newer thread, kept for history
)

// Thread is a user's conversation inside the admin space. ID is issued by
// the chat transport and never changes.
type Thread struct {
	ID             string
	UserID         string
	Title          string
	Status         ThreadStatus
	Unread         int
	UnreadNoticeID string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Direction says which side a linked message originated on.
type Direction string

const (
	DirectionInbound  Direction = "inbound"  // user chat -> thread
	DirectionOutbound Direction = "outbound" // thread -> user chat
)

// MessageLink ties a relayed message to the copy it produced.
type MessageLink struct {
	SourceChat   string
	SourceID     string
	DestChat     string
	DestID       string
	Direction    Direction
	MediaGroupID string
	ThreadID     string
	CreatedAt    time.Time
}

// DeliveryFailure is a durable record of an outbound call that exhausted its
// retries, kept for manual replay.
type DeliveryFailure struct {
	ID          string
	Operation   string
	Destination string
	PayloadKind string
	SourceRef   string
	Attempts    int
	Error       string
	CreatedAt   time.Time
}

// ThreadFilter narrows ListThreads.
type ThreadFilter struct {
	Status     ThreadStatus // empty matches every non-archived thread
	UnreadOnly bool
	Limit      int
}

// Store defines the interface for relay persistence
type Store interface {
	// Users
	UpsertUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	SetUserBlocked(ctx context.Context, id string, blocked bool) error
	SetUserVerified(ctx context.Context, id string, verified bool) error
	ListUsers(ctx context.Context, includeBlocked bool) ([]*User, error)
	CountUsers(ctx context.Context, includeBlocked bool) (int, error)

	// Threads
	CreateThread(ctx context.Context, thread *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	GetActiveThreadByUser(ctx context.Context, userID string) (*Thread, error)
	UpdateThreadStatus(ctx context.Context, id string, status ThreadStatus) error
	UpdateThreadTitle(ctx context.Context, id, title string) error
	TouchThread(ctx context.Context, id string, at time.Time) error
	IncrementUnread(ctx context.Context, id string) (int, error)
	ClearUnread(ctx context.Context, id string) (noticeID string, err error)
	SetUnreadNotice(ctx context.Context, id, noticeID string) error
	ListThreads(ctx context.Context, filter ThreadFilter) ([]*Thread, error)
	// CountThreads counts matching threads; filter.Limit is ignored
	CountThreads(ctx context.Context, filter ThreadFilter) (int, error)

	// Message links
	SaveLink(ctx context.Context, link *MessageLink) error
	FindLinkBySource(ctx context.Context, chat, id string) (*MessageLink, error)
	FindLinkByDest(ctx context.Context, chat, id string) (*MessageLink, error)
	ListLinksByThread(ctx context.Context, threadID string) ([]*MessageLink, error)

	// System threads are bot-owned threads such as the unread inbox
	GetSystemThread(ctx context.Context, name string) (string, error)
	SetSystemThread(ctx context.Context, name, threadID string) error

	// Delivery failures
	SaveDeliveryFailure(ctx context.Context, failure *DeliveryFailure) error
	ListDeliveryFailures(ctx context.Context, limit int) ([]*DeliveryFailure, error)

	// Close releases any resources held by the store
	Close() error
}
