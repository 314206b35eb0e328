// ABOUTME: Per-thread unread counter with an optional notice message attached
// ABOUTME: Updates for one thread are serialized; different threads run in parallel

package unread

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/coven-relay/internal/keylock"
	"github.com/2389/coven-relay/internal/store"
)

// Store is the persistence the tracker needs.
type Store interface {
	GetThread(ctx context.Context, id string) (*store.Thread, error)
	IncrementUnread(ctx context.Context, id string) (int, error)
	ClearUnread(ctx context.Context, id string) (string, error)
	SetUnreadNotice(ctx context.Context, id, noticeID string) error
}

// Tracker counts messages agents have not read yet.
type Tracker struct {
	store  Store
	locks  keylock.Map
	logger *slog.Logger
}

// New creates a Tracker.
func New(st Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  st,
		logger: logger.With("component", "unread"),
	}
}

// MarkUnread adds one to the thread's counter and returns the new count.
// A result of 1 means the thread just became unread.
func (t *Tracker) MarkUnread(ctx context.Context, threadID string) (int, error) {
	unlock := t.locks.Lock(threadID)
	defer unlock()

	n, err := t.store.IncrementUnread(ctx, threadID)
	if err != nil {
		return 0, fmt.Errorf("marking %s unread: %w", threadID, err)
	}
	return n, nil
}

// Clear marks the thread read. It returns the notice that was attached, if
// any, so the caller can remove it.
func (t *Tracker) Clear(ctx context.Context, threadID string) (string, error) {
	unlock := t.locks.Lock(threadID)
	defer unlock()

	notice, err := t.store.ClearUnread(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("clearing unread on %s: %w", threadID, err)
	}
	return notice, nil
}

// Count returns the thread's unread counter.
func (t *Tracker) Count(ctx context.Context, threadID string) (int, error) {
	th, err := t.store.GetThread(ctx, threadID)
	if err != nil {
		return 0, err
	}
	return th.Unread, nil
}

// SetNotice attaches noticeID to an unread thread. It returns false, leaving
// the thread untouched, when the thread was read in the meantime or already
// carries a notice; the caller then owns noticeID and should remove it.
func (t *Tracker) SetNotice(ctx context.Context, threadID, noticeID string) (bool, error) {
	unlock := t.locks.Lock(threadID)
	defer unlock()

	th, err := t.store.GetThread(ctx, threadID)
	if err != nil {
		return false, err
	}
	if th.Unread == 0 || th.UnreadNoticeID != "" {
		t.logger.Debug("notice not attached", "thread_id", threadID, "unread", th.Unread)
		return false, nil
	}
	if err := t.store.SetUnreadNotice(ctx, threadID, noticeID); err != nil {
		return false, fmt.Errorf("attaching notice to %s: %w", threadID, err)
	}
	return true, nil
}
