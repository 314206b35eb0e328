// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	users    map[string]*User
	threads  map[string]*Thread // keyed by thread ID
	links    []*MessageLink     // insertion order
	linkKeys map[string]bool    // "srcChat|srcID|dstChat|dstID"
	system   map[string]string
	failures []*DeliveryFailure
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:    make(map[string]*User),
		threads:  make(map[string]*Thread),
		linkKeys: make(map[string]bool),
		system:   make(map[string]string),
	}
}

// UpsertUser inserts or refreshes a user, preserving Blocked, Verified and CreatedAt.
func (m *MockStore) UpsertUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}
	if existing, ok := m.users[user.ID]; ok {
		user.Blocked = existing.Blocked
		user.Verified = existing.Verified
		user.CreatedAt = existing.CreatedAt
	} else {
		user.Blocked = false
		user.Verified = false
		if user.CreatedAt.IsZero() {
			user.CreatedAt = now
		}
	}
	u := *user
	m.users[u.ID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// SetUserBlocked sets or clears the blocked flag.
func (m *MockStore) SetUserBlocked(ctx context.Context, id string, blocked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Blocked = blocked
	u.UpdatedAt = time.Now()
	return nil
}

// SetUserVerified sets or clears the verified flag.
func (m *MockStore) SetUserVerified(ctx context.Context, id string, verified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Verified = verified
	u.UpdatedAt = time.Now()
	return nil
}

// CountUsers counts users, optionally skipping blocked ones.
func (m *MockStore) CountUsers(ctx context.Context, includeBlocked bool) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, u := range m.users {
		if u.Blocked && !includeBlocked {
			continue
		}
		n++
	}
	return n, nil
}

// ListUsers returns users ordered by first contact.
func (m *MockStore) ListUsers(ctx context.Context, includeBlocked bool) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*User
	for _, u := range m.users {
		if u.Blocked && !includeBlocked {
			continue
		}
		c := *u
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CreateThread stores a new thread, enforcing one live thread per user.
func (m *MockStore) CreateThread(ctx context.Context, thread *Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if thread.Status == "" {
		thread.Status = ThreadOpen
	}
	if _, ok := m.threads[thread.ID]; ok {
		return ErrDuplicateThread
	}
	if thread.Status != ThreadArchived && m.liveThreadLocked(thread.UserID) != nil {
		return ErrDuplicateThread
	}

	t := *thread
	m.threads[t.ID] = &t
	return nil
}

func (m *MockStore) liveThreadLocked(userID string) *Thread {
	for _, t := range m.threads {
		if t.UserID == userID && t.Status != ThreadArchived {
			return t
		}
	}
	return nil
}

// GetThread retrieves a thread by ID.
func (m *MockStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *t
	return &result, nil
}

// GetActiveThreadByUser returns the user's thread that is not archived.
func (m *MockStore) GetActiveThreadByUser(ctx context.Context, userID string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := m.liveThreadLocked(userID)
	if t == nil {
		return nil, ErrNotFound
	}
	result := *t
	return &result, nil
}

func (m *MockStore) mutateThread(id string, fn func(*Thread) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[id]
	if !ok {
		return ErrNotFound
	}
	return fn(t)
}

// UpdateThreadStatus moves a thread between statuses.
func (m *MockStore) UpdateThreadStatus(ctx context.Context, id string, status ThreadStatus) error {
	return m.mutateThread(id, func(t *Thread) error {
		if t.Status == ThreadArchived && status != ThreadArchived {
			if live := m.liveThreadLocked(t.UserID); live != nil {
				return ErrDuplicateThread
			}
		}
		t.Status = status
		return nil
	})
}

// UpdateThreadTitle stores a new title.
func (m *MockStore) UpdateThreadTitle(ctx context.Context, id, title string) error {
	return m.mutateThread(id, func(t *Thread) error {
		t.Title = title
		return nil
	})
}

// TouchThread records activity.
func (m *MockStore) TouchThread(ctx context.Context, id string, at time.Time) error {
	return m.mutateThread(id, func(t *Thread) error {
		t.LastActivityAt = at
		return nil
	})
}

// IncrementUnread adds one to the unread counter.
func (m *MockStore) IncrementUnread(ctx context.Context, id string) (int, error) {
	var n int
	err := m.mutateThread(id, func(t *Thread) error {
		t.Unread++
		n = t.Unread
		return nil
	})
	return n, err
}

// ClearUnread resets the counter and returns the detached notice ID.
func (m *MockStore) ClearUnread(ctx context.Context, id string) (string, error) {
	var notice string
	err := m.mutateThread(id, func(t *Thread) error {
		notice = t.UnreadNoticeID
		t.Unread = 0
		t.UnreadNoticeID = ""
		return nil
	})
	return notice, err
}

// SetUnreadNotice attaches a notice ID.
func (m *MockStore) SetUnreadNotice(ctx context.Context, id, noticeID string) error {
	return m.mutateThread(id, func(t *Thread) error {
		t.UnreadNoticeID = noticeID
		return nil
	})
}

func (f ThreadFilter) matches(t *Thread) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Status == "" && t.Status == ThreadArchived {
		return false
	}
	return !f.UnreadOnly || t.Unread > 0
}

// CountThreads counts threads matching filter, without a limit.
func (m *MockStore) CountThreads(ctx context.Context, filter ThreadFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, t := range m.threads {
		if filter.matches(t) {
			n++
		}
	}
	return n, nil
}

// ListThreads returns threads ordered by most recent activity.
func (m *MockStore) ListThreads(ctx context.Context, filter ThreadFilter) ([]*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Thread
	for _, t := range m.threads {
		if !filter.matches(t) {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func linkKey(l *MessageLink) string {
	return l.SourceChat + "|" + l.SourceID + "|" + l.DestChat + "|" + l.DestID
}

// SaveLink records a link; duplicates are ignored.
func (m *MockStore) SaveLink(ctx context.Context, link *MessageLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now()
	}
	key := linkKey(link)
	if m.linkKeys[key] {
		return nil
	}
	m.linkKeys[key] = true
	l := *link
	m.links = append(m.links, &l)
	return nil
}

// FindLinkBySource returns the first link with the given source.
func (m *MockStore) FindLinkBySource(ctx context.Context, chat, id string) (*MessageLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, l := range m.links {
		if l.SourceChat == chat && l.SourceID == id {
			c := *l
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// FindLinkByDest returns the first link with the given destination.
func (m *MockStore) FindLinkByDest(ctx context.Context, chat, id string) (*MessageLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, l := range m.links {
		if l.DestChat == chat && l.DestID == id {
			c := *l
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// ListLinksByThread returns a thread's links in insertion order.
func (m *MockStore) ListLinksByThread(ctx context.Context, threadID string) ([]*MessageLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*MessageLink
	for _, l := range m.links {
		if l.ThreadID == threadID {
			c := *l
			out = append(out, &c)
		}
	}
	return out, nil
}

// LinkCount returns the number of stored links.
func (m *MockStore) LinkCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.links)
}

// GetSystemThread returns the thread registered under name.
func (m *MockStore) GetSystemThread(ctx context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.system[name]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

// SetSystemThread registers a system thread.
func (m *MockStore) SetSystemThread(ctx context.Context, name, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.system[name] = threadID
	return nil
}

// SaveDeliveryFailure stores a failure row.
func (m *MockStore) SaveDeliveryFailure(ctx context.Context, f *DeliveryFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	c := *f
	m.failures = append(m.failures, &c)
	return nil
}

// ListDeliveryFailures returns failures newest first.
func (m *MockStore) ListDeliveryFailures(ctx context.Context, limit int) ([]*DeliveryFailure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var out []*DeliveryFailure
	for i := len(m.failures) - 1; i >= 0 && len(out) < limit; i-- {
		c := *m.failures[i]
		out = append(out, &c)
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
