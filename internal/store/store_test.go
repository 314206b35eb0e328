// ABOUTME: Behaviour tests run against both SQLiteStore and MockStore
// ABOUTME: Keeps the in-memory store honest about uniqueness, upserts, and link idempotency

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedUser(t *testing.T, s Store, id string) *User {
	t.Helper()
	u := &User{ID: id, ChatID: "chat-" + id, DisplayName: "User " + id, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, s.UpsertUser(context.Background(), u))
	return u
}

func TestStore_UpsertUserPreservesBlocked(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUser(t, s, "u1")
		require.NoError(t, s.SetUserBlocked(ctx, "u1", true))

		refreshed := &User{ID: "u1", ChatID: "chat-u1", DisplayName: "Renamed", Premium: true, UpdatedAt: t0.Add(time.Hour)}
		require.NoError(t, s.UpsertUser(ctx, refreshed))
		assert.True(t, refreshed.Blocked, "upsert reports stored blocked flag")
		assert.Equal(t, t0, refreshed.CreatedAt.UTC())

		got, err := s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.DisplayName)
		assert.True(t, got.Premium)
		assert.True(t, got.Blocked)
	})
}

func TestStore_UserNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetUser(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.SetUserBlocked(context.Background(), "ghost", true), ErrNotFound)
	})
}

func TestStore_ListUsersSkipsBlocked(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUser(t, s, "a")
		seedUser(t, s, "b")
		seedUser(t, s, "c")
		require.NoError(t, s.SetUserBlocked(ctx, "b", true))

		active, err := s.ListUsers(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, userIDs(active))

		all, err := s.ListUsers(ctx, true)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func userIDs(users []*User) []string {
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	return ids
}

func newThread(id, user string) *Thread {
	return &Thread{ID: id, UserID: user, Title: "t " + user, CreatedAt: t0, LastActivityAt: t0}
}

func TestStore_OneLiveThreadPerUser(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUser(t, s, "u1")

		require.NoError(t, s.CreateThread(ctx, newThread("th-1", "u1")))
		err := s.CreateThread(ctx, newThread("th-2", "u1"))
		assert.ErrorIs(t, err, ErrDuplicateThread)

		got, err := s.GetActiveThreadByUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "th-1", got.ID)
		assert.Equal(t, ThreadOpen, got.Status)

		// Closed still counts as live.
		require.NoError(t, s.UpdateThreadStatus(ctx, "th-1", ThreadClosed))
		assert.ErrorIs(t, s.CreateThread(ctx, newThread("th-2", "u1")), ErrDuplicateThread)

		// Archiving frees the slot.
		require.NoError(t, s.UpdateThreadStatus(ctx, "th-1", ThreadArchived))
		require.NoError(t, s.CreateThread(ctx, newThread("th-2", "u1")))

		got, err = s.GetActiveThreadByUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "th-2", got.ID)

		old, err := s.GetThread(ctx, "th-1")
		require.NoError(t, err)
		assert.Equal(t, ThreadArchived, old.Status)
	})
}

func TestStore_UnreadCounter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUser(t, s, "u1")
		require.NoError(t, s.CreateThread(ctx, newThread("th-1", "u1")))

		n, err := s.IncrementUnread(ctx, "th-1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = s.IncrementUnread(ctx, "th-1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		require.NoError(t, s.SetUnreadNotice(ctx, "th-1", "notice-9"))

		unread, err := s.ListThreads(ctx, ThreadFilter{UnreadOnly: true})
		require.NoError(t, err)
		require.Len(t, unread, 1)
		assert.Equal(t, 2, unread[0].Unread)
		assert.Equal(t, "notice-9", unread[0].UnreadNoticeID)

		notice, err := s.ClearUnread(ctx, "th-1")
		require.NoError(t, err)
		assert.Equal(t, "notice-9", notice)

		th, err := s.GetThread(ctx, "th-1")
		require.NoError(t, err)
		assert.Equal(t, 0, th.Unread)
		assert.Empty(t, th.UnreadNoticeID)

		_, err = s.IncrementUnread(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ListThreadsOrderAndFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i, id := range []string{"a", "b", "c"} {
			seedUser(t, s, id)
			th := newThread("th-"+id, id)
			th.LastActivityAt = t0.Add(time.Duration(i) * time.Minute)
			require.NoError(t, s.CreateThread(ctx, th))
		}
		require.NoError(t, s.UpdateThreadStatus(ctx, "th-b", ThreadArchived))
		require.NoError(t, s.TouchThread(ctx, "th-a", t0.Add(time.Hour)))

		threads, err := s.ListThreads(ctx, ThreadFilter{})
		require.NoError(t, err)
		require.Len(t, threads, 2)
		assert.Equal(t, "th-a", threads[0].ID)
		assert.Equal(t, "th-c", threads[1].ID)

		archived, err := s.ListThreads(ctx, ThreadFilter{Status: ThreadArchived})
		require.NoError(t, err)
		require.Len(t, archived, 1)
		assert.Equal(t, "th-b", archived[0].ID)
	})
}

func TestStore_CountsIgnoreListLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const n = 1005
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("u%04d", i)
			seedUser(t, s, id)
			require.NoError(t, s.CreateThread(ctx, newThread("th-"+id, id)))
		}
		require.NoError(t, s.SetUserBlocked(ctx, "u0000", true))
		require.NoError(t, s.UpdateThreadStatus(ctx, "th-u0001", ThreadClosed))
		_, err := s.IncrementUnread(ctx, "th-u0002")
		require.NoError(t, err)

		users, err := s.CountUsers(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, n, users)
		active, err := s.CountUsers(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, n-1, active)

		open, err := s.CountThreads(ctx, ThreadFilter{Status: ThreadOpen, Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, n-1, open, "limit is ignored")
		unread, err := s.CountThreads(ctx, ThreadFilter{UnreadOnly: true})
		require.NoError(t, err)
		assert.Equal(t, 1, unread)
	})
}

func TestStore_VerifiedSurvivesUpsert(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		u := seedUser(t, s, "u1")
		assert.False(t, u.Verified)
		require.NoError(t, s.SetUserVerified(ctx, "u1", true))

		refreshed := &User{ID: "u1", ChatID: "chat-u1", DisplayName: "Renamed"}
		require.NoError(t, s.UpsertUser(ctx, refreshed))
		assert.True(t, refreshed.Verified)

		got, err := s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, got.Verified)
		assert.ErrorIs(t, s.SetUserVerified(ctx, "ghost", true), ErrNotFound)
	})
}

func TestStore_SaveLinkIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		link := &MessageLink{
			SourceChat: "dm-1", SourceID: "m1",
			DestChat: "admin", DestID: "m100",
			Direction: DirectionInbound, ThreadID: "th-1", CreatedAt: t0,
		}
		require.NoError(t, s.SaveLink(ctx, link))
		dup := *link
		require.NoError(t, s.SaveLink(ctx, &dup))

		links, err := s.ListLinksByThread(ctx, "th-1")
		require.NoError(t, err)
		assert.Len(t, links, 1)

		bySrc, err := s.FindLinkBySource(ctx, "dm-1", "m1")
		require.NoError(t, err)
		assert.Equal(t, "m100", bySrc.DestID)

		byDst, err := s.FindLinkByDest(ctx, "admin", "m100")
		require.NoError(t, err)
		assert.Equal(t, "m1", byDst.SourceID)
		assert.Equal(t, DirectionInbound, byDst.Direction)

		_, err = s.FindLinkBySource(ctx, "admin", "m100")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_SystemThreads(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetSystemThread(ctx, "unread")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SetSystemThread(ctx, "unread", "th-sys"))
		require.NoError(t, s.SetSystemThread(ctx, "unread", "th-sys-2"))

		id, err := s.GetSystemThread(ctx, "unread")
		require.NoError(t, err)
		assert.Equal(t, "th-sys-2", id)
	})
}

func TestStore_DeliveryFailures(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := &DeliveryFailure{Operation: "send", Destination: "dm-1", PayloadKind: "text", Attempts: 3, Error: "timeout", CreatedAt: t0}
		second := &DeliveryFailure{Operation: "edit", Destination: "admin", PayloadKind: "photo", Attempts: 3, Error: "429", CreatedAt: t0.Add(time.Minute)}
		require.NoError(t, s.SaveDeliveryFailure(ctx, first))
		require.NoError(t, s.SaveDeliveryFailure(ctx, second))
		assert.NotEmpty(t, first.ID)

		got, err := s.ListDeliveryFailures(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "edit", got[0].Operation)
		assert.Equal(t, 3, got[1].Attempts)
	})
}
