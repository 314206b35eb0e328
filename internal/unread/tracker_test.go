// ABOUTME: Tests for the unread tracker
// ABOUTME: Covers counting, clearing, notice attachment, and concurrent increments

package unread

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/store"
)

func setup(t *testing.T) (*Tracker, *store.MockStore) {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMockStore()
	require.NoError(t, ms.UpsertUser(ctx, &store.User{ID: "u1", ChatID: "dm-u1", DisplayName: "Alice"}))
	now := time.Now()
	require.NoError(t, ms.CreateThread(ctx, &store.Thread{ID: "th1", UserID: "u1", Title: "Alice", CreatedAt: now, LastActivityAt: now}))
	return New(ms, nil), ms
}

func TestMarkUnread_CountsUp(t *testing.T) {
	tr, _ := setup(t)
	ctx := context.Background()

	n, err := tr.MarkUnread(ctx, "th1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = tr.MarkUnread(ctx, "th1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := tr.Count(ctx, "th1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestClear_ReturnsNotice(t *testing.T) {
	tr, _ := setup(t)
	ctx := context.Background()

	_, err := tr.MarkUnread(ctx, "th1")
	require.NoError(t, err)
	ok, err := tr.SetNotice(ctx, "th1", "notice-1")
	require.NoError(t, err)
	assert.True(t, ok)

	notice, err := tr.Clear(ctx, "th1")
	require.NoError(t, err)
	assert.Equal(t, "notice-1", notice)

	count, err := tr.Count(ctx, "th1")
	require.NoError(t, err)
	assert.Zero(t, count)

	notice, err = tr.Clear(ctx, "th1")
	require.NoError(t, err)
	assert.Empty(t, notice)
}

func TestSetNotice_RefusedAfterClear(t *testing.T) {
	tr, ms := setup(t)
	ctx := context.Background()

	_, err := tr.MarkUnread(ctx, "th1")
	require.NoError(t, err)
	_, err = tr.Clear(ctx, "th1")
	require.NoError(t, err)

	ok, err := tr.SetNotice(ctx, "th1", "late")
	require.NoError(t, err)
	assert.False(t, ok)

	th, err := ms.GetThread(ctx, "th1")
	require.NoError(t, err)
	assert.Empty(t, th.UnreadNoticeID)
}

func TestSetNotice_KeepsExisting(t *testing.T) {
	tr, ms := setup(t)
	ctx := context.Background()

	_, err := tr.MarkUnread(ctx, "th1")
	require.NoError(t, err)
	ok, err := tr.SetNotice(ctx, "th1", "first")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tr.SetNotice(ctx, "th1", "second")
	require.NoError(t, err)
	assert.False(t, ok)

	th, err := ms.GetThread(ctx, "th1")
	require.NoError(t, err)
	assert.Equal(t, "first", th.UnreadNoticeID)
}

func TestMarkUnread_UnknownThread(t *testing.T) {
	tr, _ := setup(t)
	_, err := tr.MarkUnread(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMarkUnread_Concurrent(t *testing.T) {
	tr, _ := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	seen := make(chan int, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := tr.MarkUnread(ctx, "th1")
			assert.NoError(t, err)
			seen <- n
		}()
	}
	wg.Wait()
	close(seen)

	got := make(map[int]bool)
	for n := range seen {
		assert.False(t, got[n], "count %d returned twice", n)
		got[n] = true
	}
	count, err := tr.Count(ctx, "th1")
	require.NoError(t, err)
	assert.Equal(t, 50, count)
}
