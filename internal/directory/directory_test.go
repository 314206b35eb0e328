// ABOUTME: Tests for the thread directory
// ABOUTME: Covers exactly-once creation under concurrency, failure without partial state, and lifecycle

package directory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
	"github.com/2389/coven-relay/internal/transport/transporttest"
)

func newTestDirectory(t *testing.T) (*Directory, *store.MockStore, *transporttest.Fake) {
	t.Helper()
	st := store.NewMockStore()
	fake := transporttest.New("admin")
	return New(st, fake, Options{}), st, fake
}

func ada() Profile {
	return Profile{UserID: "42", ChatID: "dm-42", DisplayName: "Ada"}
}

func TestResolveOrCreate_CreatesOnFirstContact(t *testing.T) {
	d, st, fake := newTestDirectory(t)
	ctx := context.Background()

	u, th, err := d.ResolveOrCreate(ctx, ada())
	require.NoError(t, err)
	assert.Equal(t, "42", u.ID)
	assert.Equal(t, "Ada | 42", th.Title)
	assert.Equal(t, store.ThreadOpen, th.Status)

	creates := fake.Succeeded(transporttest.OpCreateThread)
	require.Len(t, creates, 1)
	assert.Contains(t, creates[0].Content.Text, "Ada")

	again, err := st.GetActiveThreadByUser(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, th.ID, again.ID)

	_, th2, err := d.ResolveOrCreate(ctx, ada())
	require.NoError(t, err)
	assert.Equal(t, th.ID, th2.ID)
	assert.Len(t, fake.Succeeded(transporttest.OpCreateThread), 1)
}

func TestResolveOrCreate_ConcurrentFirstContactCreatesOneThread(t *testing.T) {
	d, _, fake := newTestDirectory(t)
	fake.BeforeCall(func(op, dest string) {
		if op == transporttest.OpCreateThread {
			time.Sleep(20 * time.Millisecond)
		}
	})

	const n = 25
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, th, err := d.ResolveOrCreate(context.Background(), ada())
			errs[i] = err
			if th != nil {
				ids[i] = th.ID
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Len(t, fake.Succeeded(transporttest.OpCreateThread), 1)
}

func TestResolveOrCreate_FailurePersistsNothing(t *testing.T) {
	d, st, fake := newTestDirectory(t)
	ctx := context.Background()
	fake.FailNext("", transport.Permanent(errors.New("no permission")))

	_, th, err := d.ResolveOrCreate(ctx, ada())
	require.ErrorIs(t, err, ErrThreadCreationFailed)
	assert.Nil(t, th)

	_, err = st.GetActiveThreadByUser(ctx, "42")
	assert.ErrorIs(t, err, store.ErrNotFound)

	state, err := d.State(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, StateNew, state, "failed creation leaves the user ready to retry")

	_, th, err = d.ResolveOrCreate(ctx, ada())
	require.NoError(t, err)
	assert.NotEmpty(t, th.ID)
}

func TestResolveOrCreate_BlockedUserGetsNoThread(t *testing.T) {
	d, _, fake := newTestDirectory(t)
	ctx := context.Background()

	_, err := d.Register(ctx, ada())
	require.NoError(t, err)
	require.NoError(t, d.MarkBlocked(ctx, "42"))

	u, th, err := d.ResolveOrCreate(ctx, ada())
	require.ErrorIs(t, err, ErrUserBlocked)
	assert.True(t, u.Blocked)
	assert.Nil(t, th)
	assert.Empty(t, fake.Succeeded(transporttest.OpCreateThread))

	require.NoError(t, d.MarkUnblocked(ctx, "42"))
	_, th, err = d.ResolveOrCreate(ctx, ada())
	require.NoError(t, err)
	assert.NotNil(t, th)
}

func TestResolveOrCreate_RenamesWhenProfileChanges(t *testing.T) {
	d, st, fake := newTestDirectory(t)
	ctx := context.Background()

	_, th, err := d.ResolveOrCreate(ctx, ada())
	require.NoError(t, err)

	p := ada()
	p.Premium = true
	_, th2, err := d.ResolveOrCreate(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "💎Ada | 42", th2.Title)
	assert.Equal(t, "💎Ada | 42", fake.Title(transport.ThreadID(th.ID)))

	stored, err := st.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, "💎Ada | 42", stored.Title)
}

func TestState_Lifecycle(t *testing.T) {
	d, _, fake := newTestDirectory(t)
	ctx := context.Background()

	state, err := d.State(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, StateNew, state)

	entered := make(chan struct{})
	release := make(chan struct{})
	fake.BeforeCall(func(op, dest string) {
		if op == transporttest.OpCreateThread {
			close(entered)
			<-release
		}
	})

	done := make(chan *store.Thread)
	go func() {
		_, th, _ := d.ResolveOrCreate(ctx, ada())
		done <- th
	}()

	<-entered
	state, err = d.State(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, StatePendingCreate, state)

	close(release)
	th := <-done
	fake.BeforeCall(nil)

	state, err = d.State(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)

	require.NoError(t, d.Close(ctx, th.ID))
	state, _ = d.State(ctx, "42")
	assert.Equal(t, StateClosed, state)

	require.NoError(t, d.Reopen(ctx, th.ID))
	require.NoError(t, d.MarkBlocked(ctx, "42"))
	state, _ = d.State(ctx, "42")
	assert.Equal(t, StateBlocked, state)
}

func TestForget_NextContactOpensFreshThread(t *testing.T) {
	d, st, _ := newTestDirectory(t)
	ctx := context.Background()

	_, first, err := d.ResolveOrCreate(ctx, ada())
	require.NoError(t, err)

	archived, err := d.Forget(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, first.ID, archived.ID)

	_, second, err := d.ResolveOrCreate(ctx, ada())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	old, err := st.GetThread(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ThreadArchived, old.Status)

	_, err = d.Forget(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLookupByThread(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()

	_, th, err := d.ResolveOrCreate(ctx, ada())
	require.NoError(t, err)

	u, got, err := d.LookupByThread(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, "42", u.ID)
	assert.Equal(t, th.ID, got.ID)

	_, _, err = d.LookupByThread(ctx, "unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTitle_Truncates(t *testing.T) {
	u := &store.User{ID: "7", DisplayName: strings.Repeat("é", 100)}
	title := Title(u)
	assert.Equal(t, maxTitleRunes, utf8.RuneCountInString(title))
	assert.True(t, strings.HasSuffix(title, "…"))
}
