// ABOUTME: Tests for the message correlator
// ABOUTME: Runs against SQLite and checks idempotence, both lookup sides, and the LRU bound

package correlator

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
)

// countingStore counts lookups that reach persistence.
type countingStore struct {
	Store
	reads atomic.Int32
}

func (s *countingStore) FindLinkBySource(ctx context.Context, chat, id string) (*store.MessageLink, error) {
	s.reads.Add(1)
	return s.Store.FindLinkBySource(ctx, chat, id)
}

func (s *countingStore) FindLinkByDest(ctx context.Context, chat, id string) (*store.MessageLink, error) {
	s.reads.Add(1)
	return s.Store.FindLinkByDest(ctx, chat, id)
}

func newSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ref(chat, id string) transport.MessageRef {
	return transport.MessageRef{Chat: transport.ChatID(chat), ID: transport.MessageID(id)}
}

func inbound(src, dst string) Link {
	return Link{
		Source:    ref("dm-alice", src),
		Dest:      ref("admin", dst),
		Direction: store.DirectionInbound,
		ThreadID:  "th1",
	}
}

func TestRecord_BothSidesResolve(t *testing.T) {
	ctx := context.Background()
	c := New(newSQLite(t), 0, nil)

	require.NoError(t, c.Record(ctx, inbound("u1", "a1")))

	dst, ok, err := c.FindDestination(ctx, ref("dm-alice", "u1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ref("admin", "a1"), dst)

	src, ok, err := c.FindSource(ctx, ref("admin", "a1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ref("dm-alice", "u1"), src)
}

func TestRecord_Idempotent(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMockStore()
	c := New(ms, 0, nil)

	require.NoError(t, c.Record(ctx, inbound("u1", "a1")))
	require.NoError(t, c.Record(ctx, inbound("u1", "a1")))
	assert.Equal(t, 1, ms.LinkCount())

	sq := newSQLite(t)
	c = New(sq, 0, nil)
	require.NoError(t, c.Record(ctx, inbound("u1", "a1")))
	require.NoError(t, c.Record(ctx, inbound("u1", "a1")))
	links, err := sq.ListLinksByThread(ctx, "th1")
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestFind_UnknownIsNotAnError(t *testing.T) {
	ctx := context.Background()
	c := New(store.NewMockStore(), 0, nil)

	_, ok, err := c.FindDestination(ctx, ref("dm-alice", "nope"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.Counterpart(ctx, ref("admin", "nope"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCounterpart_EitherSide(t *testing.T) {
	ctx := context.Background()
	c := New(store.NewMockStore(), 0, nil)

	require.NoError(t, c.Record(ctx, inbound("u1", "a1")))
	require.NoError(t, c.Record(ctx, Link{
		Source:    ref("admin", "a2"),
		Dest:      ref("dm-alice", "u2"),
		Direction: store.DirectionOutbound,
		ThreadID:  "th1",
	}))

	got, ok, err := c.Counterpart(ctx, ref("admin", "a1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ref("dm-alice", "u1"), got)

	got, ok, err = c.Counterpart(ctx, ref("admin", "a2"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ref("dm-alice", "u2"), got)

	got, ok, err = c.Counterpart(ctx, ref("dm-alice", "u2"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ref("admin", "a2"), got)
}

func TestLookup_ServedFromCache(t *testing.T) {
	ctx := context.Background()
	cs := &countingStore{Store: store.NewMockStore()}
	c := New(cs, 0, nil)

	require.NoError(t, c.Record(ctx, inbound("u1", "a1")))
	for i := 0; i < 5; i++ {
		_, ok, err := c.FindDestination(ctx, ref("dm-alice", "u1"))
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, int32(0), cs.reads.Load())
}

func TestCache_Bounded(t *testing.T) {
	ctx := context.Background()
	cs := &countingStore{Store: store.NewMockStore()}
	c := New(cs, 4, nil)

	require.NoError(t, c.Record(ctx, inbound("u1", "a1")))
	require.NoError(t, c.Record(ctx, inbound("u2", "a2")))
	require.NoError(t, c.Record(ctx, inbound("u3", "a3")))
	assert.Equal(t, 4, c.Cached())

	// u1 was evicted; the store still has it.
	dst, ok, err := c.FindDestination(ctx, ref("dm-alice", "u1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ref("admin", "a1"), dst)
	assert.Equal(t, int32(1), cs.reads.Load())
	assert.Equal(t, 4, c.Cached())
}

func TestRecord_FirstLinkWinsForRepeatedSource(t *testing.T) {
	ctx := context.Background()
	c := New(store.NewMockStore(), 0, nil)

	require.NoError(t, c.Record(ctx, inbound("u1", "a1")))
	require.NoError(t, c.Record(ctx, inbound("u1", "a9")))

	dst, ok, err := c.FindDestination(ctx, ref("dm-alice", "u1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ref("admin", "a1"), dst)
}
