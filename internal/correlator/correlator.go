// ABOUTME: Two-way index between relayed messages and the copies they produced
// ABOUTME: Backed by indexed store rows with a bounded LRU in front for hot lookups

package correlator

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
)

// DefaultCacheSize is the number of link sides held in memory.
const DefaultCacheSize = 4096

// Store is the persistence the correlator needs.
type Store interface {
	SaveLink(ctx context.Context, link *store.MessageLink) error
	FindLinkBySource(ctx context.Context, chat, id string) (*store.MessageLink, error)
	FindLinkByDest(ctx context.Context, chat, id string) (*store.MessageLink, error)
}

// Link is one relayed message and the copy it produced.
type Link struct {
	Source       transport.MessageRef
	Dest         transport.MessageRef
	Direction    store.Direction
	MediaGroupID string
	ThreadID     string
}

// Correlator records and resolves links.
type Correlator struct {
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	size  int
	items map[string]*list.Element
	order *list.List // most recently used at front
}

type cached struct {
	key  string
	link *store.MessageLink
}

// New creates a Correlator caching up to size link sides.
func New(st Store, size int, logger *slog.Logger) *Correlator {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		store:  st,
		logger: logger.With("component", "correlator"),
		size:   size,
		items:  make(map[string]*list.Element),
		order:  list.New(),
	}
}

func sourceKey(r transport.MessageRef) string { return "s|" + r.String() }
func destKey(r transport.MessageRef) string   { return "d|" + r.String() }

// Record stores link. Recording the same pair again is a no-op.
func (c *Correlator) Record(ctx context.Context, link Link) error {
	row := &store.MessageLink{
		SourceChat:   string(link.Source.Chat),
		SourceID:     string(link.Source.ID),
		DestChat:     string(link.Dest.Chat),
		DestID:       string(link.Dest.ID),
		Direction:    link.Direction,
		MediaGroupID: link.MediaGroupID,
		ThreadID:     link.ThreadID,
	}
	if err := c.store.SaveLink(ctx, row); err != nil {
		return fmt.Errorf("recording %s -> %s: %w", link.Source, link.Dest, err)
	}

	c.logger.Debug("link recorded", "source", link.Source, "dest", link.Dest, "direction", link.Direction)

	c.mu.Lock()
	defer c.mu.Unlock()
	// The store answers with the earliest link, so never replace a cached side.
	c.addLocked(sourceKey(link.Source), row, false)
	c.addLocked(destKey(link.Dest), row, false)
	return nil
}

// FindDestination returns the copy produced from src.
func (c *Correlator) FindDestination(ctx context.Context, src transport.MessageRef) (transport.MessageRef, bool, error) {
	l, err := c.lookup(ctx, sourceKey(src), func() (*store.MessageLink, error) {
		return c.store.FindLinkBySource(ctx, string(src.Chat), string(src.ID))
	})
	if err != nil || l == nil {
		return transport.MessageRef{}, false, err
	}
	return destRef(l), true, nil
}

// FindSource returns the message that dst was copied from.
func (c *Correlator) FindSource(ctx context.Context, dst transport.MessageRef) (transport.MessageRef, bool, error) {
	l, err := c.lookup(ctx, destKey(dst), func() (*store.MessageLink, error) {
		return c.store.FindLinkByDest(ctx, string(dst.Chat), string(dst.ID))
	})
	if err != nil || l == nil {
		return transport.MessageRef{}, false, err
	}
	return sourceRef(l), true, nil
}

// Counterpart returns the message on the other side of ref, whichever side
// ref is on.
func (c *Correlator) Counterpart(ctx context.Context, ref transport.MessageRef) (transport.MessageRef, bool, error) {
	if src, ok, err := c.FindSource(ctx, ref); err != nil || ok {
		return src, ok, err
	}
	return c.FindDestination(ctx, ref)
}

// Cached returns the number of link sides held in memory.
func (c *Correlator) Cached() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Correlator) lookup(ctx context.Context, key string, load func() (*store.MessageLink, error)) (*store.MessageLink, error) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		l := el.Value.(*cached).link
		c.mu.Unlock()
		return l, nil
	}
	c.mu.Unlock()

	l, err := load()
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding link: %w", err)
	}

	c.mu.Lock()
	c.addLocked(key, l, true)
	c.mu.Unlock()
	return l, nil
}

func (c *Correlator) addLocked(key string, l *store.MessageLink, replace bool) {
	if el, ok := c.items[key]; ok {
		if replace {
			el.Value.(*cached).link = l
		}
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&cached{key: key, link: l})
	for c.order.Len() > c.size {
		back := c.order.Back()
		c.order.Remove(back)
		delete(c.items, back.Value.(*cached).key)
	}
}

func sourceRef(l *store.MessageLink) transport.MessageRef {
	return transport.MessageRef{Chat: transport.ChatID(l.SourceChat), ID: transport.MessageID(l.SourceID)}
}

func destRef(l *store.MessageLink) transport.MessageRef {
	return transport.MessageRef{Chat: transport.ChatID(l.DestChat), ID: transport.MessageID(l.DestID)}
}
