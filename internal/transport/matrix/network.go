// ABOUTME: Shared Matrix state: account, admin room, proxy, room kinds and deleted thread roots
// ABOUTME: Dial opens pooled sender sessions; each session owns its own HTTP client

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/transport"
)

// ErrNotConfigured is returned when the matrix section is incomplete.
var ErrNotConfigured = errors.New("matrix transport not configured")

// Options configures a Network.
type Options struct {
	// ProxyURL routes every API call through an HTTP proxy when set.
	ProxyURL string
	Logger   *slog.Logger
}

// Network holds what every session and the listener share.
type Network struct {
	homeserver string
	botID      id.UserID
	token      string
	adminRoom  id.RoomID
	proxy      *url.URL
	logger     *slog.Logger

	// gone holds thread roots redacted since startup.
	gone sync.Map

	names sync.Map // id.UserID -> display name
	rooms sync.Map // id.RoomID -> roomInfo
}

// roomInfo is what the relay needs to know about a non-admin room.
type roomInfo struct {
	group bool
	name  string
}

// New validates cfg and prepares a Network. Nothing is dialed yet.
func New(cfg config.MatrixConfig, opts Options) (*Network, error) {
	if cfg.Homeserver == "" || cfg.UserID == "" || cfg.AccessToken == "" || cfg.AdminRoom == "" {
		return nil, ErrNotConfigured
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	n := &Network{
		homeserver: cfg.Homeserver,
		botID:      id.UserID(cfg.UserID),
		token:      cfg.AccessToken,
		adminRoom:  id.RoomID(cfg.AdminRoom),
		logger:     opts.Logger.With("component", "matrix"),
	}
	if opts.ProxyURL != "" {
		u, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		n.proxy = u
	}
	return n, nil
}

// AdminChat is the admin room as a transport chat id.
func (n *Network) AdminChat() transport.ChatID {
	return transport.ChatID(n.adminRoom)
}

func (n *Network) newClient() (*mautrix.Client, error) {
	mx, err := mautrix.NewClient(n.homeserver, n.botID, n.token)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if n.proxy != nil {
		mx.Client = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(n.proxy)}}
	}
	return mx, nil
}

// Dial opens a sender session. It has the delivery.Dialer signature.
func (n *Network) Dial(ctx context.Context) (transport.Transport, error) {
	mx, err := n.newClient()
	if err != nil {
		return nil, err
	}
	return &Session{net: n, mx: mx}, nil
}

func (n *Network) markGone(root id.EventID) {
	if _, loaded := n.gone.LoadOrStore(root, struct{}{}); !loaded {
		n.logger.Info("thread root redacted", "root", root)
	}
}

func (n *Network) isGone(root id.EventID) bool {
	_, ok := n.gone.Load(root)
	return ok
}

// displayName resolves a user's display name once and caches it.
func (n *Network) displayName(ctx context.Context, mx *mautrix.Client, user id.UserID) string {
	if v, ok := n.names.Load(user); ok {
		return v.(string)
	}
	name := string(user)
	if local, _, err := user.Parse(); err == nil {
		name = local
	}
	if resp, err := mx.GetDisplayName(ctx, user); err == nil && resp.DisplayName != "" {
		name = resp.DisplayName
	} else if err != nil {
		n.logger.Debug("display name lookup failed", "user", user, "error", err)
	}
	n.names.Store(user, name)
	return name
}

// room classifies a room once and caches the answer. A room with more than
// the bot and one other member is a group.
func (n *Network) room(ctx context.Context, mx *mautrix.Client, roomID id.RoomID) roomInfo {
	if v, ok := n.rooms.Load(roomID); ok {
		return v.(roomInfo)
	}
	members, err := mx.JoinedMembers(ctx, roomID)
	if err != nil {
		n.logger.Debug("member lookup failed", "room", roomID, "error", err)
		return roomInfo{}
	}
	info := roomInfo{group: len(members.Joined) > 2}
	if info.group {
		var nameEvt event.RoomNameEventContent
		if err := mx.StateEvent(ctx, roomID, event.StateRoomName, "", &nameEvt); err == nil {
			info.name = nameEvt.Name
		}
	}
	n.rooms.Store(roomID, info)
	return info
}

// forgetRoom drops the cached classification after a membership change.
func (n *Network) forgetRoom(roomID id.RoomID) {
	n.rooms.Delete(roomID)
}

// mentionsBot reports whether a message addresses the bot, either through
// explicit mentions or by naming its user id. text is the body with any
// reply fallback already stripped.
func (n *Network) mentionsBot(mc *event.MessageEventContent, text string) bool {
	if mc.Mentions != nil && slices.Contains(mc.Mentions.UserIDs, n.botID) {
		return true
	}
	html := mc.FormattedBody
	if _, rest, ok := strings.Cut(html, "</mx-reply>"); ok {
		html = rest
	}
	return strings.Contains(text, n.botID.String()) || strings.Contains(html, n.botID.String())
}
