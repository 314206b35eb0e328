// ABOUTME: Durable user to thread mapping with exactly-once thread creation
// ABOUTME: Concurrent first contacts from one user collapse into a single creation flight

package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-relay/internal/clock"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
)

var (
	// ErrThreadCreationFailed means the network refused to open a thread.
	// Nothing was persisted; the next inbound message tries again.
	ErrThreadCreationFailed = errors.New("thread creation failed")

	// ErrUserBlocked is returned for users an agent has blocked.
	ErrUserBlocked = errors.New("user is blocked")
)

// maxTitleRunes keeps titles within what chat networks display.
const maxTitleRunes = 64

// Store is what the directory needs from persistence.
type Store interface {
	UpsertUser(ctx context.Context, user *store.User) error
	GetUser(ctx context.Context, id string) (*store.User, error)
	SetUserBlocked(ctx context.Context, id string, blocked bool) error
	CreateThread(ctx context.Context, thread *store.Thread) error
	GetThread(ctx context.Context, id string) (*store.Thread, error)
	GetActiveThreadByUser(ctx context.Context, userID string) (*store.Thread, error)
	UpdateThreadStatus(ctx context.Context, id string, status store.ThreadStatus) error
	UpdateThreadTitle(ctx context.Context, id, title string) error
	TouchThread(ctx context.Context, id string, at time.Time) error
}

// Threads is what the directory needs from the chat network.
type Threads interface {
	CreateThread(ctx context.Context, title string, intro transport.Content) (transport.ThreadID, error)
	RenameThread(ctx context.Context, thread transport.ThreadID, title string) error
	DeleteThread(ctx context.Context, thread transport.ThreadID) error
}

// Profile is what the network tells us about a sender on each message.
type Profile struct {
	UserID      string
	ChatID      string
	DisplayName string
	Username    string
	Premium     bool
}

// State is a user's position in the relay lifecycle.
type State string

const (
	StateNew           State = "NEW"
	StatePendingCreate State = "PENDING_CREATE"
	StateActive        State = "ACTIVE"
	StateClosed        State = "CLOSED"
	StateBlocked       State = "BLOCKED"
)

// Options configures a Directory.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger
	// Intro builds the header posted when a thread is opened.
	Intro func(u *store.User) transport.Content
}

// Directory owns every read and write of users and threads.
type Directory struct {
	store   Store
	threads Threads
	clock   clock.Clock
	intro   func(u *store.User) transport.Content
	logger  *slog.Logger

	flights singleflight.Group

	mu      sync.Mutex
	pending map[string]struct{}
}

// New creates a Directory.
func New(st Store, threads Threads, opts Options) *Directory {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Intro == nil {
		opts.Intro = DefaultIntro
	}
	return &Directory{
		store:   st,
		threads: threads,
		clock:   opts.Clock,
		intro:   opts.Intro,
		logger:  opts.Logger.With("component", "directory"),
		pending: make(map[string]struct{}),
	}
}

// DefaultIntro renders a short user card.
func DefaultIntro(u *store.User) transport.Content {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n", u.DisplayName)
	if u.Username != "" {
		fmt.Fprintf(&b, "Username: %s\n", u.Username)
	}
	fmt.Fprintf(&b, "ID: `%s`", u.ID)
	if u.Premium {
		b.WriteString("\nPremium")
	}
	return transport.Markdown(b.String())
}

// Title derives the thread title for u.
func Title(u *store.User) string {
	name := strings.TrimSpace(u.DisplayName)
	if name == "" {
		name = u.Username
	}
	title := fmt.Sprintf("%s | %s", name, u.ID)
	if u.Premium {
		title = "💎" + title
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = string([]rune(title)[:maxTitleRunes-1]) + "…"
	}
	return title
}

// Register records or refreshes the sender's profile and returns the stored
// user, including its blocked flag.
func (d *Directory) Register(ctx context.Context, p Profile) (*store.User, error) {
	now := d.clock.Now()
	u := &store.User{
		ID:          p.UserID,
		ChatID:      p.ChatID,
		DisplayName: p.DisplayName,
		Username:    p.Username,
		Premium:     p.Premium,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.store.UpsertUser(ctx, u); err != nil {
		return nil, fmt.Errorf("registering user %s: %w", p.UserID, err)
	}
	return u, nil
}

// ResolveOrCreate returns the user's live thread, opening one if needed.
// Blocked users get ErrUserBlocked and no new thread. Any number of
// concurrent callers for one user share a single creation.
func (d *Directory) ResolveOrCreate(ctx context.Context, p Profile) (*store.User, *store.Thread, error) {
	u, err := d.Register(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	if u.Blocked {
		return u, nil, ErrUserBlocked
	}

	th, err := d.store.GetActiveThreadByUser(ctx, u.ID)
	switch {
	case err == nil:
		d.refreshTitle(ctx, u, th)
		return u, th, nil
	case !errors.Is(err, store.ErrNotFound):
		return u, nil, fmt.Errorf("looking up thread: %w", err)
	}

	v, err, shared := d.flights.Do(u.ID, func() (any, error) {
		return d.create(context.WithoutCancel(ctx), u)
	})
	if err != nil {
		return u, nil, err
	}
	if shared {
		d.logger.Debug("joined thread creation", "user_id", u.ID)
	}
	created := *v.(*store.Thread)
	return u, &created, nil
}

// create runs inside the user's flight.
func (d *Directory) create(ctx context.Context, u *store.User) (*store.Thread, error) {
	// A flight that finished just before ours may have created it.
	if th, err := d.store.GetActiveThreadByUser(ctx, u.ID); err == nil {
		return th, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up thread: %w", err)
	}

	d.setPending(u.ID, true)
	defer d.setPending(u.ID, false)

	title := Title(u)
	id, err := d.threads.CreateThread(ctx, title, d.intro(u))
	if err != nil {
		d.logger.Warn("thread creation failed", "user_id", u.ID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrThreadCreationFailed, err)
	}

	now := d.clock.Now()
	th := &store.Thread{
		ID:             string(id),
		UserID:         u.ID,
		Title:          title,
		Status:         store.ThreadOpen,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := d.store.CreateThread(ctx, th); err != nil {
		if delErr := d.threads.DeleteThread(ctx, id); delErr != nil {
			d.logger.Error("removing orphan thread", "thread_id", id, "error", delErr)
		}
		return nil, fmt.Errorf("%w: persisting thread: %w", ErrThreadCreationFailed, err)
	}

	metrics.ThreadsCreated.Inc()
	d.logger.Info("thread created", "user_id", u.ID, "thread_id", th.ID)
	return th, nil
}

func (d *Directory) refreshTitle(ctx context.Context, u *store.User, th *store.Thread) {
	title := Title(u)
	if title == th.Title {
		return
	}
	if err := d.threads.RenameThread(ctx, transport.ThreadID(th.ID), title); err != nil {
		d.logger.Warn("renaming thread", "thread_id", th.ID, "error", err)
		return
	}
	if err := d.store.UpdateThreadTitle(ctx, th.ID, title); err != nil {
		d.logger.Warn("saving thread title", "thread_id", th.ID, "error", err)
		return
	}
	th.Title = title
}

func (d *Directory) setPending(userID string, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on {
		d.pending[userID] = struct{}{}
	} else {
		delete(d.pending, userID)
	}
}

// LookupByThread returns the thread and the user who owns it.
// Returns store.ErrNotFound for unknown threads.
func (d *Directory) LookupByThread(ctx context.Context, threadID string) (*store.User, *store.Thread, error) {
	th, err := d.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	u, err := d.store.GetUser(ctx, th.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading owner of thread %s: %w", threadID, err)
	}
	return u, th, nil
}

// ActiveThread returns the user's live thread.
func (d *Directory) ActiveThread(ctx context.Context, userID string) (*store.Thread, error) {
	return d.store.GetActiveThreadByUser(ctx, userID)
}

// User returns a stored user.
func (d *Directory) User(ctx context.Context, userID string) (*store.User, error) {
	return d.store.GetUser(ctx, userID)
}

// MarkBlocked stops relay in both directions for the user.
func (d *Directory) MarkBlocked(ctx context.Context, userID string) error {
	if err := d.store.SetUserBlocked(ctx, userID, true); err != nil {
		return fmt.Errorf("blocking %s: %w", userID, err)
	}
	d.logger.Info("user blocked", "user_id", userID)
	return nil
}

// MarkUnblocked resumes relay for the user.
func (d *Directory) MarkUnblocked(ctx context.Context, userID string) error {
	if err := d.store.SetUserBlocked(ctx, userID, false); err != nil {
		return fmt.Errorf("unblocking %s: %w", userID, err)
	}
	d.logger.Info("user unblocked", "user_id", userID)
	return nil
}

// State reports where the user is in the lifecycle.
func (d *Directory) State(ctx context.Context, userID string) (State, error) {
	d.mu.Lock()
	_, pending := d.pending[userID]
	d.mu.Unlock()
	if pending {
		return StatePendingCreate, nil
	}

	u, err := d.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return StateNew, nil
	}
	if err != nil {
		return "", err
	}
	if u.Blocked {
		return StateBlocked, nil
	}

	th, err := d.store.GetActiveThreadByUser(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return StateNew, nil
	case err != nil:
		return "", err
	case th.Status == store.ThreadClosed:
		return StateClosed, nil
	default:
		return StateActive, nil
	}
}

// Close marks a thread closed; the user is refused until it is reopened.
func (d *Directory) Close(ctx context.Context, threadID string) error {
	return d.setStatus(ctx, threadID, store.ThreadClosed)
}

// Reopen marks a closed thread open again.
func (d *Directory) Reopen(ctx context.Context, threadID string) error {
	return d.setStatus(ctx, threadID, store.ThreadOpen)
}

func (d *Directory) setStatus(ctx context.Context, threadID string, status store.ThreadStatus) error {
	if err := d.store.UpdateThreadStatus(ctx, threadID, status); err != nil {
		return fmt.Errorf("setting thread %s %s: %w", threadID, status, err)
	}
	d.logger.Info("thread status changed", "thread_id", threadID, "status", status)
	return nil
}

// Forget archives the user's live thread so the next inbound message opens
// a fresh one. It returns the archived thread.
func (d *Directory) Forget(ctx context.Context, userID string) (*store.Thread, error) {
	th, err := d.store.GetActiveThreadByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := d.setStatus(ctx, th.ID, store.ThreadArchived); err != nil {
		return nil, err
	}
	th.Status = store.ThreadArchived
	return th, nil
}

// Touch records activity on a thread.
func (d *Directory) Touch(ctx context.Context, threadID string) error {
	return d.store.TouchThread(ctx, threadID, d.clock.Now())
}
