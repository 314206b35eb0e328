// ABOUTME: Retrying, paced Transport wrapper for every outbound API call
// ABOUTME: Transient failures back off and retry; exhausted calls are persisted and reported

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/coven-relay/internal/clock"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
)

// ErrDeliveryFailed is returned once a call has used its whole retry budget.
var ErrDeliveryFailed = errors.New("delivery failed")

// Failure describes a call that exhausted its retries.
type Failure struct {
	Op          string
	Destination string
	PayloadKind string
	SourceRef   string
	Attempts    int
	Err         error
}

// Reporter is told about every exhausted call, typically to post a
// diagnostic in the admin space.
type Reporter interface {
	ReportDeliveryFailure(ctx context.Context, f *Failure)
}

// FailureLog persists exhausted calls for manual replay.
type FailureLog interface {
	SaveDeliveryFailure(ctx context.Context, f *store.DeliveryFailure) error
}

// Options configures a Client.
type Options struct {
	Policy     Policy
	Clock      clock.Clock
	FailureLog FailureLog
	Logger     *slog.Logger
}

// Client implements transport.Transport on top of a Pool, adding timeouts,
// pacing, and retries to every call.
type Client struct {
	pool     *Pool
	clock    clock.Clock
	failures FailureLog
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu       sync.RWMutex
	policy   Policy
	reporter Reporter
}

var _ transport.Transport = (*Client)(nil)

// NewClient creates a Client drawing sessions from pool.
func NewClient(pool *Pool, opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	pol := opts.Policy.withDefaults()
	return &Client{
		pool:     pool,
		clock:    opts.Clock,
		failures: opts.FailureLog,
		limiter:  rate.NewLimiter(intervalLimit(pol.MessageInterval), 1),
		logger:   opts.Logger.With("component", "delivery"),
		policy:   pol,
	}
}

func intervalLimit(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// SetReporter installs the reporter for exhausted calls.
func (c *Client) SetReporter(r Reporter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reporter = r
}

// UpdatePolicy swaps the policy for calls started from now on.
func (c *Client) UpdatePolicy(p Policy) {
	p = p.withDefaults()
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
	c.limiter.SetLimit(intervalLimit(p.MessageInterval))
	c.logger.Info("delivery policy updated",
		"timeout", p.Timeout, "max_attempts", p.MaxAttempts, "message_interval", p.MessageInterval)
}

// Policy returns the active policy.
func (c *Client) Policy() Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// call describes one logical delivery for logs and failure rows.
type call struct {
	op          string
	destination string
	payloadKind string
	sourceRef   string
}

func dest(chat transport.ChatID, thread transport.ThreadID) string {
	if thread != "" {
		return string(chat) + "#" + string(thread)
	}
	return string(chat)
}

// pace waits for the send limiter on the injected clock.
func (c *Client) pace(ctx context.Context) error {
	now := c.clock.Now()
	r := c.limiter.ReserveN(now, 1)
	if !r.OK() {
		return errors.New("pacing: reservation refused")
	}
	if d := r.DelayFrom(now); d > 0 {
		if err := c.clock.Sleep(ctx, d); err != nil {
			r.CancelAt(c.clock.Now())
			return err
		}
	}
	return nil
}

// attempt runs fn once on a pooled session under the per-attempt timeout.
func (c *Client) attempt(ctx context.Context, pol Policy, fn func(context.Context, transport.Transport) error) error {
	if err := c.pace(ctx); err != nil {
		return err
	}

	sess, err := c.pool.get(ctx)
	if err != nil {
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, pol.Timeout)
	err = fn(attemptCtx, sess.tr)
	cancel()

	c.pool.put(sess, err)
	return err
}

// do runs fn until it succeeds, fails permanently, or the budget is spent.
func (c *Client) do(ctx context.Context, info call, fn func(context.Context, transport.Transport) error) error {
	pol := c.Policy()
	b := NewBackoff(pol)
	if transport.CallKey(ctx) == "" {
		ctx = transport.WithCallKey(ctx, uuid.New().String())
	}

	for {
		err := c.attempt(ctx, pol, fn)
		if err == nil {
			metrics.DeliveryAttempts.WithLabelValues(info.op, "ok").Inc()
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s to %s: %w", info.op, info.destination, ctxErr)
		}

		kind, hint := transport.Classify(err)
		metrics.DeliveryAttempts.WithLabelValues(info.op, kind.String()).Inc()

		if kind == transport.KindPermanent {
			metrics.DeliveryFailures.WithLabelValues(info.op, "permanent").Inc()
			c.logger.Warn("delivery rejected",
				"op", info.op,
				"destination", info.destination,
				"payload_kind", info.payloadKind,
				"attempts", b.Attempt+1,
				"error", err,
			)
			return err
		}

		wait, ok := b.Fail(c.clock.Now(), hint)
		if !ok {
			return c.exhausted(ctx, info, b.Attempt, err)
		}

		c.logger.Debug("retrying delivery",
			"op", info.op,
			"destination", info.destination,
			"attempt", b.Attempt,
			"wait", wait,
			"error", err,
		)
		if err := c.clock.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("%s to %s: %w", info.op, info.destination, err)
		}
	}
}

func (c *Client) exhausted(ctx context.Context, info call, attempts int, cause error) error {
	metrics.DeliveryFailures.WithLabelValues(info.op, "exhausted").Inc()
	c.logger.Error("delivery failed",
		"op", info.op,
		"destination", info.destination,
		"payload_kind", info.payloadKind,
		"source_ref", info.sourceRef,
		"attempts", attempts,
		"error", cause,
	)

	// Bookkeeping outlives the caller's context.
	bg := context.WithoutCancel(ctx)

	if c.failures != nil {
		row := &store.DeliveryFailure{
			Operation:   info.op,
			Destination: info.destination,
			PayloadKind: info.payloadKind,
			SourceRef:   info.sourceRef,
			Attempts:    attempts,
			Error:       cause.Error(),
			CreatedAt:   c.clock.Now(),
		}
		if err := c.failures.SaveDeliveryFailure(bg, row); err != nil {
			c.logger.Error("recording delivery failure", "error", err)
		}
	}

	c.mu.RLock()
	reporter := c.reporter
	c.mu.RUnlock()
	if reporter != nil {
		reporter.ReportDeliveryFailure(bg, &Failure{
			Op:          info.op,
			Destination: info.destination,
			PayloadKind: info.payloadKind,
			SourceRef:   info.sourceRef,
			Attempts:    attempts,
			Err:         cause,
		})
	}

	return fmt.Errorf("%w: %s to %s after %d attempts: %w", ErrDeliveryFailed, info.op, info.destination, attempts, cause)
}

// Send delivers one message.
func (c *Client) Send(ctx context.Context, msg *transport.OutboundMessage) (transport.MessageID, error) {
	var id transport.MessageID
	err := c.do(ctx, call{
		op:          "send",
		destination: dest(msg.Chat, msg.Thread),
		payloadKind: string(msg.Content.Kind),
		sourceRef:   msg.IdempotencyKey,
	}, func(ctx context.Context, t transport.Transport) error {
		var err error
		id, err = t.Send(ctx, msg)
		return err
	})
	return id, err
}

// SendGroup delivers a multi-part message.
func (c *Client) SendGroup(ctx context.Context, g *transport.OutboundGroup) ([]transport.MessageID, error) {
	var ids []transport.MessageID
	err := c.do(ctx, call{
		op:          "send_group",
		destination: dest(g.Chat, g.Thread),
		payloadKind: fmt.Sprintf("group/%d", len(g.Items)),
		sourceRef:   g.IdempotencyKey,
	}, func(ctx context.Context, t transport.Transport) error {
		var err error
		ids, err = t.SendGroup(ctx, g)
		return err
	})
	return ids, err
}

// Copy re-posts src into dst.
func (c *Client) Copy(ctx context.Context, src transport.MessageRef, dst *transport.OutboundMessage) (transport.MessageID, error) {
	var id transport.MessageID
	err := c.do(ctx, call{
		op:          "copy",
		destination: dest(dst.Chat, dst.Thread),
		payloadKind: "copy",
		sourceRef:   src.String(),
	}, func(ctx context.Context, t transport.Transport) error {
		var err error
		id, err = t.Copy(ctx, src, dst)
		return err
	})
	return id, err
}

// Edit replaces the content of an existing message.
func (c *Client) Edit(ctx context.Context, ref transport.MessageRef, content transport.Content) error {
	return c.do(ctx, call{
		op:          "edit",
		destination: string(ref.Chat),
		payloadKind: string(content.Kind),
		sourceRef:   ref.String(),
	}, func(ctx context.Context, t transport.Transport) error {
		return t.Edit(ctx, ref, content)
	})
}

// Delete removes messages from a chat.
func (c *Client) Delete(ctx context.Context, chat transport.ChatID, ids []transport.MessageID) error {
	return c.do(ctx, call{
		op:          "delete",
		destination: string(chat),
		payloadKind: fmt.Sprintf("ids/%d", len(ids)),
	}, func(ctx context.Context, t transport.Transport) error {
		return t.Delete(ctx, chat, ids)
	})
}

// CreateThread opens a thread in the admin space.
func (c *Client) CreateThread(ctx context.Context, title string, intro transport.Content) (transport.ThreadID, error) {
	var id transport.ThreadID
	err := c.do(ctx, call{
		op:          "create_thread",
		destination: "admin",
		payloadKind: "thread",
	}, func(ctx context.Context, t transport.Transport) error {
		var err error
		id, err = t.CreateThread(ctx, title, intro)
		return err
	})
	return id, err
}

// RenameThread changes a thread's title.
func (c *Client) RenameThread(ctx context.Context, thread transport.ThreadID, title string) error {
	return c.do(ctx, call{
		op:          "rename_thread",
		destination: string(thread),
		payloadKind: "thread",
	}, func(ctx context.Context, t transport.Transport) error {
		return t.RenameThread(ctx, thread, title)
	})
}

// DeleteThread removes a thread.
func (c *Client) DeleteThread(ctx context.Context, thread transport.ThreadID) error {
	return c.do(ctx, call{
		op:          "delete_thread",
		destination: string(thread),
		payloadKind: "thread",
	}, func(ctx context.Context, t transport.Transport) error {
		return t.DeleteThread(ctx, thread)
	})
}

// Notify sends msg with a single attempt and never reports failure. It is
// used for diagnostics about other failures, so it must not recurse.
func (c *Client) Notify(ctx context.Context, msg *transport.OutboundMessage) (transport.MessageID, error) {
	var id transport.MessageID
	err := c.attempt(ctx, c.Policy(), func(ctx context.Context, t transport.Transport) error {
		var err error
		id, err = t.Send(ctx, msg)
		return err
	})
	if err != nil {
		c.logger.Warn("notice not delivered", "destination", dest(msg.Chat, msg.Thread), "error", err)
	}
	return id, err
}

// Close releases pooled sessions.
func (c *Client) Close() {
	c.pool.Close()
}
