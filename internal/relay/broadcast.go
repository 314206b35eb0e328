// ABOUTME: Fan-out of one admin message to every non-blocked user
// ABOUTME: Bounded by an errgroup limit; each failure is collected per user and never aborts the batch

package relay

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
)

// BroadcastFailure is one user a broadcast did not reach.
type BroadcastFailure struct {
	UserID string
	Err    error
}

// BroadcastSummary is the outcome of one broadcast.
type BroadcastSummary struct {
	ID       string
	Source   transport.MessageRef
	Total    int
	Sent     int
	Failures []BroadcastFailure // ordered by user id
}

// Failed returns the number of users not reached.
func (s *BroadcastSummary) Failed() int { return len(s.Failures) }

func (s *BroadcastSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "📣 Broadcast %s: %d sent, %d failed (of %d)", s.ID[:8], s.Sent, s.Failed(), s.Total)
	for _, f := range s.Failures {
		fmt.Fprintf(&b, "\n• %s: %v", f.UserID, f.Err)
	}
	return b.String()
}

// Broadcast copies src to every user who is not blocked.
func (e *Engine) Broadcast(ctx context.Context, src transport.MessageRef) (*BroadcastSummary, error) {
	users, err := e.store.ListUsers(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("listing broadcast recipients: %w", err)
	}

	summary := &BroadcastSummary{ID: uuid.New().String(), Source: src, Total: len(users)}
	logger := e.logger.With("broadcast_id", summary.ID)
	logger.Info("broadcast started", "source", src.String(), "recipients", len(users))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(max(e.relayConfig().BroadcastConcurrency, 1))

	for _, u := range users {
		g.Go(func() error {
			err := e.broadcastOne(ctx, summary.ID, src, u)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metrics.BroadcastDeliveries.WithLabelValues("failed").Inc()
				summary.Failures = append(summary.Failures, BroadcastFailure{UserID: u.ID, Err: err})
				logger.Warn("broadcast copy failed", "user_id", u.ID, "error", err)
				return nil
			}
			metrics.BroadcastDeliveries.WithLabelValues("sent").Inc()
			summary.Sent++
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(summary.Failures, func(i, j int) bool {
		return summary.Failures[i].UserID < summary.Failures[j].UserID
	})
	logger.Info("broadcast finished", "sent", summary.Sent, "failed", summary.Failed())
	return summary, nil
}

func (e *Engine) broadcastOne(ctx context.Context, id string, src transport.MessageRef, u *store.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := e.out.Copy(ctx, src, &transport.OutboundMessage{
		Chat:           transport.ChatID(u.ChatID),
		IdempotencyKey: "broadcast:" + id + ":" + u.ID,
	})
	return err
}
