// ABOUTME: Prometheus collectors for relay traffic and outbound delivery
// ABOUTME: Registered on the default registry and served by the admin HTTP API

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Delivery metrics
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coven_relay_delivery_attempts_total",
			Help: "Outbound API attempts by operation and outcome",
		},
		[]string{"op", "outcome"}, // outcome: ok, transient, rate_limited, permanent
	)

	DeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coven_relay_delivery_failures_total",
			Help: "Outbound calls that gave up",
		},
		[]string{"op", "reason"}, // reason: permanent, exhausted
	)

	PoolSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coven_relay_pool_sessions",
			Help: "Live sessions held by the delivery pool",
		},
	)

	PoolDiscards = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coven_relay_pool_discards_total",
			Help: "Sessions dropped after repeated failures",
		},
	)

	// Relay metrics
	MessagesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coven_relay_messages_relayed_total",
			Help: "Messages relayed by direction",
		},
		[]string{"direction"}, // inbound, outbound
	)

	ThreadsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coven_relay_threads_created_total",
			Help: "Threads opened in the admin space",
		},
	)

	MediaGroupsFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coven_relay_media_groups_flushed_total",
			Help: "Media groups emitted by flush reason",
		},
		[]string{"reason"},
	)

	BlockedInbound = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coven_relay_blocked_inbound_total",
			Help: "Inbound messages from blocked users that were acknowledged and dropped",
		},
	)

	Throttled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coven_relay_throttled_total",
			Help: "Inbound messages rejected by the per-user throttle",
		},
	)

	BroadcastDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coven_relay_broadcast_deliveries_total",
			Help: "Broadcast copies by outcome",
		},
		[]string{"outcome"}, // sent, failed
	)
)
