package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus telemetry for the fan-out path. Event-loss counters mirror
// the Stats() surface so alerting can key off the same numbers clients
// observe through /api/v1/hub/stats.
var (
	metricPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_hub_published_total",
		Help: "Messages published, by channel prefix.",
	}, []string{"prefix"})

	metricDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_hub_delivered_total",
		Help: "Message frames delivered to subscribers, by channel prefix.",
	}, []string{"prefix"})

	metricSendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_hub_send_failures_total",
		Help: "Fan-out sends that failed (queue overflow or dead transport).",
	}, []string{"prefix"})

	metricCapacityEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_hub_capacity_evictions_total",
		Help: "History entries evicted because a ring buffer overflowed.",
	}, []string{"prefix"})

	metricTTLExpirations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_hub_ttl_expirations_total",
		Help: "History entries dropped by TTL pruning.",
	}, []string{"prefix"})

	metricCursorExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_hub_cursor_expired_total",
		Help: "Resume attempts whose cursor had already left retention.",
	}, []string{"prefix"})

	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_hub_connections",
		Help: "Active client connections.",
	})

	metricSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_hub_subscriptions",
		Help: "Active channel subscriptions across all connections.",
	})

	metricAcksPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_hub_pending_acks",
		Help: "Messages awaiting client acknowledgment.",
	})
)
