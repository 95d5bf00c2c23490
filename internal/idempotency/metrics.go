package idempotency

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_idempotency_replays_total",
		Help: "Requests served from a cached response.",
	})

	metricCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_idempotency_coalesced_total",
		Help: "Concurrent duplicates that joined an in-flight execution.",
	})

	metricMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_idempotency_mismatches_total",
		Help: "Keys reused with a different request fingerprint.",
	})

	metricEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_idempotency_evictions_total",
		Help: "Records evicted because the cache hit its size bound.",
	})

	metricSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_idempotency_records",
		Help: "Responses currently held for replay.",
	})
)
