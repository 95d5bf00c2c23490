package maintenance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_inflight_requests",
		Help: "HTTP requests currently being served.",
	})

	metricRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_maintenance_rejected_total",
		Help: "Mutating requests rejected by mode.",
	}, []string{"mode"})
)
