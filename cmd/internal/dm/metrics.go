package dm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric labels stay low-cardinality on purpose: room keys are user-pair
// derived and must never become label values.
var (
	metricMessagesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wren_dm_messages_appended_total",
		Help: "Messages accepted and persisted by the room log.",
	})

	metricMessagesDuplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wren_dm_messages_duplicated_total",
		Help: "Appends deduplicated by client message id.",
	})

	metricBroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wren_dm_broadcast_dropped_total",
		Help: "Fan-out deliveries dropped because a subscriber queue was full.",
	})

	metricSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wren_dm_subscribers",
		Help: "Currently joined room subscribers across all rooms.",
	})

	metricHistoryHydration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wren_dm_history_hydration_seconds",
		Help:    "Time spent fetching room history while establishing a subscription.",
		Buckets: prometheus.DefBuckets,
	})
)
