// Package metrics exposes the agent's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var EventsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "tracely_events_enqueued_total",
	Help: "Count of events written to the durable queue",
})

var BatchesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "tracely_batches_sent_total",
	Help: "Count of batch POSTs by endpoint and outcome",
}, []string{"endpoint", "outcome"})

var TransportErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "tracely_transport_errors_total",
	Help: "Count of HTTP requests that failed before a status was received",
})

var ReplaySnapshots = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "tracely_replay_snapshots_total",
	Help: "Count of snapshot frames accepted by the replay pipeline",
})

var ReplayBatches = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "tracely_replay_batches_total",
	Help: "Count of replay batches shipped",
})

var QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "tracely_queue_size",
	Help: "Current number of events in the durable queue",
})

func init() {
	prometheus.MustRegister(
		EventsEnqueued,
		BatchesSent,
		TransportErrors,
		ReplaySnapshots,
		ReplayBatches,
		QueueSize,
	)
}
