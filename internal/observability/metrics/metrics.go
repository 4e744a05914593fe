// Package metrics holds the Prometheus collectors shared by the client and the relay.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ControlMessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "control_messages_sent_total",
			Help: "Control messages handed to the relay.",
		},
		[]string{"kind", "policy", "outcome"},
	)

	KeyRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_rotations_total",
			Help: "Group key rotations by outcome.",
		},
		[]string{"outcome"},
	)

	PendingRotations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pending_rotations",
			Help: "Key pairs sent but not yet persisted.",
		},
	)

	RelayEnvelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_envelopes_total",
			Help: "Envelopes received by the relay.",
		},
		[]string{"channel", "outcome"},
	)

	RelayFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_fetched_envelopes_total",
			Help: "Envelopes handed out by Fetch.",
		},
		[]string{"channel"},
	)

	GRPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_requests_total",
			Help: "Total number of gRPC requests.",
		},
		[]string{"method", "code"},
	)

	GRPCRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// MustRegister registers every collector on reg with a constant service label.
func MustRegister(reg prometheus.Registerer, serviceName string) {
	prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, reg).MustRegister(
		ControlMessagesSentTotal,
		KeyRotationsTotal,
		PendingRotations,
		RelayEnvelopesTotal,
		RelayFetchedTotal,
		GRPCRequestsTotal,
		GRPCRequestDurationSeconds,
	)
}
