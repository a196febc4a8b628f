// Package metrics provides Prometheus metrics for the session client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Operations counts coordinator operations by name and outcome.
	Operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfuclient_operations_total",
			Help: "Total number of session operations",
		},
		[]string{"op", "result"},
	)

	// Connections tracks registered connections per direction.
	Connections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sfuclient_connections",
			Help: "Number of registered peer connections",
		},
		[]string{"direction"},
	)

	// RemoteUsers tracks the size of the remote user directory.
	RemoteUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sfuclient_remote_users",
			Help: "Number of known remote participants",
		},
	)

	// TrackWait tracks how long subscribe waited for all tracks.
	TrackWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sfuclient_track_wait_seconds",
			Help:    "Duration of the track-arrival wait of subscribe",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// Notifications counts server notifications by method.
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfuclient_notifications_total",
			Help: "Total number of signaling notifications received",
		},
		[]string{"method"},
	)
)

// RecordOperation counts one finished operation.
func RecordOperation(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	Operations.WithLabelValues(op, result).Inc()
}
