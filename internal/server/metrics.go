package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "tftpd"

// Drop reasons
const (
	dropCapacity   = "capacity"
	dropDuplicate  = "duplicate"
	dropMalformed  = "malformed"
	dropNotRequest = "not_request"
)

// Transfer outcomes
const (
	statusSuccess  = "success"
	statusFailed   = "failed"
	statusRejected = "rejected"
)

// Metrics holds the Prometheus collectors of one server
type Metrics struct {
	activeSessions prometheus.Gauge
	freeSlots      prometheus.Gauge
	registrySize   prometheus.Gauge
	requests       *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	transfers      *prometheus.CounterVec
	bytes          *prometheus.CounterVec
	duration       *prometheus.HistogramVec
}

// NewMetrics registers the server collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Transfers currently running",
		}),

		freeSlots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "free_worker_slots",
			Help:      "Worker slots available for new requests",
		}),

		registrySize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "lock_registry_files",
			Help:      "Files known to the lock registry",
		}),

		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Requests received on the well-known port",
		}, []string{"opcode"}),

		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_requests_total",
			Help:      "Datagrams on the well-known port dropped without a reply",
		}, []string{"reason"}),

		transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transfers_total",
			Help:      "Finished transfer sessions",
		}, []string{"direction", "status"}),

		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transferred_bytes_total",
			Help:      "File bytes moved by finished sessions",
		}, []string{"direction"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "transfer_duration_seconds",
			Help:      "Session duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"direction"}),
	}
}
