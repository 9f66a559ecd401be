// Package metrics holds the Prometheus collectors of the ingestion worker,
// the read API and the live relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons.
const (
	ReasonUnroutable = "unroutable"
	ReasonMalformed  = "malformed"
	ReasonStorage    = "storage"
)

type Metrics struct {
	Received    *prometheus.CounterVec
	Stored      *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
	Connects    prometheus.Counter
	ConnectErrs prometheus.Counter
	WorkerState prometheus.Gauge
	APIRequests *prometheus.CounterVec
	WSClients   prometheus.Gauge
	Relayed     prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iotpulse_messages_received_total",
			Help: "Messages received from the broker, by routed kind.",
		}, []string{"kind"}),
		Stored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iotpulse_messages_stored_total",
			Help: "Messages committed to storage, by kind.",
		}, []string{"kind"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iotpulse_messages_dropped_total",
			Help: "Messages discarded, by reason.",
		}, []string{"reason"}),
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iotpulse_worker_connects_total",
			Help: "Successful broker connections made by the ingestion worker.",
		}),
		ConnectErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iotpulse_worker_connection_failures_total",
			Help: "Failed connect, subscribe or receive cycles.",
		}),
		WorkerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iotpulse_worker_state",
			Help: "Ingestion worker state: 0 disconnected, 1 connecting, 2 subscribed.",
		}),
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iotpulse_api_requests_total",
			Help: "Read API requests, by query type and status code.",
		}, []string{"api", "code"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iotpulse_ws_clients",
			Help: "Connected live relay clients.",
		}),
		Relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iotpulse_ws_relayed_total",
			Help: "Messages broadcast to live relay clients.",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.Received, m.Stored, m.Dropped,
		m.Connects, m.ConnectErrs, m.WorkerState,
		m.APIRequests, m.WSClients, m.Relayed,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
