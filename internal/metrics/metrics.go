package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains the prometheus collectors of the poll server
type Metrics struct {
	registry *prometheus.Registry

	// Slot occupancy
	ActiveClients *prometheus.GaugeVec

	// Accept dispatcher
	Accepted *prometheus.CounterVec
	Rejected *prometheus.CounterVec

	// Channel handler
	Closed         *prometheus.CounterVec
	BytesReceived  prometheus.Counter
	StatusReports  prometheus.Counter
	UnknownCommand prometheus.Counter

	// Event loop
	PollTimeouts   prometheus.Counter
	PollInterrupts prometheus.Counter
	Draining       prometheus.Gauge
}

// New creates all collectors on a private registry so several servers can
// live in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveClients: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pollserver_active_clients",
			Help: "Connected clients per pool",
		}, []string{"pool"}),
		Accepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pollserver_accepted_total",
			Help: "Connections placed into a slot",
		}, []string{"pool"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pollserver_rejected_total",
			Help: "Connections closed because the pool was full",
		}, []string{"pool"}),
		Closed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pollserver_closed_total",
			Help: "Client slots released, by reason",
		}, []string{"pool", "reason"}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "pollserver_data_bytes_received_total",
			Help: "Bytes read from data clients",
		}),
		StatusReports: f.NewCounter(prometheus.CounterOpts{
			Name: "pollserver_status_reports_total",
			Help: "Status reports written to control clients",
		}),
		UnknownCommand: f.NewCounter(prometheus.CounterOpts{
			Name: "pollserver_unknown_commands_total",
			Help: "Control connections terminated for an unknown command",
		}),
		PollTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "pollserver_poll_timeouts_total",
			Help: "Poll calls that returned without events",
		}),
		PollInterrupts: f.NewCounter(prometheus.CounterOpts{
			Name: "pollserver_poll_interrupts_total",
			Help: "Poll calls interrupted by a signal",
		}),
		Draining: f.NewGauge(prometheus.GaugeOpts{
			Name: "pollserver_draining",
			Help: "1 once shutdown was requested and listeners are closed",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
