// Package metrics holds the Prometheus collectors of one node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zde37/gusearch/internal/protocol"
)

const namespace = "gusearch"

// Metrics groups the node collectors on a private registry so several nodes
// can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	datagramsSent     *prometheus.CounterVec
	datagramsReceived *prometheus.CounterVec
	decodeErrors      prometheus.Counter
	sendErrors        prometheus.Counter
	pings             *prometheus.CounterVec
	searches          *prometheus.CounterVec
	searchLatency     prometheus.Histogram
	commands          *prometheus.CounterVec

	inRing      prometheus.Gauge
	storedTerms prometheus.Gauge
	fingers     prometheus.Gauge
}

// New creates the collectors. The process and Go runtime collectors are
// registered only when withRuntime is set, since they are global.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		datagramsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Datagrams sent, by message type.",
		}, []string{"type"}),
		datagramsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Datagrams received and decoded, by message type.",
		}, []string{"type"}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Datagrams dropped because they did not decode.",
		}),
		sendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Datagrams the transport failed to send.",
		}),
		pings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_total",
			Help:      "Completed pings, by outcome.",
		}, []string{"outcome"}),
		searches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Completed searches, by whether anything matched.",
		}, []string{"result"}),
		searchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Time from FETCH_REQ to FETCH_RSP at the originator.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Operator commands, by command and status.",
		}, []string{"command", "status"}),
		inRing: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_ring",
			Help:      "1 while the node is a ring member.",
		}),
		storedTerms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_terms",
			Help:      "Terms in the local document store.",
		}),
		fingers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "finger_entries",
			Help:      "Entries in the finger table.",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) DatagramSent(t protocol.MessageType) {
	m.datagramsSent.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) DatagramReceived(t protocol.MessageType) {
	m.datagramsReceived.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) DecodeError() { m.decodeErrors.Inc() }

func (m *Metrics) SendError() { m.sendErrors.Inc() }

// Ping records a finished ping.
func (m *Metrics) Ping(ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.pings.WithLabelValues(outcome).Inc()
}

// Search records a completed query.
func (m *Metrics) Search(matches int, seconds float64) {
	result := "empty"
	if matches > 0 {
		result = "match"
	}
	m.searches.WithLabelValues(result).Inc()
	m.searchLatency.Observe(seconds)
}

// Command records one operator command.
func (m *Metrics) Command(name string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.commands.WithLabelValues(name, status).Inc()
}

// State refreshes the gauges from a ring snapshot.
func (m *Metrics) State(inRing bool, storedTerms, fingers int) {
	if inRing {
		m.inRing.Set(1)
	} else {
		m.inRing.Set(0)
	}
	m.storedTerms.Set(float64(storedTerms))
	m.fingers.Set(float64(fingers))
}
