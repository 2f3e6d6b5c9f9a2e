package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the load generator.
type Metrics struct {
	QueriesSent    prometheus.Counter
	ResponsesTotal prometheus.Counter
	RTTSeconds     prometheus.Histogram

	PoissonSources prometheus.Gauge
	RateKnob       prometheus.Gauge
	ActiveFlows    prometheus.Gauge
	InFlight       prometheus.Gauge

	FlowErrors     *prometheus.CounterVec
	RingOverwrites prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates and registers all metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		QueriesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnsgen_queries_sent_total",
			Help: "Total number of queries written to flows",
		}),
		ResponsesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnsgen_responses_matched_total",
			Help: "Total number of responses matched to a query",
		}),
		RTTSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "dnsgen_rtt_seconds",
			Help: "Matched round-trip time in seconds",
			Buckets: []float64{
				0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
			},
		}),
		PoissonSources: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dnsgen_poisson_sources",
			Help: "Current number of live Poisson sources",
		}),
		RateKnob: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dnsgen_rate_knob_qps",
			Help: "Current per-source rate lambda times source count (target aggregate qps)",
		}),
		ActiveFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dnsgen_active_flows",
			Help: "Number of connected flows",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dnsgen_in_flight_estimate",
			Help: "Estimated number of in-flight (unmatched) queries",
		}),
		FlowErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dnsgen_flow_errors_total",
			Help: "Per-flow transient errors by kind",
		}, []string{"kind"}),
		RingOverwrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnsgen_ring_overwrites_total",
			Help: "Count of sends that occurred while more than W queries were already outstanding on a flow",
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.QueriesSent,
		m.ResponsesTotal,
		m.RTTSeconds,
		m.PoissonSources,
		m.RateKnob,
		m.ActiveFlows,
		m.InFlight,
		m.FlowErrors,
		m.RingOverwrites,
	)

	return m
}

// Handler returns an HTTP handler for Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordQuery records a sent query.
func (m *Metrics) RecordQuery() {
	m.QueriesSent.Inc()
}

// RecordMatch records a matched response and its RTT.
func (m *Metrics) RecordMatch(rttSeconds float64) {
	m.ResponsesTotal.Inc()
	m.RTTSeconds.Observe(rttSeconds)
}

// SetPoissonSources sets the current Poisson source count.
func (m *Metrics) SetPoissonSources(n int) {
	m.PoissonSources.Set(float64(n))
}

// SetRateKnob sets the current target aggregate rate.
func (m *Metrics) SetRateKnob(qps float64) {
	m.RateKnob.Set(qps)
}

// SetActiveFlows sets the current connected-flow count.
func (m *Metrics) SetActiveFlows(n int) {
	m.ActiveFlows.Set(float64(n))
}

// SetInFlight sets the estimated in-flight query count.
func (m *Metrics) SetInFlight(n int) {
	m.InFlight.Set(float64(n))
}

// RecordFlowError records a per-flow transient error by kind (connect, handshake, send, read).
func (m *Metrics) RecordFlowError(kind string) {
	m.FlowErrors.WithLabelValues(kind).Inc()
}

// RecordRingOverwrite records a send that landed on a not-yet-matched ring slot.
func (m *Metrics) RecordRingOverwrite() {
	m.RingOverwrites.Inc()
}
