// Package metrics exposes Prometheus collectors for the collection engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the collector.
type Metrics struct {
	Registry *prometheus.Registry

	CyclesTotal        *prometheus.CounterVec
	CycleDuration      prometheus.Histogram
	InstrumentsTracked prometheus.Gauge
	QuotesTotal        prometheus.Counter
	BatchesTotal       prometheus.Counter
	BatchesFailed      prometheus.Counter
	ChangeEvents       *prometheus.CounterVec
	Notifications      *prometheus.CounterVec
	PersistErrors      *prometheus.CounterVec
	Phase              prometheus.Gauge
}

// New creates and registers all metrics on a fresh registry, along with the
// standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "circuitwatch_cycles_total",
			Help: "Collection cycles by result (ok, market_closed, skipped, failed)",
		}, []string{"result"}),

		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "circuitwatch_cycle_duration_seconds",
			Help:    "Wall time of collection cycles that polled the market",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
		}),

		InstrumentsTracked: f.NewGauge(prometheus.GaugeOpts{
			Name: "circuitwatch_instruments_tracked",
			Help: "Instruments in the resolved universe of the last cycle",
		}),

		QuotesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "circuitwatch_quotes_total",
			Help: "Quotes obtained from the broker",
		}),

		BatchesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "circuitwatch_batches_total",
			Help: "Quote batches attempted",
		}),

		BatchesFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "circuitwatch_batches_failed_total",
			Help: "Quote batches that failed",
		}),

		ChangeEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "circuitwatch_change_events_total",
			Help: "Circuit limit change events by severity",
		}, []string{"severity"}),

		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "circuitwatch_notifications_total",
			Help: "Notification groups by outcome (delivered, suppressed)",
		}, []string{"outcome"}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "circuitwatch_persist_errors_total",
			Help: "Persistence failures by record kind",
		}, []string{"kind"}),

		Phase: f.NewGauge(prometheus.GaugeOpts{
			Name: "circuitwatch_phase",
			Help: "Current orchestrator phase (0 idle, 1 market check, 2 collecting, 3 persisting, 4 notifying)",
		}),
	}
}

// RecordCycle counts a cycle outcome.
func (m *Metrics) RecordCycle(result string) {
	m.CyclesTotal.WithLabelValues(result).Inc()
}

// RecordPersistError counts a failed record write.
func (m *Metrics) RecordPersistError(kind string) {
	m.PersistErrors.WithLabelValues(kind).Inc()
}
