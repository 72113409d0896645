// Package metrics exposes sensorcache's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components take an optional
// *Metrics without checking whether metrics are enabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sensorcache"

// Transport labels.
const (
	TransportWebsocket = "websocket"
	TransportHTTP      = "http"
	TransportTCP       = "tcp"
	TransportNATS      = "nats"
	TransportInternal  = "internal"
)

// Poll result labels.
const (
	PollHit     = "hit"
	PollEmpty   = "empty"
	PollSkipped = "skipped"
)

// Metrics holds all collectors.
type Metrics struct {
	// Ingestion
	batches         *prometheus.CounterVec // By transport and status (ok/error)
	samplesIngested *prometheus.CounterVec // By transport
	samplesSkipped  *prometheus.CounterVec // By transport
	samplesDropped  prometheus.Counter
	samplesEvicted  prometheus.Counter

	// Store
	fields prometheus.Gauge

	// Sessions
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	catchups       prometheus.Counter
	pushes         prometheus.Counter
	pushedSamples  prometheus.Counter
	polls          *prometheus.CounterVec // By result (hit/empty/skipped)

	// Queries
	queryDuration *prometheus.HistogramVec // By kind (range/latest/stats)

	// Snapshots
	snapshots *prometheus.CounterVec // By status (ok/error)
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the HTTP handler serving a registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// New creates and registers all collectors. A nil registerer disables
// metrics and returns nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil // Metrics disabled
	}

	m := &Metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "batches_total",
			Help:      "Total number of batches received",
		}, []string{"transport", "status"}),

		samplesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "samples_total",
			Help:      "Total number of samples appended to the store",
		}, []string{"transport"}),

		samplesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "samples_skipped_total",
			Help:      "Total number of malformed samples skipped",
		}, []string{"transport"}),

		samplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "samples_dropped_total",
			Help:      "Late samples older than everything a full field retains",
		}),

		samplesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "samples_evicted_total",
			Help:      "Samples removed by age-based eviction",
		}),

		fields: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "fields",
			Help:      "Number of fields in the store",
		}),

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Currently connected subscription sessions",
		}),

		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Total number of sessions opened",
		}),

		catchups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "catchups_total",
			Help:      "Total number of catch-up messages sent",
		}),

		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "pushes_total",
			Help:      "Total number of streaming data messages sent",
		}),

		pushedSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "pushed_samples_total",
			Help:      "Total number of samples delivered to subscribers",
		}),

		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "polls_total",
			Help:      "Store polls by result",
		}, []string{"result"}),

		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "One-shot query duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"kind"}),

		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "writes_total",
			Help:      "Disk cache snapshot writes by status",
		}, []string{"status"}),
	}

	for _, c := range []prometheus.Collector{
		m.batches, m.samplesIngested, m.samplesSkipped, m.samplesDropped, m.samplesEvicted,
		m.fields, m.sessionsActive, m.sessionsTotal, m.catchups, m.pushes, m.pushedSamples,
		m.polls, m.queryDuration, m.snapshots,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RecordBatch records one ingested batch.
func (m *Metrics) RecordBatch(transport string, ingested, skipped int, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.batches.WithLabelValues(transport, status).Inc()
	m.samplesIngested.WithLabelValues(transport).Add(float64(ingested))
	m.samplesSkipped.WithLabelValues(transport).Add(float64(skipped))
}

// RecordDropped records late samples dropped by a full field.
func (m *Metrics) RecordDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.samplesDropped.Add(float64(n))
}

// RecordEvicted records samples removed by age-based eviction.
func (m *Metrics) RecordEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.samplesEvicted.Add(float64(n))
}

// SetFields sets the number of fields in the store.
func (m *Metrics) SetFields(n int) {
	if m == nil {
		return
	}
	m.fields.Set(float64(n))
}

// SessionOpened records a new session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

// SessionClosed records a closed session.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// RecordCatchup records a catch-up message.
func (m *Metrics) RecordCatchup() {
	if m == nil {
		return
	}
	m.catchups.Inc()
}

// RecordPush records a streaming data message carrying n samples.
func (m *Metrics) RecordPush(n int) {
	if m == nil {
		return
	}
	m.pushes.Inc()
	m.pushedSamples.Add(float64(n))
}

// RecordPoll records the result of a store poll.
func (m *Metrics) RecordPoll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

// ObserveQuery records a query duration.
func (m *Metrics) ObserveQuery(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.queryDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordSnapshot records a snapshot write.
func (m *Metrics) RecordSnapshot(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.snapshots.WithLabelValues(status).Inc()
}
