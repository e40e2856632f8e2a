package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agrisubsidy"

type httpMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	subsidydOnce     sync.Once
	subsidydRegistry *SubsidydMetrics
)

// HTTP returns the lazily-initialised registry recording API traffic.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by the rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelOr(route, "unknown")
	method = strings.ToUpper(labelOr(method, "GET"))
	m.requests.WithLabelValues(route, method, statusLabel(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for a route.
func (m *httpMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOr(route, "unknown")).Inc()
}

// SubsidydMetrics wraps collectors tracking the reconciliation pipeline.
type SubsidydMetrics struct {
	submissions    *prometheus.CounterVec
	phaseLatency   *prometheus.HistogramVec
	storeRetries   *prometheus.CounterVec
	intentsByState *prometheus.GaugeVec
	recoveries     *prometheus.CounterVec
	anomalies      *prometheus.CounterVec
	indexedEvents  *prometheus.CounterVec
	indexerHead    prometheus.Gauge
	streamClients  prometheus.Gauge
}

// Subsidyd exposes the metrics registry for the subsidy daemon.
func Subsidyd() *SubsidydMetrics {
	subsidydOnce.Do(func() {
		subsidydRegistry = &SubsidydMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recon",
				Name:      "submissions_total",
				Help:      "Reconciled submissions segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			phaseLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "recon",
				Name:      "phase_duration_seconds",
				Help:      "Latency of the ledger and store phases.",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			}, []string{"kind", "phase"}),
			storeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recon",
				Name:      "store_retries_total",
				Help:      "Record store write attempts that failed and were retried.",
			}, []string{"kind"}),
			intentsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "recon",
				Name:      "intents",
				Help:      "Number of journaled intents per state, refreshed by the sweeper.",
			}, []string{"state"}),
			recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recon",
				Name:      "recoveries_total",
				Help:      "Intents resumed by the sweeper, the indexer, or an operator.",
			}, []string{"trigger", "outcome"}),
			anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "anomalies_total",
				Help:      "Audit anomalies segmented by type.",
			}, []string{"type"}),
			indexedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "indexer",
				Name:      "events_total",
				Help:      "Contract events projected by the indexer.",
			}, []string{"event"}),
			indexerHead: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "indexer",
				Name:      "cursor_block",
				Help:      "Last block fully processed by the indexer.",
			}),
			streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "clients",
				Help:      "Connected websocket subscribers.",
			}),
		}
		prometheus.MustRegister(
			subsidydRegistry.submissions,
			subsidydRegistry.phaseLatency,
			subsidydRegistry.storeRetries,
			subsidydRegistry.intentsByState,
			subsidydRegistry.recoveries,
			subsidydRegistry.anomalies,
			subsidydRegistry.indexedEvents,
			subsidydRegistry.indexerHead,
			subsidydRegistry.streamClients,
		)
	})
	return subsidydRegistry
}

// RecordSubmission counts a finished submission.
func (m *SubsidydMetrics) RecordSubmission(kind, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(labelOr(kind, "unknown"), labelOr(outcome, "unknown")).Inc()
}

// ObservePhase records how long a reconciliation phase took.
func (m *SubsidydMetrics) ObservePhase(kind, phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseLatency.WithLabelValues(labelOr(kind, "unknown"), labelOr(phase, "unknown")).Observe(d.Seconds())
}

// RecordStoreRetry counts a failed store attempt that will be retried.
func (m *SubsidydMetrics) RecordStoreRetry(kind string) {
	if m == nil {
		return
	}
	m.storeRetries.WithLabelValues(labelOr(kind, "unknown")).Inc()
}

// SetIntentCounts replaces the per-state intent gauge.
func (m *SubsidydMetrics) SetIntentCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.intentsByState.Reset()
	for state, n := range counts {
		m.intentsByState.WithLabelValues(state).Set(float64(n))
	}
}

// RecordRecovery counts a resume attempt by trigger.
func (m *SubsidydMetrics) RecordRecovery(trigger, outcome string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(labelOr(trigger, "unknown"), labelOr(outcome, "unknown")).Inc()
}

// RecordAnomaly counts an audit anomaly.
func (m *SubsidydMetrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(labelOr(kind, "unknown")).Inc()
}

// RecordIndexedEvent counts a projected contract event.
func (m *SubsidydMetrics) RecordIndexedEvent(event string) {
	if m == nil {
		return
	}
	m.indexedEvents.WithLabelValues(labelOr(event, "unknown")).Inc()
}

// SetIndexerCursor publishes the indexer cursor block.
func (m *SubsidydMetrics) SetIndexerCursor(block uint64) {
	if m == nil {
		return
	}
	m.indexerHead.Set(float64(block))
}

// SetStreamClients publishes the websocket subscriber count.
func (m *SubsidydMetrics) SetStreamClients(n int) {
	if m == nil {
		return
	}
	m.streamClients.Set(float64(n))
}

func labelOr(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
