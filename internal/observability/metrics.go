// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric when no namespace is given.
const DefaultNamespace = "discovery"

// Metrics holds all Prometheus metrics for the service. All Record and
// Set helpers are safe to call on a nil receiver, so instrumentation is
// optional for every component.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Aggregator metrics
	TokensDiscovered   *prometheus.CounterVec
	Confirmations      *prometheus.CounterVec
	DuplicatesFiltered prometheus.Counter
	HighConfidence     prometheus.Counter
	InvalidTokens      *prometheus.CounterVec
	RateLimited        *prometheus.CounterVec
	RecordsLive        prometheus.Gauge
	RecordsExpired     prometheus.Counter
	RecordsEvicted     prometheus.Counter
	ProcessingLatency  prometheus.Histogram

	// Source metrics
	SourceErrors  *prometheus.CounterVec
	SourceHealthy *prometheus.GaugeVec

	// Queue metrics
	QueueDepth     prometheus.Gauge
	QueueEvicted   prometheus.Counter
	QueueBusy      prometheus.Counter
	QueueRejected  prometheus.Counter
	QueueProcessed prometheus.Counter
	QueueFailures  prometheus.Counter
	HandlerLatency prometheus.Histogram

	// Journal metrics
	JournalAppended      prometheus.Counter
	JournalFlushFailures prometheus.Counter
}

// NewMetrics creates a Metrics instance with all metrics registered on
// reg. A nil reg gets a private registry, which keeps tests isolated
// from each other.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	gatherer := prometheus.Gatherer(prometheus.DefaultGatherer)
	if reg == nil {
		r := prometheus.NewRegistry()
		reg = r
		gatherer = r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: gatherer,

		// Aggregator metrics
		TokensDiscovered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "tokens_discovered_total",
			Help:      "Total number of brand-new token records created by source",
		}, []string{"source"}),
		Confirmations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "confirmations_total",
			Help:      "Total number of cross-source confirmations by confirming source",
		}, []string{"source"}),
		DuplicatesFiltered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "duplicates_filtered_total",
			Help:      "Total number of reports for already-known mints, confirmations included",
		}),
		HighConfidence: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "high_confidence_total",
			Help:      "Total number of records promoted to high confidence",
		}),
		InvalidTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "invalid_tokens_total",
			Help:      "Total number of discoveries rejected by validation by source",
		}, []string{"source"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "rate_limited_total",
			Help:      "Total number of discoveries dropped by the per-source rate limiter",
		}, []string{"source"}),
		RecordsLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "records_live",
			Help:      "Current number of records inside the dedup window",
		}),
		RecordsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "records_expired_total",
			Help:      "Total number of records evicted after the dedup window lapsed",
		}),
		RecordsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "records_evicted_total",
			Help:      "Total number of records evicted early because the cache hit capacity",
		}),
		ProcessingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "processing_latency_seconds",
			Help:      "Discovery processing latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 10, 8),
		}),

		// Source metrics
		SourceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "errors_total",
			Help:      "Total number of feed-level errors reported by source",
		}, []string{"source"}),
		SourceHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "healthy",
			Help:      "Whether the source circuit is closed (1) or open (0)",
		}, []string{"source"}),

		// Queue metrics
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of items waiting for analysis",
		}),
		QueueEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "evicted_total",
			Help:      "Total number of items dropped by overflow eviction",
		}),
		QueueBusy: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "busy_total",
			Help:      "Total number of enqueue attempts rejected on lock timeout",
		}),
		QueueRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "rejected_total",
			Help:      "Total number of enqueue attempts dropped by the producer",
		}),
		QueueProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Total number of items handled successfully",
		}),
		QueueFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "failures_total",
			Help:      "Total number of handler invocations that returned an error",
		}),
		HandlerLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "handler_latency_seconds",
			Help:      "Analysis handler latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		// Journal metrics
		JournalAppended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "events_appended_total",
			Help:      "Total number of events written to the journal",
		}),
		JournalFlushFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "flush_failures_total",
			Help:      "Total number of journal batch flushes that failed",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint backed by
// this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordDiscovered increments the new-token counter for source.
func (m *Metrics) RecordDiscovered(source string) {
	if m == nil {
		return
	}
	m.TokensDiscovered.WithLabelValues(source).Inc()
}

// RecordConfirmed counts a confirmation, which is also a filtered duplicate.
func (m *Metrics) RecordConfirmed(source string) {
	if m == nil {
		return
	}
	m.Confirmations.WithLabelValues(source).Inc()
	m.DuplicatesFiltered.Inc()
}

// RecordDuplicate counts a pure duplicate report.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.DuplicatesFiltered.Inc()
}

// RecordPromoted counts a promotion to high confidence.
func (m *Metrics) RecordPromoted() {
	if m == nil {
		return
	}
	m.HighConfidence.Inc()
}

// RecordInvalidToken counts a validation rejection for source.
func (m *Metrics) RecordInvalidToken(source string) {
	if m == nil {
		return
	}
	m.InvalidTokens.WithLabelValues(source).Inc()
}

// RecordRateLimited counts a rate-limited drop for source.
func (m *Metrics) RecordRateLimited(source string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(source).Inc()
}

// SetLiveRecords updates the live record gauge.
func (m *Metrics) SetLiveRecords(n int) {
	if m == nil {
		return
	}
	m.RecordsLive.Set(float64(n))
}

// RecordExpired counts records evicted by window expiry.
func (m *Metrics) RecordExpired(n int) {
	if m == nil {
		return
	}
	m.RecordsExpired.Add(float64(n))
}

// RecordCapacityEviction counts a record evicted at cache capacity.
func (m *Metrics) RecordCapacityEviction() {
	if m == nil {
		return
	}
	m.RecordsEvicted.Inc()
}

// ObserveProcessing records one discovery processing duration.
func (m *Metrics) ObserveProcessing(seconds float64) {
	if m == nil {
		return
	}
	m.ProcessingLatency.Observe(seconds)
}

// RecordSourceError counts a feed-level error for source.
func (m *Metrics) RecordSourceError(source string) {
	if m == nil {
		return
	}
	m.SourceErrors.WithLabelValues(source).Inc()
}

// SetSourceHealthy updates the health gauge for source.
func (m *Metrics) SetSourceHealthy(source string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.SourceHealthy.WithLabelValues(source).Set(v)
}

// SetQueueDepth updates the queue depth gauge.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordQueueEvicted counts items dropped by overflow eviction.
func (m *Metrics) RecordQueueEvicted(n int) {
	if m == nil {
		return
	}
	m.QueueEvicted.Add(float64(n))
}

// RecordQueueBusy counts an enqueue rejected on lock timeout.
func (m *Metrics) RecordQueueBusy() {
	if m == nil {
		return
	}
	m.QueueBusy.Inc()
}

// RecordQueueRejected counts an enqueue the producer dropped.
func (m *Metrics) RecordQueueRejected() {
	if m == nil {
		return
	}
	m.QueueRejected.Inc()
}

// RecordQueueProcessed counts a successfully handled item.
func (m *Metrics) RecordQueueProcessed() {
	if m == nil {
		return
	}
	m.QueueProcessed.Inc()
}

// RecordQueueFailure counts a handler error.
func (m *Metrics) RecordQueueFailure() {
	if m == nil {
		return
	}
	m.QueueFailures.Inc()
}

// ObserveQueueHandler records one handler duration.
func (m *Metrics) ObserveQueueHandler(seconds float64) {
	if m == nil {
		return
	}
	m.HandlerLatency.Observe(seconds)
}

// RecordJournalAppended counts events written to the journal.
func (m *Metrics) RecordJournalAppended(n int) {
	if m == nil {
		return
	}
	m.JournalAppended.Add(float64(n))
}

// RecordJournalFailure counts a failed journal flush.
func (m *Metrics) RecordJournalFailure() {
	if m == nil {
		return
	}
	m.JournalFlushFailures.Inc()
}
