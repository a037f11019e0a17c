package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// MessagesProcessedTotal counts records that completed the full pipeline.
	MessagesProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cdc_messages_processed_total",
			Help: "Total number of CDC messages fully processed and committed",
		},
	)
	// MessagesSkippedTotal counts redeliveries suppressed by the dedup cache.
	MessagesSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cdc_messages_skipped_total",
			Help: "Total number of CDC messages skipped as recent duplicates",
		},
	)
	// MessagesDroppedTotal counts records rejected by the content-safety gate.
	MessagesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cdc_messages_dropped_total",
			Help: "Total number of CDC messages dropped by the input validation gate",
		},
	)
	// MessagesDeadLetteredTotal counts records routed to the dead-letter topic.
	MessagesDeadLetteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cdc_messages_dead_lettered_total",
			Help: "Total number of CDC messages published to the dead-letter topic",
		},
	)
	// ProcessingDuration tracks end-to-end per-message processing time.
	ProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cdc_message_processing_duration_seconds",
			Help:    "Per-message processing duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// AIRequestDuration tracks guidance-call latency per model.
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI guidance request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"model"},
	)
	// AITokensTotal accumulates total token usage reported by the provider.
	AITokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_total",
			Help: "Total tokens consumed by AI guidance calls",
		},
		[]string{"model"},
	)

	// DBUpdateDuration tracks guidance writeback latency.
	DBUpdateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_update_duration_seconds",
			Help:    "Database update duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"operation"},
	)

	// RetrievalAvailable reflects the retrieval breaker state (1 = available).
	RetrievalAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "retrieval_available",
			Help: "Whether the retrieval store is currently considered available",
		},
	)
)

// InitMetrics registers all pipeline metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(MessagesProcessedTotal)
	prometheus.MustRegister(MessagesSkippedTotal)
	prometheus.MustRegister(MessagesDroppedTotal)
	prometheus.MustRegister(MessagesDeadLetteredTotal)
	prometheus.MustRegister(ProcessingDuration)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(AITokensTotal)
	prometheus.MustRegister(DBUpdateDuration)
	prometheus.MustRegister(RetrievalAvailable)
	RetrievalAvailable.Set(1)
}
