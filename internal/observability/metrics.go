package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central collection of Prometheus instruments.
//
// Tracks job throughput per type, active slots per user, WS fan-out, LLM call
// latencies and token consumption, and database write latency. Served at
// /metrics by the gateway.
type Metrics struct {
	// JobsSubmitted counts submissions by type and initial status.
	// Labels: job_type, status (pending|queued)
	JobsSubmitted *prometheus.CounterVec

	// JobsCompleted counts terminal transitions by type and outcome.
	// Labels: job_type, status (done|failed|cancelled|interrupted)
	JobsCompleted *prometheus.CounterVec

	// ActiveSlots gauges currently running jobs.
	ActiveSlots prometheus.Gauge

	// QueuedJobs gauges jobs waiting for a slot.
	QueuedJobs prometheus.Gauge

	// WSConnections gauges live WebSocket connections.
	WSConnections prometheus.Gauge

	// WSMessagesSent counts fan-out deliveries by frame type.
	// Labels: type
	WSMessagesSent *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM calls by outcome.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed counts tokens by direction.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// StoreWriteDuration measures persistence latency in seconds.
	// Labels: table
	StoreWriteDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all instruments on the default registry.
// Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		JobsSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gauntlet_jobs_submitted_total",
				Help: "Jobs submitted by type and initial status",
			},
			[]string{"job_type", "status"},
		),
		JobsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gauntlet_jobs_completed_total",
				Help: "Jobs reaching a terminal status by type and outcome",
			},
			[]string{"job_type", "status"},
		),
		ActiveSlots: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gauntlet_active_slots",
			Help: "Currently running jobs across all users",
		}),
		QueuedJobs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gauntlet_queued_jobs",
			Help: "Jobs waiting for a concurrency slot",
		}),
		WSConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gauntlet_ws_connections",
			Help: "Live WebSocket connections",
		}),
		WSMessagesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gauntlet_ws_messages_total",
				Help: "WebSocket frames delivered by type",
			},
			[]string{"type"},
		),
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gauntlet_llm_request_duration_seconds",
				Help:    "Duration of LLM calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gauntlet_llm_requests_total",
				Help: "LLM calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gauntlet_llm_tokens_total",
				Help: "Tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		StoreWriteDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gauntlet_store_write_duration_seconds",
				Help:    "Persistence write latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"table"},
		),
	}
}
