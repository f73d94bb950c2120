package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Flow lifecycle metrics
	FlowsCreated         *prometheus.CounterVec
	TransitionsCommitted *prometheus.CounterVec
	StaleTransitions     *prometheus.CounterVec
	PendingFlows         prometheus.Gauge

	// Realtime hub metrics
	SessionsOpen       prometheus.Gauge
	SessionsSuperseded prometheus.Counter
	EventsDelivered    *prometheus.CounterVec
	EventsDropped      *prometheus.CounterVec

	// Signaling relay metrics
	SignalsRelayed     *prometheus.CounterVec
	SignalsDropped     prometheus.Counter
	CandidatesBuffered prometheus.Gauge

	// Push outbox metrics
	OutboxEventsProcessed   prometheus.Counter
	OutboxEventsFailed      prometheus.Counter
	OutboxProcessingLatency prometheus.Histogram
	OutboxRetries           *prometheus.CounterVec

	// Database metrics
	DatabaseOperations *prometheus.CounterVec
}

// NewMetrics creates and registers all application metrics
func NewMetrics(namespace, subsystem string) *Metrics {
	return &Metrics{
		FlowsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flows_created_total",
			Help:      "Total number of flows created, by action type",
		}, []string{"action_type"}),
		TransitionsCommitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flow_transitions_total",
			Help:      "Total number of committed terminal transitions",
		}, []string{"status"}),
		StaleTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flow_stale_transitions_total",
			Help:      "Total number of transition attempts that lost the terminal race",
		}, []string{"attempted"}),
		PendingFlows: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flows_pending",
			Help:      "Current number of pending flows",
		}),

		SessionsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "realtime_sessions_open",
			Help:      "Current number of open realtime sessions",
		}),
		SessionsSuperseded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "realtime_sessions_superseded_total",
			Help:      "Total number of sessions replaced by a newer session for the same party",
		}),
		EventsDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "realtime_events_delivered_total",
			Help:      "Total number of events delivered to realtime sessions",
		}, []string{"event"}),
		EventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "realtime_events_dropped_total",
			Help:      "Total number of events dropped (offline party or full send queue)",
		}, []string{"reason"}),

		SignalsRelayed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "signaling_messages_relayed_total",
			Help:      "Total number of signaling messages forwarded between parties",
		}, []string{"type"}),
		SignalsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "signaling_messages_dropped_total",
			Help:      "Total number of signaling messages dropped for non-answered flows",
		}),
		CandidatesBuffered: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "signaling_candidates_buffered",
			Help:      "ICE candidates currently held waiting for a remote description",
		}),

		OutboxEventsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_events_processed_total",
			Help:      "Total number of successfully processed outbox events",
		}),
		OutboxEventsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_events_failed_total",
			Help:      "Total number of failed outbox events",
		}),
		OutboxProcessingLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_processing_duration_seconds",
			Help:      "Time spent processing outbox events",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		OutboxRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_retry_attempts_total",
			Help:      "Total number of retry attempts for outbox events",
		}, []string{"event_type"}),

		DatabaseOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
	}
}
