package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the borrowing engine.
type Metrics struct {
	EventsApplied      *prometheus.CounterVec
	EventsRejected     *prometheus.CounterVec
	SettlementsTotal   *prometheus.CounterVec
	ReassignmentsTotal prometheus.Counter
	GroupOpenInterest  *prometheus.GaugeVec
	FeeQueryDuration   prometheus.Histogram

	PersistBatchSize    prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	PersistRowsWritten  *prometheus.CounterVec
	PersistErrors       *prometheus.CounterVec
	PersistLastSequence prometheus.Gauge
}

// NewMetrics registers all instruments on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "borrow_events_applied_total",
			Help: "Events applied to the engine, by event type.",
		}, []string{"event_type"}),
		EventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "borrow_events_rejected_total",
			Help: "Events rejected by the engine, by event type and reason.",
		}, []string{"event_type", "reason"}),
		SettlementsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "borrow_settlements_total",
			Help: "Accumulator settlements performed, by entity kind.",
		}, []string{"entity"}),
		ReassignmentsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "borrow_reassignments_total",
			Help: "Pair-to-group reassignments recorded.",
		}),
		GroupOpenInterest: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "borrow_group_open_interest",
			Help: "Current open interest tracked per group and side.",
		}, []string{"group", "side"}),
		FeeQueryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "borrow_fee_query_duration_seconds",
			Help:    "Latency of borrowing-fee resolution queries.",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10),
		}),
		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "borrow_persist_batch_size",
			Help:    "Number of outputs flushed per persistence batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "borrow_persist_batch_duration_seconds",
			Help:    "Time spent writing a persistence batch.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		PersistRowsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "borrow_persist_rows_written_total",
			Help: "Rows written to storage, by table.",
		}, []string{"table"}),
		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "borrow_persist_errors_total",
			Help: "Failed persistence operations, by stage.",
		}, []string{"stage"}),
		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "borrow_persist_last_sequence",
			Help: "Highest event-log sequence confirmed written.",
		}),
	}
}
